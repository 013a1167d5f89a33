// Package netpoll provides a portable readiness-multiplexing interface over
// the platform event notification facility: epoll on Linux, kqueue on
// Darwin and the BSDs. The reactor algorithms in the net package are written
// once against the Poller interface; the backend is selected at build time.
package netpoll

// EventKind is a bitmask of readiness interests.
type EventKind uint32

const (
	// EventRead requests read-readiness notification.
	EventRead EventKind = 1 << iota
	// EventWrite requests write-readiness notification.
	EventWrite
)

// Event is one readiness notification returned by Wait.
type Event struct {
	FD       int
	Readable bool
	Writable bool
	// Closed reports an error or hang-up condition on the descriptor.
	// Callers treat it like readability: the next read surfaces the error.
	Closed bool
}

// Poller is the readiness multiplexer. Implementations are safe for
// concurrent Add/Mod/Delete against one goroutine blocked in Wait.
type Poller interface {
	// Add registers fd for the given interests.
	Add(fd int, kind EventKind) error

	// Mod replaces the interests registered for fd.
	Mod(fd int, kind EventKind) error

	// Delete removes fd from the poller.
	Delete(fd int) error

	// Wait blocks up to timeoutMs (negative blocks indefinitely, zero
	// polls) and fills events with ready descriptors, returning the
	// count. Interrupted waits return 0 rather than an error; callers
	// must tolerate spurious empty wakeups by retrying.
	Wait(timeoutMs int, events []Event) (int, error)

	// Close releases the poller. Registered descriptors are not closed.
	Close() error
}
