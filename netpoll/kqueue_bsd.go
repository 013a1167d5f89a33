//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package netpoll

import (
	"golang.org/x/sys/unix"
)

// kqueuePoller implements Poller on top of kqueue(2). Read and write
// interests are separate kevent filters, so Add/Mod register or delete the
// two filters independently.
type kqueuePoller struct {
	kqfd    int
	scratch []unix.Kevent_t
}

// OpenPoller creates the platform poller.
func OpenPoller() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kqfd)
	return &kqueuePoller{
		kqfd:    kqfd,
		scratch: make([]unix.Kevent_t, 128),
	}, nil
}

func (p *kqueuePoller) apply(fd int, kind EventKind) error {
	var changes [2]unix.Kevent_t

	readFlags := unix.EV_DELETE
	if kind&EventRead != 0 {
		readFlags = unix.EV_ADD
	}
	unix.SetKevent(&changes[0], fd, unix.EVFILT_READ, readFlags)

	writeFlags := unix.EV_DELETE
	if kind&EventWrite != 0 {
		writeFlags = unix.EV_ADD
	}
	unix.SetKevent(&changes[1], fd, unix.EVFILT_WRITE, writeFlags)

	for i := range changes {
		// Deleting a filter that was never added reports ENOENT; that is
		// the expected state for the unused half of the interest set.
		if _, err := unix.Kevent(p.kqfd, changes[i:i+1], nil, nil); err != nil && err != unix.ENOENT {
			return err
		}
	}
	return nil
}

func (p *kqueuePoller) Add(fd int, kind EventKind) error {
	return p.apply(fd, kind)
}

func (p *kqueuePoller) Mod(fd int, kind EventKind) error {
	return p.apply(fd, kind)
}

func (p *kqueuePoller) Delete(fd int) error {
	return p.apply(fd, 0)
}

func (p *kqueuePoller) Wait(timeoutMs int, events []Event) (int, error) {
	if len(p.scratch) < len(events) {
		p.scratch = make([]unix.Kevent_t, len(events))
	}

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}

	n, err := unix.Kevent(p.kqfd, nil, p.scratch[:len(events)], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	for i := 0; i < n; i++ {
		ev := &p.scratch[i]
		events[i] = Event{
			FD:       int(ev.Ident),
			Readable: ev.Filter == unix.EVFILT_READ,
			Writable: ev.Filter == unix.EVFILT_WRITE,
			Closed:   ev.Flags&unix.EV_EOF != 0 || ev.Flags&unix.EV_ERROR != 0,
		}
	}
	return n, nil
}

func (p *kqueuePoller) Close() error {
	return unix.Close(p.kqfd)
}
