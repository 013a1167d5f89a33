//go:build linux

package netpoll

import (
	"testing"

	"golang.org/x/sys/unix"
)

func openPipe(t *testing.T) (int, int) {
	t.Helper()
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestPollerReadReadiness(t *testing.T) {
	poller, err := OpenPoller()
	if err != nil {
		t.Fatalf("open poller: %v", err)
	}
	defer poller.Close()

	rfd, wfd := openPipe(t)
	if err := poller.Add(rfd, EventRead); err != nil {
		t.Fatalf("add: %v", err)
	}

	events := make([]Event, 8)

	// Nothing pending yet: the wait times out empty.
	n, err := poller.Wait(10, events)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no events, got %d", n)
	}

	if _, err := unix.Write(wfd, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	n, err = poller.Wait(1000, events)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one event, got %d", n)
	}
	if events[0].FD != rfd || !events[0].Readable {
		t.Fatalf("unexpected event %+v", events[0])
	}
}

func TestPollerDelete(t *testing.T) {
	poller, err := OpenPoller()
	if err != nil {
		t.Fatalf("open poller: %v", err)
	}
	defer poller.Close()

	rfd, wfd := openPipe(t)
	if err := poller.Add(rfd, EventRead); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := poller.Delete(rfd); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := unix.Write(wfd, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	events := make([]Event, 8)
	n, err := poller.Wait(10, events)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if n != 0 {
		t.Fatalf("deleted fd still reported, got %d events", n)
	}
}

func TestPollerWriteReadiness(t *testing.T) {
	poller, err := OpenPoller()
	if err != nil {
		t.Fatalf("open poller: %v", err)
	}
	defer poller.Close()

	_, wfd := openPipe(t)
	if err := poller.Add(wfd, EventWrite); err != nil {
		t.Fatalf("add: %v", err)
	}

	// An empty pipe is immediately writable.
	events := make([]Event, 8)
	n, err := poller.Wait(1000, events)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if n != 1 || events[0].FD != wfd || !events[0].Writable {
		t.Fatalf("expected writable event for %d, got %d events %+v", wfd, n, events[0])
	}
}
