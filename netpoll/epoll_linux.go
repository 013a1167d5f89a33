//go:build linux

package netpoll

import (
	"golang.org/x/sys/unix"
)

// epollPoller implements Poller on top of epoll(7).
type epollPoller struct {
	epfd    int
	scratch []unix.EpollEvent
}

// OpenPoller creates the platform poller.
func OpenPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{
		epfd:    epfd,
		scratch: make([]unix.EpollEvent, 128),
	}, nil
}

func epollEvents(kind EventKind) uint32 {
	var ev uint32
	if kind&EventRead != 0 {
		ev |= unix.EPOLLIN
	}
	if kind&EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *epollPoller) Add(fd int, kind EventKind) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: epollEvents(kind),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) Mod(fd int, kind EventKind) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: epollEvents(kind),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) Delete(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Wait(timeoutMs int, events []Event) (int, error) {
	if len(p.scratch) < len(events) {
		p.scratch = make([]unix.EpollEvent, len(events))
	}

	n, err := unix.EpollWait(p.epfd, p.scratch[:len(events)], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	for i := 0; i < n; i++ {
		ev := &p.scratch[i]
		events[i] = Event{
			FD:       int(ev.Fd),
			Readable: ev.Events&unix.EPOLLIN != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
			Closed:   ev.Events&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
		}
	}
	return n, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}
