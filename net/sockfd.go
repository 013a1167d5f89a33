package net

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const invalidSocket = -1

// socketFD is an owning wrapper around a socket descriptor with close-once
// semantics: the descriptor is atomically swapped to the invalid sentinel on
// Close, so a double close or a use after close cannot touch a recycled fd.
type socketFD struct {
	fd atomic.Int32
}

func newSocketFD(fd int) *socketFD {
	s := &socketFD{}
	s.fd.Store(int32(fd))
	return s
}

// FD returns the descriptor, or invalidSocket after Close.
func (s *socketFD) FD() int {
	return int(s.fd.Load())
}

// Close releases the descriptor. Only the first call closes; subsequent
// calls are no-ops returning nil.
func (s *socketFD) Close() error {
	fd := s.fd.Swap(invalidSocket)
	if fd == invalidSocket {
		return nil
	}
	return unix.Close(int(fd))
}

// newTCPSocket creates a non-inheritable IPv4 stream socket.
func newTCPSocket() (int, error) {
	return unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
}

// newUDPSocket creates a non-inheritable IPv4 datagram socket.
func newUDPSocket() (int, error) {
	return unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
}

// setNonblock switches fd to non-blocking mode.
func setNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

// resolveIPv4 resolves a hostname or dotted-quad string to an IPv4 address.
func resolveIPv4(host string) ([4]byte, error) {
	var addr [4]byte

	if ip := net.ParseIP(host); ip != nil {
		ip4 := ip.To4()
		if ip4 == nil {
			return addr, fmt.Errorf("address %s is not IPv4", host)
		}
		copy(addr[:], ip4)
		return addr, nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return addr, fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			copy(addr[:], ip4)
			return addr, nil
		}
	}
	return addr, fmt.Errorf("no IPv4 address for %s", host)
}

// sockaddrInet4 builds an IPv4 socket address from host and port.
func sockaddrInet4(host string, port int) (*unix.SockaddrInet4, error) {
	addr, err := resolveIPv4(host)
	if err != nil {
		return nil, err
	}
	return &unix.SockaddrInet4{Port: port, Addr: addr}, nil
}

// sockaddrHostPort renders a peer socket address as host:port text.
func sockaddrHostPort(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	default:
		return "unknown"
	}
}

// boundPort reports the local port fd is bound to, resolving port 0 binds.
func boundPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, err
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	case *unix.SockaddrInet6:
		return a.Port, nil
	default:
		return 0, fmt.Errorf("unexpected sockaddr type %T", sa)
	}
}
