package relay

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// sockaddr converts an IPv4 address into a unix socket address.
func sockaddr(ap netip.AddrPort) *unix.SockaddrInet4 {
	return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}
}

// newUDPSocket creates an IPv4 datagram socket.
func newUDPSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("failed to create socket: %w", err)
	}
	return fd, nil
}

// bindUDP creates a datagram socket bound to ap and returns it with the
// actually bound address (resolving port 0).
func bindUDP(ap netip.AddrPort) (int, netip.AddrPort, error) {
	fd, err := newUDPSocket()
	if err != nil {
		return -1, ap, err
	}
	if err := unix.Bind(fd, sockaddr(ap)); err != nil {
		unix.Close(fd)
		return -1, ap, fmt.Errorf("failed to bind address %s: %w", ap, err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, ap, fmt.Errorf("failed to read bound address: %w", err)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		return -1, ap, fmt.Errorf("unexpected socket address %T", sa)
	}
	return fd, netip.AddrPortFrom(netip.AddrFrom4(in4.Addr), uint16(in4.Port)), nil
}

// closeFd closes fd if it is open and marks it closed.
func closeFd(fd *int) error {
	if *fd < 0 {
		return nil
	}
	err := unix.Close(*fd)
	*fd = -1
	return err
}

// wouldBlock reports errors that only mean "nothing to do right now".
func wouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}
