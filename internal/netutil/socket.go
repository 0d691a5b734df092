// File: internal/netutil/socket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package netutil wraps the raw socket creation, bind/listen/accept, and
// address-formatting calls the acceptor and connection layers need. All
// sockets are non-blocking and close-on-exec from birth.

package netutil

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// CreateNonblockingSocket opens a non-blocking, close-on-exec TCP/IPv4
// socket, ready for SetSockOpt/Bind/Listen.
func CreateNonblockingSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("netutil: socket: %w", err)
	}
	return fd, nil
}

// BindAndListen binds fd to ip:port and starts listening with the kernel's
// maximum backlog. reusePort additionally sets SO_REUSEPORT; SO_REUSEADDR
// is always set.
func BindAndListen(fd int, ip string, port int, reusePort bool) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("netutil: SO_REUSEADDR: %w", err)
	}
	if reusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return fmt.Errorf("netutil: SO_REUSEPORT: %w", err)
		}
	}

	addr := unix.SockaddrInet4{Port: port}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return fmt.Errorf("netutil: invalid listen address %q", ip)
	}
	v4 := parsed.To4()
	if v4 == nil {
		return fmt.Errorf("netutil: only IPv4 listen addresses are supported, got %q", ip)
	}
	copy(addr.Addr[:], v4)

	if err := unix.Bind(fd, &addr); err != nil {
		return fmt.Errorf("netutil: bind: %w", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fmt.Errorf("netutil: listen: %w", err)
	}
	return nil
}

// Accept4 accepts one pending connection off the listening fd, already
// non-blocking and close-on-exec, returning the peer's address alongside
// the new fd.
func Accept4(listenFd int) (fd int, peer unix.Sockaddr, err error) {
	return unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
}

// SetTCPNoDelay toggles Nagle's algorithm on fd.
func SetTCPNoDelay(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}

// FormatSockaddr renders a unix.Sockaddr as "ip:port", matching the
// host:port strings the rest of the system (connection ids, logging) uses.
func FormatSockaddr(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(a.Addr[:])
		return fmt.Sprintf("%s:%d", ip.String(), a.Port)
	case *unix.SockaddrInet6:
		ip := net.IP(a.Addr[:])
		return fmt.Sprintf("[%s]:%d", ip.String(), a.Port)
	default:
		return "unknown"
	}
}

// LocalAddr reads back the address the kernel actually bound fd to
// (needed after an ephemeral bind, and to report a connection's local
// address once accepted).
func LocalAddr(fd int) (string, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", err
	}
	return FormatSockaddr(sa), nil
}

// Close closes a raw file descriptor.
func Close(fd int) error {
	return unix.Close(fd)
}

// OpenSpareDescriptor opens /dev/null, reserved by the acceptor so that on
// EMFILE it can be closed to free one descriptor for a shed-accept.
func OpenSpareDescriptor() (int, error) {
	fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	return fd, nil
}
