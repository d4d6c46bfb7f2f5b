// Package socket is a thin layer over raw UDP sockets. The probe loops own
// their socket exclusively for the session lifetime, so everything here is a
// plain fd wrapper without internal locking.
package socket

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// ErrTimeout is returned by RecvFrom when the read timeout elapses with no
// datagram; the caller uses it to re-check its session deadline.
var ErrTimeout = errors.New("receive timed out")

// UDPConn is an exclusively-owned datagram socket.
type UDPConn struct {
	fd   int
	peer unix.Sockaddr
}

// Open binds a UDP socket on local. A non-nil peer becomes the fixed Send
// destination.
func Open(local, peer *net.UDPAddr) (*UDPConn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	c := &UDPConn{fd: fd}
	if local != nil {
		if err := unix.Bind(fd, Addr(local)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("bind %s: %w", local, err)
		}
	}
	if peer != nil {
		c.peer = Addr(peer)
	}
	return c, nil
}

// SetReadTimeout bounds every RecvFrom call so receive loops can poll their
// deadline even with no incoming traffic.
func (c *UDPConn) SetReadTimeout(d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	if err := unix.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("setsockopt SO_RCVTIMEO: %w", err)
	}
	return nil
}

func (c *UDPConn) Send(buf []byte) error {
	if err := unix.Sendto(c.fd, buf, 0, c.peer); err != nil {
		return fmt.Errorf("sendto: %w", err)
	}
	return nil
}

func (c *UDPConn) RecvFrom(buf []byte) (int, unix.Sockaddr, error) {
	n, from, err := unix.Recvfrom(c.fd, buf, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return 0, nil, ErrTimeout
		}
		return 0, nil, fmt.Errorf("recvfrom: %w", err)
	}
	return n, from, nil
}

func (c *UDPConn) Close() error {
	return unix.Close(c.fd)
}

// IsTransient reports whether a send error is an expected mobile-link
// disruption worth retrying, as opposed to a programming or setup error.
func IsTransient(err error) bool {
	for _, errno := range []unix.Errno{
		unix.ENETUNREACH,
		unix.EHOSTUNREACH,
		unix.ENETDOWN,
		unix.EHOSTDOWN,
		unix.ECONNREFUSED,
		unix.ENOBUFS,
		unix.EAGAIN,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

func Addr(x *net.UDPAddr) unix.Sockaddr {
	ip4 := x.IP.To4()
	if ip4 != nil || x.IP == nil {
		res := &unix.SockaddrInet4{Port: x.Port}
		copy(res.Addr[:], ip4)
		return res
	}
	res := &unix.SockaddrInet6{Port: x.Port}
	copy(res.Addr[:], x.IP.To16())
	return res
}

// AddrPort splits a source address into the textual IP and port recorded in
// the collector log.
func AddrPort(sa unix.Sockaddr) (string, int) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(v.Addr[:]).String(), v.Port
	case *unix.SockaddrInet6:
		return net.IP(v.Addr[:]).String(), v.Port
	default:
		return "", 0
	}
}

func AddrToString(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", net.IP(v.Addr[:]), v.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(v.Addr[:]), v.Port)
	default:
		return fmt.Sprintf("%v", sa)
	}
}
