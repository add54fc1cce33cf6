//go:build linux || darwin || freebsd

package probe

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/tkjaer/mtrng/internal/codec"
	"golang.org/x/sys/unix"
)

// rawConn is a non-blocking raw ICMP socket. IPv4 reads include the IP
// header; IPv6 reads start at the ICMPv6 header.
type rawConn struct {
	fd     int
	family codec.Family
}

func listen(family codec.Family) (*rawConn, error) {
	domain, proto := unix.AF_INET, unix.IPPROTO_ICMP
	if family == codec.IPv6 {
		domain, proto = unix.AF_INET6, unix.IPPROTO_ICMPV6
	}
	fd, err := unix.Socket(domain, unix.SOCK_RAW, proto)
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set non-blocking: %w", err)
	}
	return &rawConn{fd: fd, family: family}, nil
}

func (c *rawConn) SetTTL(ttl int) error {
	if c.family == codec.IPv6 {
		return unix.SetsockoptInt(c.fd, unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, ttl)
	}
	return unix.SetsockoptInt(c.fd, unix.IPPROTO_IP, unix.IP_TTL, ttl)
}

func (c *rawConn) WriteTo(b []byte, dst netip.Addr) error {
	var sa unix.Sockaddr
	if c.family == codec.IPv6 {
		sa = &unix.SockaddrInet6{Addr: dst.As16()}
	} else {
		sa = &unix.SockaddrInet4{Addr: dst.As4()}
	}
	return unix.Sendto(c.fd, b, 0, sa)
}

func (c *rawConn) ReadFrom(b []byte) (int, netip.Addr, error) {
	n, from, err := unix.Recvfrom(c.fd, b, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return 0, netip.Addr{}, ErrWouldBlock
		}
		return 0, netip.Addr{}, err
	}
	var addr netip.Addr
	switch sa := from.(type) {
	case *unix.SockaddrInet4:
		addr = netip.AddrFrom4(sa.Addr)
	case *unix.SockaddrInet6:
		addr = netip.AddrFrom16(sa.Addr).Unmap()
	}
	return n, addr, nil
}

func (c *rawConn) Wait(timeout time.Duration) error {
	return pollFds([]int{c.fd}, timeout)
}

func (c *rawConn) Close() error {
	return unix.Close(c.fd)
}

// pollConns waits on several raw sockets at once. It reports false when any
// of the conns is not a raw socket.
func pollConns(conns []Conn, timeout time.Duration) (bool, error) {
	fds := make([]int, 0, len(conns))
	for _, c := range conns {
		rc, ok := c.(*rawConn)
		if !ok {
			return false, nil
		}
		fds = append(fds, rc.fd)
	}
	return true, pollFds(fds, timeout)
}

func pollFds(fds []int, timeout time.Duration) error {
	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}
	_, err := unix.Poll(pfds, int(timeout.Milliseconds()))
	if errors.Is(err, unix.EINTR) {
		return nil
	}
	return err
}
