package probe

import (
	"errors"
	"fmt"
)

var (
	// ErrWouldBlock is returned by Conn.ReadFrom when no datagram is queued.
	ErrWouldBlock = errors.New("no datagram available")
	// ErrNoIPv6 is returned when an IPv6 destination is probed without an IPv6 socket.
	ErrNoIPv6 = errors.New("IPv6 probing is disabled")
)

// PermissionError reports that a raw socket could not be opened.
type PermissionError struct {
	Op  string
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s: %v (raw ICMP sockets need elevated privileges: run as root, "+
		"grant CAP_NET_RAW with 'setcap cap_net_raw+ep <binary>', or use --simulate)", e.Op, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// SocketError reports a failure to transmit a probe.
type SocketError struct {
	Op  string
	Err error
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SocketError) Unwrap() error { return e.Err }
