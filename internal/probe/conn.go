package probe

import (
	"net/netip"
	"time"
)

// Conn is a non-blocking ICMP endpoint for one address family.
type Conn interface {
	// SetTTL sets the TTL or hop limit used by the following writes.
	SetTTL(ttl int) error
	WriteTo(b []byte, dst netip.Addr) error
	// ReadFrom never blocks; it returns ErrWouldBlock when nothing is queued.
	ReadFrom(b []byte) (int, netip.Addr, error)
	// Wait returns once a datagram is readable or timeout has passed.
	Wait(timeout time.Duration) error
	Close() error
}
