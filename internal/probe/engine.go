// Package probe sends ICMP echo probes with a chosen TTL and matches the
// replies and errors they provoke back to the probe that caused them.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"slices"
	"time"

	"github.com/tkjaer/mtrng/internal/codec"
)

// MaxPacketSize is the receive buffer size, a common path MTU.
const MaxPacketSize = 1500

// Kind classifies a probe outcome.
type Kind int

const (
	KindEchoReply Kind = iota
	KindTimeExceeded
	KindDestinationUnreachable
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindEchoReply:
		return "echo-reply"
	case KindTimeExceeded:
		return "time-exceeded"
	case KindDestinationUnreachable:
		return "dest-unreachable"
	case KindTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Response is the outcome of one probe, consumed exactly once.
type Response struct {
	Hop      int // 0-based hop index
	Sequence uint16
	Addr     netip.Addr // responder, invalid for timeouts
	Kind     Kind
	RTT      time.Duration
	SentAt   time.Time
}

type pendingProbe struct {
	hop     int
	sentAt  time.Time
	timeout time.Duration
}

// Engine owns the sockets and the table of probes in flight. It is not safe
// for concurrent use.
type Engine struct {
	v4 Conn
	v6 Conn

	id      uint16
	seq     sequencer
	pending map[uint16]pendingProbe
	buf     [MaxPacketSize]byte

	now func() time.Time
}

// DefaultIdentifier derives the echo identifier from the process id.
func DefaultIdentifier() uint16 {
	return uint16(os.Getpid() & 0xffff)
}

// NewEngine builds an engine over existing connections. v6 may be nil.
func NewEngine(v4, v6 Conn, id uint16) *Engine {
	return &Engine{
		v4:      v4,
		v6:      v6,
		id:      id,
		pending: make(map[uint16]pendingProbe),
		now:     time.Now,
	}
}

// Open creates an engine over raw ICMP sockets. Failing to open the IPv4
// socket is fatal; without an IPv6 socket the engine runs IPv4 only.
func Open(id uint16) (*Engine, error) {
	v4, err := listen(codec.IPv4)
	if err != nil {
		return nil, &PermissionError{Op: "open raw ICMPv4 socket", Err: err}
	}
	e := NewEngine(v4, nil, id)

	v6, err := listen(codec.IPv6)
	if err != nil {
		slog.Warn("IPv6 probing disabled", "error", err)
	} else {
		e.v6 = v6
	}
	return e, nil
}

// HasIPv6 reports whether IPv6 destinations can be probed.
func (e *Engine) HasIPv6() bool { return e.v6 != nil }

// Identifier is the echo identifier carried by every probe.
func (e *Engine) Identifier() uint16 { return e.id }

// Outstanding is the number of probes awaiting a response or timeout.
func (e *Engine) Outstanding() int { return len(e.pending) }

// SendProbe transmits one echo request with the given TTL and records it
// as in flight. The returned sequence number identifies the probe.
func (e *Engine) SendProbe(hop int, dst netip.Addr, ttl int, timeout time.Duration) (uint16, error) {
	family := codec.IPv4
	conn := e.v4
	if dst.Is6() && !dst.Is4In6() {
		if e.v6 == nil {
			return 0, ErrNoIPv6
		}
		family, conn = codec.IPv6, e.v6
	}
	dst = dst.Unmap()

	seq := e.nextSequence()
	if err := conn.SetTTL(ttl); err != nil {
		return 0, &SocketError{Op: fmt.Sprintf("set ttl %d", ttl), Err: err}
	}
	pkt := codec.EncodeEchoRequest(seq, e.id, family)
	sentAt := e.now()
	if err := conn.WriteTo(pkt, dst); err != nil {
		return 0, &SocketError{Op: fmt.Sprintf("send to %s", dst), Err: err}
	}
	e.pending[seq] = pendingProbe{hop: hop, sentAt: sentAt, timeout: timeout}
	return seq, nil
}

// nextSequence skips numbers still in flight after a wrap.
func (e *Engine) nextSequence() uint16 {
	span := int(LastSequence-FirstSequence) + 1
	seq := e.seq.Next()
	for i := 0; i < span; i++ {
		if _, busy := e.pending[seq]; !busy {
			break
		}
		seq = e.seq.Next()
	}
	return seq
}

// CollectResponses drains every queued datagram without blocking, matches
// them to probes in flight and synthesizes timeouts for expired probes.
func (e *Engine) CollectResponses() []Response {
	var out []Response
	out = e.drain(out, e.v4, codec.IPv4)
	if e.v6 != nil {
		out = e.drain(out, e.v6, codec.IPv6)
	}

	now := e.now()
	var expired []Response
	for seq, p := range e.pending {
		if now.Sub(p.sentAt) >= p.timeout {
			expired = append(expired, Response{
				Hop:      p.hop,
				Sequence: seq,
				Kind:     KindTimeout,
				SentAt:   p.sentAt,
			})
			delete(e.pending, seq)
		}
	}
	slices.SortFunc(expired, func(a, b Response) int { return a.SentAt.Compare(b.SentAt) })
	return append(out, expired...)
}

func (e *Engine) drain(out []Response, conn Conn, family codec.Family) []Response {
	for {
		n, from, err := conn.ReadFrom(e.buf[:])
		if errors.Is(err, ErrWouldBlock) {
			return out
		}
		if err != nil {
			slog.Debug("Read failed", "family", family, "error", err)
			return out
		}
		recvAt := e.now()

		r := codec.DecodeResponse(e.buf[:n], family)
		if r == nil {
			continue
		}
		if r.Identifier != e.id {
			continue
		}
		p, ok := e.pending[r.Sequence]
		if !ok {
			slog.Debug("Unmatched sequence", "seq", r.Sequence, "from", from, "type", r.Kind)
			continue
		}
		delete(e.pending, r.Sequence)

		out = append(out, Response{
			Hop:      p.hop,
			Sequence: r.Sequence,
			Addr:     from,
			Kind:     kindOf(r.Kind),
			RTT:      recvAt.Sub(p.sentAt),
			SentAt:   p.sentAt,
		})
	}
}

func kindOf(k codec.Kind) Kind {
	switch k {
	case codec.TimeExceeded:
		return KindTimeExceeded
	case codec.DestinationUnreachable:
		return KindDestinationUnreachable
	default:
		return KindEchoReply
	}
}

// Wait blocks until a socket is readable, timeout passes or ctx is done.
func (e *Engine) Wait(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if timeout <= 0 {
		return nil
	}
	if e.v6 != nil {
		if ok, err := pollConns([]Conn{e.v4, e.v6}, timeout); ok {
			return err
		}
	}
	return e.v4.Wait(timeout)
}

// Close releases the sockets. Probes in flight are dropped.
func (e *Engine) Close() error {
	var errs []error
	if e.v4 != nil {
		errs = append(errs, e.v4.Close())
	}
	if e.v6 != nil {
		errs = append(errs, e.v6.Close())
	}
	clear(e.pending)
	return errors.Join(errs...)
}
