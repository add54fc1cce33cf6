package probe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/tkjaer/mtrng/internal/codec"
)

// DefaultSimTargetHop is the hop at which the simulated target answers.
const DefaultSimTargetHop = 8

// SimSource is the local address replies are addressed to.
var SimSource = netip.MustParseAddr("192.168.1.100")

// SimConfig shapes a simulated path.
type SimConfig struct {
	Target    netip.Addr
	TargetHop int // defaults to DefaultSimTargetHop
	// UnreachableHop, when set, makes the router at that hop answer every
	// probe that reaches it with a host unreachable error.
	UnreachableHop int
	DisableLoss    bool
	Seed           uint64
}

type simPacket struct {
	deliverAt time.Time
	from      netip.Addr
	data      []byte
}

// SimNetwork is an in-process IPv4 Conn that answers echo requests the way a
// short path of routers would: time exceeded from intermediate hops, an echo
// reply from the target, with per-hop latency and loss.
type SimNetwork struct {
	mu     sync.Mutex
	cfg    SimConfig
	ttl    int
	rng    *rand.Rand
	queue  []simPacket
	closed bool

	now func() time.Time
}

// NewSimNetwork returns a simulated path towards cfg.Target.
func NewSimNetwork(cfg SimConfig) *SimNetwork {
	if cfg.TargetHop <= 0 {
		cfg.TargetHop = DefaultSimTargetHop
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &SimNetwork{
		cfg: cfg,
		ttl: 64,
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now: time.Now,
	}
}

// OpenSimulated creates an engine over a simulated network.
func OpenSimulated(cfg SimConfig, id uint16) (*Engine, *SimNetwork) {
	sim := NewSimNetwork(cfg)
	return NewEngine(sim, nil, id), sim
}

// HopAddr is the address of the simulated router at the 1-based hop.
func (s *SimNetwork) HopAddr(hop int) netip.Addr {
	switch {
	case hop >= s.cfg.TargetHop && s.cfg.Target.IsValid():
		return s.cfg.Target
	case hop == 1:
		return netip.AddrFrom4([4]byte{192, 168, 1, 1})
	case hop <= 3:
		return netip.AddrFrom4([4]byte{10, 0, byte(hop), 1})
	default:
		return netip.AddrFrom4([4]byte{8, 8, 8, byte(min(hop, 255))})
	}
}

// LookupAddr resolves simulated router addresses to their names.
func (s *SimNetwork) LookupAddr(_ context.Context, addr string) ([]string, error) {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	b := a.As4()
	switch {
	case a == netip.AddrFrom4([4]byte{192, 168, 1, 1}):
		return []string{"gateway.local."}, nil
	case b[0] == 10 && b[1] == 0 && b[3] == 1:
		return []string{fmt.Sprintf("core-%d.isp.net.", b[2])}, nil
	case b[0] == 8 && b[1] == 8 && b[2] == 8:
		return []string{"dns.google."}, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: addr, IsNotFound: true}
}

func (s *SimNetwork) SetTTL(ttl int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	s.ttl = ttl
	return nil
}

func (s *SimNetwork) WriteTo(b []byte, dst netip.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	if !dst.Is4() {
		return errors.New("simulated network is IPv4 only")
	}
	if len(b) < codec.HeaderLen || b[0] != 8 {
		return fmt.Errorf("not an echo request: %x", b)
	}

	hop := s.ttl
	if u := s.cfg.UnreachableHop; u > 0 && hop > u {
		hop = u
	}
	if !s.cfg.DisableLoss && s.rng.Float64() < lossChance(hop) {
		return nil
	}
	rtt := time.Duration(hop)*5*time.Millisecond + time.Duration(s.rng.IntN(50))*time.Millisecond

	from := s.HopAddr(hop)
	var (
		pkt []byte
		err error
	)
	switch {
	case s.cfg.UnreachableHop > 0 && hop == s.cfg.UnreachableHop:
		pkt, err = errorPacket(from, dst, layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodeHost, b)
	case hop >= s.cfg.TargetHop:
		from = dst
		pkt, err = echoReplyPacket(dst, b)
	default:
		pkt, err = errorPacket(from, dst, layers.ICMPv4TypeTimeExceeded, layers.ICMPv4CodeTTLExceeded, b)
	}
	if err != nil {
		return err
	}

	p := simPacket{deliverAt: s.now().Add(rtt), from: from, data: pkt}
	i, _ := slices.BinarySearchFunc(s.queue, p.deliverAt, func(q simPacket, t time.Time) int {
		return q.deliverAt.Compare(t)
	})
	s.queue = slices.Insert(s.queue, i, p)
	return nil
}

// lossChance grows by 3% per hop beyond the first and caps at 20%. The
// gateway never drops.
func lossChance(hop int) float64 {
	return min(float64(hop-1)*0.03, 0.2)
}

func echoReplyPacket(src netip.Addr, echo []byte) ([]byte, error) {
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       binary.BigEndian.Uint16(echo[4:6]),
		Seq:      binary.BigEndian.Uint16(echo[6:8]),
	}
	return serialize(src, SimSource, icmp, echo[codec.HeaderLen:])
}

// errorPacket quotes the original datagram, IP header plus echo, after the
// ICMP header.
func errorPacket(src, dst netip.Addr, typ, code uint8, echo []byte) ([]byte, error) {
	quoted, err := serialize(SimSource, dst, gopacket.Payload(echo), nil)
	if err != nil {
		return nil, err
	}
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(typ, code)}
	return serialize(src, SimSource, icmp, quoted)
}

func serialize(src, dst netip.Addr, l gopacket.SerializableLayer, payload []byte) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.IP(src.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	ls := []gopacket.SerializableLayer{ip, l}
	if payload != nil {
		ls = append(ls, gopacket.Payload(payload))
	}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, fmt.Errorf("serialize simulated reply: %w", err)
	}
	return slices.Clone(buf.Bytes()), nil
}

func (s *SimNetwork) ReadFrom(b []byte) (int, netip.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, netip.Addr{}, net.ErrClosed
	}
	if len(s.queue) == 0 || s.queue[0].deliverAt.After(s.now()) {
		return 0, netip.Addr{}, ErrWouldBlock
	}
	p := s.queue[0]
	s.queue = s.queue[1:]
	return copy(b, p.data), p.from, nil
}

// Wait sleeps until the next reply is due or timeout passes.
func (s *SimNetwork) Wait(timeout time.Duration) error {
	s.mu.Lock()
	d := timeout
	if len(s.queue) > 0 {
		d = min(d, s.queue[0].deliverAt.Sub(s.now()))
	}
	s.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
	return nil
}

func (s *SimNetwork) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.queue = nil
	return nil
}
