package session

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"testing"
	"time"

	"github.com/tkjaer/mtrng/internal/probe"
	"github.com/tkjaer/mtrng/internal/shared"
	"github.com/tkjaer/mtrng/pkg/ptr"
)

var target = netip.MustParseAddr("203.0.113.5")

type sentProbe struct {
	hop int
	ttl int
	seq uint16
}

// scriptedProber answers probes from a script instead of a network.
type scriptedProber struct {
	seq     uint16
	sent    []sentProbe
	queue   []probe.Response
	respond func(p sentProbe) []probe.Response
	sendErr func(hop int) error
}

func (p *scriptedProber) SendProbe(hop int, _ netip.Addr, ttl int, _ time.Duration) (uint16, error) {
	if p.sendErr != nil {
		if err := p.sendErr(hop); err != nil {
			return 0, err
		}
	}
	p.seq++
	sp := sentProbe{hop: hop, ttl: ttl, seq: p.seq}
	p.sent = append(p.sent, sp)
	if p.respond != nil {
		p.queue = append(p.queue, p.respond(sp)...)
	}
	return p.seq, nil
}

func (p *scriptedProber) CollectResponses() []probe.Response {
	out := p.queue
	p.queue = nil
	return out
}

func (p *scriptedProber) Wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// probesPerRound splits the sent log into rounds, which always start at TTL 1.
func (p *scriptedProber) probesPerRound() []int {
	var rounds []int
	for _, s := range p.sent {
		if s.ttl == 1 {
			rounds = append(rounds, 0)
		}
		rounds[len(rounds)-1]++
	}
	return rounds
}

func routerAt(hop int) netip.Addr {
	return netip.AddrFrom4([4]byte{198, 51, 100, byte(hop + 1)})
}

func reply(p sentProbe, kind probe.Kind, from netip.Addr) probe.Response {
	return probe.Response{Hop: p.hop, Sequence: p.seq, Kind: kind, Addr: from, RTT: time.Duration(p.ttl) * time.Millisecond}
}

func timeout(p sentProbe) probe.Response {
	return probe.Response{Hop: p.hop, Sequence: p.seq, Kind: probe.KindTimeout}
}

// pathTo answers like a path whose target sits at hop index targetIdx.
func pathTo(targetIdx int) func(sentProbe) []probe.Response {
	return func(p sentProbe) []probe.Response {
		if p.hop >= targetIdx {
			return []probe.Response{reply(p, probe.KindEchoReply, target)}
		}
		return []probe.Response{reply(p, probe.KindTimeExceeded, routerAt(p.hop))}
	}
}

func testConfig(count int) Config {
	return Config{
		Target:     "example.net",
		TargetAddr: target,
		Count:      count,
		Interval:   20 * time.Millisecond,
		MaxHops:    30,
		EMAAlpha:   0.1,
	}
}

func runController(t *testing.T, c *Controller) *shared.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	snap, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	return snap
}

func TestController_ClampsToTarget(t *testing.T) {
	p := &scriptedProber{respond: pathTo(3)}
	snap := runController(t, New(testConfig(3), p))

	if got, want := p.probesPerRound(), []int{10, 4, 4}; !slices.Equal(got, want) {
		t.Errorf("probes per round = %v, want %v", got, want)
	}
	if !snap.TargetReached || snap.ActiveHops != 4 {
		t.Errorf("TargetReached = %v ActiveHops = %d, want true and 4", snap.TargetReached, snap.ActiveHops)
	}
	if snap.Round != 3 || snap.State != Stopped.String() {
		t.Errorf("Round = %d State = %q, want 3 and %q", snap.Round, snap.State, Stopped)
	}
	if got := len(snap.VisibleHops()); got != 4 {
		t.Errorf("len(VisibleHops()) = %d, want 4", got)
	}
	for i, h := range snap.Hops[:4] {
		if h.Sent != 3 || h.Received != 3 || h.LossPct != 0 {
			t.Errorf("hop %d sent/received/loss = %d/%d/%v, want 3/3/0", i+1, h.Sent, h.Received, h.LossPct)
		}
	}
	if snap.Hops[3].Addr != target.String() {
		t.Errorf("hop 4 Addr = %q, want %q", snap.Hops[3].Addr, target)
	}
	if snap.Hops[0].Addr != routerAt(0).String() || snap.Hops[0].Last != 1000 {
		t.Errorf("hop 1 = %s last %dus, want %s last 1000us", snap.Hops[0].Addr, snap.Hops[0].Last, routerAt(0))
	}
}

func TestController_SnapshotCarriesLocalRoute(t *testing.T) {
	cfg := testConfig(1)
	cfg.SourceAddr = netip.MustParseAddr("192.0.2.10")
	cfg.Gateway = netip.MustParseAddr("192.0.2.1")
	cfg.Interface = "eth0"
	snap := runController(t, New(cfg, &scriptedProber{respond: pathTo(3)}))

	if snap.SourceAddr != "192.0.2.10" || snap.Gateway != "192.0.2.1" || snap.Interface != "eth0" {
		t.Errorf("source/gateway/interface = %q/%q/%q, want 192.0.2.10/192.0.2.1/eth0",
			snap.SourceAddr, snap.Gateway, snap.Interface)
	}

	snap = runController(t, New(testConfig(1), &scriptedProber{respond: pathTo(3)}))
	if snap.SourceAddr != "" || snap.Gateway != "" || snap.Interface != "" {
		t.Errorf("source/gateway/interface = %q/%q/%q, want all empty",
			snap.SourceAddr, snap.Gateway, snap.Interface)
	}
}

func TestController_DiscoveryGrowth(t *testing.T) {
	// Only hop index 2*round+1 answers: 3, then 5, then 7.
	round := 0
	p := &scriptedProber{}
	p.respond = func(sp sentProbe) []probe.Response {
		if sp.ttl == 1 {
			round++
		}
		if sp.hop == 2*round+1 {
			return []probe.Response{reply(sp, probe.KindTimeExceeded, routerAt(sp.hop))}
		}
		return []probe.Response{timeout(sp)}
	}
	cfg := testConfig(3)
	cfg.InitialHops = 4
	cfg.UnknownHopThreshold = 2
	cfg.MaxHops = 7
	snap := runController(t, New(cfg, p))

	if got, want := p.probesPerRound(), []int{4, 6, 7}; !slices.Equal(got, want) {
		t.Errorf("probes per round = %v, want %v", got, want)
	}
	if snap.TargetReached {
		t.Error("TargetReached = true, want false")
	}
	if snap.Hops[0].LossPct != 100 {
		t.Errorf("hop 1 LossPct = %v, want 100", snap.Hops[0].LossPct)
	}
}

func TestController_DestinationUnreachable(t *testing.T) {
	unreachable := routerAt(2)
	p := &scriptedProber{respond: func(sp sentProbe) []probe.Response {
		if sp.hop >= 2 {
			return []probe.Response{reply(sp, probe.KindDestinationUnreachable, unreachable)}
		}
		return []probe.Response{reply(sp, probe.KindTimeExceeded, routerAt(sp.hop))}
	}}
	cfg := testConfig(2)
	cfg.MaxHops = 12
	snap := runController(t, New(cfg, p))

	h := snap.Hops[2]
	if !h.ICMPError || h.Addr != unreachable.String() {
		t.Errorf("hop 3 ICMPError = %v Addr = %q, want true and %q", h.ICMPError, h.Addr, unreachable)
	}
	if h.HasRTT || h.Received != 0 || h.LossPct != 100 {
		t.Errorf("hop 3 HasRTT = %v Received = %d LossPct = %v, want no RTT data", h.HasRTT, h.Received, h.LossPct)
	}
	if snap.ActiveHops != 12 {
		t.Errorf("ActiveHops = %d, want 12", snap.ActiveHops)
	}
}

func TestController_StaleEntries(t *testing.T) {
	var late []probe.Response
	p := &scriptedProber{}
	p.respond = func(sp sentProbe) []probe.Response {
		switch {
		case sp.hop != 0:
			return []probe.Response{reply(sp, probe.KindTimeExceeded, routerAt(sp.hop))}
		case sp.seq == 1:
			// The first probe to hop 1 is answered only after its entry
			// went stale.
			late = []probe.Response{reply(sp, probe.KindTimeExceeded, routerAt(0))}
			return nil
		default:
			return append(late, reply(sp, probe.KindTimeExceeded, routerAt(0)))
		}
	}
	cfg := testConfig(2)
	cfg.InitialHops = 2
	cfg.Interval = 80 * time.Millisecond
	cfg.StaleAfter = 30 * time.Millisecond
	snap := runController(t, New(cfg, p))

	h := snap.Hops[0]
	if h.Sent != 2 || h.Received != 1 {
		t.Errorf("hop 1 sent/received = %d/%d, want 2/1", h.Sent, h.Received)
	}
	if len(h.Timeline) != 2 || h.Timeline[0].State != shared.OutcomeLost || h.Timeline[1].State != shared.OutcomeReceived {
		t.Errorf("hop 1 timeline = %+v, want [lost received]", h.Timeline)
	}
}

func TestController_FinalRoundWaitsForStragglers(t *testing.T) {
	p := &scriptedProber{respond: func(sp sentProbe) []probe.Response {
		if sp.hop == 1 {
			return nil
		}
		return []probe.Response{reply(sp, probe.KindTimeExceeded, routerAt(sp.hop))}
	}}
	cfg := testConfig(1)
	cfg.InitialHops = 3
	cfg.StaleAfter = 40 * time.Millisecond
	snap := runController(t, New(cfg, p))

	if got := snap.Hops[1].Timeline; len(got) != 1 || got[0].State != shared.OutcomeLost {
		t.Errorf("hop 2 timeline = %+v, want one lost", got)
	}
	for i, h := range snap.Hops[:3] {
		for _, o := range h.Timeline {
			if o.State == shared.OutcomePending {
				t.Errorf("hop %d still has a pending outcome", i+1)
			}
		}
	}
}

func TestController_SendFailureCountsAsLoss(t *testing.T) {
	p := &scriptedProber{
		respond: pathTo(5),
		sendErr: func(hop int) error {
			if hop == 2 {
				return &probe.SocketError{Op: "send", Err: errors.New("no buffer space available")}
			}
			return nil
		},
	}
	snap := runController(t, New(testConfig(2), p))

	h := snap.Hops[2]
	if h.Sent != 2 || h.Received != 0 || h.LossPct != 100 {
		t.Errorf("hop 3 sent/received/loss = %d/%d/%v, want 2/0/100", h.Sent, h.Received, h.LossPct)
	}
	if snap.Hops[3].Received != 2 {
		t.Errorf("hop 4 Received = %d, want 2", snap.Hops[3].Received)
	}
}

func TestController_Multipath(t *testing.T) {
	a := netip.MustParseAddr("198.51.100.10")
	b := netip.MustParseAddr("198.51.100.20")
	p := &scriptedProber{}
	p.respond = func(sp sentProbe) []probe.Response {
		if sp.hop == 0 {
			from := a
			if sp.seq%3 == 0 {
				from = b
			}
			return []probe.Response{reply(sp, probe.KindTimeExceeded, from)}
		}
		return []probe.Response{reply(sp, probe.KindEchoReply, target)}
	}
	snap := runController(t, New(testConfig(6), p))

	h := snap.Hops[0]
	if h.Addr != a.String() {
		t.Errorf("hop 1 Addr = %q, want %q", h.Addr, a)
	}
	if len(h.Alternates) != 1 || h.Alternates[0].Addr != b.String() {
		t.Fatalf("hop 1 Alternates = %+v, want %s", h.Alternates, b)
	}
	if sum := h.PrimaryPct + h.Alternates[0].Pct; sum < 99.999 || sum > 100.001 {
		t.Errorf("path percentages sum to %v, want 100", sum)
	}
	if h.Received != h.Sent {
		t.Errorf("Received = %d, Sent = %d, want equal", h.Received, h.Sent)
	}
}

func TestController_Reset(t *testing.T) {
	// Replies to the first round arrive only during the second one.
	var held []probe.Response
	round := 0
	p := &scriptedProber{}
	answer := pathTo(3)
	p.respond = func(sp sentProbe) []probe.Response {
		if sp.ttl == 1 {
			round++
		}
		if round == 1 {
			held = append(held, answer(sp)...)
			return nil
		}
		var out []probe.Response
		for _, r := range held {
			if r.Hop == sp.hop {
				out = append(out, r)
			}
		}
		return append(out, answer(sp)...)
	}
	cfg := testConfig(2)
	cfg.Interval = 300 * time.Millisecond
	c := New(cfg, p)
	changes := c.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	<-changes
	// The first round has sent everything and is waiting out its interval.
	time.Sleep(100 * time.Millisecond)
	if err := c.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	snap, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	for i, h := range snap.Hops {
		if h.Sent != 0 || len(h.Timeline) != 0 || h.Addr != "" {
			t.Errorf("hop %d after Reset() = sent %d timeline %d addr %q, want empty", i+1, h.Sent, len(h.Timeline), h.Addr)
		}
	}
	if snap.TargetReached || snap.ActiveHops != DefaultInitialHops {
		t.Errorf("after Reset() TargetReached = %v ActiveHops = %d, want false and %d", snap.TargetReached, snap.ActiveHops, DefaultInitialHops)
	}

	if err := <-errc; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got, want := p.probesPerRound(), []int{10, 10}; !slices.Equal(got, want) {
		t.Errorf("probes per round = %v, want %v", got, want)
	}
	final, _ := c.Snapshot(context.Background())
	for i, h := range final.Hops[:10] {
		if h.Sent != 1 || h.Received != 1 {
			t.Errorf("hop %d sent/received = %d/%d, want 1/1", i+1, h.Sent, h.Received)
		}
	}
	if !final.TargetReached || final.ActiveHops != 4 {
		t.Errorf("TargetReached = %v ActiveHops = %d, want true and 4", final.TargetReached, final.ActiveHops)
	}
	if err := c.Reset(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Reset() after Run = %v, want %v", err, ErrStopped)
	}
}

func TestController_TargetMovesFurther(t *testing.T) {
	// The target answers at hop index 3 in the first round and at 6 after.
	round := 0
	p := &scriptedProber{}
	p.respond = func(sp sentProbe) []probe.Response {
		if sp.ttl == 1 {
			round++
		}
		if round == 1 {
			return pathTo(3)(sp)
		}
		return pathTo(6)(sp)
	}
	snap := runController(t, New(testConfig(6), p))

	// Rounds 2-4 stay clamped at the old target, round 5 grows past the
	// furthest responder, round 6 clamps at the new target.
	if got, want := p.probesPerRound(), []int{10, 4, 4, 4, 15, 7}; !slices.Equal(got, want) {
		t.Errorf("probes per round = %v, want %v", got, want)
	}
	if !snap.TargetReached || snap.ActiveHops != 7 {
		t.Errorf("TargetReached = %v ActiveHops = %d, want true and 7", snap.TargetReached, snap.ActiveHops)
	}
}

func TestController_ObserversAndLifecycle(t *testing.T) {
	c := New(testConfig(0), &scriptedProber{respond: pathTo(2)})
	changes := c.Subscribe()
	rounds := c.SubscribeRounds()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification")
	}
	select {
	case snap := <-rounds:
		if snap.Round < 1 {
			t.Errorf("round snapshot Round = %d, want >= 1", snap.Round)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no round snapshot")
	}

	snap, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Target != "example.net" || snap.TargetAddr != target.String() || len(snap.Hops) != 30 {
		t.Errorf("Snapshot() = %s/%s with %d hops", snap.Target, snap.TargetAddr, len(snap.Hops))
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() after cancel = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	<-c.Done()
	if c.State() != Stopped {
		t.Errorf("State() = %v, want %v", c.State(), Stopped)
	}
	final, err := c.Snapshot(context.Background())
	if err != nil || final == nil || final.State != Stopped.String() {
		t.Errorf("Snapshot() after Run = %v, %v", final, err)
	}
	for range changes {
	}
	for range rounds {
	}
	if err := c.Run(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("second Run() = %v, want %v", err, ErrStopped)
	}
}

func TestController_SimulatedNetwork(t *testing.T) {
	engine, sim := probe.OpenSimulated(probe.SimConfig{Target: target, DisableLoss: true, Seed: 7}, 0x4d54)
	defer engine.Close()

	cfg := testConfig(3)
	cfg.Interval = 120 * time.Millisecond
	resolver := ptr.NewPtrManager(ptr.WithResolver(sim))
	snap := runController(t, New(cfg, engine, WithResolver(resolver)))

	if !snap.TargetReached || snap.ActiveHops != probe.DefaultSimTargetHop {
		t.Fatalf("TargetReached = %v ActiveHops = %d, want true and %d", snap.TargetReached, snap.ActiveHops, probe.DefaultSimTargetHop)
	}
	hops := snap.VisibleHops()
	for i, h := range hops {
		if h.Sent != 3 || h.Received != 3 {
			t.Errorf("hop %d sent/received = %d/%d, want 3/3", i+1, h.Sent, h.Received)
		}
		if want := sim.HopAddr(i + 1).String(); h.Addr != want {
			t.Errorf("hop %d Addr = %q, want %q", i+1, h.Addr, want)
		}
		if h.Best < shared.Micros(time.Duration(i+1)*5*time.Millisecond) {
			t.Errorf("hop %d Best = %dus, below simulated latency", i+1, h.Best)
		}
	}
	if hops[0].Hostname != "gateway.local" {
		t.Errorf("hop 1 Hostname = %q, want gateway.local", hops[0].Hostname)
	}
	if hops[1].Hostname != "core-2.isp.net" {
		t.Errorf("hop 2 Hostname = %q, want core-2.isp.net", hops[1].Hostname)
	}
	if snap.PathHash == "" || snap.PathHash == "00000000" {
		t.Errorf("PathHash = %q, want a path hash", snap.PathHash)
	}
}

func TestSequenceTable(t *testing.T) {
	st := newSequenceTable(30 * time.Millisecond)
	if stale := st.Insert(1, seqEntry{hop: 0}); len(stale) != 0 {
		t.Errorf("Insert() stale = %v, want none", stale)
	}
	if e, ok := st.Take(1); !ok || e.hop != 0 {
		t.Errorf("Take(1) = %v, %v, want hop 0", e, ok)
	}
	if _, ok := st.Take(1); ok {
		t.Error("second Take(1) succeeded")
	}

	st.Insert(2, seqEntry{hop: 4})
	if stale := st.Insert(2, seqEntry{hop: 5}); len(stale) != 1 || stale[0].hop != 4 {
		t.Errorf("Insert() over live entry stale = %v, want hop 4", stale)
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok := st.Take(2); ok {
		t.Error("Take() returned a stale entry")
	}
	stale := st.Insert(3, seqEntry{hop: 1})
	if len(stale) != 1 || stale[0].hop != 5 {
		t.Errorf("Insert() stale = %v, want hop 5", stale)
	}
	if st.Len() != 1 {
		t.Errorf("Len() = %d, want 1", st.Len())
	}
}
