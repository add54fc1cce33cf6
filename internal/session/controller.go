// Package session runs probing rounds towards one target and keeps the
// statistics of every hop on the way.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tkjaer/mtrng/internal/hop"
	"github.com/tkjaer/mtrng/internal/probe"
	"github.com/tkjaer/mtrng/internal/shared"
)

// ErrStopped is returned by Run on a controller that has already run.
var ErrStopped = errors.New("session stopped")

const (
	DefaultInitialHops         = 10
	DefaultUnknownHopThreshold = 5
	DefaultProbeTimeout        = 200 * time.Millisecond
	DefaultInterval            = time.Second
	DefaultMaxHops             = 30

	// pollCeiling bounds a single wait for responses, and with it the
	// latency of snapshot requests.
	pollCeiling = 50 * time.Millisecond

	// targetLostAfter is the number of consecutive rounds without an echo
	// reply after which discovery resumes past the old target hop.
	targetLostAfter = 3
)

// State is the phase the controller is in.
type State int32

const (
	Idle State = iota
	Probing
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Probing:
		return "probing"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config is everything a session needs to know at construction.
type Config struct {
	SessionID  string
	Target     string // as given by the user
	TargetAddr netip.Addr
	SourceAddr netip.Addr
	Gateway    netip.Addr // next hop of the local route, if any
	Interface  string
	Protocol   string

	Count        int // rounds, 0 runs until cancelled
	Interval     time.Duration
	MaxHops      int
	ProbeTimeout time.Duration
	EMAAlpha     float64

	InitialHops         int
	UnknownHopThreshold int
	StaleAfter          time.Duration
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxHops <= 0 {
		c.MaxHops = DefaultMaxHops
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.InitialHops <= 0 {
		c.InitialHops = DefaultInitialHops
	}
	if c.UnknownHopThreshold <= 0 {
		c.UnknownHopThreshold = DefaultUnknownHopThreshold
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = StaleAfter
	}
	if c.Protocol == "" {
		c.Protocol = "icmp"
	}
}

// Prober sends probes and reports their outcomes. *probe.Engine is the
// production implementation.
type Prober interface {
	SendProbe(hop int, dst netip.Addr, ttl int, timeout time.Duration) (uint16, error)
	CollectResponses() []probe.Response
	Wait(ctx context.Context, timeout time.Duration) error
}

// Resolver names addresses in the background.
type Resolver interface {
	RequestPTR(ip string)
	GetPTR(ip string) (string, bool)
}

// Option configures a Controller.
type Option func(*Controller)

// WithResolver enables reverse lookups of responding addresses.
func WithResolver(r Resolver) Option {
	return func(c *Controller) { c.resolver = r }
}

// Controller owns the prober, the hop statistics and the sequence table.
// All of them are touched only by the goroutine executing Run; other
// goroutines read state through Snapshot and the subscription channels.
type Controller struct {
	cfg    Config
	prober Prober
	hops   []*hop.Stats
	seqs   *sequenceTable

	round         int
	active        int
	furthest      int // furthest hop index that answered, -1 if none
	targetHop     int // lowest hop index the target answered at, -1 if none
	targetReached bool
	targetSeen    bool // echo reply from the target in the current round
	targetMissed  int  // consecutive rounds without one
	start         time.Time
	gen           int // bumped by every reset

	resolver Resolver
	names    map[netip.Addr]string // "" while the lookup is pending

	state    atomic.Int32
	running  atomic.Bool
	requests chan chan *shared.Snapshot
	resets   chan chan struct{}
	final    atomic.Pointer[shared.Snapshot]
	done     chan struct{}

	mu        sync.Mutex
	closed    bool
	subs      []chan struct{}
	roundSubs []chan *shared.Snapshot

	now func() time.Time
}

// New creates a controller. Hop statistics for every TTL up to MaxHops are
// allocated up front.
func New(cfg Config, prober Prober, opts ...Option) *Controller {
	cfg.setDefaults()
	c := &Controller{
		cfg:       cfg,
		prober:    prober,
		hops:      make([]*hop.Stats, cfg.MaxHops),
		seqs:      newSequenceTable(cfg.StaleAfter),
		active:    min(cfg.InitialHops, cfg.MaxHops),
		furthest:  -1,
		targetHop: -1,
		names:     make(map[netip.Addr]string),
		requests:  make(chan chan *shared.Snapshot),
		resets:    make(chan chan struct{}),
		done:      make(chan struct{}),
		now:       time.Now,
	}
	for i := range c.hops {
		c.hops[i] = hop.NewStats(i+1, cfg.EMAAlpha)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State reports the current phase.
func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) setState(s State) { c.state.Store(int32(s)) }

// Done is closed once Run has returned.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Subscribe returns a channel that receives a value after hop state changes.
// Bursts of changes coalesce into one value. The channel is closed when Run
// returns.
func (c *Controller) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch
	}
	c.subs = append(c.subs, ch)
	return ch
}

// SubscribeRounds returns a channel that receives a snapshot at the end of
// every round. A consumer that falls far behind misses rounds. The channel
// is closed when Run returns.
func (c *Controller) SubscribeRounds() <-chan *shared.Snapshot {
	ch := make(chan *shared.Snapshot, 64)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch
	}
	c.roundSubs = append(c.roundSubs, ch)
	return ch
}

// Snapshot returns a copy of the current session state. While Run is active
// the request is answered between polls; afterwards the final state is
// returned.
func (c *Controller) Snapshot(ctx context.Context) (*shared.Snapshot, error) {
	reply := make(chan *shared.Snapshot, 1)
	select {
	case c.requests <- reply:
	case <-c.done:
		return c.final.Load(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reset discards the statistics of every hop and restarts path discovery
// from InitialHops. Replies to probes sent before the reset are dropped. It
// returns ErrStopped once Run has returned.
func (c *Controller) Reset(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case c.resets <- ack:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run probes until Count rounds have completed or ctx is cancelled.
// Cancellation is not an error.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrStopped
	}
	defer c.finish()

	c.start = c.now()
	slog.Info("Session started", "target", c.cfg.Target, "addr", c.cfg.TargetAddr,
		"max_hops", c.cfg.MaxHops, "interval", c.cfg.Interval, "count", c.cfg.Count)

	for c.cfg.Count == 0 || c.round < c.cfg.Count {
		if err := c.runRound(ctx); err != nil {
			if ctx.Err() != nil {
				slog.Debug("Session cancelled", "round", c.round)
				return nil
			}
			return err
		}
	}
	return nil
}

func (c *Controller) finish() {
	c.setState(Stopped)
	c.final.Store(c.snapshot())
	close(c.done)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, ch := range c.subs {
		close(ch)
	}
	for _, ch := range c.roundSubs {
		close(ch)
	}
	slog.Info("Session stopped", "rounds", c.round)
}

// runRound sends one probe per active hop and then collects responses until
// the round's interval is used up. The last round of a bounded session
// instead waits until every probe is answered or timed out.
func (c *Controller) runRound(ctx context.Context) error {
	roundStart := c.now()
	deadline := roundStart.Add(c.cfg.Interval)
	last := c.cfg.Count > 0 && c.round+1 == c.cfg.Count

	c.setState(Probing)
	n := min(c.active, c.cfg.MaxHops)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.send(i)
		c.process(c.prober.CollectResponses())
		c.serve()
	}

	c.setState(Draining)
	for {
		c.process(c.prober.CollectResponses())
		c.applyNames()

		now := c.now()
		if last {
			c.expireStale()
			if c.seqs.Len() == 0 {
				break
			}
		} else if !now.Before(deadline) {
			break
		}

		wait := pollCeiling
		if !last {
			wait = min(wait, deadline.Sub(now))
		}
		if err := c.wait(ctx, wait); err != nil {
			return err
		}
	}

	c.round++
	c.updateActive()
	c.publishRound()
	slog.Debug("Round complete", "round", c.round, "active", c.active,
		"target_reached", c.targetReached, "outstanding", c.seqs.Len())
	return nil
}

func (c *Controller) send(i int) {
	h := c.hops[i]
	seq, err := c.prober.SendProbe(i, c.cfg.TargetAddr, i+1, c.cfg.ProbeTimeout)
	if err != nil {
		// A probe that never left still counts as sent and lost.
		slog.Warn("Probe send failed", "hop", i+1, "error", err)
		h.RecordSent()
		h.RecordTimeout()
		c.notify()
		return
	}
	h.RecordSent()
	for _, e := range c.seqs.Insert(seq, seqEntry{hop: i, sentAt: c.now(), gen: c.gen}) {
		if e.gen == c.gen {
			c.hops[e.hop].RecordTimeout()
		}
	}
	c.notify()
}

func (c *Controller) expireStale() {
	for _, e := range c.seqs.Expire() {
		if e.gen != c.gen {
			continue
		}
		slog.Debug("Sequence entry went stale", "hop", e.hop+1, "sent_at", e.sentAt)
		c.hops[e.hop].RecordTimeout()
		c.notify()
	}
}

// process routes each response to the hop that sent the probe. Responses
// without a live sequence entry are stale and dropped.
func (c *Controller) process(responses []probe.Response) {
	for _, r := range responses {
		e, ok := c.seqs.Take(r.Sequence)
		if !ok {
			slog.Debug("Discarding response without sequence entry", "seq", r.Sequence, "kind", r.Kind, "from", r.Addr)
			continue
		}
		if e.gen != c.gen {
			slog.Debug("Discarding response to a probe sent before reset", "seq", r.Sequence, "hop", e.hop+1)
			continue
		}
		h := c.hops[e.hop]

		switch r.Kind {
		case probe.KindTimeout:
			h.RecordTimeout()
		case probe.KindDestinationUnreachable:
			h.SetICMPError()
			h.SetAddrIfUnset(r.Addr)
			h.RecordTimeout()
			c.responded(e.hop, r.Addr)
		case probe.KindTimeExceeded, probe.KindEchoReply:
			h.RecordRTTFromAddress(r.Addr, r.RTT)
			c.responded(e.hop, r.Addr)
			if r.Kind == probe.KindEchoReply && r.Addr == c.cfg.TargetAddr {
				if !c.targetReached || e.hop < c.targetHop {
					slog.Debug("Target reached", "hop", e.hop+1)
					c.targetHop = e.hop
				}
				c.targetReached = true
				c.targetSeen = true
			}
		}
		c.notify()
	}
}

func (c *Controller) responded(i int, addr netip.Addr) {
	c.furthest = max(c.furthest, i)
	if !addr.IsValid() {
		return
	}
	if name := c.names[addr]; name != "" {
		c.hops[i].SetHostnameForAddress(addr, name)
		return
	}
	c.requestName(addr)
}

func (c *Controller) requestName(addr netip.Addr) {
	if c.resolver == nil {
		return
	}
	if _, seen := c.names[addr]; seen {
		return
	}
	c.names[addr] = ""
	go c.resolver.RequestPTR(addr.String())
}

// applyNames copies finished lookups into the hops.
func (c *Controller) applyNames() {
	if c.resolver == nil {
		return
	}
	for addr, name := range c.names {
		if name != "" {
			continue
		}
		name, ok := c.resolver.GetPTR(addr.String())
		if !ok {
			continue
		}
		c.names[addr] = name
		for _, h := range c.hops {
			h.SetHostnameForAddress(addr, name)
		}
		c.notify()
	}
}

// updateActive decides how many hops the next round probes. A target that
// stays silent for targetLostAfter rounds no longer clamps discovery, so a
// path that grew longer is found again.
func (c *Controller) updateActive() {
	seen := c.targetSeen
	c.targetSeen = false
	if c.targetReached {
		if seen {
			c.targetMissed = 0
		} else {
			c.targetMissed++
		}
		if c.targetMissed < targetLostAfter {
			c.active = c.targetHop + 1
			return
		}
		slog.Info("Target stopped answering, resuming discovery", "hop", c.targetHop+1, "rounds", c.targetMissed)
		c.targetReached = false
		c.targetHop = -1
		c.targetMissed = 0
	}
	grow := c.furthest + 1 + c.cfg.UnknownHopThreshold
	c.active = min(c.cfg.MaxHops, max(c.active, grow))
}

// wait answers pending snapshot requests and then blocks for responses.
func (c *Controller) wait(ctx context.Context, d time.Duration) error {
	c.serve()
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.prober.Wait(ctx, d)
}

func (c *Controller) serve() {
	for {
		select {
		case reply := <-c.requests:
			reply <- c.snapshot()
		case ack := <-c.resets:
			c.reset()
			close(ack)
		default:
			return
		}
	}
}

// reset re-creates every hop and forgets the discovered path. The sequence
// table is kept so that late replies still find their entry.
func (c *Controller) reset() {
	c.gen++
	for i := range c.hops {
		c.hops[i] = hop.NewStats(i+1, c.cfg.EMAAlpha)
	}
	c.active = min(c.cfg.InitialHops, c.cfg.MaxHops)
	c.furthest = -1
	c.targetHop = -1
	c.targetReached = false
	c.targetSeen = false
	c.targetMissed = 0
	slog.Info("Statistics reset", "round", c.round, "outstanding", c.seqs.Len())
	c.notify()
}

func (c *Controller) notify() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (c *Controller) publishRound() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.roundSubs) == 0 {
		return
	}
	snap := c.snapshot()
	for _, ch := range c.roundSubs {
		select {
		case ch <- snap:
		default:
			slog.Warn("Round subscriber is behind, dropping snapshot", "round", snap.Round)
		}
	}
}

func (c *Controller) snapshot() *shared.Snapshot {
	s := &shared.Snapshot{
		SessionID:     c.cfg.SessionID,
		Target:        c.cfg.Target,
		TargetAddr:    c.cfg.TargetAddr.String(),
		Protocol:      c.cfg.Protocol,
		State:         c.State().String(),
		Round:         c.round,
		ActiveHops:    min(c.active, c.cfg.MaxHops),
		TargetReached: c.targetReached,
		Hops:          make([]shared.HopSnapshot, len(c.hops)),
		Start:         c.start,
		Timestamp:     c.now(),
	}
	if c.cfg.SourceAddr.IsValid() {
		s.SourceAddr = c.cfg.SourceAddr.String()
	}
	if c.cfg.Gateway.IsValid() {
		s.Gateway = c.cfg.Gateway.String()
	}
	s.Interface = c.cfg.Interface
	for i, h := range c.hops {
		s.Hops[i] = hopSnapshot(h)
	}
	s.PathHash = shared.PathHash(s.VisibleHops())
	return s
}

func hopSnapshot(h *hop.Stats) shared.HopSnapshot {
	hs := shared.HopSnapshot{
		Hop:       h.Hop(),
		Hostname:  h.Hostname(),
		Sent:      h.Sent(),
		Received:  h.Received(),
		LossPct:   h.LossPercent(),
		HasRTT:    h.HasRTT(),
		Last:      shared.Micros(h.Last()),
		Best:      shared.Micros(h.Best()),
		Worst:     shared.Micros(h.Worst()),
		Avg:       shared.Micros(h.Avg()),
		EMA:       shared.Micros(h.EMA()),
		StdDev:    shared.Micros(h.StdDev()),
		Jitter:    shared.Micros(h.Jitter()),
		JitterAvg: shared.Micros(h.JitterAvg()),
		ICMPError: h.ICMPError(),
	}
	if a := h.Addr(); a.IsValid() {
		hs.Addr = a.String()
		hs.PrimaryPct = h.PathPercentage(a)
	}
	if h.HasMultiplePaths() {
		for _, p := range h.AlternatePaths() {
			hs.Alternates = append(hs.Alternates, shared.AlternateSnapshot{
				Addr:      p.Addr.String(),
				Hostname:  p.Hostname,
				Frequency: p.Frequency,
				Pct:       h.PathPercentage(p.Addr),
				LastRTT:   shared.Micros(p.LastRTT),
				LastSeen:  p.LastSeen,
			})
		}
	}
	outcomes := h.Outcomes()
	hs.Timeline = make([]shared.Outcome, len(outcomes))
	for i, o := range outcomes {
		hs.Timeline[i] = shared.Outcome{State: o.State.String(), RTT: shared.Micros(o.RTT)}
	}
	return hs
}
