// Package hop keeps the rolling statistics of one TTL position on the path.
package hop

import (
	"log/slog"
	"math"
	"net/netip"
	"slices"
	"time"
)

// DefaultEMAAlpha is the smoothing factor used when none is configured.
const DefaultEMAAlpha = 0.1

// State of a sent probe in the outcome timeline.
type State int

const (
	Pending State = iota
	Received
	Lost
)

func (s State) String() string {
	switch s {
	case Received:
		return "received"
	case Lost:
		return "lost"
	default:
		return "pending"
	}
}

// Outcome is one entry of the per-hop timeline, one per probe sent.
type Outcome struct {
	State State
	RTT   time.Duration // set when State is Received
}

// AlternatePath is a responder seen at this hop that is not the primary one.
type AlternatePath struct {
	Addr      netip.Addr
	Hostname  string
	Frequency int
	LastRTT   time.Duration
	LastSeen  time.Time
}

// Stats holds everything known about a single hop. It is not safe for
// concurrent use; the session controller owns it.
type Stats struct {
	hop   int
	alpha float64

	addr      netip.Addr
	hostname  string
	icmpError bool

	sent     int
	received int
	lossPct  float64

	samples   int
	last      time.Duration
	best      time.Duration
	worst     time.Duration
	avg       time.Duration
	ema       time.Duration
	jitter    time.Duration
	jitterAvg time.Duration

	rtts     ring[time.Duration]
	jitters  ring[time.Duration]
	outcomes ring[Outcome]

	frequency  map[netip.Addr]int
	alternates map[netip.Addr]*AlternatePath

	now func() time.Time
}

// NewStats creates the statistics for the 1-based hop number.
func NewStats(hop int, alpha float64) *Stats {
	s := &Stats{
		hop:        hop,
		rtts:       newRing[time.Duration](HistorySize),
		jitters:    newRing[time.Duration](HistorySize),
		outcomes:   newRing[Outcome](HistorySize),
		frequency:  make(map[netip.Addr]int),
		alternates: make(map[netip.Addr]*AlternatePath),
		now:        time.Now,
	}
	s.SetAlpha(alpha)
	return s
}

// SetAlpha sets the EMA smoothing factor, clamped to [0,1].
func (s *Stats) SetAlpha(alpha float64) {
	if math.IsNaN(alpha) {
		alpha = DefaultEMAAlpha
	}
	s.alpha = min(max(alpha, 0), 1)
}

// RecordSent counts a probe and appends a pending outcome.
func (s *Stats) RecordSent() {
	s.sent++
	s.outcomes.Push(Outcome{State: Pending})
	s.updateLoss()
}

// RecordRTT folds a sample from the primary responder into the statistics.
func (s *Stats) RecordRTT(rtt time.Duration) {
	s.received++

	if s.samples > 0 {
		j := rtt - s.last
		if j < 0 {
			j = -j
		}
		s.jitter = j
		s.jitters.Push(j)
		s.jitterAvg = mean(s.jitters.Values())
	}

	if s.samples == 0 || rtt < s.best {
		s.best = rtt
	}
	if s.samples == 0 || rtt > s.worst {
		s.worst = rtt
	}

	if s.samples == 0 {
		s.ema = rtt
	} else {
		s.ema = time.Duration(s.alpha*float64(rtt) + (1-s.alpha)*float64(s.ema))
	}

	s.samples++
	s.last = rtt
	s.rtts.Push(rtt)
	s.avg = mean(s.rtts.Values())

	s.resolveOldestPending(Outcome{State: Received, RTT: rtt})
	s.updateLoss()
}

// RecordTimeout marks the oldest pending probe as lost.
func (s *Stats) RecordTimeout() {
	s.resolveOldestPending(Outcome{State: Lost})
	s.updateLoss()
}

// RecordRTTFromAddress attributes a sample to addr. The most frequently seen
// responder is the primary one; other responders are kept as alternate paths
// and still count as received.
func (s *Stats) RecordRTTFromAddress(addr netip.Addr, rtt time.Duration) {
	s.frequency[addr]++

	if !s.addr.IsValid() || s.addr == addr || s.frequency[addr] > s.frequency[s.addr] {
		if s.addr.IsValid() && s.addr != addr {
			s.promote(addr)
		}
		s.addr = addr
		s.RecordRTT(rtt)
		return
	}

	alt, ok := s.alternates[addr]
	if !ok {
		alt = &AlternatePath{Addr: addr}
		s.alternates[addr] = alt
	}
	alt.Frequency = s.frequency[addr]
	alt.LastRTT = rtt
	alt.LastSeen = s.now()

	s.received++
	s.resolveOldestPending(Outcome{State: Received, RTT: rtt})
	s.updateLoss()

	slog.Debug("Alternate path", "hop", s.hop, "primary", s.addr, "alternate", addr, "frequency", alt.Frequency)
}

// promote makes addr the primary responder. Its alternate entry is folded
// into the primary and the previous primary becomes an alternate.
func (s *Stats) promote(addr netip.Addr) {
	old := s.addr
	hostname := ""
	if alt, ok := s.alternates[addr]; ok {
		hostname = alt.Hostname
		delete(s.alternates, addr)
	}
	if s.frequency[old] > 0 {
		s.alternates[old] = &AlternatePath{
			Addr:      old,
			Hostname:  s.hostname,
			Frequency: s.frequency[old],
			LastRTT:   s.last,
			LastSeen:  s.now(),
		}
	}
	s.hostname = hostname
	slog.Debug("Primary path changed", "hop", s.hop, "from", old, "to", addr)
}

// SetHostnameForAddress names addr if it is the primary or a known alternate.
func (s *Stats) SetHostnameForAddress(addr netip.Addr, name string) {
	if addr == s.addr {
		s.hostname = name
		return
	}
	if alt, ok := s.alternates[addr]; ok {
		alt.Hostname = name
	}
}

// SetICMPError flags the hop as having returned an ICMP error.
func (s *Stats) SetICMPError() { s.icmpError = true }

// SetAddrIfUnset records addr as primary when no responder is known yet.
func (s *Stats) SetAddrIfUnset(addr netip.Addr) {
	if !s.addr.IsValid() {
		s.addr = addr
	}
}

func (s *Stats) resolveOldestPending(o Outcome) {
	for i := 0; i < s.outcomes.Len(); i++ {
		if p := s.outcomes.At(i); p.State == Pending {
			*p = o
			return
		}
	}
}

func (s *Stats) updateLoss() {
	if s.sent == 0 {
		s.lossPct = 0
		return
	}
	recv := min(s.received, s.sent)
	s.lossPct = float64(s.sent-recv) / float64(s.sent) * 100
}

// PathPercentage is the share of responses that came from addr.
func (s *Stats) PathPercentage(addr netip.Addr) float64 {
	total := 0
	for _, n := range s.frequency {
		total += n
	}
	if total == 0 {
		if addr == s.addr {
			return 100
		}
		return 0
	}
	return float64(s.frequency[addr]) / float64(total) * 100
}

// AlternatePaths returns copies of the alternate paths, most frequent first.
func (s *Stats) AlternatePaths() []AlternatePath {
	paths := make([]AlternatePath, 0, len(s.alternates))
	for _, p := range s.alternates {
		paths = append(paths, *p)
	}
	slices.SortFunc(paths, func(a, b AlternatePath) int {
		if a.Frequency != b.Frequency {
			return b.Frequency - a.Frequency
		}
		return a.Addr.Compare(b.Addr)
	})
	return paths
}

func (s *Stats) HasMultiplePaths() bool { return len(s.alternates) > 0 }

// StdDev is the sample standard deviation of the RTT history.
func (s *Stats) StdDev() time.Duration {
	return stdDev(s.rtts.Values())
}

func (s *Stats) Hop() int { return s.hop }
func (s *Stats) Addr() netip.Addr { return s.addr }
func (s *Stats) Hostname() string { return s.hostname }
func (s *Stats) ICMPError() bool { return s.icmpError }
func (s *Stats) Sent() int { return s.sent }
func (s *Stats) Received() int { return s.received }
func (s *Stats) LossPercent() float64 { return s.lossPct }
func (s *Stats) HasRTT() bool { return s.samples > 0 }
func (s *Stats) Last() time.Duration { return s.last }
func (s *Stats) Best() time.Duration { return s.best }
func (s *Stats) Worst() time.Duration { return s.worst }
func (s *Stats) Avg() time.Duration { return s.avg }
func (s *Stats) EMA() time.Duration { return s.ema }
func (s *Stats) Jitter() time.Duration { return s.jitter }
func (s *Stats) JitterAvg() time.Duration { return s.jitterAvg }
func (s *Stats) RTTs() []time.Duration { return s.rtts.Values() }
func (s *Stats) Jitters() []time.Duration { return s.jitters.Values() }
func (s *Stats) Outcomes() []Outcome { return s.outcomes.Values() }

func mean(d []time.Duration) time.Duration {
	if len(d) == 0 {
		return 0
	}
	var sum time.Duration
	for _, v := range d {
		sum += v
	}
	return sum / time.Duration(len(d))
}

func stdDev(d []time.Duration) time.Duration {
	n := len(d)
	if n < 2 {
		return 0
	}
	m := float64(mean(d))
	var sq float64
	for _, v := range d {
		diff := float64(v) - m
		sq += diff * diff
	}
	return time.Duration(math.Sqrt(sq / float64(n-1)))
}
