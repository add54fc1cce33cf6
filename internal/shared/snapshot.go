// Package shared holds the read-only views of a session that outputs consume.
package shared

import (
	"fmt"
	"hash/crc32"
	"strings"
	"time"
)

// Outcome states as they appear in the JSON timeline.
const (
	OutcomePending  = "pending"
	OutcomeReceived = "received"
	OutcomeLost     = "lost"
)

// Snapshot is a point-in-time copy of the whole session.
type Snapshot struct {
	SessionID     string        `json:"session_id"`
	Target        string        `json:"target"`
	TargetAddr    string        `json:"target_addr"`
	SourceAddr    string        `json:"source_addr,omitempty"`
	Gateway       string        `json:"gateway,omitempty"`   // First hop of the local route
	Interface     string        `json:"interface,omitempty"` // Outgoing interface
	Protocol      string        `json:"protocol"`
	State         string        `json:"state"`
	Round         int           `json:"round"`          // Completed rounds
	ActiveHops    int           `json:"active_hops"`    // Hops probed per round
	TargetReached bool          `json:"target_reached"` // Target answered an echo
	PathHash      string        `json:"path_hash"`      // Hash of the primary addresses
	Hops          []HopSnapshot `json:"hops"`
	Start         time.Time     `json:"start"`
	Timestamp     time.Time     `json:"timestamp"`
}

// HopSnapshot holds the statistics of one hop. RTT values are in microseconds.
type HopSnapshot struct {
	Hop        int                 `json:"hop"`
	Addr       string              `json:"addr,omitempty"` // Primary responder
	Hostname   string              `json:"hostname,omitempty"`
	Sent       int                 `json:"sent"`
	Received   int                 `json:"received"`
	LossPct    float64             `json:"loss_pct"`
	HasRTT     bool                `json:"has_rtt"`
	Last       int64               `json:"last"`
	Best       int64               `json:"best"`
	Worst      int64               `json:"worst"`
	Avg        int64               `json:"avg"`
	EMA        int64               `json:"ema"`
	StdDev     int64               `json:"stddev"`
	Jitter     int64               `json:"jitter"`
	JitterAvg  int64               `json:"jitter_avg"`
	ICMPError  bool                `json:"icmp_error,omitempty"`
	PrimaryPct float64             `json:"primary_pct"` // Share of responses from Addr
	Alternates []AlternateSnapshot `json:"alternates,omitempty"`
	Timeline   []Outcome           `json:"timeline,omitempty"` // Oldest first
}

// AlternateSnapshot is a secondary responder at a hop.
type AlternateSnapshot struct {
	Addr      string    `json:"addr"`
	Hostname  string    `json:"hostname,omitempty"`
	Frequency int       `json:"frequency"`
	Pct       float64   `json:"pct"`
	LastRTT   int64     `json:"last_rtt"` // Microseconds
	LastSeen  time.Time `json:"last_seen"`
}

// Outcome is one probe in the hop timeline.
type Outcome struct {
	State string `json:"state"`
	RTT   int64  `json:"rtt,omitempty"` // Microseconds
}

// Micros converts d to whole microseconds.
func Micros(d time.Duration) int64 { return d.Microseconds() }

// Duration converts microseconds back to a time.Duration.
func Duration(us int64) time.Duration { return time.Duration(us) * time.Microsecond }

// VisibleHops returns the hops worth showing: the ones probed in the last
// round, or every hop that has seen a probe if that is more.
func (s *Snapshot) VisibleHops() []HopSnapshot {
	n := min(s.ActiveHops, len(s.Hops))
	if !s.TargetReached {
		for i := len(s.Hops) - 1; i >= n; i-- {
			if s.Hops[i].Sent > 0 {
				n = i + 1
				break
			}
		}
	}
	return s.Hops[:n]
}

// Label is the hostname when known, otherwise the address, otherwise "???".
func (h *HopSnapshot) Label() string {
	switch {
	case h.Hostname != "":
		return h.Hostname
	case h.Addr != "":
		return h.Addr
	default:
		return "???"
	}
}

// calculatePathHash computes a CRC32 over the responding addresses in order.
func calculatePathHash(ips []string) string {
	if len(ips) == 0 {
		return "00000000"
	}

	var pathBuilder strings.Builder
	for _, ip := range ips {
		if ip != "" {
			pathBuilder.WriteString(ip)
			pathBuilder.WriteString("|")
		}
	}
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(pathBuilder.String())))
}

// PathHash hashes the primary address of each hop, so that a route change
// shows up as a new value.
func PathHash(hops []HopSnapshot) string {
	ips := make([]string, 0, len(hops))
	for _, h := range hops {
		if h.Addr != "" {
			ips = append(ips, h.Addr)
		}
	}
	return calculatePathHash(ips)
}
