package output

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tkjaer/mtrng/internal/shared"
)

// MetricsOutput exports the latest round as Prometheus metrics.
type MetricsOutput struct {
	hopRTT         *prometheus.GaugeVec
	hopAvg         *prometheus.GaugeVec
	hopLoss        *prometheus.GaugeVec
	hopSent        *prometheus.GaugeVec
	pathChanges    *prometheus.CounterVec
	targetReached  *prometheus.GaugeVec
	roundsComplete *prometheus.GaugeVec

	mu           sync.Mutex
	lastPathHash map[string]string // target -> path_hash
}

// NewMetricsOutput creates the collectors and registers them with reg.
func NewMetricsOutput(reg prometheus.Registerer) (*MetricsOutput, error) {
	m := &MetricsOutput{
		hopRTT: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mtrng_hop_rtt_ms",
				Help: "Last round-trip time to each hop in milliseconds",
			},
			[]string{"target", "hop", "addr"},
		),
		hopAvg: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mtrng_hop_rtt_avg_ms",
				Help: "Average round-trip time to each hop in milliseconds",
			},
			[]string{"target", "hop", "addr"},
		),
		hopLoss: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mtrng_hop_loss_percent",
				Help: "Packet loss at each hop over the recent window",
			},
			[]string{"target", "hop"},
		),
		hopSent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mtrng_hop_probes_sent",
				Help: "Probes sent to each hop",
			},
			[]string{"target", "hop"},
		),
		pathChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtrng_path_changes_total",
				Help: "Total number of path changes detected",
			},
			[]string{"target"},
		),
		targetReached: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mtrng_target_reached",
				Help: "Whether the target answered (1 = yes, 0 = no)",
			},
			[]string{"target", "path_hash"},
		),
		roundsComplete: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mtrng_rounds_completed",
				Help: "Number of completed probe rounds",
			},
			[]string{"target"},
		),
		lastPathHash: make(map[string]string),
	}

	for _, c := range []prometheus.Collector{
		m.hopRTT, m.hopAvg, m.hopLoss, m.hopSent, m.pathChanges, m.targetReached, m.roundsComplete,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *MetricsOutput) Update(*shared.Snapshot) {}

func (m *MetricsOutput) CompleteRound(snap *shared.Snapshot) {
	m.process(snap)
}

func (m *MetricsOutput) Complete(snap *shared.Snapshot) {
	m.process(snap)
}

func (m *MetricsOutput) process(snap *shared.Snapshot) {
	if snap == nil {
		return
	}
	target := snap.Target

	m.mu.Lock()
	lastHash, exists := m.lastPathHash[target]
	if exists && lastHash != snap.PathHash {
		m.pathChanges.WithLabelValues(target).Inc()
	}
	m.lastPathHash[target] = snap.PathHash
	m.mu.Unlock()

	reached := 0.0
	if snap.TargetReached {
		reached = 1.0
	}
	m.targetReached.Reset()
	m.targetReached.WithLabelValues(target, snap.PathHash).Set(reached)
	m.roundsComplete.WithLabelValues(target).Set(float64(snap.Round))

	// Responders come and go, so drop series from earlier rounds.
	m.hopRTT.Reset()
	m.hopAvg.Reset()
	for _, h := range snap.VisibleHops() {
		if h.Sent == 0 {
			continue
		}
		hop := strconv.Itoa(h.Hop)
		m.hopLoss.WithLabelValues(target, hop).Set(h.LossPct)
		m.hopSent.WithLabelValues(target, hop).Set(float64(h.Sent))
		if h.HasRTT && h.Addr != "" {
			m.hopRTT.WithLabelValues(target, hop, h.Addr).Set(float64(h.Last) / 1000.0)
			m.hopAvg.WithLabelValues(target, hop, h.Addr).Set(float64(h.Avg) / 1000.0)
		}
	}
}

func (m *MetricsOutput) Close() error { return nil }
