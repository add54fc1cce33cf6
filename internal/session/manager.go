package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tkjaer/mtrng/internal/config"
	"github.com/tkjaer/mtrng/internal/output"
	"github.com/tkjaer/mtrng/internal/probe"
	"github.com/tkjaer/mtrng/internal/shared"
	"github.com/tkjaer/mtrng/pkg/ptr"
	"github.com/tkjaer/mtrng/pkg/route"
)

// updateInterval caps how often outputs are handed a live snapshot.
const updateInterval = 100 * time.Millisecond

// simTarget stands in for destinations given by name in simulation mode, so
// that simulating never touches the network.
var simTarget = netip.MustParseAddr("203.0.113.10")

// prober is what the manager needs from an engine besides probing.
type prober interface {
	Prober
	Close() error
}

// Manager wires a Controller to its engine, resolver, outputs and metrics
// server, and runs them until the session ends.
type Manager struct {
	args       config.Args
	engine     prober
	controller *Controller

	registry *prometheus.Registry

	// outputs to register in addition to the ones args ask for
	extra []output.Output

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager resolves the destination, opens the engine and creates the
// controller. It returns a *probe.PermissionError when raw sockets are not
// available and probe.ErrNoIPv6 for an IPv6 destination without IPv6
// probing.
func NewManager(a config.Args) (*Manager, error) {
	target, err := destinationAddr(a)
	if err != nil {
		return nil, err
	}

	if a.Protocol != "" && a.Protocol != "icmp" {
		slog.Warn("Protocol only changes labels, probes are ICMP echo requests", "protocol", a.Protocol)
	}

	id := probe.DefaultIdentifier()
	var (
		engine *probe.Engine
		sim    *probe.SimNetwork
		source netip.Addr
		local  route.Route
	)
	if a.Simulate {
		engine, sim = probe.OpenSimulated(probe.SimConfig{Target: target}, id)
		source = probe.SimSource
	} else {
		engine, err = probe.Open(id)
		if err != nil {
			return nil, err
		}
		if local, err = route.Get(target); err != nil {
			slog.Warn("Failed to determine source address", "destination", target, "error", err)
		} else {
			source = local.Source
			slog.Debug("Local route", "source", local.Source, "gateway", local.Gateway, "interface", local.Interface)
		}
	}
	if target.Is6() && !engine.HasIPv6() {
		engine.Close()
		return nil, fmt.Errorf("%s: %w", target, probe.ErrNoIPv6)
	}

	var resolver *ptr.PtrManager
	switch {
	case a.Numeric:
	case sim != nil:
		resolver = ptr.NewPtrManager(ptr.WithResolver(sim))
	case a.Nameserver != "":
		resolver = ptr.NewPtrManager(ptr.WithNameserver(a.Nameserver))
	default:
		resolver = ptr.NewPtrManager()
	}

	m := newManager(a, engine, Config{
		SessionID:           uuid.NewString(),
		Target:              a.Destination,
		TargetAddr:          target,
		SourceAddr:          source,
		Gateway:             local.Gateway,
		Interface:           local.Interface,
		Protocol:            a.Protocol,
		Count:               int(a.Count),
		Interval:            a.Interval,
		MaxHops:             int(a.MaxHops),
		ProbeTimeout:        a.Timeout,
		EMAAlpha:            a.EMAAlpha,
		InitialHops:         int(a.InitialHops),
		UnknownHopThreshold: int(a.UnknownHops),
	}, resolver)

	slog.Debug("Session configured", "session", m.controller.cfg.SessionID,
		"target", target, "source", source, "identifier", id, "simulate", a.Simulate)
	return m, nil
}

func newManager(a config.Args, engine prober, cfg Config, resolver *ptr.PtrManager) *Manager {
	m := &Manager{
		args:     a,
		engine:   engine,
		registry: prometheus.NewRegistry(),
		stop:     make(chan struct{}),
	}
	var opts []Option
	if resolver != nil {
		opts = append(opts, WithResolver(resolver))
	}
	m.controller = New(cfg, engine, opts...)
	return m
}

// destinationAddr resolves the destination honoring the address family flags.
func destinationAddr(a config.Args) (netip.Addr, error) {
	if d, err := netip.ParseAddr(a.Destination); err == nil {
		d = d.Unmap()
		switch {
		case a.ForceIPv4 && !d.Is4():
			return netip.Addr{}, fmt.Errorf("%s is not an IPv4 address", d)
		case a.ForceIPv6 && !d.Is6():
			return netip.Addr{}, fmt.Errorf("%s is not an IPv6 address", d)
		}
		return d, nil
	}
	if a.Simulate {
		slog.Info("Simulating a path to a stand-in address", "destination", a.Destination, "addr", simTarget)
		return simTarget, nil
	}

	network := "ip"
	switch {
	case a.ForceIPv4:
		network = "ip4"
	case a.ForceIPv6:
		network = "ip6"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, network, a.Destination)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("could not resolve destination %s: %w", a.Destination, err)
	}
	for _, addr := range addrs {
		if addr = addr.Unmap(); addr.IsValid() {
			return addr, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("could not resolve destination %s", a.Destination)
}

// Controller returns the session controller.
func (m *Manager) Controller() *Controller { return m.controller }

// Run starts the controller, the output routine and, when configured, the
// metrics server, and waits for all of them. The engine is closed on return.
func (m *Manager) Run(ctx context.Context) error {
	defer m.engine.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	om, tui, err := m.createOutputs()
	if err != nil {
		return err
	}

	// Subscribe before the controller starts so no round is missed.
	updates := m.controller.Subscribe()
	rounds := m.controller.SubscribeRounds()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return m.controller.Run(gctx)
	})
	g.Go(func() error {
		return m.outputRoutine(om, updates, rounds)
	})
	g.Go(func() error {
		select {
		case <-m.stop:
			slog.Debug("Stop requested")
			cancel()
		case <-gctx.Done():
		}
		return nil
	})
	if tui != nil {
		g.Go(func() error {
			select {
			case <-tui.QuitChan():
				slog.Debug("User quit TUI, stopping session")
				cancel()
			case <-gctx.Done():
			}
			return nil
		})
		g.Go(func() error {
			m.resetRoutine(gctx, tui.ResetChan())
			return nil
		})
	}
	if m.args.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              m.args.MetricsAddr,
			Handler:           m.router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("Serving metrics", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Stop ends a running session. It is safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		slog.Debug("Stopping session manager")
		close(m.stop)
	})
}

// resetRoutine resets the controller's statistics for every request until
// ctx is done.
func (m *Manager) resetRoutine(ctx context.Context, requests <-chan struct{}) {
	for {
		select {
		case <-requests:
			if err := m.controller.Reset(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("Failed to reset statistics", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// createOutputs creates and initializes output handlers
// Returns the TUIOutput instance (may be nil) and the OutputManager
func (m *Manager) createOutputs() (*output.OutputManager, *output.TUIOutput, error) {
	om := &output.OutputManager{}
	var tui *output.TUIOutput

	switch m.args.OutputMode() {
	case "json":
		jsonOut, err := output.NewJSONOutput("")
		if err != nil {
			return nil, nil, err
		}
		om.Register(jsonOut)
	case "report":
		fields, err := output.ParseFields(m.args.Fields)
		if err != nil {
			return nil, nil, err
		}
		om.Register(output.NewReportOutput(os.Stdout, fields))
	default:
		tui = output.NewTUIOutput(m.args.Destination)
		tui.Start()
		om.Register(tui)
	}

	if m.args.JsonFile != "" {
		jsonOut, err := output.NewJSONOutput(m.args.JsonFile)
		if err != nil {
			slog.Warn("Failed to create JSON file output", "error", err)
		} else {
			om.Register(jsonOut)
		}
	}

	if m.args.MetricsAddr != "" {
		metrics, err := output.NewMetricsOutput(m.registry)
		if err != nil {
			om.Close()
			return nil, nil, err
		}
		om.Register(metrics)
	}

	if m.args.NATSURL != "" {
		natsOut, err := output.NewNATSOutput(m.args.NATSURL, m.args.NATSSubject)
		if err != nil {
			slog.Warn("Failed to connect to NATS, rounds will not be published", "url", m.args.NATSURL, "error", err)
		} else {
			om.Register(natsOut)
		}
	}

	for _, o := range m.extra {
		om.Register(o)
	}
	return om, tui, nil
}

// outputRoutine feeds the outputs until the controller has stopped, then
// hands them the final snapshot and closes them.
func (m *Manager) outputRoutine(om *output.OutputManager, updates <-chan struct{}, rounds <-chan *shared.Snapshot) error {
	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()

	dirty := false
	for updates != nil || rounds != nil {
		select {
		case _, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			dirty = true
		case snap, ok := <-rounds:
			if !ok {
				rounds = nil
				continue
			}
			om.CompleteRound(snap)
		case <-ticker.C:
			if !dirty {
				continue
			}
			dirty = false
			if snap, err := m.controller.Snapshot(context.Background()); err == nil && snap != nil {
				om.Update(snap)
			}
		}
	}

	final, err := m.controller.Snapshot(context.Background())
	if err == nil {
		om.Complete(final)
	}
	return om.Close()
}

// router serves Prometheus metrics, a health check and the live snapshot.
func (m *Manager) router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/snapshot", m.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/snapshot/hops/{hop:[0-9]+}", m.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/reset", m.handleReset).Methods(http.MethodPost)
	return r
}

func (m *Manager) handleReset(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	switch err := m.controller.Reset(ctx); {
	case errors.Is(err, ErrStopped):
		http.Error(w, "session stopped", http.StatusConflict)
	case err != nil:
		http.Error(w, "reset unavailable", http.StatusServiceUnavailable)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (m *Manager) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	snap, err := m.controller.Snapshot(ctx)
	if err != nil || snap == nil {
		http.Error(w, "snapshot unavailable", http.StatusServiceUnavailable)
		return
	}

	var body any = snap
	if v, ok := mux.Vars(r)["hop"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > len(snap.Hops) {
			http.Error(w, "no such hop", http.StatusNotFound)
			return
		}
		body = snap.Hops[n-1]
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("Failed to write snapshot response", "error", err)
	}
}
