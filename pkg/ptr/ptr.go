package ptr

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// LookupFunc returns the PTR names for an IP address.
type LookupFunc func(ip string) ([]string, error)

// PtrManager handles PTR lookups with simple caching
type PtrManager struct {
	mu         sync.Mutex
	cache      map[string]string
	lookupFunc LookupFunc
	retries    int
	retryDelay time.Duration
}

// Option configures a PtrManager.
type Option func(*PtrManager)

// WithNameserver sends PTR queries to server (host or host:port) instead of
// using the system resolver.
func WithNameserver(server string) Option {
	return func(pm *PtrManager) {
		pm.lookupFunc = dnsLookup(server, 2*time.Second)
	}
}

// WithResolver uses r for lookups, e.g. a simulated network.
func WithResolver(r interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}) Option {
	return func(pm *PtrManager) {
		pm.lookupFunc = func(ip string) ([]string, error) {
			return r.LookupAddr(context.Background(), ip)
		}
	}
}

// NewPtrManager creates a new PtrManager
func NewPtrManager(opts ...Option) *PtrManager {
	pm := &PtrManager{
		cache:      make(map[string]string),
		lookupFunc: net.LookupAddr,
		retries:    3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(pm)
	}
	return pm
}

// RequestPTR looks up ip unless it is cached or already in progress. It
// blocks for the duration of the lookup; callers run it in a goroutine.
func (pm *PtrManager) RequestPTR(ip string) {
	pm.mu.Lock()
	if _, exists := pm.cache[ip]; exists {
		pm.mu.Unlock()
		return
	}
	pm.cache[ip] = "" // in progress
	pm.mu.Unlock()

	for attempt := range pm.retries {
		names, err := pm.lookupFunc(ip)
		if err == nil && len(names) > 0 {
			pm.mu.Lock()
			pm.cache[ip] = normalizePTR(names[0])
			pm.mu.Unlock()
			return
		}
		slog.Debug("PTR lookup failed", "ip", ip, "attempt", attempt+1, "error", err)
		if attempt+1 < pm.retries {
			time.Sleep(pm.retryDelay)
		}
	}
}

// GetPTR retrieves the cached PTR result for the given IP address
// Returns the PTR and a boolean indicating if it was found
func (pm *PtrManager) GetPTR(ip string) (string, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	ptr := pm.cache[ip]
	return ptr, ptr != ""
}

func normalizePTR(name string) string {
	return strings.TrimSuffix(name, ".")
}

func dnsLookup(server string, timeout time.Duration) LookupFunc {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	client := &dns.Client{Net: "udp", Timeout: timeout}

	return func(ip string) ([]string, error) {
		arpa, err := dns.ReverseAddr(ip)
		if err != nil {
			return nil, err
		}
		m := new(dns.Msg)
		m.SetQuestion(arpa, dns.TypePTR)
		m.RecursionDesired = true

		r, _, err := client.Exchange(m, server)
		if err != nil {
			return nil, err
		}
		if r.Rcode != dns.RcodeSuccess {
			return nil, fmt.Errorf("PTR %s: %s", arpa, dns.RcodeToString[r.Rcode])
		}
		var names []string
		for _, rr := range r.Answer {
			if p, ok := rr.(*dns.PTR); ok {
				names = append(names, p.Ptr)
			}
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("PTR %s: empty answer", arpa)
		}
		return names, nil
	}
}
