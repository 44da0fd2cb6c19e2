package routing

import (
	"fmt"
	"math"
	"net/netip"
	"strings"
	"sync"

	"github.com/codefionn/zoxy/zoxy-srv/config"
)

type frontend struct {
	network netip.Prefix
	port    portPattern
}

type backend struct {
	host   string
	port   portPattern
	weight float64
	count  int
}

// BackendState is a point-in-time view of one backend.
type BackendState struct {
	Host        string  `json:"host"`
	Port        string  `json:"port"`
	Weight      float64 `json:"weight"`
	AccessCount int     `json:"access_count"`
}

// LoadBalancerState is a point-in-time view of the balancer.
type LoadBalancerState struct {
	Frontend *config.Frontend `json:"frontend,omitempty"`
	Backends []BackendState   `json:"backends"`
}

// LoadBalancer picks a backend for destinations passing the frontend gate.
// Selection and counter increment happen under one lock, as does
// reconfiguration, so counters never mix generations.
type LoadBalancer struct {
	mu       sync.Mutex
	frontend *frontend
	backends []backend
}

func NewLoadBalancer(cfg config.LoadBalancing) (*LoadBalancer, error) {
	lb := &LoadBalancer{}
	if err := lb.Reconfigure(cfg); err != nil {
		return nil, err
	}
	return lb, nil
}

// Reconfigure replaces frontend and backends and resets all counters.
// On error the previous configuration stays in place.
func (lb *LoadBalancer) Reconfigure(cfg config.LoadBalancing) error {
	var fe *frontend
	if cfg.Frontend != nil {
		network, err := config.ParseNetwork(cfg.Frontend.Network)
		if err != nil {
			return fmt.Errorf("frontend: %w", err)
		}
		port, err := parsePortPattern(cfg.Frontend.Port)
		if err != nil {
			return fmt.Errorf("frontend: %w", err)
		}
		fe = &frontend{network: network, port: port}
	}

	backends := make([]backend, 0, len(cfg.Backends))
	for i, b := range cfg.Backends {
		port, err := parsePortPattern(b.Port)
		if err != nil {
			return ruleError("backend", i, err)
		}
		if b.Weight < 1 || b.Weight > 100 {
			return fmt.Errorf("backend %d: weight must be within 1..100, got %d", i, b.Weight)
		}
		backends = append(backends, backend{
			host:   strings.TrimSpace(b.Host),
			port:   port,
			weight: float64(b.Weight) / 100,
		})
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.frontend = fe
	lb.backends = backends
	return nil
}

// Enabled reports whether a frontend and at least one backend are configured.
func (lb *LoadBalancer) Enabled() bool {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.frontend != nil && len(lb.backends) > 0
}

// Select returns the backend for addr:port when the frontend gate is open.
// Otherwise host and port are returned unchanged and ok is false.
func (lb *LoadBalancer) Select(addr netip.Addr, host string, port int) (string, int, bool) {
	if lb == nil {
		return host, port, false
	}
	addr = addr.Unmap()

	lb.mu.Lock()
	defer lb.mu.Unlock()

	if lb.frontend == nil || len(lb.backends) == 0 {
		return host, port, false
	}
	if !lb.frontend.network.Contains(addr) || !lb.frontend.port.matches(port) {
		return host, port, false
	}

	counts := make([]int, len(lb.backends))
	weights := make([]float64, len(lb.backends))
	for i, b := range lb.backends {
		counts[i] = b.count
		weights[i] = b.weight
	}

	idx := Distribute(counts, weights)
	selected := &lb.backends[idx]
	selected.count++
	return selected.host, selected.port.apply(port), true
}

// Snapshot returns the current configuration with access counters.
func (lb *LoadBalancer) Snapshot() LoadBalancerState {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	state := LoadBalancerState{Backends: make([]BackendState, 0, len(lb.backends))}
	if lb.frontend != nil {
		state.Frontend = &config.Frontend{
			Network: lb.frontend.network.String(),
			Port:    lb.frontend.port.String(),
		}
	}
	for _, b := range lb.backends {
		state.Backends = append(state.Backends, BackendState{
			Host:        b.host,
			Port:        b.port.String(),
			Weight:      b.weight,
			AccessCount: b.count,
		})
	}
	return state
}

// Config returns the current configuration in canonical form.
func (lb *LoadBalancer) Config() config.LoadBalancing {
	state := lb.Snapshot()
	cfg := config.LoadBalancing{Frontend: state.Frontend}
	for _, b := range state.Backends {
		cfg.Backends = append(cfg.Backends, config.Backend{
			Host:   b.Host,
			Port:   b.Port,
			Weight: int(math.Round(b.Weight * 100)),
		})
	}
	return cfg
}

// Distribute returns the index whose share of total accesses lags furthest
// behind its weight. A backend that was never selected, or an empty history,
// scores +Inf. Ties go to the lowest index. Returns -1 for no backends.
func Distribute(counts []int, weights []float64) int {
	total := 0
	for _, c := range counts {
		total += c
	}

	best := -1
	bestScore := math.Inf(-1)
	for i := range weights {
		var score float64
		if total == 0 || counts[i] == 0 {
			score = math.Inf(1)
		} else {
			score = weights[i] - float64(counts[i])/float64(total)
		}
		if best == -1 || score > bestScore {
			best = i
			bestScore = score
		}
	}
	return best
}
