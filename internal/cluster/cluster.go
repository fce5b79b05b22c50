// Package cluster implements the Cluster Router (spec.md §4.7): node
// discovery, an independent health loop, and pluggable node-selection
// strategies with cache affinity. Grounded on the teacher's
// internal/agent/routing.Router (candidate gathering, per-entity
// unhealthy cooldown, rule-based selection), generalized from
// provider-rule routing into node-health routing and upgraded to use a
// full per-node breaker.Breaker instead of a bare cooldown timestamp
// (spec §9 "Cyclic relation node↔breaker↔router": nodes are referenced by
// id only).
package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/anyclaude/gateway/internal/breaker"
	"github.com/anyclaude/gateway/internal/metrics"
)

// Status is a node's health status (spec §3 "Node record").
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusHealthy      Status = "healthy"
	StatusDegraded     Status = "degraded"
	StatusUnhealthy    Status = "unhealthy"
	StatusOffline      Status = "offline"
)

// Strategy names a node-selection strategy (spec §4.7).
type Strategy string

const (
	StrategyRoundRobin  Strategy = "round-robin"
	StrategyLeastLoaded Strategy = "least-loaded"
	StrategyCacheAware  Strategy = "cache-aware"
	StrategyLatency     Strategy = "latency-based"
)

// Health is the node's rolling health record.
type Health struct {
	LastCheckAt         time.Time
	ConsecutiveFailures int
	AvgResponseTimeMs   float64
	ErrorRate           float64 // exponentially smoothed, in [0,1]
}

// Cache is the node's last-known cache-affinity state.
type Cache struct {
	Tokens           int
	SystemPromptHash string
	LastUpdatedAt    time.Time
}

// NodeMetrics is the node's live load/throughput record.
type NodeMetrics struct {
	RequestsInFlight int
	TotalRequests    int64
	CacheHitRate     float64
	AvgLatencyMs     float64
}

// Node is one cluster member. Exclusively owned by the Router; callers
// receive only a Handle (a value copy) for the duration of one request
// (spec §3 "Ownership").
type Node struct {
	ID     string
	URL    string
	Status Status
	Health Health
	Cache  Cache
	Metrics NodeMetrics

	breaker *breaker.Breaker
}

// Handle is a transient, non-owning snapshot of a Node handed to request
// handlers (spec §3 "Ownership").
type Handle struct {
	ID     string
	URL    string
	Status Status
}

// Seed describes one statically-configured or discovered node candidate.
type Seed struct {
	ID  string
	URL string
}

// Discoverer resolves the current set of candidate nodes. A static list
// and a DNS/k8s-backed implementation both satisfy this (spec §4.7
// "Discovery").
type Discoverer interface {
	Discover(ctx context.Context) ([]Seed, error)
}

// StaticDiscoverer is a fixed, unchanging node list (spec §4.7 "static").
type StaticDiscoverer []Seed

func (d StaticDiscoverer) Discover(ctx context.Context) ([]Seed, error) { return []Seed(d), nil }

// Prober checks one node's liveness, returning latency and an error if
// the probe failed (spec §4.7 "lightweight probe").
type Prober interface {
	Probe(ctx context.Context, url string) (latency time.Duration, err error)
}

// Lifecycle callbacks (spec §4.7).
type Lifecycle struct {
	OnNodeDiscovered func(id string)
	OnNodeLost       func(id string)
	OnDiscoveryError func(err error)
}

// Config configures a Router.
type Config struct {
	DiscoveryInterval      time.Duration
	HealthCheckInterval    time.Duration
	HealthCheckTimeout     time.Duration
	MaxConsecutiveFailures int
	Strategy               Strategy
	BreakerConfig          breaker.Config
}

// DefaultConfig matches the teacher's conservative defaults for
// background-loop cadences.
func DefaultConfig() Config {
	return Config{
		DiscoveryInterval:      30 * time.Second,
		HealthCheckInterval:    10 * time.Second,
		HealthCheckTimeout:     3 * time.Second,
		MaxConsecutiveFailures: 3,
		Strategy:               StrategyLeastLoaded,
		BreakerConfig:          breaker.DefaultConfig(),
	}
}

// Router owns the node table and runs discovery/health loops.
type Router struct {
	cfg        Config
	discoverer Discoverer
	prober     Prober
	lifecycle  Lifecycle

	mu    sync.RWMutex
	nodes map[string]*Node

	discoveringMu sync.Mutex
	discovering   bool

	rrCounter uint64
	rrMu      sync.Mutex

	sessionMu     sync.Mutex
	sessionToNode map[string]string

	now func() time.Time

	obs *metrics.Metrics
}

// SetMetrics attaches a Prometheus collector set; every node discovered
// afterward publishes its breaker state and health gauge through it
// (SPEC_FULL.md §4 "breaker and cluster publish gauges through it").
func (r *Router) SetMetrics(m *metrics.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = m
	for id, n := range r.nodes {
		n.breaker.SetMetrics(m, id)
	}
}

// New constructs a Router. Call Start to begin its background loops.
func New(cfg Config, discoverer Discoverer, prober Prober, lifecycle Lifecycle) *Router {
	return &Router{
		cfg:           cfg,
		discoverer:    discoverer,
		prober:        prober,
		lifecycle:     lifecycle,
		nodes:         make(map[string]*Node),
		sessionToNode: make(map[string]string),
		now:           time.Now,
	}
}

// Start launches the discovery and health-check background loops and
// returns immediately; the loops stop once ctx is canceled.
func (r *Router) Start(ctx context.Context) {
	go r.discoveryLoop(ctx)
	go r.healthLoop(ctx)
}

func (r *Router) discoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.DiscoveryInterval)
	defer ticker.Stop()
	r.refreshOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshOnce(ctx)
		}
	}
}

// refreshOnce performs one discovery pass, guarded so refreshes never
// overlap (spec §4.7 "Refreshes never overlap (guarded by
// isDiscovering)", §8 "Discovery never runs two refreshes concurrently").
func (r *Router) refreshOnce(ctx context.Context) {
	r.discoveringMu.Lock()
	if r.discovering {
		r.discoveringMu.Unlock()
		return
	}
	r.discovering = true
	r.discoveringMu.Unlock()
	defer func() {
		r.discoveringMu.Lock()
		r.discovering = false
		r.discoveringMu.Unlock()
	}()

	seeds, err := r.discoverer.Discover(ctx)
	if err != nil {
		if r.lifecycle.OnDiscoveryError != nil {
			r.lifecycle.OnDiscoveryError(err)
		}
		return
	}

	seen := make(map[string]bool, len(seeds))
	r.mu.Lock()
	for _, seed := range seeds {
		seen[seed.ID] = true
		if _, exists := r.nodes[seed.ID]; exists {
			continue
		}
		nodeBreaker := breaker.New(r.cfg.BreakerConfig)
		if r.obs != nil {
			nodeBreaker.SetMetrics(r.obs, seed.ID)
		}
		r.nodes[seed.ID] = &Node{
			ID:      seed.ID,
			URL:     seed.URL,
			Status:  StatusInitializing,
			breaker: nodeBreaker,
		}
		if r.obs != nil {
			r.obs.ClusterNodeHealthy.WithLabelValues(seed.ID).Set(0)
		}
		if r.lifecycle.OnNodeDiscovered != nil {
			r.lifecycle.OnNodeDiscovered(seed.ID)
		}
	}
	var lost []string
	for id := range r.nodes {
		if !seen[id] {
			lost = append(lost, id)
			delete(r.nodes, id)
		}
	}
	r.mu.Unlock()

	for _, id := range lost {
		if r.obs != nil {
			r.obs.ClusterNodeHealthy.DeleteLabelValues(id)
			r.obs.ClusterNodesInFlight.DeleteLabelValues(id)
		}
		if r.lifecycle.OnNodeLost != nil {
			r.lifecycle.OnNodeLost(id)
		}
	}
}

func (r *Router) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkAllOnce(ctx)
		}
	}
}

// checkAllOnce probes every known node concurrently (spec §5 "health
// probes run concurrently across nodes").
func (r *Router) checkAllOnce(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.nodes))
	urls := make(map[string]string, len(r.nodes))
	for id, n := range r.nodes {
		ids = append(ids, id)
		urls[id] = n.URL
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		id, url := id, urls[id]
		wg.Add(1)
		go func() {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, r.cfg.HealthCheckTimeout)
			defer cancel()
			latency, err := r.prober.Probe(probeCtx, url)
			r.recordProbeResult(id, latency, err)
		}()
	}
	wg.Wait()
}

const errorRateSmoothing = 0.2
const latencyEMASmoothing = 0.3

func (r *Router) recordProbeResult(id string, latency time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return
	}

	n.Health.LastCheckAt = r.now()
	sample := 0.0
	if err != nil {
		n.Health.ConsecutiveFailures++
		sample = 1.0
	} else {
		n.Health.ConsecutiveFailures = 0
		if n.Health.AvgResponseTimeMs == 0 {
			n.Health.AvgResponseTimeMs = float64(latency.Milliseconds())
		} else {
			n.Health.AvgResponseTimeMs = ema(n.Health.AvgResponseTimeMs, float64(latency.Milliseconds()), latencyEMASmoothing)
		}
	}
	n.Health.ErrorRate = ema(n.Health.ErrorRate, sample, errorRateSmoothing)

	if n.Health.ConsecutiveFailures >= r.cfg.MaxConsecutiveFailures {
		n.Status = StatusUnhealthy
	} else if err == nil {
		n.Status = StatusHealthy
	}

	if r.obs != nil {
		healthy := 0.0
		if n.Status == StatusHealthy {
			healthy = 1.0
		}
		r.obs.ClusterNodeHealthy.WithLabelValues(id).Set(healthy)
		r.obs.ClusterNodesInFlight.WithLabelValues(id).Set(float64(n.Metrics.RequestsInFlight))
	}
}

func ema(prev, sample, alpha float64) float64 {
	return alpha*sample + (1-alpha)*prev
}

// RecordNodeSuccess updates health/metrics and the node's breaker after a
// successful backend call (spec §4.7 "Post-request hooks").
func (r *Router) RecordNodeSuccess(id string, latencyMs float64) {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if ok {
		n.Metrics.RequestsInFlight--
		if n.Metrics.RequestsInFlight < 0 {
			n.Metrics.RequestsInFlight = 0
		}
		n.Metrics.TotalRequests++
		n.Metrics.AvgLatencyMs = ema(n.Metrics.AvgLatencyMs, latencyMs, latencyEMASmoothing)
	}
	r.mu.Unlock()

	if ok {
		n.breaker.RecordSuccess()
		n.breaker.RecordLatency(latencyMs)
	}
}

// RecordNodeFailure updates health/metrics and the node's breaker after a
// failed backend call.
func (r *Router) RecordNodeFailure(id string, _ error) {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if ok {
		n.Metrics.RequestsInFlight--
		if n.Metrics.RequestsInFlight < 0 {
			n.Metrics.RequestsInFlight = 0
		}
	}
	r.mu.Unlock()

	if ok {
		n.breaker.RecordFailure()
	}
}

// UpdateNodeCache records a node's cache-affinity state after a request
// completes against it (cache-aware strategy input, spec §4.7).
func (r *Router) UpdateNodeCache(id, systemPromptHash string, tokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		n.Cache = Cache{Tokens: tokens, SystemPromptHash: systemPromptHash, LastUpdatedAt: r.now()}
	}
}

// healthyNodes returns a snapshot of nodes whose Status is healthy and
// whose breaker allows a request, sorted by id. Map iteration order is
// randomized per call; roundRobin indexes this slice with a monotonic
// counter, so without a stable order the same counter value would pick a
// different physical node on every call (spec §8 "round-robin cycles
// without skipping").
func (r *Router) healthyNodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Node
	for _, n := range r.nodes {
		if n.Status == StatusHealthy && n.breaker.ShouldAllowRequest() {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SelectOptions parameterizes one SelectNode call.
type SelectOptions struct {
	SystemPromptHash string
	SessionID        string
}

// SelectNode chooses a node per r.cfg.Strategy (spec §4.7 "Node
// selection", §8 "selectNode returns only healthy nodes").
func (r *Router) SelectNode(opts SelectOptions) (Handle, error) {
	if opts.SessionID != "" {
		if handle, ok := r.sessionAffinityNode(opts.SessionID); ok {
			return handle, nil
		}
	}

	candidates := r.healthyNodes()
	if len(candidates) == 0 {
		return Handle{}, fmt.Errorf("cluster: no healthy node available")
	}

	var chosen *Node
	switch r.cfg.Strategy {
	case StrategyRoundRobin:
		chosen = r.roundRobin(candidates)
	case StrategyCacheAware:
		chosen = r.cacheAware(candidates, opts.SystemPromptHash)
	case StrategyLatency:
		chosen = latencyBased(candidates)
	default:
		chosen = leastLoaded(candidates)
	}

	if opts.SessionID != "" {
		r.sessionMu.Lock()
		r.sessionToNode[opts.SessionID] = chosen.ID
		r.sessionMu.Unlock()
	}

	r.mu.Lock()
	chosen.Metrics.RequestsInFlight++
	r.mu.Unlock()

	return toHandle(chosen), nil
}

// sessionAffinityNode prefers the previously-used node for a session,
// only when it is still healthy (spec §9 Open Question decision: degraded
// falls through to the normal strategy).
func (r *Router) sessionAffinityNode(sessionID string) (Handle, bool) {
	r.sessionMu.Lock()
	nodeID, ok := r.sessionToNode[sessionID]
	r.sessionMu.Unlock()
	if !ok {
		return Handle{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok || n.Status != StatusHealthy || !n.breaker.ShouldAllowRequest() {
		return Handle{}, false
	}
	n.Metrics.RequestsInFlight++
	return toHandle(n), true
}

func toHandle(n *Node) Handle {
	return Handle{ID: n.ID, URL: n.URL, Status: n.Status}
}

func (r *Router) roundRobin(candidates []*Node) *Node {
	r.rrMu.Lock()
	idx := r.rrCounter % uint64(len(candidates))
	r.rrCounter++
	r.rrMu.Unlock()
	return candidates[idx]
}

func leastLoaded(candidates []*Node) *Node {
	best := candidates[0]
	for _, n := range candidates[1:] {
		if n.Metrics.RequestsInFlight < best.Metrics.RequestsInFlight ||
			(n.Metrics.RequestsInFlight == best.Metrics.RequestsInFlight && n.Health.AvgResponseTimeMs < best.Health.AvgResponseTimeMs) {
			best = n
		}
	}
	return best
}

func latencyBased(candidates []*Node) *Node {
	best := candidates[0]
	for _, n := range candidates[1:] {
		if n.Health.AvgResponseTimeMs < best.Health.AvgResponseTimeMs {
			best = n
		}
	}
	return best
}

// Nodes returns a snapshot of every known node as a Handle, for admin
// introspection (spec §4.10 "readiness ... cluster node health").
func (r *Router) Nodes() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handle, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, toHandle(n))
	}
	return out
}

// BreakerMetrics returns each node's circuit-breaker metrics keyed by node
// id, for the admin circuit-breaker snapshot endpoint (spec §4.10).
func (r *Router) BreakerMetrics() map[string]breaker.Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]breaker.Metrics, len(r.nodes))
	for id, n := range r.nodes {
		out[id] = n.breaker.GetMetrics()
	}
	return out
}

// cacheAware prefers nodes whose last-known SystemPromptHash matches;
// among matches, prefers lower RequestsInFlight; with no match, falls
// back to least-loaded (spec §4.7, §8 "cache-aware strategy prefers a
// node with matching fingerprint when one exists").
func (r *Router) cacheAware(candidates []*Node, hash string) *Node {
	var matches []*Node
	if hash != "" {
		for _, n := range candidates {
			if n.Cache.SystemPromptHash == hash {
				matches = append(matches, n)
			}
		}
	}
	if len(matches) > 0 {
		return leastLoaded(matches)
	}
	return leastLoaded(candidates)
}
