// Package metrics aggregates per-operation and per-agent call statistics in
// memory and mirrors the totals into a private Prometheus registry for the
// optional debug HTTP endpoint.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// maxSamples caps the per-key latency buffer. Counts and error rates stay
// exact; percentiles become approximate once the buffer wraps.
const maxSamples = 10000

// OperationSummary is a point-in-time view of one operation's statistics.
type OperationSummary struct {
	Count        int64   `json:"count"`
	Errors       int64   `json:"errors"`
	ErrorRate    float64 `json:"error_rate"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	P50LatencyMS float64 `json:"p50_latency_ms"`
	P95LatencyMS float64 `json:"p95_latency_ms"`
	P99LatencyMS float64 `json:"p99_latency_ms"`
}

// Summary is the full aggregate across all operations and agents.
type Summary struct {
	UptimeSeconds float64                     `json:"uptime_seconds"`
	TotalCalls    int64                       `json:"total_calls"`
	TotalErrors   int64                       `json:"total_errors"`
	Operations    map[string]OperationSummary `json:"operations"`
	Agents        []string                    `json:"agents"`
}

type series struct {
	count     int64
	errors    int64
	totalMS   float64
	latencies []float64
}

func (s *series) record(latencyMS float64, isError bool) {
	s.count++
	s.totalMS += latencyMS
	if isError {
		s.errors++
	}
	if len(s.latencies) < maxSamples {
		s.latencies = append(s.latencies, latencyMS)
	} else {
		// Overwrite a pseudo-random slot so old samples age out.
		s.latencies[int(s.count)%maxSamples] = latencyMS
	}
}

func (s *series) summary() OperationSummary {
	out := OperationSummary{Count: s.count, Errors: s.errors}
	if s.count > 0 {
		out.ErrorRate = float64(s.errors) / float64(s.count)
		out.AvgLatencyMS = round2(s.totalMS / float64(s.count))
	}
	if len(s.latencies) > 0 {
		sorted := append([]float64(nil), s.latencies...)
		sort.Float64s(sorted)
		out.P50LatencyMS = round2(percentile(sorted, 50))
		out.P95LatencyMS = round2(percentile(sorted, 95))
		out.P99LatencyMS = round2(percentile(sorted, 99))
	}
	return out
}

// Collector is the gateway's metrics aggregator. All methods are safe for
// concurrent use.
type Collector struct {
	mu        sync.Mutex
	started   time.Time
	ops       map[string]*series
	agents    map[string]map[string]*series
	logger    *zap.Logger
	registry  *prometheus.Registry
	calls     *prometheus.CounterVec
	callErrs  *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

// NewCollector creates an empty aggregator.
func NewCollector(logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := prometheus.NewRegistry()

	c := &Collector{
		started:  time.Now(),
		ops:      make(map[string]*series),
		agents:   make(map[string]map[string]*series),
		logger:   logger.Named("metrics"),
		registry: registry,
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpgw_operations_total",
			Help: "Total number of gateway operations",
		}, []string{"agent", "operation"}),
		callErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpgw_operation_errors_total",
			Help: "Total number of failed gateway operations",
		}, []string{"agent", "operation"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcpgw_operation_duration_seconds",
			Help:    "Gateway operation duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"operation"}),
	}

	registry.MustRegister(c.calls, c.callErrs, c.durations)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return c
}

// Record adds one completed operation to the aggregate.
func (c *Collector) Record(agentID, operation string, latencyMS float64, isError bool) {
	c.mu.Lock()
	opSeries, ok := c.ops[operation]
	if !ok {
		opSeries = &series{}
		c.ops[operation] = opSeries
	}
	opSeries.record(latencyMS, isError)

	agentOps, ok := c.agents[agentID]
	if !ok {
		agentOps = make(map[string]*series)
		c.agents[agentID] = agentOps
	}
	agentSeries, ok := agentOps[operation]
	if !ok {
		agentSeries = &series{}
		agentOps[operation] = agentSeries
	}
	agentSeries.record(latencyMS, isError)
	c.mu.Unlock()

	c.calls.WithLabelValues(agentID, operation).Inc()
	if isError {
		c.callErrs.WithLabelValues(agentID, operation).Inc()
	}
	c.durations.WithLabelValues(operation).Observe(latencyMS / 1000.0)
}

// GetSummary returns the aggregate across every operation and agent.
func (c *Collector) GetSummary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := Summary{
		UptimeSeconds: time.Since(c.started).Seconds(),
		Operations:    make(map[string]OperationSummary, len(c.ops)),
		Agents:        c.agentNamesLocked(),
	}
	for operation, s := range c.ops {
		summary := s.summary()
		out.Operations[operation] = summary
		out.TotalCalls += summary.Count
		out.TotalErrors += summary.Errors
	}
	return out
}

// GetOperationSummary returns stats for one operation across all agents.
func (c *Collector) GetOperationSummary(operation string) OperationSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.ops[operation]; ok {
		return s.summary()
	}
	return OperationSummary{}
}

// GetAgentSummary returns per-operation stats for one agent.
func (c *Collector) GetAgentSummary(agentID string) map[string]OperationSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]OperationSummary)
	for operation, s := range c.agents[agentID] {
		out[operation] = s.summary()
	}
	return out
}

// GetAllAgents returns every agent id seen so far, sorted.
func (c *Collector) GetAllAgents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentNamesLocked()
}

// Reset clears the in-memory aggregates. The Prometheus mirror is cumulative
// by design and is not reset.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ops = make(map[string]*series)
	c.agents = make(map[string]map[string]*series)
	c.started = time.Now()
	c.logger.Info("Metrics reset")
}

// Registry exposes the Prometheus registry for the debug HTTP endpoint.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) agentNamesLocked() []string {
	names := make([]string, 0, len(c.agents))
	for name := range c.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// percentile computes the p-th percentile of a sorted sample with linear
// interpolation between the two nearest ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	weight := rank - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
