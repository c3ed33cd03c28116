// Package metrics aggregates the pipeline's counters, gauges and latency
// histograms and renders them in Prometheus text exposition format. The
// metric set is small, fixed and unlabeled, so the registry stays explicit
// instead of pulling in prometheus/client_golang.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Default is the process-wide registry the ingest surface exposes.
var Default = NewRegistry()

// Registry holds named metrics. Names are unique per kind; registering a
// name twice returns the existing metric.
type Registry struct {
	startTime time.Time

	mu         sync.Mutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

func NewRegistry() *Registry {
	return &Registry{
		startTime:  time.Now(),
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// Uptime reports how long the registry has existed.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startTime)
}

// Counter is a monotonically increasing count.
type Counter struct {
	help  string
	value atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }

func (c *Counter) Add(n int64) { c.value.Add(n) }

func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that moves both ways.
type Gauge struct {
	help  string
	value atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }

func (g *Gauge) Inc() { g.value.Add(1) }

func (g *Gauge) Dec() { g.value.Add(-1) }

func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram buckets observations by upper bound. Bucket counts are
// cumulative, matching the exposition format; the +Inf bucket is implicit.
type Histogram struct {
	help   string
	bounds []float64

	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.buckets[i]++
		}
	}
}

func (r *Registry) Counter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{help: help}
	r.counters[name] = c
	return c
}

func (r *Registry) Gauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := &Gauge{help: help}
	r.gauges[name] = g
	return g
}

func (r *Registry) Histogram(name, help string, bounds []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	sorted := make([]float64, len(bounds))
	copy(sorted, bounds)
	sort.Float64s(sorted)
	h := &Histogram{help: help, bounds: sorted, buckets: make([]int64, len(sorted))}
	r.histograms[name] = h
	return h
}

// Handler renders the registry in Prometheus text exposition format.
// Metrics are emitted sorted by name so scrapes diff cleanly.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder
		fmt.Fprintf(&sb, "# HELP dexd_uptime_seconds Time since start in seconds\n")
		fmt.Fprintf(&sb, "# TYPE dexd_uptime_seconds gauge\n")
		fmt.Fprintf(&sb, "dexd_uptime_seconds %d\n", int64(r.Uptime().Seconds()))

		r.mu.Lock()
		defer r.mu.Unlock()

		for _, name := range sortedNames(r.counters) {
			c := r.counters[name]
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, c.help, name, name, c.Value())
		}
		for _, name := range sortedNames(r.gauges) {
			g := r.gauges[name]
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", name, g.help, name, name, g.Value())
		}
		for _, name := range sortedNames(r.histograms) {
			h := r.histograms[name]
			h.mu.Lock()
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s histogram\n", name, h.help, name)
			for i, le := range h.bounds {
				fmt.Fprintf(&sb, "%s_bucket{le=\"%g\"} %d\n", name, le, h.buckets[i])
			}
			fmt.Fprintf(&sb, "%s_bucket{le=\"+Inf\"} %d\n", name, h.count)
			fmt.Fprintf(&sb, "%s_count %d\n", name, h.count)
			fmt.Fprintf(&sb, "%s_sum %f\n", name, h.sum)
			h.mu.Unlock()
		}

		fmt.Fprint(w, sb.String())
	}
}

func sortedNames[M any](m map[string]M) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// --- Pre-defined metrics used across the application ---

var (
	MessagesAccepted = Default.Counter("dexd_messages_accepted_total", "Messages accepted by the pipeline")
	MessagesRejected = Default.Counter("dexd_messages_rejected_total", "Messages rejected by the pipeline")
	SecurityBlocks   = Default.Counter("dexd_security_blocks_total", "Messages blocked by the sanitizer")
	RateLimitHits    = Default.Counter("dexd_rate_limit_hits_total", "Admissions rejected by the rate limiter")
	AuditEntries     = Default.Counter("dexd_audit_entries_total", "Audit entries appended")
	ActiveSessions   = Default.Gauge("dexd_active_sessions", "Currently indexed sessions")
	GatewayObservers = Default.Gauge("dexd_gateway_observers", "Connected gateway observers")

	PipelineLatency = Default.Histogram("dexd_pipeline_latency_seconds", "End-to-end pipeline latency in seconds",
		[]float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5})
)
