package metrics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"dexd/internal/domain"
)

// Tracker accumulates per-stage latency samples and periodically persists
// percentile snapshots. Observe is the hot path; Snapshot drains the
// current window and starts a fresh one.
type Tracker struct {
	store         domain.MetricsStore
	slowThreshold time.Duration
	logger        *slog.Logger

	mu          sync.Mutex
	windowStart time.Time
	samples     map[string][]float64 // stage -> latencies in ms
	slow        map[string]int64

	now func() time.Time // overridable in tests
}

func NewTracker(store domain.MetricsStore, slowThreshold time.Duration, logger *slog.Logger) *Tracker {
	if slowThreshold <= 0 {
		slowThreshold = 250 * time.Millisecond
	}
	t := &Tracker{
		store:         store,
		slowThreshold: slowThreshold,
		logger:        logger,
		samples:       make(map[string][]float64),
		slow:          make(map[string]int64),
		now:           time.Now,
	}
	t.windowStart = t.now()
	return t
}

// Observe records one stage timing.
func (t *Tracker) Observe(stage string, elapsed time.Duration) {
	ms := float64(elapsed) / float64(time.Millisecond)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples[stage] = append(t.samples[stage], ms)
	if elapsed >= t.slowThreshold {
		t.slow[stage]++
	}
}

// Snapshot computes one StageMetrics row per observed stage, persists the
// rows, and resets the window. Stages with no samples produce no row.
func (t *Tracker) Snapshot(ctx context.Context) []domain.StageMetrics {
	t.mu.Lock()
	samples := t.samples
	slow := t.slow
	windowStart := t.windowStart
	t.samples = make(map[string][]float64)
	t.slow = make(map[string]int64)
	t.windowStart = t.now()
	windowEnd := t.windowStart
	t.mu.Unlock()

	stages := make([]string, 0, len(samples))
	for stage := range samples {
		stages = append(stages, stage)
	}
	sort.Strings(stages)

	var out []domain.StageMetrics
	for _, stage := range stages {
		m := summarize(samples[stage])
		m.Stage = stage
		m.WindowStart = windowStart
		m.WindowEnd = windowEnd
		m.SlowCount = slow[stage]
		out = append(out, m)

		if t.store != nil {
			if err := t.store.SaveStageMetrics(ctx, m); err != nil {
				t.logger.Warn("stage metrics not persisted", "stage", stage, "err", err)
			}
		}
	}
	return out
}

// Run snapshots on the given interval until ctx is cancelled, flushing the
// final window on the way out.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Snapshot(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			t.Snapshot(flushCtx)
			cancel()
			return
		}
	}
}

func summarize(samples []float64) domain.StageMetrics {
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	return domain.StageMetrics{
		Avg:       sum / float64(len(sorted)),
		P50:       percentile(sorted, 0.50),
		P95:       percentile(sorted, 0.95),
		P99:       percentile(sorted, 0.99),
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		CallCount: int64(len(sorted)),
	}
}

// percentile uses nearest-rank on a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
