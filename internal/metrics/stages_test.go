package metrics

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"dexd/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memMetricsStore struct {
	mu   sync.Mutex
	rows []domain.StageMetrics
}

func (s *memMetricsStore) SaveStageMetrics(ctx context.Context, m domain.StageMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, m)
	return nil
}

// --- tracker ---

func TestSnapshot_Percentiles(t *testing.T) {
	store := &memMetricsStore{}
	tr := NewTracker(store, 250*time.Millisecond, testLogger())

	// 100 samples: 1ms..100ms.
	for i := 1; i <= 100; i++ {
		tr.Observe("sanitize", time.Duration(i)*time.Millisecond)
	}

	rows := tr.Snapshot(context.Background())
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	m := rows[0]
	if m.Stage != "sanitize" || m.CallCount != 100 {
		t.Fatalf("unexpected row: %+v", m)
	}
	if m.Min != 1 || m.Max != 100 {
		t.Fatalf("min/max wrong: %f/%f", m.Min, m.Max)
	}
	if m.P50 != 50 || m.P95 != 95 || m.P99 != 99 {
		t.Fatalf("percentiles wrong: p50=%f p95=%f p99=%f", m.P50, m.P95, m.P99)
	}
	if m.Avg != 50.5 {
		t.Fatalf("avg wrong: %f", m.Avg)
	}
	if len(store.rows) != 1 {
		t.Fatalf("row not persisted")
	}
}

func TestSnapshot_CountsSlowCalls(t *testing.T) {
	tr := NewTracker(nil, 100*time.Millisecond, testLogger())

	tr.Observe("persist", 50*time.Millisecond)
	tr.Observe("persist", 150*time.Millisecond)
	tr.Observe("persist", 300*time.Millisecond)

	rows := tr.Snapshot(context.Background())
	if rows[0].SlowCount != 2 {
		t.Fatalf("expected 2 slow calls, got %d", rows[0].SlowCount)
	}
}

func TestSnapshot_ResetsWindow(t *testing.T) {
	tr := NewTracker(nil, time.Second, testLogger())

	tr.Observe("audit", time.Millisecond)
	if rows := tr.Snapshot(context.Background()); len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows := tr.Snapshot(context.Background()); len(rows) != 0 {
		t.Fatalf("drained window must be empty, got %d rows", len(rows))
	}
}

func TestObserve_ConcurrentStages(t *testing.T) {
	tr := NewTracker(nil, time.Second, testLogger())

	var wg sync.WaitGroup
	for _, stage := range []string{"session", "ratelimit", "sanitize"} {
		wg.Add(1)
		go func(stage string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				tr.Observe(stage, time.Millisecond)
			}
		}(stage)
	}
	wg.Wait()

	rows := tr.Snapshot(context.Background())
	if len(rows) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(rows))
	}
	for _, m := range rows {
		if m.CallCount != 100 {
			t.Fatalf("stage %s: expected 100 calls, got %d", m.Stage, m.CallCount)
		}
	}
}

// --- registry rendering ---

func TestHandler_RendersExpositionFormat(t *testing.T) {
	r := NewRegistry()
	r.Counter("dexd_messages_accepted_total", "Messages accepted").Add(5)
	r.Gauge("dexd_active_sessions", "Sessions").Set(2)
	r.Histogram("dexd_pipeline_latency_seconds", "Latency", []float64{0.01, 0.1}).Observe(0.05)

	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		"dexd_uptime_seconds",
		"dexd_messages_accepted_total 5",
		"dexd_active_sessions 2",
		"# TYPE dexd_messages_accepted_total counter",
		`dexd_pipeline_latency_seconds_bucket{le="0.01"} 0`,
		`dexd_pipeline_latency_seconds_bucket{le="0.1"} 1`,
		`dexd_pipeline_latency_seconds_bucket{le="+Inf"} 1`,
		"dexd_pipeline_latency_seconds_count 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q:\n%s", want, body)
		}
	}
}

func TestRegistry_ReturnsSameInstance(t *testing.T) {
	r := NewRegistry()
	a := r.Counter("dexd_test_total", "Test")
	b := r.Counter("dexd_test_total", "Test")

	a.Inc()
	if b.Value() != 1 {
		t.Fatal("re-registering a name must return the same counter")
	}
}
