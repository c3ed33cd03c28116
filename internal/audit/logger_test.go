package audit

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"dexd/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memAuditStore is an append-only in-memory domain.AuditStore.
type memAuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	failing bool
}

func (s *memAuditStore) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("disk full")
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *memAuditStore) AuditEntries(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditEntry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *memAuditStore) LastAudit(ctx context.Context) (*domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	last := s.entries[len(s.entries)-1]
	return &last, nil
}

func mustAuditLogger(t *testing.T, store domain.AuditStore) *Logger {
	t.Helper()
	l, err := NewLogger(context.Background(), store, time.Second, testLogger())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	t.Cleanup(l.Close)
	return l
}

func record(t *testing.T, l *Logger, trace, outcome string) domain.AuditEntry {
	t.Helper()
	e, err := l.Record(context.Background(), Fields{
		TraceID:  trace,
		Actor:    "user:1",
		Action:   "message.route",
		Resource: "conversation:c1",
		Outcome:  outcome,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	return e
}

// --- Chain construction ---

func TestRecord_ChainsFromGenesis(t *testing.T) {
	store := &memAuditStore{}
	l := mustAuditLogger(t, store)

	first := record(t, l, "t1", "accepted")
	second := record(t, l, "t2", "rejected")

	if first.PreviousHash != GenesisHash {
		t.Fatalf("first entry must anchor at genesis, got %s", first.PreviousHash)
	}
	if second.PreviousHash != first.EntryHash {
		t.Fatal("second entry must link to first")
	}
	if err := VerifyChain(store.entries); err != nil {
		t.Fatalf("fresh chain must verify: %v", err)
	}
}

func TestNewLogger_ResumesChain(t *testing.T) {
	store := &memAuditStore{}

	l1 := mustAuditLogger(t, store)
	record(t, l1, "t1", "accepted")
	l1.Close()

	// Restart: the new logger must continue the chain, not restart it.
	l2, err := NewLogger(context.Background(), store, time.Second, testLogger())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l2.Close()

	e, err := l2.Record(context.Background(), Fields{TraceID: "t2", Outcome: "accepted"})
	if err != nil {
		t.Fatalf("record after restart: %v", err)
	}
	if e.PreviousHash != store.entries[0].EntryHash {
		t.Fatal("restarted logger must link to the stored tail")
	}
	if err := VerifyChain(store.entries); err != nil {
		t.Fatalf("resumed chain must verify: %v", err)
	}
}

func TestRecord_ConcurrentWritersKeepOneChain(t *testing.T) {
	store := &memAuditStore{}
	l := mustAuditLogger(t, store)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record(context.Background(), Fields{TraceID: "t", Outcome: "accepted"})
		}()
	}
	wg.Wait()

	if len(store.entries) != 50 {
		t.Fatalf("expected 50 entries, got %d", len(store.entries))
	}
	if err := VerifyChain(store.entries); err != nil {
		t.Fatalf("concurrent writes must still form one valid chain: %v", err)
	}
}

// --- Failure handling ---

func TestRecord_StoreFailureSurfaces(t *testing.T) {
	store := &memAuditStore{failing: true}
	l := mustAuditLogger(t, store)

	_, err := l.Record(context.Background(), Fields{TraceID: "t1", Outcome: "accepted"})
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected StorageUnavailable, got %v", err)
	}
}

func TestRecord_TailSurvivesFailedWrite(t *testing.T) {
	store := &memAuditStore{}
	l := mustAuditLogger(t, store)

	record(t, l, "t1", "accepted")

	store.mu.Lock()
	store.failing = true
	store.mu.Unlock()
	if _, err := l.Record(context.Background(), Fields{TraceID: "t2"}); err == nil {
		t.Fatal("expected failure")
	}

	store.mu.Lock()
	store.failing = false
	store.mu.Unlock()
	record(t, l, "t3", "accepted")

	// The failed attempt must not have advanced the tail: t3 links to t1.
	if err := VerifyChain(store.entries); err != nil {
		t.Fatalf("chain must verify after a failed write: %v", err)
	}
	if len(store.entries) != 2 {
		t.Fatalf("expected 2 persisted entries, got %d", len(store.entries))
	}
}

// --- Verification ---

func buildChain(t *testing.T, n int) []domain.AuditEntry {
	t.Helper()
	store := &memAuditStore{}
	l := mustAuditLogger(t, store)
	for i := 0; i < n; i++ {
		record(t, l, "trace", "accepted")
	}
	l.Close()
	return store.entries
}

func TestVerifyChain_Empty(t *testing.T) {
	if err := VerifyChain(nil); err != nil {
		t.Fatalf("empty chain is valid: %v", err)
	}
}

func TestVerifyChain_DetectsMutation(t *testing.T) {
	entries := buildChain(t, 5)

	entries[2].Outcome = "accepted-actually-not"

	var ce *ChainError
	err := VerifyChain(entries)
	if !errors.As(err, &ce) {
		t.Fatalf("expected ChainError, got %v", err)
	}
	if ce.Index != 2 {
		t.Fatalf("expected tamper at index 2, got %d", ce.Index)
	}
}

func TestVerifyChain_DetectsDeletion(t *testing.T) {
	entries := buildChain(t, 5)

	cut := append(entries[:2:2], entries[3:]...)

	var ce *ChainError
	if err := VerifyChain(cut); !errors.As(err, &ce) {
		t.Fatalf("expected ChainError for deletion, got %v", err)
	}
	if ce.Index != 2 {
		t.Fatalf("deletion should break at index 2, got %d", ce.Index)
	}
}

func TestVerifyChain_DetectsReordering(t *testing.T) {
	entries := buildChain(t, 4)

	entries[1], entries[2] = entries[2], entries[1]

	var ce *ChainError
	if err := VerifyChain(entries); !errors.As(err, &ce) {
		t.Fatalf("expected ChainError for reordering, got %v", err)
	}
	if ce.Index != 1 {
		t.Fatalf("reordering should break at index 1, got %d", ce.Index)
	}
}

func TestVerifyChain_DetectsForgedTail(t *testing.T) {
	entries := buildChain(t, 3)

	// Forge a plausible-looking extra entry without knowing the hash rule's
	// canonical encoding would be recomputed.
	forged := entries[2]
	forged.ID = "forged"
	forged.PreviousHash = entries[2].EntryHash
	entries = append(entries, forged)

	var ce *ChainError
	if err := VerifyChain(entries); !errors.As(err, &ce) {
		t.Fatalf("expected ChainError for forged tail, got %v", err)
	}
	if ce.Index != 3 {
		t.Fatalf("forged entry should break at index 3, got %d", ce.Index)
	}
}

// --- Lifecycle ---

func TestRecord_AfterClose(t *testing.T) {
	store := &memAuditStore{}
	l, err := NewLogger(context.Background(), store, time.Second, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	l.Close()

	_, err = l.Record(context.Background(), Fields{TraceID: "t"})
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected StorageUnavailable after close, got %v", err)
	}
}
