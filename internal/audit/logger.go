// Package audit maintains the tamper-evident decision log. Every entry's
// hash covers the previous entry's hash, so the log forms one chain per
// router instance and any retroactive edit breaks verification.
//
// The chain tail is the single piece of shared mutable state in the whole
// pipeline. It is owned by one writer goroutine that drains a request
// queue; callers never touch the tail directly.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dexd/internal/domain"
	"dexd/internal/metrics"

	"github.com/google/uuid"
)

// GenesisHash anchors the first entry's PreviousHash so independent
// verifiers agree on entry zero.
var GenesisHash = hashHex(nil, []byte("dex-audit-genesis"))

// Fields is what callers supply; the logger owns ids, timestamps and hashes.
type Fields struct {
	TraceID  string
	Actor    string
	Action   string
	Resource string
	Outcome  string
}

type request struct {
	fields Fields
	reply  chan result
}

type result struct {
	entry domain.AuditEntry
	err   error
}

// Logger serializes all audit writes through one goroutine.
type Logger struct {
	store        domain.AuditStore
	logger       *slog.Logger
	writeTimeout time.Duration

	requests  chan request
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	now func() time.Time // overridable in tests
}

// NewLogger resumes the chain from the last stored entry and starts the
// writer goroutine. Close must be called to stop it.
func NewLogger(ctx context.Context, store domain.AuditStore, writeTimeout time.Duration, logger *slog.Logger) (*Logger, error) {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	last, err := store.LastAudit(ctx)
	if err != nil {
		return nil, fmt.Errorf("resume audit chain: %w", err)
	}
	tail := GenesisHash
	if last != nil {
		tail = last.EntryHash
	}

	l := &Logger{
		store:        store,
		logger:       logger,
		writeTimeout: writeTimeout,
		requests:     make(chan request, 64),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		now:          time.Now,
	}
	go l.run(tail)
	return l, nil
}

// Record appends one entry. A failed write is never silently dropped: the
// error is surfaced as StorageUnavailable so the caller can abort the
// in-flight request. An unaudited decision is worse than a rejected one.
func (l *Logger) Record(ctx context.Context, f Fields) (domain.AuditEntry, error) {
	req := request{fields: f, reply: make(chan result, 1)}

	select {
	case l.requests <- req:
	case <-ctx.Done():
		return domain.AuditEntry{}, fmt.Errorf("audit queue: %v: %w", ctx.Err(), domain.ErrStorageUnavailable)
	case <-l.done:
		return domain.AuditEntry{}, fmt.Errorf("audit logger closed: %w", domain.ErrStorageUnavailable)
	}

	select {
	case res := <-req.reply:
		return res.entry, res.err
	case <-ctx.Done():
		// The writer may still complete this entry; the chain stays
		// consistent either way, only this caller gives up.
		return domain.AuditEntry{}, fmt.Errorf("audit wait: %v: %w", ctx.Err(), domain.ErrStorageUnavailable)
	case <-l.done:
		// The writer shut down; it may have finished this entry first.
		select {
		case res := <-req.reply:
			return res.entry, res.err
		default:
			return domain.AuditEntry{}, fmt.Errorf("audit logger closed: %w", domain.ErrStorageUnavailable)
		}
	}
}

// Close stops the writer after draining queued requests. Record calls
// arriving after Close fail with StorageUnavailable.
func (l *Logger) Close() {
	l.closeOnce.Do(func() { close(l.quit) })
	<-l.done
}

// run owns the chain tail. Entries are hashed and written strictly in the
// order requests are dequeued; the tail only advances on a successful write.
func (l *Logger) run(tail string) {
	defer close(l.done)

	for {
		select {
		case req := <-l.requests:
			tail = l.write(tail, req)
		case <-l.quit:
			// Drain whatever was queued before shutdown.
			for {
				select {
				case req := <-l.requests:
					tail = l.write(tail, req)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(tail string, req request) string {
	entry := l.build(tail, req.fields)

	writeCtx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
	err := l.store.AppendAudit(writeCtx, entry)
	cancel()

	if err != nil {
		l.logger.Error("audit write failed", "trace_id", req.fields.TraceID, "err", err)
		req.reply <- result{err: fmt.Errorf("audit append: %w", domain.ErrStorageUnavailable)}
		return tail
	}

	metrics.AuditEntries.Inc()
	req.reply <- result{entry: entry}
	return entry.EntryHash
}

func (l *Logger) build(tail string, f Fields) domain.AuditEntry {
	entry := domain.AuditEntry{
		ID:           uuid.NewString(),
		Timestamp:    l.now().UTC(),
		TraceID:      f.TraceID,
		Actor:        f.Actor,
		Action:       f.Action,
		Resource:     f.Resource,
		Outcome:      f.Outcome,
		PreviousHash: tail,
	}
	entry.EntryHash = EntryHash(entry)
	return entry
}

// canonicalEntry fixes the field order and timestamp encoding so the hash
// input is byte-stable across processes and timezones.
type canonicalEntry struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
	TraceID   string `json:"trace_id"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Resource  string `json:"resource"`
	Outcome   string `json:"outcome"`
}

// EntryHash computes sha256(previousHash || canonical(fields)).
func EntryHash(e domain.AuditEntry) string {
	body, _ := json.Marshal(canonicalEntry{
		ID:        e.ID,
		Timestamp: e.Timestamp.UnixNano(),
		TraceID:   e.TraceID,
		Actor:     e.Actor,
		Action:    e.Action,
		Resource:  e.Resource,
		Outcome:   e.Outcome,
	})
	return hashHex([]byte(e.PreviousHash), body)
}

func hashHex(prefix, body []byte) string {
	h := sha256.New()
	h.Write(prefix)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
