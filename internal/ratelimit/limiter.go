// Package ratelimit admits or rejects work with per-identity token buckets.
// Refill is computed lazily from elapsed time at check time; there is no
// background timer, so a bucket is fully described by its stored fields.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dexd/internal/domain"
)

// Class holds the bucket parameters applied to one identity class.
type Class struct {
	Capacity        float64
	RefillPerSecond float64
	UnitCostUSD     float64
}

// Identity keys one bucket. Buckets are independent per identity; no
// identity can starve another's bucket state.
type Identity struct {
	UserID  int64
	Channel domain.Channel
}

type bucket struct {
	mu           sync.Mutex
	tokens       float64
	capacity     float64
	refillPerSec float64
	lastRefillAt time.Time
}

// Limiter is the admission controller.
type Limiter struct {
	classes        map[string]Class
	classByChannel map[domain.Channel]string
	sink           domain.CostSink
	logger         *slog.Logger

	mu      sync.RWMutex
	buckets map[Identity]*bucket

	now func() time.Time // overridable in tests
}

func NewLimiter(classes map[string]Class, classByChannel map[domain.Channel]string, sink domain.CostSink, logger *slog.Logger) *Limiter {
	if classes == nil {
		classes = make(map[string]Class, 1)
	}
	if _, ok := classes["default"]; !ok {
		classes["default"] = Class{Capacity: 30, RefillPerSecond: 0.5}
	}
	return &Limiter{
		classes:        classes,
		classByChannel: classByChannel,
		sink:           sink,
		logger:         logger,
		buckets:        make(map[Identity]*bucket),
		now:            time.Now,
	}
}

// Admit attempts to consume cost tokens from the identity's bucket.
// On rejection it returns a *domain.RateLimitError carrying the retry hint.
// Every priced admission, granted or denied, emits a cost record.
func (l *Limiter) Admit(ctx context.Context, id Identity, cost float64) error {
	class := l.classFor(id.Channel)
	b := l.bucketFor(id, class)

	now := l.now()

	b.mu.Lock()
	elapsed := now.Sub(b.lastRefillAt).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillPerSec
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefillAt = now
	}

	var admitErr error
	if b.tokens >= cost {
		b.tokens -= cost
	} else {
		deficit := cost - b.tokens
		retryAfter := time.Duration(deficit / b.refillPerSec * float64(time.Second))
		// Round up to the next millisecond so callers never retry early.
		retryAfter = retryAfter.Truncate(time.Millisecond) + time.Millisecond
		admitErr = &domain.RateLimitError{RetryAfter: retryAfter}
	}
	b.mu.Unlock()

	if cost > 0 {
		l.recordCost(ctx, id, class, cost)
	}

	if admitErr != nil {
		l.logger.Debug("admission rejected",
			"user_id", id.UserID,
			"channel", id.Channel,
			"cost", cost,
		)
	}
	return admitErr
}

// Tokens reports the bucket's current token count after a lazy refill.
func (l *Limiter) Tokens(id Identity) float64 {
	class := l.classFor(id.Channel)
	b := l.bucketFor(id, class)

	now := l.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	tokens := b.tokens + now.Sub(b.lastRefillAt).Seconds()*b.refillPerSec
	if tokens > b.capacity {
		tokens = b.capacity
	}
	return tokens
}

func (l *Limiter) classFor(channel domain.Channel) Class {
	if name, ok := l.classByChannel[channel]; ok {
		if c, ok := l.classes[name]; ok {
			return c
		}
	}
	return l.classes["default"]
}

func (l *Limiter) bucketFor(id Identity, class Class) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[id]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[id]; ok {
		return b
	}
	b = &bucket{
		tokens:       class.Capacity,
		capacity:     class.Capacity,
		refillPerSec: class.RefillPerSecond,
		lastRefillAt: l.now(),
	}
	l.buckets[id] = b
	return b
}

// recordCost emits one append-only cost row. Failures are logged, not
// surfaced: cost accounting feeds downstream metrics, it does not gate
// admission.
func (l *Limiter) recordCost(ctx context.Context, id Identity, class Class, units float64) {
	if l.sink == nil {
		return
	}
	rec := domain.CostRecord{
		Timestamp: l.now(),
		UserID:    id.UserID,
		Channel:   id.Channel,
		Units:     units,
		CostUSD:   units * class.UnitCostUSD,
	}
	if err := l.sink.RecordCost(ctx, rec); err != nil {
		l.logger.Warn("cost record not persisted", "err", err, "user_id", id.UserID)
	}
}
