// Package session issues and validates session tokens with a sliding idle
// timeout. Validation is O(1) against an in-memory index; the durable store
// exists only so the index can be rebuilt after a restart.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dexd/internal/domain"

	"github.com/google/uuid"
)

var (
	ErrExpired = fmt.Errorf("session expired: %w", domain.ErrUnauthenticated)
	ErrUnknown = fmt.Errorf("session unknown: %w", domain.ErrUnauthenticated)
)

type Manager struct {
	store       domain.SessionStore
	logger      *slog.Logger
	idleTimeout time.Duration
	ttl         time.Duration

	mu      sync.RWMutex
	byToken map[string]domain.Session

	now func() time.Time // overridable in tests
}

func NewManager(store domain.SessionStore, idleTimeout, ttl time.Duration, logger *slog.Logger) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Manager{
		store:       store,
		logger:      logger,
		idleTimeout: idleTimeout,
		ttl:         ttl,
		byToken:     make(map[string]domain.Session),
		now:         time.Now,
	}
}

// Load rebuilds the in-memory index from the store. Sessions already past
// hard expiry are dropped instead of indexed.
func (m *Manager) Load(ctx context.Context) error {
	sessions, err := m.store.LoadSessions(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sessions {
		if !s.ValidAt(now, m.idleTimeout) {
			continue
		}
		m.byToken[s.Token] = s
	}
	m.logger.Info("session index loaded", "active", len(m.byToken), "stored", len(sessions))
	return nil
}

// Issue creates a new session for the user and persists it write-through.
func (m *Manager) Issue(ctx context.Context, userID int64) (domain.Session, error) {
	now := m.now()
	s := domain.Session{
		Token:      uuid.NewString(),
		UserID:     userID,
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}

	if err := m.store.SaveSession(ctx, s); err != nil {
		return domain.Session{}, fmt.Errorf("persist session: %w", domain.ErrStorageUnavailable)
	}

	m.mu.Lock()
	m.byToken[s.Token] = s
	m.mu.Unlock()

	m.logger.Info("session issued", "user_id", userID)
	return s, nil
}

// Validate resolves a token and, on success, slides LastSeenAt forward.
// Expired sessions are lazily evicted here; there is no background sweep.
func (m *Manager) Validate(ctx context.Context, token string) (domain.Session, error) {
	m.mu.RLock()
	s, ok := m.byToken[token]
	m.mu.RUnlock()
	if !ok {
		return domain.Session{}, ErrUnknown
	}

	now := m.now()
	if !s.ValidAt(now, m.idleTimeout) {
		m.evict(ctx, token)
		return domain.Session{}, ErrExpired
	}

	m.mu.Lock()
	// Re-read under the write lock: a concurrent Revoke may have removed
	// the token since the read above, and writing it back would resurrect
	// it. LastSeenAt only moves forward.
	s, ok = m.byToken[token]
	if !ok {
		m.mu.Unlock()
		return domain.Session{}, ErrUnknown
	}
	if now.After(s.LastSeenAt) {
		s.LastSeenAt = now
		m.byToken[token] = s
	}
	m.mu.Unlock()

	// Touch persistence is best-effort: the in-memory index is
	// authoritative for liveness, the store only needs to be roughly
	// current for restart recovery.
	if err := m.store.TouchSession(ctx, token, s.LastSeenAt); err != nil {
		m.logger.Warn("session touch not persisted", "err", err)
	}

	return s, nil
}

// Touch refreshes LastSeenAt without returning the session.
func (m *Manager) Touch(ctx context.Context, token string) error {
	_, err := m.Validate(ctx, token)
	return err
}

// Revoke destroys a session (explicit logout).
func (m *Manager) Revoke(ctx context.Context, token string) error {
	m.mu.Lock()
	delete(m.byToken, token)
	m.mu.Unlock()

	if err := m.store.DeleteSession(ctx, token); err != nil {
		return fmt.Errorf("delete session: %w", domain.ErrStorageUnavailable)
	}
	m.logger.Info("session revoked")
	return nil
}

// Active returns the number of currently indexed sessions.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byToken)
}

func (m *Manager) evict(ctx context.Context, token string) {
	m.mu.Lock()
	delete(m.byToken, token)
	m.mu.Unlock()

	if err := m.store.DeleteSession(ctx, token); err != nil {
		m.logger.Warn("expired session not deleted from store", "err", err)
	}
}
