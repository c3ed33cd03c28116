package domain

import (
	"context"
	"time"
)

// MessageStore persists unified messages keyed by ID, indexed by
// conversation and by linked user.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg UnifiedMessage) error
	GetMessage(ctx context.Context, id string) (*UnifiedMessage, error)
	MessagesByConversation(ctx context.Context, conversationID string, limit int) ([]UnifiedMessage, error)
	MessagesByUser(ctx context.Context, userID int64, limit int) ([]UnifiedMessage, error)
}

// IdentityStore persists channel identity links. LinkIdentity must be an
// idempotent upsert: relinking the same pair converges to one row.
type IdentityStore interface {
	LinkIdentity(ctx context.Context, link ChannelUser) (ChannelUser, error)
	ResolveUser(ctx context.Context, channel Channel, externalUserID string) (int64, bool, error)
}

// PreferenceStore persists per-user settings.
type PreferenceStore interface {
	Preferences(ctx context.Context, userID int64) (Preferences, error)
	SetPreference(ctx context.Context, userID int64, key, value string) error
}

// SessionStore is the durable backing for the in-memory session index.
type SessionStore interface {
	SaveSession(ctx context.Context, s Session) error
	TouchSession(ctx context.Context, token string, lastSeen time.Time) error
	DeleteSession(ctx context.Context, token string) error
	LoadSessions(ctx context.Context) ([]Session, error)
}

// AuditStore is the append-only persistence behind the audit logger.
// There is no update or delete path.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	AuditEntries(ctx context.Context, limit int) ([]AuditEntry, error)
	LastAudit(ctx context.Context) (*AuditEntry, error)
}

// CostSink accumulates cost records for downstream metrics aggregation.
type CostSink interface {
	RecordCost(ctx context.Context, rec CostRecord) error
}

// MetricsStore persists periodic per-stage latency snapshots.
type MetricsStore interface {
	SaveStageMetrics(ctx context.Context, m StageMetrics) error
}
