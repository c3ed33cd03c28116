// Package store provides SQLite persistence for the message backbone:
// unified messages, identity links, preferences, sessions, the audit log,
// cost records and stage-latency snapshots.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dexd/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the domain store interfaces over one database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id               TEXT PRIMARY KEY,
		channel          TEXT NOT NULL,
		external_user_id TEXT NOT NULL,
		conversation_id  TEXT NOT NULL,
		body             TEXT,
		attachments      TEXT,
		received_at      DATETIME NOT NULL,
		stored_at        DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, received_at);
	CREATE INDEX IF NOT EXISTS idx_messages_ident ON messages(channel, external_user_id);

	CREATE TABLE IF NOT EXISTS channel_users (
		channel          TEXT NOT NULL,
		external_user_id TEXT NOT NULL,
		user_id          INTEGER NOT NULL,
		linked_at        DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (channel, external_user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_channel_users_user ON channel_users(user_id);

	CREATE TABLE IF NOT EXISTS preferences (
		user_id INTEGER NOT NULL,
		key     TEXT NOT NULL,
		value   TEXT,
		PRIMARY KEY (user_id, key)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		token        TEXT PRIMARY KEY,
		user_id      INTEGER NOT NULL,
		created_at   DATETIME NOT NULL,
		last_seen_at DATETIME NOT NULL,
		expires_at   DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		id            TEXT NOT NULL UNIQUE,
		trace_id      TEXT NOT NULL,
		actor         TEXT,
		action        TEXT,
		resource      TEXT,
		outcome       TEXT,
		entry_hash    TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		timestamp_ns  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_entry_hash ON audit_log(entry_hash);
	CREATE INDEX IF NOT EXISTS idx_audit_prev_hash ON audit_log(previous_hash);

	CREATE TABLE IF NOT EXISTS cost_records (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		user_id   INTEGER NOT NULL,
		channel   TEXT NOT NULL,
		units     REAL NOT NULL,
		cost_usd  REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cost_user ON cost_records(user_id, timestamp);

	CREATE TABLE IF NOT EXISTS stage_metrics (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		stage        TEXT NOT NULL,
		window_start DATETIME NOT NULL,
		window_end   DATETIME NOT NULL,
		avg_ms       REAL, p50_ms REAL, p95_ms REAL, p99_ms REAL,
		min_ms       REAL, max_ms REAL,
		call_count   INTEGER NOT NULL,
		slow_count   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_stage_metrics ON stage_metrics(stage, window_end);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- MessageStore ---

func (s *SQLiteStore) SaveMessage(ctx context.Context, msg domain.UnifiedMessage) error {
	var attachments []byte
	if len(msg.Attachments) > 0 {
		var err error
		attachments, err = json.Marshal(msg.Attachments)
		if err != nil {
			return fmt.Errorf("encode attachments: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, channel, external_user_id, conversation_id, body, attachments, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, string(msg.Channel), msg.ExternalUserID, msg.ConversationID, msg.Body, attachments, msg.ReceivedAt,
	)
	return err
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*domain.UnifiedMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, channel, external_user_id, conversation_id, body, attachments, received_at
		 FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *SQLiteStore) MessagesByConversation(ctx context.Context, conversationID string, limit int) ([]domain.UnifiedMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, external_user_id, conversation_id, body, attachments, received_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY stored_at ASC, rowid ASC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) MessagesByUser(ctx context.Context, userID int64, limit int) ([]domain.UnifiedMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.channel, m.external_user_id, m.conversation_id, m.body, m.attachments, m.received_at
		 FROM messages m
		 JOIN channel_users cu
		   ON cu.channel = m.channel AND cu.external_user_id = m.external_user_id
		 WHERE cu.user_id = ?
		 ORDER BY m.stored_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*domain.UnifiedMessage, error) {
	var msg domain.UnifiedMessage
	var channel string
	var body, attachments sql.NullString
	if err := r.Scan(&msg.ID, &channel, &msg.ExternalUserID, &msg.ConversationID, &body, &attachments, &msg.ReceivedAt); err != nil {
		return nil, err
	}
	msg.Channel = domain.Channel(channel)
	msg.Body = body.String
	if attachments.Valid && attachments.String != "" {
		if err := json.Unmarshal([]byte(attachments.String), &msg.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments for %s: %w", msg.ID, err)
		}
	}
	return &msg, nil
}

func scanMessages(rows *sql.Rows) ([]domain.UnifiedMessage, error) {
	var msgs []domain.UnifiedMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}

// --- IdentityStore ---

// LinkIdentity upserts the (channel, externalUserID) → userID link.
// Relinking the same pair is a no-op; a pair already linked to a different
// user is left untouched and the existing row is returned, so the
// invariant "one pair, at most one user" holds under any interleaving.
func (s *SQLiteStore) LinkIdentity(ctx context.Context, link domain.ChannelUser) (domain.ChannelUser, error) {
	if link.LinkedAt.IsZero() {
		link.LinkedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_users (channel, external_user_id, user_id, linked_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(channel, external_user_id) DO NOTHING`,
		string(link.Channel), link.ExternalUserID, link.UserID, link.LinkedAt,
	)
	if err != nil {
		return domain.ChannelUser{}, err
	}

	var got domain.ChannelUser
	var channel string
	err = s.db.QueryRowContext(ctx,
		`SELECT channel, external_user_id, user_id, linked_at
		 FROM channel_users WHERE channel = ? AND external_user_id = ?`,
		string(link.Channel), link.ExternalUserID,
	).Scan(&channel, &got.ExternalUserID, &got.UserID, &got.LinkedAt)
	if err != nil {
		return domain.ChannelUser{}, err
	}
	got.Channel = domain.Channel(channel)
	return got, nil
}

func (s *SQLiteStore) ResolveUser(ctx context.Context, channel domain.Channel, externalUserID string) (int64, bool, error) {
	var userID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM channel_users WHERE channel = ? AND external_user_id = ?`,
		string(channel), externalUserID,
	).Scan(&userID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return userID, true, nil
}

// --- PreferenceStore ---

func (s *SQLiteStore) Preferences(ctx context.Context, userID int64) (domain.Preferences, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM preferences WHERE user_id = ?`, userID)
	if err != nil {
		return domain.Preferences{}, err
	}
	defer rows.Close()

	prefs := domain.Preferences{UserID: userID, Values: make(map[string]string)}
	for rows.Next() {
		var key string
		var value sql.NullString
		if err := rows.Scan(&key, &value); err != nil {
			return domain.Preferences{}, err
		}
		prefs.Values[key] = value.String
	}
	return prefs, rows.Err()
}

func (s *SQLiteStore) SetPreference(ctx context.Context, userID int64, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences (user_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value`,
		userID, key, value,
	)
	return err
}

// --- SessionStore ---

func (s *SQLiteStore) SaveSession(ctx context.Context, sess domain.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (token, user_id, created_at, last_seen_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sess.Token, sess.UserID, sess.CreatedAt, sess.LastSeenAt, sess.ExpiresAt,
	)
	return err
}

func (s *SQLiteStore) TouchSession(ctx context.Context, token string, lastSeen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_seen_at = ? WHERE token = ? AND last_seen_at < ?`,
		lastSeen, token, lastSeen,
	)
	return err
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	return err
}

func (s *SQLiteStore) LoadSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, user_id, created_at, last_seen_at, expires_at FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		var sess domain.Session
		if err := rows.Scan(&sess.Token, &sess.UserID, &sess.CreatedAt, &sess.LastSeenAt, &sess.ExpiresAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// --- AuditStore ---

func (s *SQLiteStore) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, trace_id, actor, action, resource, outcome, entry_hash, previous_hash, timestamp_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TraceID, entry.Actor, entry.Action, entry.Resource, entry.Outcome,
		entry.EntryHash, entry.PreviousHash, entry.Timestamp.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) AuditEntries(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	q := `SELECT id, trace_id, actor, action, resource, outcome, entry_hash, previous_hash, timestamp_ns
	      FROM audit_log ORDER BY seq ASC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, q+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, q)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		entry, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) LastAudit(ctx context.Context) (*domain.AuditEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, trace_id, actor, action, resource, outcome, entry_hash, previous_hash, timestamp_ns
		 FROM audit_log ORDER BY seq DESC LIMIT 1`)
	entry, err := scanAudit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func scanAudit(r rowScanner) (domain.AuditEntry, error) {
	var entry domain.AuditEntry
	var ns int64
	var actor, action, resource, outcome sql.NullString
	if err := r.Scan(&entry.ID, &entry.TraceID, &actor, &action, &resource, &outcome,
		&entry.EntryHash, &entry.PreviousHash, &ns); err != nil {
		return domain.AuditEntry{}, err
	}
	entry.Actor = actor.String
	entry.Action = action.String
	entry.Resource = resource.String
	entry.Outcome = outcome.String
	entry.Timestamp = time.Unix(0, ns).UTC()
	return entry, nil
}

// --- CostSink ---

func (s *SQLiteStore) RecordCost(ctx context.Context, rec domain.CostRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cost_records (timestamp, user_id, channel, units, cost_usd)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.Timestamp, rec.UserID, string(rec.Channel), rec.Units, rec.CostUSD,
	)
	return err
}

// --- MetricsStore ---

func (s *SQLiteStore) SaveStageMetrics(ctx context.Context, m domain.StageMetrics) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_metrics (stage, window_start, window_end, avg_ms, p50_ms, p95_ms, p99_ms, min_ms, max_ms, call_count, slow_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Stage, m.WindowStart, m.WindowEnd, m.Avg, m.P50, m.P95, m.P99, m.Min, m.Max, m.CallCount, m.SlowCount,
	)
	return err
}

// Counts returns basic table sizes for the status command.
func (s *SQLiteStore) Counts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64)
	for _, table := range []string{"messages", "channel_users", "sessions", "audit_log", "cost_records"} {
		var n int64
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
