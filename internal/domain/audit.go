package domain

import "time"

// AuditEntry is one tamper-evident record of a security decision.
// EntryHash = sha256(PreviousHash || canonical encoding of the other
// fields); PreviousHash of entry n equals EntryHash of entry n-1, with a
// fixed genesis constant before the first entry. Entries are write-once.
type AuditEntry struct {
	ID           string
	Timestamp    time.Time
	TraceID      string
	Actor        string
	Action       string
	Resource     string
	Outcome      string
	EntryHash    string
	PreviousHash string
}

// CostRecord is one row of per-identity cost accounting. Append-only.
type CostRecord struct {
	Timestamp time.Time
	UserID    int64
	Channel   Channel
	Units     float64
	CostUSD   float64
}

// StageMetrics is a persisted latency snapshot for one pipeline stage over
// one observation window. All latencies are milliseconds.
type StageMetrics struct {
	Stage       string
	WindowStart time.Time
	WindowEnd   time.Time
	Avg         float64
	P50         float64
	P95         float64
	P99         float64
	Min         float64
	Max         float64
	CallCount   int64
	SlowCount   int64
}
