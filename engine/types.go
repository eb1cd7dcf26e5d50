/*
Package engine implements the limit engine: the atomic consume protocol
against the fast store, the cache-vs-direct decision, the miss/warm/retry
state machine, and the administrative warm/reset operations.

KEY CONCEPTS:
  - DailyLimit: the durable row for one calendar day (record store's view).
  - Source: whether a consume was served from the cache or the database.
  - ConsumeResult: the full, structured outcome of a single consume call.

DESIGN PRINCIPLES (carried over from the teacher's generic engine):
  1. No panics escape a public method; every failure becomes a typed result.
  2. Money never touches float64: minor-currency-unit integers internally,
     decimal.Decimal only at the HTTP/DTO boundary (api package).
  3. Every sentinel error in errors.go is meant to be used with errors.Is.

SEE ALSO:
  - errors.go: sentinel and structured errors
  - limitengine.go: Consume / GetLimit / GetMonth / WarmCurrentMonth / Reset
  - ../store/record: durable source of truth
  - ../store/fast: atomic cache tier
*/
package engine

import "time"

// Source identifies which path served a consume or read.
type Source string

const (
	SourceCache    Source = "CACHE"
	SourceDatabase Source = "DATABASE"
)

// DailyLimit is the record store's durable view of one calendar day.
// Invariant: InitialLimit == Remaining + Consumed at every commit.
type DailyLimit struct {
	Date             DayDate
	InitialLimit     int64
	Remaining        int64
	Consumed         int64
	TransactionCount int64
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ConsumeResult is the full outcome of a single Consume call.
type ConsumeResult struct {
	Success        bool
	RemainingAfter int64
	Source         Source
	Message        string
	Latency        time.Duration
}

// Outcome messages, verbatim per spec.md §6.
const (
	MsgSuccess             = "Success"
	MsgInsufficientLimit   = "Insufficient limit"
	MsgDateNotFound        = "Date not found"
	msgErrorPrefix         = "Error: "
)

func errorMessage(detail string) string { return msgErrorPrefix + detail }

// SyncType enumerates what triggered a sync-worker run.
type SyncType string

const (
	SyncScheduled SyncType = "SCHEDULED"
	SyncManual    SyncType = "MANUAL"
	SyncStartup   SyncType = "STARTUP"
	SyncShutdown  SyncType = "SHUTDOWN"
)

// SyncStatus is the outcome of one sync-worker run.
type SyncStatus string

const (
	SyncSuccess SyncStatus = "SUCCESS"
	SyncPartial SyncStatus = "PARTIAL"
	SyncFailed  SyncStatus = "FAILED"
)

// SyncHistoryRecord is one append-only row describing a sync attempt.
type SyncHistoryRecord struct {
	ID             int64
	Type           SyncType
	Status         SyncStatus
	RecordsSynced  int
	Duration       time.Duration
	ErrorMessage   string
	StartedAt      time.Time
	CompletedAt    time.Time
}

// SyncStats summarizes sync-worker health for the /sync/stats and
// /status endpoints.
type SyncStats struct {
	Healthy             bool
	ConsecutiveFailures int
	LastSuccessAt       time.Time
	LastAttemptAt       time.Time
	DirtyKeys           int
	History             []SyncHistoryRecord
}
