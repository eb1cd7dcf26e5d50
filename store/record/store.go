/*
Package record implements the durable record store: the source of truth
for daily limits and the append-only sync history.

PURPOSE:
  Backs the four record-store operations the engine consumes:
  FindByDate, FindByMonth, SyncFromCache, ConsumeDirect. SyncFromCache is
  a blind write (the cache is authoritative during the warmed window);
  ConsumeDirect is the transactional, row-locked baseline path.

CONCURRENCY:
  A sync.RWMutex serializes Go-level access to the store value so it can
  be shared safely across the engine, the sync worker, and the HTTP
  handlers. ConsumeDirect additionally opens a BEGIN IMMEDIATE
  transaction, SQLite's writer-lock mode, so concurrent direct consumes
  against the same row serialize at the database level too - there is
  no per-row lock primitive in SQLite, so the whole-database writer lock
  stands in for it.

WAL MODE:
  Opened with _journal_mode=WAL for reader/writer concurrency and
  _foreign_keys=on, matching the rest of this stack's SQLite usage.

SEE ALSO:
  - ../../engine/limitengine.go: the only caller of ConsumeDirect
  - ../../sync/worker.go: the only caller of SyncFromCache
*/
package record

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/limit-engine/engine"
)

// Store is a SQLite-backed record store.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (and migrates) a SQLite-backed record store. Use ":memory:"
// for an ephemeral in-process database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS daily_limits (
		day_date TEXT PRIMARY KEY,
		initial_limit INTEGER NOT NULL,
		remaining INTEGER NOT NULL,
		consumed INTEGER NOT NULL,
		transaction_count INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (remaining >= 0),
		CHECK (consumed >= 0),
		CHECK (initial_limit = remaining + consumed)
	);

	CREATE TABLE IF NOT EXISTS sync_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sync_type TEXT NOT NULL,
		records_synced INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL CHECK (status IN ('SUCCESS', 'PARTIAL', 'FAILED')),
		error_message TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sync_history_started_at
		ON sync_history(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func scanDailyLimit(row interface {
	Scan(dest ...any) error
}) (engine.DailyLimit, error) {
	var (
		dayDate    string
		createdAt  string
		updatedAt  string
		limit      engine.DailyLimit
	)
	if err := row.Scan(
		&dayDate, &limit.InitialLimit, &limit.Remaining, &limit.Consumed,
		&limit.TransactionCount, &limit.Version, &createdAt, &updatedAt,
	); err != nil {
		return engine.DailyLimit{}, err
	}
	d, err := engine.ParseDayDate(dayDate)
	if err != nil {
		return engine.DailyLimit{}, err
	}
	limit.Date = d
	limit.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	limit.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return limit, nil
}

// FindByDate is a plain read, no lock.
func (s *Store) FindByDate(ctx context.Context, date engine.DayDate) (*engine.DailyLimit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT day_date, initial_limit, remaining, consumed, transaction_count, version, created_at, updated_at
		FROM daily_limits WHERE day_date = ?`, date.String())
	limit, err := scanDailyLimit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by date: %w", err)
	}
	return &limit, nil
}

// FindByMonth returns every row in the given year/month, ordered by date.
func (s *Store) FindByMonth(ctx context.Context, year int, month time.Month) ([]engine.DailyLimit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := fmt.Sprintf("%04d-%02d-", year, month)
	rows, err := s.db.QueryContext(ctx, `
		SELECT day_date, initial_limit, remaining, consumed, transaction_count, version, created_at, updated_at
		FROM daily_limits WHERE day_date LIKE ? ORDER BY day_date ASC`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("find by month: %w", err)
	}
	defer rows.Close()

	var out []engine.DailyLimit
	for rows.Next() {
		limit, err := scanDailyLimit(rows)
		if err != nil {
			return nil, fmt.Errorf("find by month: scan: %w", err)
		}
		out = append(out, limit)
	}
	return out, rows.Err()
}

// Seed inserts or replaces a row with explicit initial values. Used by
// admin reset/seed operations, never by the hot path.
func (s *Store) Seed(ctx context.Context, date engine.DayDate, initialLimit int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_limits (day_date, initial_limit, remaining, consumed, transaction_count, version, created_at, updated_at)
		VALUES (?, ?, ?, 0, 0, 0, ?, ?)
		ON CONFLICT(day_date) DO UPDATE SET
			initial_limit = excluded.initial_limit,
			remaining = excluded.initial_limit,
			consumed = 0,
			transaction_count = 0,
			version = daily_limits.version + 1,
			updated_at = excluded.updated_at
	`, date.String(), initialLimit, initialLimit, now, now)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	return nil
}

// SyncFromCache is a blind write: it overwrites the three mutable fields
// and bumps version, with no optimistic check, because the cache is the
// source of truth for a key during its warmed window. Returns the number
// of rows updated (0 or 1).
func (s *Store) SyncFromCache(ctx context.Context, date engine.DayDate, remaining, consumed, transactionCount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE daily_limits
		SET remaining = ?, consumed = ?, transaction_count = ?, version = version + 1, updated_at = ?
		WHERE day_date = ?`,
		remaining, consumed, transactionCount, time.Now().UTC().Format(time.RFC3339), date.String())
	if err != nil {
		return 0, fmt.Errorf("sync from cache: %w", err)
	}
	return res.RowsAffected()
}

// ConsumeDirect performs a transactional read-then-write against a single
// row under SQLite's writer lock (BEGIN IMMEDIATE), so concurrent direct
// consumes on the same date serialize and every admitted decrement is
// safe. This is the baseline path the cache tier exists to avoid.
func (s *Store) ConsumeDirect(ctx context.Context, date engine.DayDate, amount int64) (engine.ConsumeDirectResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The _txlock=immediate DSN parameter makes every BeginTx acquire
	// SQLite's writer lock up front (BEGIN IMMEDIATE), so this blocks
	// other writers for the duration of the transaction instead of
	// upgrading lazily on first write and risking SQLITE_BUSY races.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engine.ConsumeDirectResult{}, fmt.Errorf("begin immediate: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT remaining, consumed, transaction_count FROM daily_limits WHERE day_date = ?`, date.String())
	var remaining, consumed, txnCount int64
	switch err := row.Scan(&remaining, &consumed, &txnCount); err {
	case sql.ErrNoRows:
		return engine.ConsumeDirectResult{Success: false, Reason: "date not found"}, nil
	case nil:
		// fall through
	default:
		return engine.ConsumeDirectResult{}, fmt.Errorf("consume direct: read: %w", err)
	}

	if remaining < amount {
		return engine.ConsumeDirectResult{Success: false, NewRemaining: remaining, Reason: "insufficient limit"}, nil
	}

	newRemaining := remaining - amount
	newConsumed := consumed + amount
	_, err = tx.ExecContext(ctx, `
		UPDATE daily_limits
		SET remaining = ?, consumed = ?, transaction_count = transaction_count + 1, version = version + 1, updated_at = ?
		WHERE day_date = ?`,
		newRemaining, newConsumed, time.Now().UTC().Format(time.RFC3339), date.String())
	if err != nil {
		return engine.ConsumeDirectResult{}, fmt.Errorf("consume direct: write: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return engine.ConsumeDirectResult{}, fmt.Errorf("consume direct: commit: %w", err)
	}
	return engine.ConsumeDirectResult{Success: true, NewRemaining: newRemaining}, nil
}

// AppendSyncHistory records one sync attempt.
func (s *Store) AppendSyncHistory(ctx context.Context, rec engine.SyncHistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_history (sync_type, records_synced, duration_ms, status, error_message, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(rec.Type), rec.RecordsSynced, rec.Duration.Milliseconds(), string(rec.Status),
		nullable(rec.ErrorMessage), rec.StartedAt.UTC().Format(time.RFC3339), rec.CompletedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("append sync history: %w", err)
	}
	return nil
}

// RecentSyncHistory returns up to limit most-recent sync history rows,
// newest first.
func (s *Store) RecentSyncHistory(ctx context.Context, limit int) ([]engine.SyncHistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sync_type, records_synced, duration_ms, status, error_message, started_at, completed_at
		FROM sync_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent sync history: %w", err)
	}
	defer rows.Close()

	var out []engine.SyncHistoryRecord
	for rows.Next() {
		var (
			rec          engine.SyncHistoryRecord
			syncType     string
			status       string
			errMsg       sql.NullString
			startedAt    string
			completedAt  string
			durationMs   int64
		)
		if err := rows.Scan(&rec.ID, &syncType, &rec.RecordsSynced, &durationMs, &status, &errMsg, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("recent sync history: scan: %w", err)
		}
		rec.Type = engine.SyncType(syncType)
		rec.Status = engine.SyncStatus(status)
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		rec.ErrorMessage = errMsg.String
		rec.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		rec.CompletedAt, _ = time.Parse(time.RFC3339, completedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
