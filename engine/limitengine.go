/*
limitengine.go - the limit engine: consume, query, warm, and reset

The engine owns the cache-vs-direct decision and the warm/miss/retry
protocol described below. It is the only component
that talks to both the fast store and the record store on the hot path.

STATE MACHINE (cached path, per call):

	run consume_script
	  +1 -> mark dirty -> SUCCESS
	   0 -> INSUFFICIENT (no mutation, no dirty mark)
	  -1 -> MISS
	        find_by_date
	          none -> NOT_FOUND
	          some -> warm -> run consume_script once more
	                            +1 -> SUCCESS
	                             0 -> INSUFFICIENT
	                            -1 -> TRANSIENT_ERROR

The retry is bounded to one: a second miss surfaces as a transient
error rather than looping, so a lost race between warm and eviction
cannot become an unbounded storm.
*/
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DirtyTracker is the subset of dirtyset.Tracker the engine needs. It is
// declared here, rather than importing the dirtyset package directly by
// concrete type, purely to keep the engine's dependency surface
// expressed as interfaces throughout.
type DirtyTracker interface {
	Add(key string)
}

// Config holds the runtime-tunable cache behavior. Sync's own settings
// live in ../config and ../sync.
type Config struct {
	CacheEnabled bool
	TTL          time.Duration
}

// Engine is the limit engine: the public consume/query API.
type Engine struct {
	records RecordStore
	fast    FastStore
	dirty   DirtyTracker
	cfg     Config

	// resetMu excludes reset/reset_for_load_test from concurrent
	// consume calls, since resets rewrite keys wholesale. Held for
	// write by reset, for read by every consume.
	resetMu sync.RWMutex
}

// New builds a limit engine. fast may be nil when cfg.CacheEnabled is
// false, in which case every consume takes the direct path.
func New(records RecordStore, fast FastStore, dirty DirtyTracker, cfg Config) *Engine {
	return &Engine{records: records, fast: fast, dirty: dirty, cfg: cfg}
}

// Consume attempts to decrement date's remaining limit by amount.
// forceDirect bypasses the cache entirely and goes straight to the
// record store's transactional path.
func (e *Engine) Consume(ctx context.Context, date DayDate, amount int64, forceDirect bool) (ConsumeResult, error) {
	start := time.Now()
	if amount <= 0 {
		return ConsumeResult{Success: false, Message: errorMessage("amount must be positive")}, ErrInvalidAmount
	}

	e.resetMu.RLock()
	defer e.resetMu.RUnlock()

	if forceDirect || !e.cfg.CacheEnabled || e.fast == nil {
		return e.consumeDirect(ctx, date, amount, start)
	}
	return e.consumeCached(ctx, date, amount, start)
}

func (e *Engine) consumeCached(ctx context.Context, date DayDate, amount int64, start time.Time) (ConsumeResult, error) {
	status, newRemaining, remainingKey, err := e.fast.ConsumeScript(ctx, date, amount)
	if err != nil {
		return e.transientResult(start, "consume_script", err)
	}

	switch status {
	case ScriptSuccess:
		e.dirty.Add(remainingKey)
		return ConsumeResult{
			Success:        true,
			RemainingAfter: newRemaining,
			Source:         SourceCache,
			Message:        MsgSuccess,
			Latency:        time.Since(start),
		}, nil

	case ScriptInsufficient:
		return ConsumeResult{
			Success:        false,
			RemainingAfter: newRemaining,
			Source:         SourceCache,
			Message:        MsgInsufficientLimit,
			Latency:        time.Since(start),
		}, ErrInsufficientLimit

	case ScriptMiss:
		return e.consumeAfterMiss(ctx, date, amount, start)

	default:
		return e.transientResult(start, "consume_script", fmt.Errorf("unknown script status %d", status))
	}
}

// consumeAfterMiss handles the MISS branch: find the row, warm it, and
// retry exactly once.
func (e *Engine) consumeAfterMiss(ctx context.Context, date DayDate, amount int64, start time.Time) (ConsumeResult, error) {
	row, err := e.records.FindByDate(ctx, date)
	if err != nil {
		return e.transientResult(start, "find_by_date", err)
	}
	if row == nil {
		return ConsumeResult{
			Success: false,
			Source:  SourceCache,
			Message: MsgDateNotFound,
			Latency: time.Since(start),
		}, ErrDateNotFound
	}

	if _, err := e.fast.Warm(ctx, date, *row, e.cfg.TTL); err != nil {
		return e.transientResult(start, "warm", err)
	}

	status, newRemaining, remainingKey, err := e.fast.ConsumeScript(ctx, date, amount)
	if err != nil {
		return e.transientResult(start, "consume_script_retry", err)
	}

	switch status {
	case ScriptSuccess:
		e.dirty.Add(remainingKey)
		return ConsumeResult{
			Success: true, RemainingAfter: newRemaining, Source: SourceCache,
			Message: MsgSuccess, Latency: time.Since(start),
		}, nil
	case ScriptInsufficient:
		return ConsumeResult{
			Success: false, RemainingAfter: newRemaining, Source: SourceCache,
			Message: MsgInsufficientLimit, Latency: time.Since(start),
		}, ErrInsufficientLimit
	default:
		// A second miss right after warm: surface as transient rather
		// than retrying again, so a lost race with eviction cannot
		// become an unbounded retry storm.
		return e.transientResult(start, "consume_script_retry", fmt.Errorf("miss persisted after warm"))
	}
}

func (e *Engine) consumeDirect(ctx context.Context, date DayDate, amount int64, start time.Time) (ConsumeResult, error) {
	res, err := e.records.ConsumeDirect(ctx, date, amount)
	if err != nil {
		return e.transientResult(start, "consume_direct", err)
	}
	if !res.Success {
		msg := MsgInsufficientLimit
		var outErr error = ErrInsufficientLimit
		if res.Reason == "date not found" {
			msg = MsgDateNotFound
			outErr = ErrDateNotFound
		}
		return ConsumeResult{
			Success: false, RemainingAfter: res.NewRemaining, Source: SourceDatabase,
			Message: msg, Latency: time.Since(start),
		}, outErr
	}
	return ConsumeResult{
		Success: true, RemainingAfter: res.NewRemaining, Source: SourceDatabase,
		Message: MsgSuccess, Latency: time.Since(start),
	}, nil
}

func (e *Engine) transientResult(start time.Time, op string, cause error) (ConsumeResult, error) {
	te := newTransientError(op, cause)
	return ConsumeResult{
		Success: false,
		Message: errorMessage(te.Error()),
		Latency: time.Since(start),
	}, te
}

// GetLimit reads the cache first (if enabled), falling back to the
// record store on miss. It never cache-fills: only Consume does that,
// to avoid pre-warming dates nobody has touched.
func (e *Engine) GetLimit(ctx context.Context, date DayDate) (*DailyLimit, Source, error) {
	if e.cfg.CacheEnabled && e.fast != nil {
		entry, found, err := e.fast.ReadEntry(ctx, date)
		if err != nil {
			return nil, SourceCache, newTransientError("read_entry", err)
		}
		if found {
			return &DailyLimit{
				Date:             date,
				InitialLimit:     entry.InitialLimit,
				Remaining:        entry.Remaining,
				Consumed:         entry.Consumed,
				TransactionCount: entry.TransactionCount,
				Version:          entry.Version,
			}, SourceCache, nil
		}
	}

	row, err := e.records.FindByDate(ctx, date)
	if err != nil {
		return nil, SourceDatabase, newTransientError("find_by_date", err)
	}
	if row == nil {
		return nil, SourceDatabase, ErrDateNotFound
	}
	return row, SourceDatabase, nil
}

// GetMonth reads every day in year/month, preferring cache entries for
// dates that are warmed and falling back to the record store for the
// rest.
func (e *Engine) GetMonth(ctx context.Context, year int, month time.Month) ([]DailyLimit, error) {
	rows, err := e.records.FindByMonth(ctx, year, month)
	if err != nil {
		return nil, newTransientError("find_by_month", err)
	}
	if !e.cfg.CacheEnabled || e.fast == nil {
		return rows, nil
	}

	out := make([]DailyLimit, len(rows))
	for i, row := range rows {
		entry, found, err := e.fast.ReadEntry(ctx, row.Date)
		if err != nil {
			return nil, newTransientError("read_entry", err)
		}
		if !found {
			out[i] = row
			continue
		}
		out[i] = DailyLimit{
			Date:             row.Date,
			InitialLimit:     entry.InitialLimit,
			Remaining:        entry.Remaining,
			Consumed:         entry.Consumed,
			TransactionCount: entry.TransactionCount,
			Version:          entry.Version,
			CreatedAt:        row.CreatedAt,
			UpdatedAt:        row.UpdatedAt,
		}
	}
	return out, nil
}

// WarmCurrentMonth warms every day of the current month, and - within
// the last week of the month - every day of next month too, so a
// consume just after midnight on the 1st does not start cold.
func (e *Engine) WarmCurrentMonth(ctx context.Context) error {
	if !e.cfg.CacheEnabled || e.fast == nil {
		return nil
	}
	now := Today()
	if err := e.warmMonth(ctx, now.Year(), now.Month()); err != nil {
		return err
	}

	lastDay := LastDayOfMonth(now.Year(), now.Month())
	if lastDay.Day()-now.Day() <= 6 {
		nextMonth := now.Month() + 1
		nextYear := now.Year()
		if nextMonth > 12 {
			nextMonth = 1
			nextYear++
		}
		if err := e.warmMonth(ctx, nextYear, nextMonth); err != nil {
			return err
		}
	}
	return nil
}

// WarmMonth warms every day of the given year/month from the record
// store. Used directly by the admin /cache/warm?year=&month= endpoint,
// which (unlike WarmCurrentMonth) targets an arbitrary month.
func (e *Engine) WarmMonth(ctx context.Context, year int, month time.Month) error {
	if !e.cfg.CacheEnabled || e.fast == nil {
		return nil
	}
	return e.warmMonth(ctx, year, month)
}

func (e *Engine) warmMonth(ctx context.Context, year int, month time.Month) error {
	rows, err := e.records.FindByMonth(ctx, year, month)
	if err != nil {
		return newTransientError("find_by_month", err)
	}
	for _, row := range rows {
		if _, err := e.fast.Warm(ctx, row.Date, row, e.cfg.TTL); err != nil {
			return newTransientError("warm", err)
		}
	}
	return nil
}

// Reset rewrites every row of year/month to its initial value and
// re-warms those keys. Mutually exclusive with Consume.
func (e *Engine) Reset(ctx context.Context, year int, month time.Month) error {
	return e.resetMonth(ctx, year, month, false)
}

// ResetForLoadTest is Reset but seeds a very large limit so a load test
// cannot exhaust it mid-run.
func (e *Engine) ResetForLoadTest(ctx context.Context, year int, month time.Month) error {
	return e.resetMonth(ctx, year, month, true)
}

const loadTestLimit int64 = 1_000_000_000

func (e *Engine) resetMonth(ctx context.Context, year int, month time.Month, loadTest bool) error {
	e.resetMu.Lock()
	defer e.resetMu.Unlock()

	rows, err := e.records.FindByMonth(ctx, year, month)
	if err != nil {
		return newTransientError("find_by_month", err)
	}

	for _, row := range rows {
		limit := row.InitialLimit
		if loadTest {
			limit = loadTestLimit
		}
		if err := e.records.Seed(ctx, row.Date, limit); err != nil {
			return newTransientError("seed", err)
		}
	}

	if !e.cfg.CacheEnabled || e.fast == nil {
		return nil
	}
	refreshed, err := e.records.FindByMonth(ctx, year, month)
	if err != nil {
		return newTransientError("find_by_month", err)
	}
	for _, row := range refreshed {
		if _, err := e.fast.Warm(ctx, row.Date, row, e.cfg.TTL); err != nil {
			return newTransientError("warm", err)
		}
	}
	return nil
}
