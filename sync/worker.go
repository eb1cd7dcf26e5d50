/*
Package sync implements the sync worker: the periodic and
lifecycle-triggered flusher of the dirty set into the record store.

DESIGN:
  - Runs a background goroutine on a fixed ticker (default 5s).
  - A sync_in_progress guard (atomic CompareAndSwap) prevents reentry;
    every trigger (SCHEDULED, MANUAL, STARTUP, SHUTDOWN) shares it.
  - Per-key failures are logged and leave the key dirty for next tick;
    a tick-level failure marks the history row FAILED and increments a
    consecutive-failure counter, reset on the next successful tick.

SEE ALSO:
  - ../engine/dirtyset: the set this worker drains
  - ../store/record: SyncFromCache, AppendSyncHistory
  - api/scheduler.go (teacher): ticker/guard idiom this adapts
*/
package sync

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warp/limit-engine/engine"
	"github.com/warp/limit-engine/store/fast"
)

// DirtyTracker is the subset of dirtyset.Tracker the worker needs.
type DirtyTracker interface {
	Snapshot() []string
	RemoveAll(keys []string)
	Size() int
}

// Config tunes the worker's schedule and batching.
type Config struct {
	Enabled        bool
	Interval       time.Duration
	BatchSize      int
	RetryAttempts  int
}

// Worker is the ticker-driven sync worker.
type Worker struct {
	records engine.RecordStore
	history engine.HistoryStore
	fast    engine.FastStore
	dirty   DirtyTracker
	cfg     Config

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	inProgress          int32 // atomic CAS guard
	consecutiveFailures int32
	lastSuccessAt       atomic.Value // time.Time
	lastAttemptAt       atomic.Value // time.Time
}

// New builds a sync worker. It does not start its background goroutine
// until Start is called.
func New(records engine.RecordStore, history engine.HistoryStore, fastStore engine.FastStore, dirty DirtyTracker, cfg Config) *Worker {
	w := &Worker{
		records: records,
		history: history,
		fast:    fastStore,
		dirty:   dirty,
		cfg:     cfg,
		stop:    make(chan struct{}),
	}
	w.lastSuccessAt.Store(time.Time{})
	w.lastAttemptAt.Store(time.Time{})
	return w
}

// Start begins the periodic ticker. A no-op if cfg.Enabled is false.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.cfg.Enabled {
		log.Println("[sync] disabled, not starting")
		return
	}
	if w.ticker != nil {
		return
	}

	w.ticker = time.NewTicker(w.cfg.Interval)
	w.wg.Add(1)
	go w.run(ctx)
	log.Printf("[sync] started with interval %v, batch size %d", w.cfg.Interval, w.cfg.BatchSize)
}

// Stop stops the ticker and waits for any in-flight tick to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ticker == nil {
		return
	}
	w.ticker.Stop()
	close(w.stop)
	w.wg.Wait()
	log.Println("[sync] stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.ticker.C:
			w.Tick(ctx, engine.SyncScheduled)
		case <-w.stop:
			return
		}
	}
}

// Tick runs one sync body under the reentry guard. Every trigger
// (scheduled, manual, startup, shutdown) calls this with the matching
// SyncType.
func (w *Worker) Tick(ctx context.Context, kind engine.SyncType) (engine.SyncHistoryRecord, error) {
	if !atomic.CompareAndSwapInt32(&w.inProgress, 0, 1) {
		return engine.SyncHistoryRecord{}, engine.ErrConcurrentSync
	}
	defer atomic.StoreInt32(&w.inProgress, 0)

	start := time.Now()
	w.lastAttemptAt.Store(start)

	keys := w.dirty.Snapshot()
	synced := make([]string, 0, len(keys))
	var lastErr error

	for batchStart := 0; batchStart < len(keys); batchStart += w.cfg.BatchSize {
		end := batchStart + w.cfg.BatchSize
		if end > len(keys) {
			end = len(keys)
		}
		for _, key := range keys[batchStart:end] {
			if err := w.syncOne(ctx, key); err != nil {
				log.Printf("[sync] key %s failed: %v", key, err)
				lastErr = err
				continue
			}
			synced = append(synced, key)
		}
	}

	w.dirty.RemoveAll(synced)

	rec := engine.SyncHistoryRecord{
		Type:          kind,
		RecordsSynced: len(synced),
		StartedAt:     start,
		CompletedAt:   time.Now(),
		Duration:      time.Since(start),
	}

	switch {
	case lastErr == nil:
		rec.Status = engine.SyncSuccess
		atomic.StoreInt32(&w.consecutiveFailures, 0)
		w.lastSuccessAt.Store(rec.CompletedAt)
	case len(synced) > 0:
		rec.Status = engine.SyncPartial
		rec.ErrorMessage = lastErr.Error()
	default:
		rec.Status = engine.SyncFailed
		rec.ErrorMessage = lastErr.Error()
		atomic.AddInt32(&w.consecutiveFailures, 1)
	}

	if err := w.history.AppendSyncHistory(ctx, rec); err != nil {
		log.Printf("[sync] failed to record history: %v", err)
	}
	return rec, nil
}

// syncOne parses the date out of a dirty remaining-key, reads the
// entry back from the fast store, and blind-writes it into the record
// store.
func (w *Worker) syncOne(ctx context.Context, remainingKey string) error {
	date, err := fast.ParseDateFromRemainingKey(remainingKey)
	if err != nil {
		return err
	}

	entry, found, err := w.fast.ReadEntry(ctx, date)
	if err != nil {
		return err
	}
	if !found {
		// Evicted between dirty-mark and sync; nothing to write back.
		return nil
	}

	rows, err := w.records.SyncFromCache(ctx, date, entry.Remaining, entry.Consumed, entry.TransactionCount)
	if err != nil {
		return err
	}
	if rows == 0 {
		return engine.ErrDateNotFound
	}
	return nil
}

// Stats reports worker health for the /sync/stats and /status
// endpoints. Unhealthy when consecutive failures >= 3 or the last
// successful sync was more than 3x interval ago.
func (w *Worker) Stats(ctx context.Context, historyLimit int) (engine.SyncStats, error) {
	failures := int(atomic.LoadInt32(&w.consecutiveFailures))
	lastSuccess, _ := w.lastSuccessAt.Load().(time.Time)
	lastAttempt, _ := w.lastAttemptAt.Load().(time.Time)

	healthy := failures < 3
	if healthy && !lastSuccess.IsZero() && w.cfg.Interval > 0 {
		healthy = time.Since(lastSuccess) <= 3*w.cfg.Interval
	}

	history, err := w.history.RecentSyncHistory(ctx, historyLimit)
	if err != nil {
		return engine.SyncStats{}, err
	}

	return engine.SyncStats{
		Healthy:             healthy,
		ConsecutiveFailures: failures,
		LastSuccessAt:       lastSuccess,
		LastAttemptAt:       lastAttempt,
		DirtyKeys:           w.dirty.Size(),
		History:             history,
	}, nil
}
