package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/limit-engine/engine"
	"github.com/warp/limit-engine/engine/dirtyset"
	"github.com/warp/limit-engine/store/fast"
	"github.com/warp/limit-engine/store/record"
)

func newTestEngine(t *testing.T) (*engine.Engine, *record.Store, *fast.Memory, *dirtyset.Tracker) {
	records, err := record.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { records.Close() })

	fastStore := fast.NewMemory("limits")
	dirty := dirtyset.New()
	eng := engine.New(records, fastStore, dirty, engine.Config{
		CacheEnabled: true,
		TTL:          24 * time.Hour,
	})
	return eng, records, fastStore, dirty
}

// TestConsume_ColdHit is scenario S1: a date with no prior warm is
// seeded in the record store; the first consume miss-fills it from
// the record store and succeeds from the cache.
func TestConsume_ColdHit(t *testing.T) {
	eng, records, _, dirty := newTestEngine(t)
	ctx := context.Background()
	date := engine.NewDayDate(2025, time.March, 15)
	require.NoError(t, records.Seed(ctx, date, 1_000_000))

	res, err := eng.Consume(ctx, date, 100, false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, engine.SourceCache, res.Source)
	assert.Equal(t, int64(999_900), res.RemainingAfter)
	assert.Equal(t, engine.MsgSuccess, res.Message)

	assert.Equal(t, 1, dirty.Size())
}

func TestConsume_Insufficient_NoMutationNoDirty(t *testing.T) {
	eng, records, _, dirty := newTestEngine(t)
	ctx := context.Background()
	date := engine.NewDayDate(2025, time.March, 16)
	require.NoError(t, records.Seed(ctx, date, 50))

	res, err := eng.Consume(ctx, date, 100, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrInsufficientLimit)
	assert.False(t, res.Success)
	assert.Equal(t, engine.MsgInsufficientLimit, res.Message)
	assert.Equal(t, int64(50), res.RemainingAfter)
	assert.Equal(t, 0, dirty.Size())
}

// TestConsume_ConcurrentFairness is scenario S3: 1000 parallel consumes
// of 100 against a balance of 10,000 admit exactly 100 and leave
// remaining at exactly 0, with no over-admission.
func TestConsume_ConcurrentFairness(t *testing.T) {
	eng, records, _, _ := newTestEngine(t)
	ctx := context.Background()
	date := engine.NewDayDate(2025, time.March, 17)
	require.NoError(t, records.Seed(ctx, date, 10_000))

	const n = 1000
	const amount = int64(100)
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	var totalAdmitted int64

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _ := eng.Consume(ctx, date, amount, false)
			if res.Success {
				mu.Lock()
				successes++
				totalAdmitted += amount
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, successes)
	assert.Equal(t, int64(10_000), totalAdmitted)

	entry, source, err := eng.GetLimit(ctx, date)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, engine.SourceCache, source)
	assert.Equal(t, int64(0), entry.Remaining)
}

// TestConsume_MissThenFill is scenario S4: after a flush, a consume
// against a date that still exists in the record store miss-fills and
// succeeds.
func TestConsume_MissThenFill(t *testing.T) {
	eng, records, fastStore, _ := newTestEngine(t)
	ctx := context.Background()
	date := engine.NewDayDate(2025, time.March, 18)
	require.NoError(t, records.Seed(ctx, date, 1000))

	require.NoError(t, fastStore.ClearAll(ctx))

	res, err := eng.Consume(ctx, date, 100, false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(900), res.RemainingAfter)

	_, found, err := fastStore.ReadEntry(ctx, date)
	require.NoError(t, err)
	assert.True(t, found)
}

// TestConsume_MissingDate is scenario S5.
func TestConsume_MissingDate(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	res, err := eng.Consume(context.Background(), engine.NewDayDate(2099, time.January, 1), 100, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrDateNotFound)
	assert.False(t, res.Success)
	assert.Equal(t, engine.MsgDateNotFound, res.Message)
}

// TestConsume_DirectPath_ConcurrentFairness is scenario S6.
func TestConsume_DirectPath_ConcurrentFairness(t *testing.T) {
	eng, records, _, _ := newTestEngine(t)
	ctx := context.Background()
	date := engine.NewDayDate(2025, time.March, 19)
	require.NoError(t, records.Seed(ctx, date, 1000))

	const n = 1000
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _ := eng.Consume(ctx, date, 1, true)
			if res.Success {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, n, successes)

	row, err := records.FindByDate(ctx, date)
	require.NoError(t, err)
	assert.Equal(t, int64(0), row.Remaining)
}

func TestConsume_InvalidAmount_Rejected(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	res, err := eng.Consume(context.Background(), engine.Today(), 0, false)
	assert.ErrorIs(t, err, engine.ErrInvalidAmount)
	assert.False(t, res.Success)
}

func TestConsume_SecondMissAfterWarm_IsTransient(t *testing.T) {
	// A fast store that always misses, even right after Warm, models a
	// lost race with eviction: the retry-once contract must surface a
	// transient error rather than loop.
	eng, records, _, _ := newTestEngineWithAlwaysMissFastStore(t)
	ctx := context.Background()
	date := engine.NewDayDate(2025, time.March, 20)
	require.NoError(t, records.Seed(ctx, date, 1000))

	res, err := eng.Consume(ctx, date, 100, false)
	assert.False(t, res.Success)
	require.Error(t, err)
	assert.True(t, engine.IsTransientError(err))
}

// alwaysMissFastStore is a FastStore whose ConsumeScript always reports
// a miss, used to exercise the bounded-retry transient-error path.
type alwaysMissFastStore struct {
	*fast.Memory
}

func (a *alwaysMissFastStore) ConsumeScript(ctx context.Context, date engine.DayDate, amount int64) (engine.ScriptStatus, int64, string, error) {
	return engine.ScriptMiss, 0, "limits:remaining:always-miss", nil
}

func newTestEngineWithAlwaysMissFastStore(t *testing.T) (*engine.Engine, *record.Store, *alwaysMissFastStore, *dirtyset.Tracker) {
	records, err := record.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { records.Close() })

	fs := &alwaysMissFastStore{Memory: fast.NewMemory("limits")}
	dirty := dirtyset.New()
	eng := engine.New(records, fs, dirty, engine.Config{CacheEnabled: true, TTL: time.Hour})
	return eng, records, fs, dirty
}

func TestGetLimit_CacheMiss_FallsBackToRecordStore_NoCacheFill(t *testing.T) {
	eng, records, fastStore, _ := newTestEngine(t)
	ctx := context.Background()
	date := engine.NewDayDate(2025, time.March, 21)
	require.NoError(t, records.Seed(ctx, date, 500))

	limit, source, err := eng.GetLimit(ctx, date)
	require.NoError(t, err)
	assert.Equal(t, engine.SourceDatabase, source)
	assert.Equal(t, int64(500), limit.Remaining)

	_, found, err := fastStore.ReadEntry(ctx, date)
	require.NoError(t, err)
	assert.False(t, found, "GetLimit must not cache-fill on miss")
}

func TestGetLimit_NotFound(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	_, _, err := eng.GetLimit(context.Background(), engine.NewDayDate(2099, time.January, 1))
	assert.ErrorIs(t, err, engine.ErrDateNotFound)
}

func TestWarmCurrentMonth_PopulatesCacheForExistingRows(t *testing.T) {
	eng, records, fastStore, _ := newTestEngine(t)
	ctx := context.Background()
	today := engine.Today()
	require.NoError(t, records.Seed(ctx, today, 1000))

	require.NoError(t, eng.WarmCurrentMonth(ctx))

	entry, found, err := fastStore.ReadEntry(ctx, today)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1000), entry.Remaining)
}

// TestWarm_Idempotence is property 6: two consecutive warms with the
// same record-store contents yield identical fast-store state and an
// unchanged dirty set.
func TestWarm_Idempotence(t *testing.T) {
	eng, records, fastStore, dirty := newTestEngine(t)
	ctx := context.Background()
	date := engine.NewDayDate(2025, time.March, 22)
	require.NoError(t, records.Seed(ctx, date, 750))

	require.NoError(t, eng.WarmCurrentMonth(ctx)) // no-op unless date is in current month

	row, err := records.FindByDate(ctx, date)
	require.NoError(t, err)
	_, err = fastStore.Warm(ctx, date, *row, time.Hour)
	require.NoError(t, err)
	first, _, err := fastStore.ReadEntry(ctx, date)
	require.NoError(t, err)

	_, err = fastStore.Warm(ctx, date, *row, time.Hour)
	require.NoError(t, err)
	second, _, err := fastStore.ReadEntry(ctx, date)
	require.NoError(t, err)

	assert.Equal(t, *first, *second)
	assert.Equal(t, 0, dirty.Size())
}

func TestReset_RewritesAndRewarms(t *testing.T) {
	eng, records, fastStore, _ := newTestEngine(t)
	ctx := context.Background()
	date := engine.NewDayDate(engine.Today().Year(), engine.Today().Month(), 1)
	require.NoError(t, records.Seed(ctx, date, 1000))

	// consume some balance, then reset the month back to the seeded
	// initial value
	_, err := eng.Consume(ctx, date, 200, false)
	require.NoError(t, err)

	require.NoError(t, eng.Reset(ctx, date.Year(), date.Month()))

	row, err := records.FindByDate(ctx, date)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), row.Remaining)

	entry, found, err := fastStore.ReadEntry(ctx, date)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1000), entry.Remaining)
}

func TestResetForLoadTest_SeedsLargeLimit(t *testing.T) {
	eng, records, _, _ := newTestEngine(t)
	ctx := context.Background()
	date := engine.NewDayDate(engine.Today().Year(), engine.Today().Month(), 2)
	require.NoError(t, records.Seed(ctx, date, 1000))

	require.NoError(t, eng.ResetForLoadTest(ctx, date.Year(), date.Month()))

	row, err := records.FindByDate(ctx, date)
	require.NoError(t, err)
	assert.Greater(t, row.Remaining, int64(1000))
}

func TestReset_ExcludesConcurrentConsume(t *testing.T) {
	// Reset takes the exclusive side of the resetMu; a concurrent
	// consume must observe either the pre- or post-reset state, never
	// a torn write. This test only asserts both operations complete
	// without data races / deadlock under `go test -race`.
	eng, records, _, _ := newTestEngine(t)
	ctx := context.Background()
	date := engine.NewDayDate(engine.Today().Year(), engine.Today().Month(), 3)
	require.NoError(t, records.Seed(ctx, date, 1000))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = eng.Consume(ctx, date, 10, false)
	}()
	go func() {
		defer wg.Done()
		_ = eng.Reset(ctx, date.Year(), date.Month())
	}()
	wg.Wait()
}
