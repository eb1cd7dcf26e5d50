package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/limit-engine/api"
	"github.com/warp/limit-engine/engine"
	"github.com/warp/limit-engine/engine/dirtyset"
	"github.com/warp/limit-engine/store/fast"
	"github.com/warp/limit-engine/store/record"
	syncworker "github.com/warp/limit-engine/sync"
)

type testServer struct {
	router  http.Handler
	engine  *engine.Engine
	records *record.Store
	fast    *fast.Memory
	worker  *syncworker.Worker
}

func newTestServer(t *testing.T) *testServer {
	records, err := record.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { records.Close() })

	fastStore := fast.NewMemory("limits")
	dirty := dirtyset.New()
	eng := engine.New(records, fastStore, dirty, engine.Config{CacheEnabled: true, TTL: time.Hour})
	worker := syncworker.New(records, records, fastStore, dirty, syncworker.Config{
		Enabled: true, Interval: time.Hour, BatchSize: 100,
	})

	handler := api.NewHandler(eng, worker, fastStore, true)
	return &testServer{
		router:  api.NewRouter(handler),
		engine:  eng,
		records: records,
		fast:    fastStore,
		worker:  worker,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestConsume_ColdHit_OverHTTP(t *testing.T) {
	s := newTestServer(t)
	date := engine.NewDayDate(2025, time.March, 15)
	require.NoError(t, s.records.Seed(context.Background(), date, 1_000_000))

	rec := s.do(t, http.MethodPost, "/consume", map[string]any{
		"date":   "2025-03-15",
		"amount": 100,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.ConsumeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "CACHE", resp.Source)
	assert.Equal(t, int64(999_900), resp.RemainingLimit)
	assert.Equal(t, "Success", resp.Message)
	assert.NotEmpty(t, resp.TransactionID)
}

func TestConsume_InsufficientLimit_OverHTTP(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.records.Seed(context.Background(), engine.NewDayDate(2025, time.March, 16), 50))

	rec := s.do(t, http.MethodPost, "/consume", map[string]any{
		"date":   "2025-03-16",
		"amount": 100,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.ConsumeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "Insufficient limit", resp.Message)
}

func TestConsume_DateNotFound_OverHTTP(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/consume", map[string]any{
		"date":   "2099-01-01",
		"amount": 100,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.ConsumeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "Date not found", resp.Message)
}

func TestConsume_InvalidAmount_OverHTTP_Returns400(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/consume", map[string]any{
		"amount": 0,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetDay_OverHTTP(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.records.Seed(context.Background(), engine.NewDayDate(2025, time.March, 15), 500))

	rec := s.do(t, http.MethodGet, "/limits/2025/3/15", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var dto api.DailyLimitDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, int64(500), dto.Remaining)
}

func TestGetDay_NotFound_OverHTTP(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/limits/2099/1/1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCacheWarmAndStats_OverHTTP(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.records.Seed(context.Background(), engine.NewDayDate(2025, time.March, 1), 1000))

	rec := s.do(t, http.MethodPost, "/cache/warm?year=2025&month=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats api.CacheStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.True(t, stats.Enabled)
}

func TestSyncTriggerAndStats_OverHTTP(t *testing.T) {
	s := newTestServer(t)
	date := engine.NewDayDate(2025, time.March, 15)
	require.NoError(t, s.records.Seed(context.Background(), date, 1000))

	consumeRec := s.do(t, http.MethodPost, "/consume", map[string]any{
		"date": "2025-03-15", "amount": 10,
	})
	require.Equal(t, http.StatusOK, consumeRec.Code)

	rec := s.do(t, http.MethodPost, "/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var syncResp api.SyncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &syncResp))
	assert.Equal(t, "SUCCESS", syncResp.Status)
	assert.Equal(t, 1, syncResp.RecordsSynced)

	statsRec := s.do(t, http.MethodGet, "/sync/stats", nil)
	require.Equal(t, http.StatusOK, statsRec.Code)

	var stats api.SyncStatsResponse
	require.NoError(t, json.Unmarshal(statsRec.Body.Bytes(), &stats))
	assert.True(t, stats.Healthy)
	assert.Equal(t, 0, stats.DirtyKeys)
}

func TestReset_OverHTTP(t *testing.T) {
	s := newTestServer(t)
	date := engine.NewDayDate(engine.Today().Year(), engine.Today().Month(), 1)
	require.NoError(t, s.records.Seed(context.Background(), date, 1000))

	_, err := s.engine.Consume(context.Background(), date, 500, false)
	require.NoError(t, err)

	rec := s.do(t, http.MethodPost, "/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	row, err := s.records.FindByDate(context.Background(), date)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), row.Remaining)
}

func TestStatus_OverHTTP(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status api.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.CacheEnabled)
	assert.True(t, status.SyncHealthy)
}
