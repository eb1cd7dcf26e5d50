/*
handlers.go - HTTP API handlers for the limit cache

PURPOSE:
  Exposes the limit engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine and sync worker.

ENDPOINTS:
  Consume:
    POST   /consume                    Consume amount against a date

  Limits (read-only):
    GET    /limits/{year}/{month}      Month view
    GET    /limits/{year}/{month}/{day} Single day
    GET    /limits/today               Today's limit

  Cache admin:
    POST   /cache/warm?year=&month=    Warm a month
    POST   /cache/clear                Flush the fast store
    GET    /cache/stats                Fast-store diagnostics

  Sync admin:
    POST   /sync                       Manual sync trigger
    GET    /sync/stats                 Sync worker health and history

  Reset:
    POST   /reset?year=&month=         Rewrite a month to initial values
    GET    /status                     Overall health
*/
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/limit-engine/engine"
	"github.com/warp/limit-engine/sync"
)

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *engine.Engine
	Sync   *sync.Worker
	Cache  engine.FastStore
	Config Config
}

// Config is the handler's view of cache/sync configuration, used to
// answer /status and to label GET /limits/{year}/{month} rows without
// round-tripping to the engine.
type Config struct {
	CacheEnabled bool
}

// NewHandler builds a Handler.
func NewHandler(eng *engine.Engine, worker *sync.Worker, cache engine.FastStore, cacheEnabled bool) *Handler {
	return &Handler{Engine: eng, Sync: worker, Cache: cache, Config: Config{CacheEnabled: cacheEnabled}}
}

// =============================================================================
// CONSUME
// =============================================================================

// Consume handles POST /consume.
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	var req ConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	date := engine.Today()
	if req.Date != "" {
		d, err := engine.ParseDayDate(req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid date", err)
			return
		}
		date = d
	}

	if !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "amount must be positive", nil)
		return
	}
	amount := req.Amount.IntPart()

	txID := req.TransactionID
	if txID == "" {
		txID = uuid.NewString()
	}

	result, err := h.Engine.Consume(r.Context(), date, amount, req.ForceDirectDB)
	resp := ConsumeResponse{
		Success:        result.Success,
		TransactionID:  txID,
		Date:           date.String(),
		AmountConsumed: decimal.NewFromInt(0),
		RemainingLimit: result.RemainingAfter,
		Source:         string(result.Source),
		LatencyMs:      float64(result.Latency.Microseconds()) / 1000.0,
		Message:        result.Message,
	}
	if result.Success {
		resp.AmountConsumed = req.Amount
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case engine.IsBusinessError(err):
		writeJSON(w, http.StatusOK, resp)
	case engine.IsTransientError(err):
		writeJSON(w, http.StatusInternalServerError, resp)
	default:
		writeJSON(w, http.StatusBadRequest, resp)
	}
}

// =============================================================================
// LIMITS (READ-ONLY)
// =============================================================================

func dailyLimitDTO(limit *engine.DailyLimit, source engine.Source) DailyLimitDTO {
	return DailyLimitDTO{
		Date:             limit.Date.String(),
		InitialLimit:     limit.InitialLimit,
		Remaining:        limit.Remaining,
		Consumed:         limit.Consumed,
		TransactionCount: limit.TransactionCount,
		Version:          limit.Version,
		Source:           string(source),
	}
}

// GetToday handles GET /limits/today.
func (h *Handler) GetToday(w http.ResponseWriter, r *http.Request) {
	h.getDay(w, r, engine.Today())
}

// GetDay handles GET /limits/{year}/{month}/{day}.
func (h *Handler) GetDay(w http.ResponseWriter, r *http.Request) {
	year, month, day, err := parseYearMonthDay(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date", err)
		return
	}
	h.getDay(w, r, engine.NewDayDate(year, month, day))
}

func (h *Handler) getDay(w http.ResponseWriter, r *http.Request, date engine.DayDate) {
	limit, source, err := h.Engine.GetLimit(r.Context(), date)
	if err != nil {
		if err == engine.ErrDateNotFound {
			writeError(w, http.StatusNotFound, "date not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to read limit", err)
		return
	}
	writeJSON(w, http.StatusOK, dailyLimitDTO(limit, source))
}

// GetMonth handles GET /limits/{year}/{month}.
func (h *Handler) GetMonth(w http.ResponseWriter, r *http.Request) {
	year, month, err := parseYearMonth(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid year/month", err)
		return
	}

	rows, err := h.Engine.GetMonth(r.Context(), year, month)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read month", err)
		return
	}

	dtos := make([]DailyLimitDTO, len(rows))
	for i, row := range rows {
		source := engine.SourceDatabase
		if h.Config.CacheEnabled {
			source = engine.SourceCache
		}
		dtos[i] = dailyLimitDTO(&row, source)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// CACHE ADMIN
// =============================================================================

// WarmCache handles POST /cache/warm?year=&month=.
func (h *Handler) WarmCache(w http.ResponseWriter, r *http.Request) {
	year, month, err := parseYearMonthQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid year/month", err)
		return
	}

	if err := h.Engine.WarmMonth(r.Context(), year, month); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to warm cache", err)
		return
	}
	writeJSON(w, http.StatusOK, CacheWarmResponse{Warmed: true, Year: year, Month: int(month)})
}

// ClearCache handles POST /cache/clear.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	if h.Cache == nil {
		writeError(w, http.StatusBadRequest, "cache is disabled", nil)
		return
	}
	if err := h.Cache.ClearAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to clear cache", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

// CacheStats handles GET /cache/stats.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.Cache == nil {
		writeJSON(w, http.StatusOK, CacheStatsResponse{Enabled: false})
		return
	}
	stats, err := h.Cache.ServerStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read cache stats", err)
		return
	}
	writeJSON(w, http.StatusOK, CacheStatsResponse{Enabled: true, Stats: stats})
}

// =============================================================================
// SYNC ADMIN
// =============================================================================

// TriggerSync handles POST /sync.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Sync.Tick(r.Context(), engine.SyncManual)
	if err != nil {
		if err == engine.ErrConcurrentSync {
			writeError(w, http.StatusConflict, "sync already in progress", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "sync failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SyncResponse{
		Type:          string(rec.Type),
		Status:        string(rec.Status),
		RecordsSynced: rec.RecordsSynced,
		DurationMs:    rec.Duration.Milliseconds(),
		ErrorMessage:  rec.ErrorMessage,
	})
}

// SyncStats handles GET /sync/stats.
func (h *Handler) SyncStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Sync.Stats(r.Context(), 20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read sync stats", err)
		return
	}

	history := make([]SyncResponse, len(stats.History))
	for i, rec := range stats.History {
		history[i] = SyncResponse{
			Type:          string(rec.Type),
			Status:        string(rec.Status),
			RecordsSynced: rec.RecordsSynced,
			DurationMs:    rec.Duration.Milliseconds(),
			ErrorMessage:  rec.ErrorMessage,
		}
	}

	resp := SyncStatsResponse{
		Healthy:             stats.Healthy,
		ConsecutiveFailures: stats.ConsecutiveFailures,
		DirtyKeys:           stats.DirtyKeys,
		History:             history,
	}
	if !stats.LastSuccessAt.IsZero() {
		resp.LastSuccessAt = stats.LastSuccessAt.Format(time.RFC3339)
	}
	if !stats.LastAttemptAt.IsZero() {
		resp.LastAttemptAt = stats.LastAttemptAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// RESET & STATUS
// =============================================================================

// Reset handles POST /reset?year=&month=.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	year, month, err := parseYearMonthQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid year/month", err)
		return
	}

	loadTest := r.URL.Query().Get("loadTest") == "true"
	if loadTest {
		err = h.Engine.ResetForLoadTest(r.Context(), year, month)
	} else {
		err = h.Engine.Reset(r.Context(), year, month)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reset failed", err)
		return
	}
	writeJSON(w, http.StatusOK, ResetResponse{Reset: true, Year: year, Month: int(month)})
}

// Status handles GET /status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	healthy := true
	if h.Sync != nil {
		stats, err := h.Sync.Stats(r.Context(), 1)
		if err == nil {
			healthy = stats.Healthy
		}
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		CacheEnabled: h.Config.CacheEnabled,
		SyncHealthy:  healthy,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func parseYearMonth(r *http.Request) (int, time.Month, error) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid year: %w", err)
	}
	monthInt, err := strconv.Atoi(chi.URLParam(r, "month"))
	if err != nil || monthInt < 1 || monthInt > 12 {
		return 0, 0, fmt.Errorf("invalid month")
	}
	return year, time.Month(monthInt), nil
}

func parseYearMonthDay(r *http.Request) (int, time.Month, int, error) {
	year, month, err := parseYearMonth(r)
	if err != nil {
		return 0, 0, 0, err
	}
	day, err := strconv.Atoi(chi.URLParam(r, "day"))
	if err != nil || day < 1 || day > 31 {
		return 0, 0, 0, fmt.Errorf("invalid day")
	}
	return year, month, day, nil
}

func parseYearMonthQuery(r *http.Request) (int, time.Month, error) {
	now := engine.Today()
	year := now.Year()
	month := now.Month()

	if v := r.URL.Query().Get("year"); v != "" {
		y, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid year: %w", err)
		}
		year = y
	}
	if v := r.URL.Query().Get("month"); v != "" {
		m, err := strconv.Atoi(v)
		if err != nil || m < 1 || m > 12 {
			return 0, 0, fmt.Errorf("invalid month")
		}
		month = time.Month(m)
	}
	return year, month, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
