/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal engine model from the external API contract, allowing
  field renaming without breaking clients.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import "github.com/shopspring/decimal"

// ConsumeRequest is the POST /consume body. Date defaults to today;
// TransactionID is generated if absent.
type ConsumeRequest struct {
	Date          string          `json:"date,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transactionId,omitempty"`
	ForceDirectDB bool            `json:"forceDirectDb,omitempty"`
}

// ConsumeResponse is the POST /consume response.
type ConsumeResponse struct {
	Success        bool            `json:"success"`
	TransactionID  string          `json:"transactionId"`
	Date           string          `json:"date"`
	AmountConsumed decimal.Decimal `json:"amountConsumed"`
	RemainingLimit int64           `json:"remainingLimit"`
	Source         string          `json:"source"`
	LatencyMs      float64         `json:"latencyMs"`
	Message        string          `json:"message"`
}

// DailyLimitDTO is the read shape for a single day's limit.
type DailyLimitDTO struct {
	Date             string `json:"date"`
	InitialLimit     int64  `json:"initialLimit"`
	Remaining        int64  `json:"remaining"`
	Consumed         int64  `json:"consumed"`
	TransactionCount int64  `json:"transactionCount"`
	Version          int64  `json:"version"`
	Source           string `json:"source"`
}

// CacheWarmResponse is the POST /cache/warm response.
type CacheWarmResponse struct {
	Warmed bool `json:"warmed"`
	Year   int  `json:"year"`
	Month  int  `json:"month"`
}

// CacheStatsResponse is the GET /cache/stats response.
type CacheStatsResponse struct {
	Enabled bool              `json:"enabled"`
	Stats   map[string]string `json:"stats,omitempty"`
}

// SyncResponse is the POST /sync response, and the per-history-row
// shape used by GET /sync/stats.
type SyncResponse struct {
	Type          string `json:"type"`
	Status        string `json:"status"`
	RecordsSynced int    `json:"recordsSynced"`
	DurationMs    int64  `json:"durationMs"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
}

// SyncStatsResponse is the GET /sync/stats response.
type SyncStatsResponse struct {
	Healthy             bool           `json:"healthy"`
	ConsecutiveFailures int            `json:"consecutiveFailures"`
	DirtyKeys           int            `json:"dirtyKeys"`
	LastSuccessAt       string         `json:"lastSuccessAt,omitempty"`
	LastAttemptAt       string         `json:"lastAttemptAt,omitempty"`
	History             []SyncResponse `json:"history"`
}

// ResetResponse is the POST /reset response.
type ResetResponse struct {
	Reset bool `json:"reset"`
	Year  int  `json:"year"`
	Month int  `json:"month"`
}

// StatusResponse is the GET /status response.
type StatusResponse struct {
	CacheEnabled bool   `json:"cacheEnabled"`
	SyncHealthy  bool   `json:"syncHealthy"`
	Timestamp    string `json:"timestamp"`
}

// ErrorResponse is the shape of every non-2xx JSON body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
