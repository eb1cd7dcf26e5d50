/*
memory.go - in-memory FastStore implementation

Grounded on generic/store/memory.go's mutex-guarded map idiom. Used for
exercising the engine and sync worker in tests without a live Redis.
*/
package fast

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/warp/limit-engine/engine"
)

type memoryEntry struct {
	remaining int64
	meta      engine.CacheEntry
	expiresAt time.Time
}

// Memory is a mutex-guarded, in-process FastStore.
type Memory struct {
	mu      sync.Mutex
	prefix  string
	entries map[string]*memoryEntry
}

// NewMemory returns an empty in-memory fast store.
func NewMemory(prefix string) *Memory {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Memory{prefix: prefix, entries: make(map[string]*memoryEntry)}
}

func (m *Memory) expired(e *memoryEntry) bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// Warm sets the in-memory entry for date and applies ttl.
func (m *Memory) Warm(_ context.Context, date engine.DayDate, limit engine.DailyLimit, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rk := remainingKey(m.prefix, date)
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	m.entries[rk] = &memoryEntry{
		remaining: limit.Remaining,
		meta: engine.CacheEntry{
			Date:             date,
			InitialLimit:     limit.InitialLimit,
			Consumed:         limit.Consumed,
			TransactionCount: limit.TransactionCount,
			Version:          limit.Version,
		},
		expiresAt: expiresAt,
	}
	return rk, nil
}

// ConsumeScript runs the same three-way contract as the Redis Lua
// script, serialized here by the mutex instead of by a server-side
// script, which is an equivalent atomicity guarantee for a single
// process.
func (m *Memory) ConsumeScript(_ context.Context, date engine.DayDate, amount int64) (engine.ScriptStatus, int64, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rk := remainingKey(m.prefix, date)
	e, ok := m.entries[rk]
	if !ok || m.expired(e) {
		delete(m.entries, rk)
		return engine.ScriptMiss, 0, rk, nil
	}
	if e.remaining < amount {
		return engine.ScriptInsufficient, e.remaining, rk, nil
	}
	e.remaining -= amount
	e.meta.Consumed += amount
	e.meta.TransactionCount++
	return engine.ScriptSuccess, e.remaining, rk, nil
}

// ReadEntry reassembles the full projection for date.
func (m *Memory) ReadEntry(_ context.Context, date engine.DayDate) (*engine.CacheEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rk := remainingKey(m.prefix, date)
	e, ok := m.entries[rk]
	if !ok || m.expired(e) {
		return nil, false, nil
	}
	entry := e.meta
	entry.Remaining = e.remaining
	return &entry, true, nil
}

// ClearAll discards every entry.
func (m *Memory) ClearAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*memoryEntry)
	return nil
}

// ServerStats reports the current entry count.
func (m *Memory) ServerStats(_ context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]string{
		"backend":    "memory",
		"prefix":     m.prefix,
		"entryCount": strconv.Itoa(len(m.entries)),
	}, nil
}
