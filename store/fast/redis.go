/*
redis.go - Redis-backed fast-store adapter

The atomicity guarantee on consume is the whole reason the cache tier
exists: without a single atomic server-side script, two concurrent
decrements could each observe a sufficient balance and both succeed,
violating remaining >= 0. consumeScript below is that script.
*/
package fast

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/warp/limit-engine/engine"
)

// consumeScript implements the three-way contract atomically:
//  1. remaining-key absent -> (-1, 0)
//  2. remaining < amount   -> (0, remaining)
//  3. else decrement remaining by amount, bump meta.consumed and
//     meta.transaction_count, return (+1, remaining-amount)
const consumeScript = `
local remaining_key = KEYS[1]
local meta_key = KEYS[2]
local amount = tonumber(ARGV[1])

local current = redis.call("GET", remaining_key)
if current == false then
	return {-1, 0}
end

local r = tonumber(current)
if r < amount then
	return {0, r}
end

local new_remaining = r - amount
redis.call("SET", remaining_key, new_remaining, "KEEPTTL")
redis.call("HINCRBY", meta_key, "consumed", amount)
redis.call("HINCRBY", meta_key, "transaction_count", 1)
return {1, new_remaining}
`

// Client is a Redis-backed FastStore implementation.
type Client struct {
	rdb    *redis.Client
	prefix string
	script *redis.Script
}

// NewClient wraps an existing go-redis client. prefix defaults to
// "limits" when empty, matching the configuration default.
func NewClient(rdb *redis.Client, prefix string) *Client {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Client{rdb: rdb, prefix: prefix, script: redis.NewScript(consumeScript)}
}

// Warm sets remaining-key and meta-key in one pipelined transaction and
// applies ttl to both.
func (c *Client) Warm(ctx context.Context, date engine.DayDate, limit engine.DailyLimit, ttl time.Duration) (string, error) {
	rk := remainingKey(c.prefix, date)
	mk := metaKey(c.prefix, date)

	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, rk, limit.Remaining, ttl)
		pipe.HSet(ctx, mk, map[string]interface{}{
			"initial_limit":     limit.InitialLimit,
			"consumed":          limit.Consumed,
			"transaction_count": limit.TransactionCount,
			"version":           limit.Version,
			"day_date":          date.String(),
		})
		pipe.Expire(ctx, mk, ttl)
		return nil
	})
	if err != nil {
		return "", engine.TransientErrorFrom("warm", err)
	}
	return rk, nil
}

// ConsumeScript runs consumeScript atomically against remaining-key and
// meta-key for date.
func (c *Client) ConsumeScript(ctx context.Context, date engine.DayDate, amount int64) (engine.ScriptStatus, int64, string, error) {
	rk := remainingKey(c.prefix, date)
	mk := metaKey(c.prefix, date)

	res, err := c.script.Run(ctx, c.rdb, []string{rk, mk}, amount).Result()
	if err != nil {
		return engine.ScriptMiss, 0, rk, engine.TransientErrorFrom("consume_script", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return engine.ScriptMiss, 0, rk, engine.TransientErrorFrom("consume_script", fmt.Errorf("unexpected script result %T", res))
	}
	status, err1 := toInt64(vals[0])
	newRemaining, err2 := toInt64(vals[1])
	if err1 != nil || err2 != nil {
		return engine.ScriptMiss, 0, rk, engine.TransientErrorFrom("consume_script", fmt.Errorf("malformed script result"))
	}
	return engine.ScriptStatus(status), newRemaining, rk, nil
}

func toInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported script value type %T", v)
	}
}

// ReadEntry reassembles the full projection for date: the scalar
// remaining value plus the metadata hash.
func (c *Client) ReadEntry(ctx context.Context, date engine.DayDate) (*engine.CacheEntry, bool, error) {
	rk := remainingKey(c.prefix, date)
	mk := metaKey(c.prefix, date)

	remainingStr, err := c.rdb.Get(ctx, rk).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, engine.TransientErrorFrom("read_entry", err)
	}

	meta, err := c.rdb.HGetAll(ctx, mk).Result()
	if err != nil {
		return nil, false, engine.TransientErrorFrom("read_entry", err)
	}

	remaining, _ := strconv.ParseInt(remainingStr, 10, 64)
	entry := &engine.CacheEntry{
		Date:      date,
		Remaining: remaining,
	}
	entry.InitialLimit, _ = strconv.ParseInt(meta["initial_limit"], 10, 64)
	entry.Consumed, _ = strconv.ParseInt(meta["consumed"], 10, 64)
	entry.TransactionCount, _ = strconv.ParseInt(meta["transaction_count"], 10, 64)
	entry.Version, _ = strconv.ParseInt(meta["version"], 10, 64)
	return entry, true, nil
}

// ClearAll removes every key under this client's prefix using SCAN
// rather than KEYS, so a large keyspace never blocks Redis's single
// command thread.
func (c *Client) ClearAll(ctx context.Context) error {
	pattern := c.prefix + ":*"
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return engine.TransientErrorFrom("clear_all", err)
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return engine.TransientErrorFrom("clear_all", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

// ServerStats wraps INFO and returns its memory, clients and stats
// sections, plus the database's total key count (DBSIZE).
func (c *Client) ServerStats(ctx context.Context) (map[string]string, error) {
	info, err := c.rdb.Info(ctx, "memory", "clients", "stats").Result()
	if err != nil {
		return nil, engine.TransientErrorFrom("server_stats", err)
	}
	dbSize, err := c.rdb.DBSize(ctx).Result()
	if err != nil {
		return nil, engine.TransientErrorFrom("server_stats", err)
	}
	return map[string]string{
		"info":    info,
		"db_size": strconv.FormatInt(dbSize, 10),
		"prefix":  c.prefix,
	}, nil
}
