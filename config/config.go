/*
Package config loads the {cache, sync} runtime configuration from a
JSON file, with environment-variable overrides and documented
defaults, the way factory.PolicyFactory parses JSON into a validated
struct.

JSON SCHEMA:

	{
	  "cache": {
	    "enabled": true,
	    "key_prefix": "limits",
	    "ttl_hours": 24
	  },
	  "sync": {
	    "enabled": true,
	    "interval_seconds": 5,
	    "batch_size": 100,
	    "retry_attempts": 3
	  }
	}

ENVIRONMENT OVERRIDES:
  LIMIT_CACHE_ENABLED, LIMIT_CACHE_KEY_PREFIX, LIMIT_CACHE_TTL_HOURS,
  LIMIT_SYNC_ENABLED, LIMIT_SYNC_INTERVAL_SECONDS, LIMIT_SYNC_BATCH_SIZE,
  LIMIT_SYNC_RETRY_ATTEMPTS. Any set variable wins over both the JSON
  file and the default below.
*/
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// CacheJSON is the JSON representation of the cache section.
type CacheJSON struct {
	Enabled   *bool  `json:"enabled,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
	TTLHours  int    `json:"ttl_hours,omitempty"`
}

// SyncJSON is the JSON representation of the sync section.
type SyncJSON struct {
	Enabled         *bool `json:"enabled,omitempty"`
	IntervalSeconds int   `json:"interval_seconds,omitempty"`
	BatchSize       int   `json:"batch_size,omitempty"`
	RetryAttempts   int   `json:"retry_attempts,omitempty"`
}

// FileJSON is the on-disk JSON shape.
type FileJSON struct {
	Cache CacheJSON `json:"cache"`
	Sync  SyncJSON  `json:"sync"`
}

// Cache is the validated runtime cache configuration.
type Cache struct {
	Enabled   bool
	KeyPrefix string
	TTL       time.Duration
}

// Sync is the validated runtime sync configuration.
type Sync struct {
	Enabled       bool
	Interval      time.Duration
	BatchSize     int
	RetryAttempts int
}

// Config is the fully resolved runtime configuration.
type Config struct {
	Cache Cache
	Sync  Sync
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Cache: Cache{
			Enabled:   true,
			KeyPrefix: "limits",
			TTL:       24 * time.Hour,
		},
		Sync: Sync{
			Enabled:       true,
			Interval:      5 * time.Second,
			BatchSize:     100,
			RetryAttempts: 3,
		},
	}
}

// Load reads path (if non-empty and present) into a Config seeded from
// Default, then applies any set environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else {
			var file FileJSON
			if err := json.Unmarshal(data, &file); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
			applyFile(&cfg, file)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, file FileJSON) {
	if file.Cache.Enabled != nil {
		cfg.Cache.Enabled = *file.Cache.Enabled
	}
	if file.Cache.KeyPrefix != "" {
		cfg.Cache.KeyPrefix = file.Cache.KeyPrefix
	}
	if file.Cache.TTLHours > 0 {
		cfg.Cache.TTL = time.Duration(file.Cache.TTLHours) * time.Hour
	}
	if file.Sync.Enabled != nil {
		cfg.Sync.Enabled = *file.Sync.Enabled
	}
	if file.Sync.IntervalSeconds > 0 {
		cfg.Sync.Interval = time.Duration(file.Sync.IntervalSeconds) * time.Second
	}
	if file.Sync.BatchSize > 0 {
		cfg.Sync.BatchSize = file.Sync.BatchSize
	}
	if file.Sync.RetryAttempts > 0 {
		cfg.Sync.RetryAttempts = file.Sync.RetryAttempts
	}
}

func applyEnv(cfg *Config) {
	if v, ok := envBool("LIMIT_CACHE_ENABLED"); ok {
		cfg.Cache.Enabled = v
	}
	if v := os.Getenv("LIMIT_CACHE_KEY_PREFIX"); v != "" {
		cfg.Cache.KeyPrefix = v
	}
	if v, ok := envInt("LIMIT_CACHE_TTL_HOURS"); ok {
		cfg.Cache.TTL = time.Duration(v) * time.Hour
	}
	if v, ok := envBool("LIMIT_SYNC_ENABLED"); ok {
		cfg.Sync.Enabled = v
	}
	if v, ok := envInt("LIMIT_SYNC_INTERVAL_SECONDS"); ok {
		cfg.Sync.Interval = time.Duration(v) * time.Second
	}
	if v, ok := envInt("LIMIT_SYNC_BATCH_SIZE"); ok {
		cfg.Sync.BatchSize = v
	}
	if v, ok := envInt("LIMIT_SYNC_RETRY_ATTEMPTS"); ok {
		cfg.Sync.RetryAttempts = v
	}
}

func envBool(key string) (bool, bool) {
	v, present := os.LookupEnv(key)
	if !present {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func envInt(key string) (int, bool) {
	v, present := os.LookupEnv(key)
	if !present {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c Config) validate() error {
	if c.Cache.KeyPrefix == "" {
		return fmt.Errorf("cache.key_prefix must not be empty")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval_seconds must be positive")
	}
	return nil
}
