/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the limit-cache server. Handles configuration,
  dependency wiring (record store, fast store, dirty-set tracker, limit
  engine, sync worker, HTTP router), and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load cache/sync configuration (JSON file + env overrides)
  3. Open the SQLite record store
  4. Connect the fast store (Redis); an unreachable Redis stops startup.
     Skipped when cache.enabled=false or -no-cache is passed, in which
     case every consume takes the direct-to-database path
  5. Warm the current month's cache entries
  6. Start the sync worker (STARTUP sync, then periodic ticks)
  7. Start the HTTP server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections (30s drain)
  2. Run one final SHUTDOWN sync, synchronously
  3. Stop the sync worker and close the record store
  4. Exit

SEE ALSO:
  - api/server.go: router configuration
  - api/handlers.go: HTTP handlers
  - engine/limitengine.go: the limit engine
  - sync/worker.go: the sync worker
  - store/record, store/fast: the two backing stores
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/warp/limit-engine/api"
	"github.com/warp/limit-engine/config"
	"github.com/warp/limit-engine/engine"
	"github.com/warp/limit-engine/engine/dirtyset"
	"github.com/warp/limit-engine/store/fast"
	"github.com/warp/limit-engine/store/record"
	syncworker "github.com/warp/limit-engine/sync"
)

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "limits.db", "SQLite database path (\":memory:\" for ephemeral)")
	configPath := flag.String("config", "", "path to a JSON config file (cache/sync settings)")
	redisAddr := flag.String("redis", "localhost:6379", "Redis address for the fast store")
	noCache := flag.Bool("no-cache", false, "disable the cache tier and always use the direct-to-database path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *noCache {
		cfg.Cache.Enabled = false
	}

	records, err := record.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize record store: %v", err)
	}
	defer records.Close()

	dirty := dirtyset.New()

	var fastStore engine.FastStore
	if cfg.Cache.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Failed to connect fast store at %s: %v: %v", *redisAddr, engine.ErrFastStoreUnavailable, err)
		}
		fastStore = fast.NewClient(rdb, cfg.Cache.KeyPrefix)
	}

	eng := engine.New(records, fastStore, dirty, engine.Config{
		CacheEnabled: cfg.Cache.Enabled,
		TTL:          cfg.Cache.TTL,
	})

	if cfg.Cache.Enabled {
		if err := eng.WarmCurrentMonth(context.Background()); err != nil {
			log.Printf("Warning: failed to warm current month: %v", err)
		}
	}

	worker := syncworker.New(records, records, fastStore, dirty, syncworker.Config{
		Enabled:       cfg.Sync.Enabled,
		Interval:      cfg.Sync.Interval,
		BatchSize:     cfg.Sync.BatchSize,
		RetryAttempts: cfg.Sync.RetryAttempts,
	})

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	if cfg.Sync.Enabled {
		if _, err := worker.Tick(bgCtx, engine.SyncStartup); err != nil && err != engine.ErrConcurrentSync {
			log.Printf("Warning: startup sync failed: %v", err)
		}
		worker.Start(bgCtx)
	}

	handler := api.NewHandler(eng, worker, fastStore, cfg.Cache.Enabled)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("limit-engine server starting on http://localhost:%d (cache.enabled=%v, sync.enabled=%v)", *port, cfg.Cache.Enabled, cfg.Sync.Enabled)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	if cfg.Sync.Enabled {
		if _, err := worker.Tick(context.Background(), engine.SyncShutdown); err != nil && err != engine.ErrConcurrentSync {
			log.Printf("Warning: shutdown sync failed: %v", err)
		}
		worker.Stop()
	}

	log.Println("Server stopped")
}
