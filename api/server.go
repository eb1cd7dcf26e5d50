/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions for the limit cache's REST surface. The admin dashboard,
  SSE demo, and load-test harness that the original system also
  carries are out of scope here - this router exposes exactly the
  consume/read/admin contract the engine needs an HTTP front for.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend tooling

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Post("/consume", h.Consume)

	r.Route("/limits", func(r chi.Router) {
		r.Get("/today", h.GetToday)
		r.Get("/{year}/{month}", h.GetMonth)
		r.Get("/{year}/{month}/{day}", h.GetDay)
	})

	r.Route("/cache", func(r chi.Router) {
		r.Post("/warm", h.WarmCache)
		r.Post("/clear", h.ClearCache)
		r.Get("/stats", h.CacheStats)
	})

	r.Post("/sync", h.TriggerSync)
	r.Get("/sync/stats", h.SyncStats)

	r.Post("/reset", h.Reset)
	r.Get("/status", h.Status)

	return r
}
