/*
server.go - HTTP router, middleware and server lifecycle

ROUTER: chi

MIDDLEWARE STACK:
  1. RequestID:  unique id per request for tracing
  2. Logger:     request logging
  3. Recoverer:  panic recovery (500 instead of crash)
  4. CORS:       cross-origin requests for the admin frontend

ROUTE GROUPS:
  /api/classes/*     Classes, occurrences, rosters
  /api/bookings/*    Reserve and cancel
  /api/users/*       Credits and packages per user
  /api/packages/*    Templates and package lifecycle
  /api/attendance/*  Attendance marking
  /api/admin/*       Scheduled sweeps
  /health            Liveness plus store ping
  /metrics           Prometheus, when a gatherer is configured

SECURITY NOTE:
  No authentication middleware. The upstream gateway authenticates and
  sets X-User-ID.

SEE ALSO:
  - handlers.go: handler implementations
  - cmd/server/main.go: server startup
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger reports store reachability for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type RouterOptions struct {
	// Metrics enables /metrics when non-nil.
	Metrics prometheus.Gatherer

	// Health is pinged by /health when non-nil.
	Health Pinger

	AllowedOrigins []string
}

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		AllowCredentials: true,
	}))

	r.Get("/health", healthHandler(opts.Health))
	if opts.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Metrics, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/classes", func(r chi.Router) {
			r.Post("/", h.SaveClass)
			r.Get("/{id}", h.GetClass)
			r.Delete("/{id}", h.DeleteClass)
			r.Get("/{id}/occurrences", h.ListOccurrences)
			r.Post("/{id}/occurrences/{date}/cancel", h.CancelOccurrence)
			r.Get("/{id}/occurrences/{date}/roster", h.GetRoster)
			r.Put("/{id}/occurrences/{date}/roster", h.SyncRoster)
		})

		r.Route("/bookings", func(r chi.Router) {
			r.Post("/", h.Reserve)
			r.Post("/{id}/cancel", h.CancelBooking)
		})

		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/credits/{category}", h.GetBalance)
			r.Put("/credits/{category}", h.SetBalance)
			r.Get("/packages", h.ListPackages)
		})

		r.Route("/packages", func(r chi.Router) {
			r.Post("/templates", h.SaveTemplate)
			r.Post("/", h.AssignPackage)
			r.Post("/{id}/renew", h.RenewPackage)
			r.Post("/{id}/cancel", h.CancelPackage)
			r.Post("/{id}/deactivate", h.DeactivatePackage)
		})

		r.Route("/attendance", func(r chi.Router) {
			r.Post("/", h.RecordAttendance)
			r.Post("/direct", h.RecordDirectAttendance)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/packages/expire", h.ExpireLapsed)
		})
	})

	return r
}

func healthHandler(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				writeError(w, http.StatusServiceUnavailable, "store unavailable", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// Server wraps http.Server with the start/shutdown pair used by main.
type Server struct {
	srv *http.Server
}

func NewServer(addr string, handler http.Handler) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// Start blocks until the server stops. A graceful shutdown returns nil.
func (s *Server) Start() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
