// SPDX-License-Identifier: MIT

// Package httpapi is the northbound HTTP surface of the orchestrator: task
// submission, fleet inspection, the operator intervention console and the
// ops endpoints (health, readiness, metrics).
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hivemesh/hive/internal/health"
	"github.com/hivemesh/hive/internal/intervention"
	"github.com/hivemesh/hive/internal/registry"
)

// Config tunes the HTTP surface.
type Config struct {
	// APIKey guards /api/v1. Empty disables auth (development only).
	APIKey string
	// SubmitRatePerMinute limits task submissions per client IP.
	SubmitRatePerMinute int
	// TracingService enables otelhttp instrumentation when non-empty.
	TracingService string
}

// Server holds the handler dependencies.
type Server struct {
	cfg           Config
	tasks         TaskSubmitter
	registry      *registry.Registry
	interventions *intervention.Manager
	healthz       *health.Manager
}

func NewServer(cfg Config, tasks TaskSubmitter, reg *registry.Registry, iv *intervention.Manager, hm *health.Manager) *Server {
	if cfg.SubmitRatePerMinute <= 0 {
		cfg.SubmitRatePerMinute = 120
	}
	return &Server{
		cfg:           cfg,
		tasks:         tasks,
		registry:      reg,
		interventions: iv,
		healthz:       hm,
	}
}

// Router builds the chi router with the canonical middleware stack.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(metricsMiddleware)
	if s.cfg.TracingService != "" {
		r.Use(tracingMiddleware(s.cfg.TracingService))
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.authMiddleware)

		api.With(submitRateLimit(s.cfg.SubmitRatePerMinute)).
			Post("/tasks", s.handleSubmitTask)
		api.Get("/drones", s.handleListDrones)

		api.Route("/interventions/current", func(iv chi.Router) {
			iv.Get("/", s.handleCurrentIntervention)
			iv.Post("/steps", s.handleInterventionStep)
			iv.Post("/resume", s.handleInterventionResume)
		})
	})

	if s.healthz != nil {
		r.Get("/healthz", s.healthz.ServeHealth)
		r.Get("/readyz", s.healthz.ServeReady)
	}
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// HTTPServer wraps the router in an http.Server with production timeouts.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
