// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api exposes sync sessions over HTTP and hosts the live websocket
// endpoint.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/ManuGH/sheetsync/internal/api/middleware"
	"github.com/ManuGH/sheetsync/internal/history"
	"github.com/ManuGH/sheetsync/internal/livesync"
	xglog "github.com/ManuGH/sheetsync/internal/log"
	"github.com/ManuGH/sheetsync/internal/pubsub"
)

// SessionService is the part of the sync registry the handlers drive.
type SessionService interface {
	Start(ctx context.Context, id string, cfg livesync.Config) (string, error)
	Stop(id string) bool
	Status(id string) (livesync.Status, bool)
	CachedSnapshot(id string) (livesync.Snapshot, bool)
	ListActive() []string
	RefreshOne(ctx context.Context, id, partition string) (livesync.PartitionData, error)
}

// HistoryStore lists recorded wave outcomes.
type HistoryStore interface {
	Recent(ctx context.Context, sessionID string, limit int) ([]history.Run, error)
}

// LiveStats reports the live connection counts.
type LiveStats interface {
	Stats() pubsub.Stats
}

// HealthProbes serves liveness and readiness.
type HealthProbes interface {
	ServeHealth(w http.ResponseWriter, r *http.Request)
	ServeReady(w http.ResponseWriter, r *http.Request)
}

// Deps are the collaborators of the API server. History, Live, LiveStats and
// Health are optional.
type Deps struct {
	Sessions  SessionService
	History   HistoryStore
	Live      http.Handler
	LiveStats LiveStats
	Health    HealthProbes
}

// Server routes the HTTP surface.
type Server struct {
	deps   Deps
	stack  middleware.StackConfig
	logger zerolog.Logger
}

// New creates the API server.
func New(deps Deps, stack middleware.StackConfig) *Server {
	return &Server{
		deps:   deps,
		stack:  stack,
		logger: xglog.WithComponent("api"),
	}
}

// Handler returns the routed handler with the middleware stack applied.
func (s *Server) Handler() http.Handler {
	r := middleware.NewRouter(s.stack)

	if s.deps.Health != nil {
		r.Get("/healthz", s.deps.Health.ServeHealth)
		r.Get("/readyz", s.deps.Health.ServeReady)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleStartSession)
			r.Get("/", s.handleListSessions)
			r.Route("/{id}", func(r chi.Router) {
				r.Use(sessionScope)
				r.Get("/", s.handleGetSession)
				r.Delete("/", s.handleStopSession)
				r.Get("/snapshot", s.handleGetSnapshot)
				r.Get("/history", s.handleGetHistory)
				r.With(middleware.RefreshRateLimit()).
					Post("/partitions/{partition}/refresh", s.handleRefreshPartition)
			})
		})
		r.Get("/live/stats", s.handleLiveStats)
		if s.deps.Live != nil {
			r.Handle("/live", s.deps.Live)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeNotFound(w, r, "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" is not supported here")
	})
	return r
}

// sessionScope tags the request context with the addressed session so that
// handler log lines carry it.
func sessionScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := xglog.ContextWithSession(r.Context(), chi.URLParam(r, "id"), "")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(r *http.Request) string {
	return chimw.GetReqID(r.Context())
}
