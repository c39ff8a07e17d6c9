// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ManuGH/sheetsync/internal/api/middleware"
	"github.com/ManuGH/sheetsync/internal/history"
	"github.com/ManuGH/sheetsync/internal/livesync"
	xglog "github.com/ManuGH/sheetsync/internal/log"
	"github.com/ManuGH/sheetsync/internal/telemetry"
)

const maxStartBody = 64 << 10

// startRequest is the body of POST /api/v1/sessions. Zero numeric fields
// fall back to the registry defaults.
type startRequest struct {
	SessionID     string   `json:"session_id,omitempty"`
	TenantID      string   `json:"tenant_id"`
	SourceID      string   `json:"source_id"`
	Credential    string   `json:"credential,omitempty"`
	Partitions    []string `json:"partitions,omitempty"`
	Interval      string   `json:"interval,omitempty"`
	BatchSize     int      `json:"batch_size,omitempty"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
}

func (req startRequest) config() (livesync.Config, error) {
	if req.SourceID == "" {
		return livesync.Config{}, errors.New("source_id is required")
	}
	if req.BatchSize < 0 || req.MaxConcurrent < 0 {
		return livesync.Config{}, errors.New("batch_size and max_concurrent must not be negative")
	}
	var interval time.Duration
	if req.Interval != "" {
		d, err := time.ParseDuration(req.Interval)
		if err != nil || d <= 0 {
			return livesync.Config{}, fmt.Errorf("interval %q is not a positive duration", req.Interval)
		}
		interval = d
	}
	return livesync.Config{
		Tenant: livesync.Tenant{
			ID:         req.TenantID,
			SourceID:   req.SourceID,
			Credential: req.Credential,
		},
		Partitions:    req.Partitions,
		Interval:      interval,
		BatchSize:     req.BatchSize,
		MaxConcurrent: req.MaxConcurrent,
	}, nil
}

type startResponse struct {
	SessionID string `json:"session_id"`
}

type listResponse struct {
	Sessions []string `json:"sessions"`
}

type historyResponse struct {
	SessionID string        `json:"session_id"`
	Runs      []history.Run `json:"runs"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxStartBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeBadRequest(w, r, "invalid JSON body: "+err.Error())
		return
	}
	cfg, err := req.config()
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}

	middleware.AddSpanAttributes(r, attribute.String(telemetry.SyncTenantKey, cfg.Tenant.ID))

	id, err := s.deps.Sessions.Start(r.Context(), req.SessionID, cfg)
	switch {
	case errors.Is(err, livesync.ErrRegistryClosed):
		writeServiceUnavailable(w, r, "daemon is shutting down")
		return
	case err != nil:
		writeProblem(w, r, http.StatusUnprocessableEntity, "session_setup_failed", err.Error())
		return
	}

	logger := xglog.WithContext(r.Context(), s.logger)
	logger.Info().
		Str(xglog.FieldSessionID, id).
		Str(xglog.FieldTenantID, cfg.Tenant.ID).
		Msg("session started via api")

	w.Header().Set("Location", "/api/v1/sessions/"+id)
	writeJSON(w, http.StatusCreated, startResponse{SessionID: id})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, listResponse{Sessions: s.deps.Sessions.ListActive()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := s.deps.Sessions.Status(id)
	if !ok {
		writeNotFound(w, r, "unknown session "+strconv.Quote(id))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.deps.Sessions.Stop(id) {
		writeNotFound(w, r, "no active session "+strconv.Quote(id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := s.deps.Sessions.CachedSnapshot(id)
	if !ok {
		writeNotFound(w, r, "no snapshot for session "+strconv.Quote(id))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRefreshPartition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	partition := chi.URLParam(r, "partition")

	data, err := s.deps.Sessions.RefreshOne(r.Context(), id, partition)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, data)
	case errors.Is(err, livesync.ErrSessionNotFound):
		writeNotFound(w, r, "no active session "+strconv.Quote(id))
	case errors.Is(err, livesync.ErrUnknownPartition):
		writeNotFound(w, r, err.Error())
	default:
		logger := xglog.WithContext(r.Context(), s.logger)
		logger.Warn().Err(err).
			Str(xglog.FieldPartition, partition).
			Msg("manual refresh failed")
		writeProblem(w, r, http.StatusBadGateway, "upstream_failed", err.Error())
	}
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeNotFound(w, r, "run history is disabled")
		return
	}
	id := chi.URLParam(r, "id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeBadRequest(w, r, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.deps.History.Recent(r.Context(), id, limit)
	if err != nil {
		logger := xglog.WithContext(r.Context(), s.logger)
		logger.Error().Err(err).
			Msg("history query failed")
		writeServiceUnavailable(w, r, "run history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{SessionID: id, Runs: runs})
}

func (s *Server) handleLiveStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.LiveStats == nil {
		writeNotFound(w, r, "live updates are disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.LiveStats.Stats())
}
