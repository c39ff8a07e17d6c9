// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package sheets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/sheetsync/internal/livesync"
	"github.com/ManuGH/sheetsync/internal/resilience"
)

var tenant = livesync.Tenant{ID: "acme", SourceID: "sheet-1", Credential: "tok-123"}

func newTestClient(t *testing.T, baseURL string, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		BaseURL:           baseURL,
		Timeout:           2 * time.Second,
		MaxRetries:        2,
		RetryBaseDelay:    time.Millisecond,
		RetryMaxDelay:     5 * time.Millisecond,
		BreakerThreshold:  5,
		BreakerReset:      time.Minute,
		PartitionCacheTTL: time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c := NewClient(cfg, WithLogger(zerolog.Nop()))
	t.Cleanup(c.Close)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func googleErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func TestFetchRows_MapsHeaderAndSkipsEmptyRows(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		writeJSON(w, http.StatusOK, map[string]any{
			"range": "'Bob''s orders'!A1:C4",
			"values": [][]any{
				{"id", " status ", "qty"},
				{"1", "delivered", 3},
				{},
				{"2", "pending"},
				{"", "", ""},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	rows, err := c.FetchRows(context.Background(), tenant, "Bob's orders")
	require.NoError(t, err)

	assert.Equal(t, "/v4/spreadsheets/sheet-1/values/'Bob''s orders'", gotPath)
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, []livesync.Row{
		{"id": "1", "status": "delivered", "qty": "3"},
		{"id": "2", "status": "pending", "qty": ""},
	}, rows)
}

func TestFetchRows_EmptyTab(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"range": "Empty!A1:Z1000"})
	}))
	defer srv.Close()

	rows, err := newTestClient(t, srv.URL, nil).FetchRows(context.Background(), tenant, "Empty")
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestListPartitions_FiltersAndCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/v4/spreadsheets/sheet-1", r.URL.Path)
		assert.Equal(t, "sheets.properties.title", r.URL.Query().Get("fields"))
		writeJSON(w, http.StatusOK, map[string]any{"sheets": []map[string]any{
			{"properties": map[string]any{"title": "North"}},
			{"properties": map[string]any{"title": "Config"}},
			{"properties": map[string]any{"title": "South"}},
		}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.ExcludedSheets = []string{"Config"} })

	first, err := c.ListPartitions(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, []string{"North", "South"}, first)

	first[0] = "mutated"
	second, err := c.ListPartitions(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, []string{"North", "South"}, second, "cached listing must not alias caller slices")
	assert.EqualValues(t, 1, hits.Load())
}

func TestCall_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			googleErr(w, http.StatusServiceUnavailable, "backend busy")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"values": [][]any{{"id"}, {"7"}}})
	}))
	defer srv.Close()

	rows, err := newTestClient(t, srv.URL, nil).FetchRows(context.Background(), tenant, "North")
	require.NoError(t, err)
	assert.Equal(t, []livesync.Row{{"id": "7"}}, rows)
	assert.EqualValues(t, 3, hits.Load())
}

func TestCall_GivesUpAfterMaxRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		googleErr(w, http.StatusTooManyRequests, "quota exceeded")
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, nil).FetchRows(context.Background(), tenant, "North")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.EqualValues(t, 3, hits.Load())
}

func TestCall_PermanentErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, ErrUnauthorized},
		{"not found", http.StatusNotFound, ErrSheetNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				googleErr(w, tt.status, "nope")
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.BreakerThreshold = 1 })
			_, err := c.FetchRows(context.Background(), tenant, "North")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, "nope", apiErr.Message)

			assert.EqualValues(t, 1, hits.Load(), "client errors are not retried")
			assert.Equal(t, resilience.StateClosed, c.BreakerState(), "client errors do not trip the breaker")
		})
	}
}

func TestCall_BreakerOpensOnUpstreamFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.MaxRetries = 0
		cfg.BreakerThreshold = 1
	})

	_, err := c.FetchRows(context.Background(), tenant, "North")
	require.Error(t, err)
	assert.Equal(t, resilience.StateOpen, c.BreakerState())

	_, err = c.FetchRows(context.Background(), tenant, "North")
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.EqualValues(t, 1, hits.Load())
}

func TestCall_CanceledContextIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{})
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.BreakerThreshold = 1 })
	_, err := c.FetchRows(ctx, tenant, "North")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, hits.Load())
	assert.Equal(t, resilience.StateClosed, c.BreakerState())
}

func TestToRows(t *testing.T) {
	rows := toRows([][]any{
		{"name", "", "done"},
		{"a", "ignored", true},
		{nil, nil, nil},
		{"b", "x", 1.5},
	})
	assert.Equal(t, []livesync.Row{
		{"name": "a", "done": "true"},
		{"name": "b", "done": "1.5"},
	}, rows)
}

func TestA1Range(t *testing.T) {
	assert.Equal(t, "'Sheet1'", a1Range("Sheet1"))
	assert.Equal(t, "'It''s'", a1Range("It's"))
}
