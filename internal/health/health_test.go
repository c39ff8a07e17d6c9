// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticChecker struct {
	name   string
	result CheckResult
}

func (c staticChecker) Name() string { return c.name }
func (c staticChecker) Check(context.Context) CheckResult { return c.result }

func withStatus(name string, s Status) Checker {
	return staticChecker{name: name, result: CheckResult{Status: s}}
}

func TestManager_OverallStatusIsWorstCheck(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []Status
		want      Status
		wantReady bool
	}{
		{name: "none", want: StatusHealthy, wantReady: true},
		{name: "all healthy", statuses: []Status{StatusHealthy, StatusHealthy}, want: StatusHealthy, wantReady: true},
		{name: "one degraded", statuses: []Status{StatusHealthy, StatusDegraded}, want: StatusDegraded, wantReady: true},
		{name: "unhealthy wins", statuses: []Status{StatusUnhealthy, StatusDegraded, StatusHealthy}, want: StatusUnhealthy, wantReady: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager("v0.3.0")
			for i, s := range tt.statuses {
				m.RegisterChecker(withStatus(string(rune('a'+i)), s))
			}

			ready := m.Ready(context.Background())
			assert.Equal(t, tt.want, ready.Status)
			assert.Equal(t, tt.wantReady, ready.Ready)
			assert.Len(t, ready.Checks, len(tt.statuses))

			verbose := m.Health(context.Background(), true)
			assert.Equal(t, tt.want, verbose.Status)
		})
	}
}

func TestManager_HealthIsQuietUnlessVerbose(t *testing.T) {
	m := NewManager("v0.3.0")
	m.RegisterChecker(withStatus("history", StatusUnhealthy))

	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "v0.3.0", resp.Version)
	assert.Nil(t, resp.Checks)
	assert.GreaterOrEqual(t, resp.Uptime, int64(0))
}

func TestManager_ChecksRunConcurrentlyWithTimeout(t *testing.T) {
	m := NewManager("v0.3.0")
	m.timeout = 50 * time.Millisecond

	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	m.RegisterChecker(NewOptionalChecker("redis", slow))
	m.RegisterChecker(NewOptionalChecker("upstream", slow))
	m.RegisterChecker(NewFuncChecker("history", func(context.Context) error { return nil }))

	start := time.Now()
	resp := m.Ready(context.Background())
	assert.Less(t, time.Since(start), time.Second)

	assert.True(t, resp.Ready)
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), resp.Checks["redis"].Error)
	assert.Equal(t, StatusHealthy, resp.Checks["history"].Status)
}

func TestFuncChecker(t *testing.T) {
	boom := errors.New("database is locked")

	required := NewFuncChecker("history", func(context.Context) error { return boom })
	assert.Equal(t, "history", required.Name())
	assert.Equal(t, CheckResult{Status: StatusUnhealthy, Error: boom.Error()}, required.Check(context.Background()))

	optional := NewOptionalChecker("redis", func(context.Context) error { return boom })
	assert.Equal(t, StatusDegraded, optional.Check(context.Background()).Status)
}

func TestBreakerChecker(t *testing.T) {
	state := "closed"
	c := NewBreakerChecker("sheets_circuit", func() string { return state })
	assert.Equal(t, "sheets_circuit", c.Name())

	for in, want := range map[string]Status{
		"closed":    StatusHealthy,
		"half-open": StatusDegraded,
		"open":      StatusDegraded,
	} {
		state = in
		res := c.Check(context.Background())
		assert.Equal(t, want, res.Status, in)
		assert.Contains(t, res.Message, "circuit", in)
	}
}

func TestSessionsChecker(t *testing.T) {
	var calls atomic.Int32
	c := NewSessionsChecker(func() []string {
		calls.Add(1)
		return []string{"orders", "returns"}
	})

	res := c.Check(context.Background())
	assert.Equal(t, "sync_sessions", c.Name())
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, "2 active", res.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestServeHealth_AlwaysOK(t *testing.T) {
	m := NewManager("v0.3.0")
	m.RegisterChecker(withStatus("history", StatusUnhealthy))

	for _, target := range []string{"/healthz", "/healthz?verbose=true"} {
		rec := httptest.NewRecorder()
		m.ServeHealth(rec, httptest.NewRequest(http.MethodGet, target, nil))

		require.Equal(t, http.StatusOK, rec.Code, target)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var resp HealthResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		if target == "/healthz" {
			assert.Empty(t, resp.Checks)
		} else {
			assert.Equal(t, StatusUnhealthy, resp.Status)
			assert.Contains(t, resp.Checks, "history")
		}
	}
}

func TestServeReady(t *testing.T) {
	tests := []struct {
		status Status
		code   int
	}{
		{StatusHealthy, http.StatusOK},
		{StatusDegraded, http.StatusOK},
		{StatusUnhealthy, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			m := NewManager("v0.3.0")
			m.RegisterChecker(withStatus("component", tt.status))

			rec := httptest.NewRecorder()
			m.ServeReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			assert.Equal(t, tt.code, rec.Code)

			var resp ReadinessResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, tt.code == http.StatusOK, resp.Ready)
		})
	}
}

type failingWriter struct{ header http.Header }

func (w *failingWriter) Header() http.Header { return w.header }
func (w *failingWriter) WriteHeader(int) {}
func (w *failingWriter) Write([]byte) (int, error) { return 0, errors.New("client went away") }

func TestServe_WriteFailureDoesNotPanic(t *testing.T) {
	m := NewManager("v0.3.0")
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	assert.NotPanics(t, func() {
		m.ServeHealth(&failingWriter{header: http.Header{}}, req)
		m.ServeReady(&failingWriter{header: http.Header{}}, req)
	})
}
