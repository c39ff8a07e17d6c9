// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package wsgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/sheetsync/internal/livesync"
	"github.com/ManuGH/sheetsync/internal/pubsub"
)

type frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	At        time.Time       `json:"at"`
	Data      json.RawMessage `json:"data"`
}

func setup(t *testing.T, cfg Config) (*pubsub.Distributor, *Handler, *httptest.Server) {
	t.Helper()
	d := pubsub.NewDistributor(pubsub.WithLogger(zerolog.Nop()))
	h := NewHandler(d, cfg)
	h.logger = zerolog.Nop()
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		h.Wait()
		_ = d.Close()
	})
	return d, h, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return ws
}

func read(t *testing.T, ws *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

func TestHandler_SubscribesFromQueryAndStreamsEvents(t *testing.T) {
	d, _, srv := setup(t, Config{})
	ws := dial(t, srv, "?session=s1&tenant=acme")

	hello := read(t, ws)
	assert.Equal(t, TypeSubscribed, hello.Type)
	assert.JSONEq(t, `{"topics":["session:s1","tenant:acme"]}`, string(hello.Data))
	assert.Equal(t, 1, d.TopicConnectedCount(livesync.SessionTopic("s1")))
	assert.Equal(t, 1, d.TopicConnectedCount(livesync.TenantTopic("acme")))

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	d.Publish(livesync.SessionTopic("s1"), livesync.SyncCompleted{
		Header:        livesync.Header{SessionID: "s1", Timestamp: at},
		DurationMS:    120,
		RowsProcessed: 8,
	})

	f := read(t, ws)
	assert.Equal(t, "sync_completed", f.Type)
	assert.Equal(t, "s1", f.SessionID)
	assert.True(t, at.Equal(f.At))
	assert.JSONEq(t, `{"duration_ms":120,"rows_processed":8,"throughput":0}`, string(f.Data))

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return d.ConnectedCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_ClientActions(t *testing.T) {
	d, _, srv := setup(t, Config{})
	ws := dial(t, srv, "")
	defer ws.Close()

	hello := read(t, ws)
	assert.JSONEq(t, `{"topics":[]}`, string(hello.Data))

	require.NoError(t, ws.WriteJSON(ClientMessage{Action: ActionSubscribe, Topic: "s2"}))
	ack := read(t, ws)
	assert.Equal(t, TypeSubscribed, ack.Type)
	assert.JSONEq(t, `{"topics":["session:s2"]}`, string(ack.Data))
	assert.Equal(t, 1, d.TopicConnectedCount(livesync.SessionTopic("s2")))

	d.Publish(livesync.SessionTopic("s2"), livesync.SyncFailed{Header: livesync.Header{SessionID: "s2"}, ErrorMessage: "all partitions failed"})
	f := read(t, ws)
	assert.Equal(t, "sync_failed", f.Type)
	assert.JSONEq(t, `{"error":"all partitions failed"}`, string(f.Data))

	require.NoError(t, ws.WriteJSON(ClientMessage{Action: ActionUnsubscribe, Topic: "s2"}))
	assert.Equal(t, TypeUnsubscribed, read(t, ws).Type)
	assert.Zero(t, d.TopicConnectedCount(livesync.SessionTopic("s2")))

	require.NoError(t, ws.WriteJSON(ClientMessage{Action: "shout", Topic: "s2"}))
	assert.Equal(t, TypeError, read(t, ws).Type)

	require.NoError(t, ws.WriteJSON(ClientMessage{Action: ActionSubscribe}))
	assert.Equal(t, TypeError, read(t, ws).Type)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, TypeError, read(t, ws).Type)

	// Still usable after malformed input.
	require.NoError(t, ws.WriteJSON(ClientMessage{Action: ActionSubscribe, Topic: "s3"}))
	assert.Equal(t, TypeSubscribed, read(t, ws).Type)
}

func TestHandler_SendsPings(t *testing.T) {
	_, _, srv := setup(t, Config{PingInterval: 20 * time.Millisecond})
	ws := dial(t, srv, "?session=s1")
	defer ws.Close()

	var pings atomic.Int32
	ws.SetPingHandler(func(string) error {
		pings.Add(1)
		return nil
	})
	read(t, ws)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.GreaterOrEqual(t, pings.Load(), int32(1))
}

func TestHandler_RejectsForeignOrigin(t *testing.T) {
	_, _, srv := setup(t, Config{AllowedOrigins: []string{"https://ops.example.com"}})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	header.Set("Origin", "https://ops.example.com")
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	_ = ws.Close()
}

func TestHandler_RejectsAfterDistributorClosed(t *testing.T) {
	d, _, srv := setup(t, Config{})
	require.NoError(t, d.Close())

	ws := dial(t, srv, "?session=s1")
	defer ws.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater))
}

func TestHandler_ClientDisconnectUnsubscribes(t *testing.T) {
	d, _, srv := setup(t, Config{})
	ws := dial(t, srv, "?session=s1")
	read(t, ws)
	require.Equal(t, 1, d.TopicConnectedCount(livesync.SessionTopic("s1")))

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return d.ConnectedCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, d.TopicConnectedCount(livesync.SessionTopic("s1")))
}

func TestHandler_ShutdownClosesOpenConnections(t *testing.T) {
	d, h, srv := setup(t, Config{})
	ws := dial(t, srv, "?session=s1")
	defer ws.Close()
	read(t, ws)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
	assert.Zero(t, d.ConnectedCount())

	late := dial(t, srv, "?session=s1")
	defer late.Close()
	require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = late.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}

func TestConn_DeliverAfterCloseReportsDeadConnection(t *testing.T) {
	c := newConn("x", nil, DefaultConfig())
	c.closed.Store(true)

	err := c.Deliver("s1", livesync.SyncStarted{})
	assert.ErrorIs(t, err, pubsub.ErrConnectionClosed)
}

func TestHandler_TopicNamespaces(t *testing.T) {
	d, _, srv := setup(t, Config{})
	ws := dial(t, srv, "?session=tenant:acme")
	defer ws.Close()

	hello := read(t, ws)
	assert.JSONEq(t, `{"topics":["session:tenant:acme"]}`, string(hello.Data))
	assert.Zero(t, d.TopicConnectedCount(livesync.TenantTopic("acme")))

	require.NoError(t, ws.WriteJSON(ClientMessage{Action: ActionSubscribe, Topic: "tenant:acme"}))
	ack := read(t, ws)
	assert.JSONEq(t, `{"topics":["tenant:acme"]}`, string(ack.Data))
	assert.Equal(t, 1, d.TopicConnectedCount(livesync.TenantTopic("acme")))
	assert.Equal(t, 1, d.TopicConnectedCount(livesync.SessionTopic("tenant:acme")))
}
