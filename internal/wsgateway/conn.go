// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package wsgateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ManuGH/sheetsync/internal/livesync"
	"github.com/ManuGH/sheetsync/internal/pubsub"
)

// conn is one upgraded websocket. It is the pubsub.Sink for its id; writes
// from the distributor and from the read loop are serialized by mu.
type conn struct {
	id  string
	ws  *websocket.Conn
	cfg Config

	mu     sync.Mutex
	closed atomic.Bool
	once   sync.Once
	done   chan struct{}
}

var _ pubsub.Sink = (*conn)(nil)

func newConn(id string, ws *websocket.Conn, cfg Config) *conn {
	return &conn{id: id, ws: ws, cfg: cfg, done: make(chan struct{})}
}

// Deliver writes ev as an Envelope. Any socket write failure leaves the
// websocket unusable and is reported as pubsub.ErrConnectionClosed.
func (c *conn) Deliver(_ string, ev livesync.Event) error {
	return c.send(Encode(ev))
}

func (c *conn) send(env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}
	if c.closed.Load() {
		return pubsub.ErrConnectionClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("%w: %w", pubsub.ErrConnectionClosed, err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.close()
		return fmt.Errorf("%w: %w", pubsub.ErrConnectionClosed, err)
	}
	return nil
}

// pingLoop keeps the peer's read deadline alive until the connection closes.
func (c *conn) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close()
				return
			}
		}
	}
}

// goAway tells the peer the server is leaving, then closes the socket.
func (c *conn) goAway() {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
		time.Now().Add(c.cfg.WriteTimeout))
	c.mu.Unlock()
	c.close()
}

func (c *conn) close() {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.ws.Close()
	})
}
