// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package wsgateway is the websocket transport for live sync events. Each
// upgraded connection registers with the event distributor as a subscriber
// and is unsubscribed when its socket goes away.
package wsgateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ManuGH/sheetsync/internal/livesync"
	xglog "github.com/ManuGH/sheetsync/internal/log"
	"github.com/ManuGH/sheetsync/internal/pubsub"
)

// Config tunes keepalive and limits of live connections.
type Config struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	AllowedOrigins []string
}

// DefaultConfig returns the keepalive settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		PingInterval: 25 * time.Second,
		PongWait:     60 * time.Second,
		WriteTimeout: 10 * time.Second,
		ReadLimit:    4096,
	}
}

// Subscribers is the subscriber registry the gateway feeds.
type Subscribers interface {
	Register(connID string, sink pubsub.Sink) error
	Subscribe(connID string, topics ...string) error
	Leave(connID, topic string) bool
	Unsubscribe(connID string)
}

// Handler upgrades HTTP requests to live event streams.
type Handler struct {
	cfg      Config
	subs     Subscribers
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.Mutex
	conns   map[string]*conn
	closing bool
	wg      sync.WaitGroup
}

// NewHandler creates a gateway publishing into subs. Zero durations in cfg
// fall back to DefaultConfig.
func NewHandler(subs Subscribers, cfg Config) *Handler {
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	h := &Handler{
		cfg:    cfg,
		subs:   subs,
		conns:  make(map[string]*conn),
		logger: xglog.WithComponent("wsgateway"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(h.cfg.AllowedOrigins, origin)
}

// initialTopics reads ?session=<id>&tenant=<id>; both may repeat.
func initialTopics(r *http.Request) []string {
	q := r.URL.Query()
	var topics []string
	for _, id := range q["session"] {
		if id != "" {
			topics = append(topics, livesync.SessionTopic(id))
		}
	}
	for _, id := range q["tenant"] {
		if id != "" {
			topics = append(topics, livesync.TenantTopic(id))
		}
	}
	return topics
}

// ServeHTTP upgrades the request and serves the connection until the peer
// disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topics := initialTopics(r)
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newConn(uuid.NewString(), ws, h.cfg)
	if !h.track(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.cfg.WriteTimeout))
		_ = ws.Close()
		return
	}
	defer h.untrack(c)

	logger := h.logger.With().Str(xglog.FieldConnectionID, c.id).Logger()
	defer c.close()

	if err := h.subs.Register(c.id, c); err != nil {
		logger.Warn().Err(err).Msg("live connection rejected")
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down"),
			time.Now().Add(h.cfg.WriteTimeout))
		return
	}
	defer h.subs.Unsubscribe(c.id)

	if err := h.subs.Subscribe(c.id, topics...); err != nil {
		logger.Warn().Err(err).Msg("initial subscribe failed")
		return
	}
	if err := c.send(controlEnvelope(TypeSubscribed, topicsData{Topics: nonNil(topics)})); err != nil {
		return
	}
	logger.Info().Strs("topics", topics).Msg("live connection opened")

	go c.pingLoop()
	h.readLoop(c, logger)
	logger.Info().Msg("live connection closed")
}

func (h *Handler) readLoop(c *conn, logger zerolog.Logger) {
	c.ws.SetReadLimit(h.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if isDecodeError(err) {
				if c.send(controlEnvelope(TypeError, errorData{Message: "malformed message"})) != nil {
					return
				}
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Debug().Err(err).Msg("live connection read failed")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		if err := h.handle(c, msg); err != nil {
			if errors.Is(err, pubsub.ErrConnectionClosed) {
				return
			}
			logger.Debug().Err(err).Str("action", msg.Action).Msg("client message rejected")
		}
	}
}

func (h *Handler) handle(c *conn, msg ClientMessage) error {
	if msg.Topic == "" {
		return c.send(controlEnvelope(TypeError, errorData{Message: "topic is required"}))
	}
	topic := livesync.NormalizeTopic(msg.Topic)
	switch msg.Action {
	case ActionSubscribe:
		if err := h.subs.Subscribe(c.id, topic); err != nil {
			return err
		}
		return c.send(controlEnvelope(TypeSubscribed, topicsData{Topics: []string{topic}}))
	case ActionUnsubscribe:
		h.subs.Leave(c.id, topic)
		return c.send(controlEnvelope(TypeUnsubscribed, topicsData{Topics: []string{topic}}))
	default:
		return c.send(controlEnvelope(TypeError, errorData{Message: "unknown action " + msg.Action}))
	}
}

func (h *Handler) track(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.conns[c.id] = c
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(c *conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	h.wg.Done()
}

// Wait blocks until every served connection has returned.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Shutdown refuses new connections, sends a going-away close frame to every
// open one and waits for their handlers to return or ctx to end.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	open := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		open = append(open, c)
	}
	h.mu.Unlock()

	for _, c := range open {
		c.goAway()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isDecodeError reports a frame that arrived intact but was not a ClientMessage.
func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
