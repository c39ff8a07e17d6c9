// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package pubsub fans sync events out to live connections by topic.
//
// Every registered connection owns a bounded mailbox drained by exactly one
// goroutine, so Publish never waits on a subscriber and a slow or failing
// subscriber only ever loses its own events.
package pubsub

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ManuGH/sheetsync/internal/livesync"
	xglog "github.com/ManuGH/sheetsync/internal/log"
	"github.com/ManuGH/sheetsync/internal/metrics"
)

// DefaultMailboxSize is the per-connection queue length.
const DefaultMailboxSize = 64

const dropLogEvery = 100

// Sink receives events for one connection. Deliver is never called
// concurrently for the same connection.
type Sink interface {
	Deliver(topic string, ev livesync.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(topic string, ev livesync.Event) error

func (f SinkFunc) Deliver(topic string, ev livesync.Event) error { return f(topic, ev) }

type delivery struct {
	topic string
	event livesync.Event
}

type conn struct {
	id      string
	sink    Sink
	mailbox chan delivery
	done    chan struct{}
	topics  map[string]struct{} // guarded by Distributor.mu
	dropped uint64              // guarded by Distributor.mu
}

// Stats is a point-in-time view of the subscriber registry.
type Stats struct {
	Connections int            `json:"connections"`
	Topics      map[string]int `json:"topics"`
}

// Option configures a Distributor.
type Option func(*Distributor)

// WithMailboxSize sets the per-connection queue length.
func WithMailboxSize(n int) Option {
	return func(d *Distributor) {
		if n > 0 {
			d.mailboxSize = n
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Distributor) { d.logger = l }
}

// Distributor is the event distributor and subscriber registry.
type Distributor struct {
	mailboxSize int
	logger      zerolog.Logger

	mu     sync.RWMutex
	conns  map[string]*conn
	topics map[string]map[string]*conn
	closed bool

	pumps sync.WaitGroup
}

var _ livesync.Publisher = (*Distributor)(nil)

// NewDistributor creates an empty distributor.
func NewDistributor(opts ...Option) *Distributor {
	d := &Distributor{
		mailboxSize: DefaultMailboxSize,
		logger:      xglog.WithComponent("pubsub"),
		conns:       make(map[string]*conn),
		topics:      make(map[string]map[string]*conn),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a connection and starts its delivery goroutine. Registering
// an id twice replaces the previous connection and drops its topics.
func (d *Distributor) Register(connID string, sink Sink) error {
	if sink == nil {
		return fmt.Errorf("register %q: nil sink", connID)
	}
	c := &conn{
		id:      connID,
		sink:    sink,
		mailbox: make(chan delivery, d.mailboxSize),
		done:    make(chan struct{}),
		topics:  make(map[string]struct{}),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDistributorClosed
	}
	if old, ok := d.conns[connID]; ok {
		d.removeLocked(old)
	}
	d.conns[connID] = c
	n := len(d.conns)
	d.pumps.Add(1)
	d.mu.Unlock()

	metrics.SetConnections(n)
	go d.pump(c)
	d.logger.Debug().Str(xglog.FieldConnectionID, connID).Msg("connection registered")
	return nil
}

// Subscribe associates a registered connection with topics.
func (d *Distributor) Subscribe(connID string, topics ...string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[connID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		subs, ok := d.topics[topic]
		if !ok {
			subs = make(map[string]*conn)
			d.topics[topic] = subs
		}
		subs[connID] = c
		c.topics[topic] = struct{}{}
	}
	return nil
}

// Leave removes a single topic association. It reports whether the
// association existed.
func (d *Distributor) Leave(connID, topic string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[connID]
	if !ok {
		return false
	}
	if _, ok := c.topics[topic]; !ok {
		return false
	}
	delete(c.topics, topic)
	d.dropTopicLocked(topic, connID)
	return true
}

// Unsubscribe removes every topic association of connID and releases the
// connection. It is safe on unknown ids and on repeated calls.
func (d *Distributor) Unsubscribe(connID string) {
	d.mu.Lock()
	c, ok := d.conns[connID]
	if ok {
		d.removeLocked(c)
	}
	n := len(d.conns)
	d.mu.Unlock()
	if ok {
		metrics.SetConnections(n)
		d.logger.Debug().Str(xglog.FieldConnectionID, connID).Msg("connection unsubscribed")
	}
}

// Publish queues ev for every connection subscribed to topic. It never
// blocks; a topic without subscribers is a no-op.
func (d *Distributor) Publish(topic string, ev livesync.Event) {
	metrics.IncPublished(string(ev.Kind()))

	d.mu.RLock()
	subs := slices.Collect(maps.Values(d.topics[topic]))
	d.mu.RUnlock()

	for _, c := range subs {
		select {
		case <-c.done:
		case c.mailbox <- delivery{topic: topic, event: ev}:
		default:
			d.dropped(c, topic)
		}
	}
}

func (d *Distributor) dropped(c *conn, topic string) {
	metrics.IncDropped()
	d.mu.Lock()
	c.dropped++
	count := c.dropped
	d.mu.Unlock()
	if count%dropLogEvery == 1 {
		d.logger.Warn().
			Str(xglog.FieldConnectionID, c.id).
			Str(xglog.FieldTopic, topic).
			Uint64("dropped", count).
			Msg("subscriber mailbox full, event dropped")
	}
}

// ConnectedCount returns the number of registered connections.
func (d *Distributor) ConnectedCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.conns)
}

// TopicConnectedCount returns the number of connections subscribed to topic.
func (d *Distributor) TopicConnectedCount(topic string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.topics[topic])
}

// Stats returns connection and per-topic subscriber counts.
func (d *Distributor) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st := Stats{Connections: len(d.conns), Topics: make(map[string]int, len(d.topics))}
	for topic, subs := range d.topics {
		st.Topics[topic] = len(subs)
	}
	return st
}

// Close releases every connection and waits for their delivery goroutines.
// Queued events that were not delivered yet are discarded.
func (d *Distributor) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, c := range d.conns {
		d.removeLocked(c)
	}
	d.mu.Unlock()

	metrics.SetConnections(0)
	d.pumps.Wait()
	return nil
}

func (d *Distributor) pump(c *conn) {
	defer d.pumps.Done()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.mailbox:
			if err := d.deliver(c, msg); err != nil {
				kind := errorKind(err)
				metrics.IncDeliveryError(kind)
				if kind == "dead" {
					d.evict(c, err)
					return
				}
				d.logger.Warn().Err(err).
					Str(xglog.FieldConnectionID, c.id).
					Str(xglog.FieldTopic, msg.topic).
					Str(xglog.FieldKind, string(msg.event.Kind())).
					Msg("event delivery failed")
			}
		}
	}
}

func (d *Distributor) deliver(c *conn, msg delivery) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", errSubscriberPanic, rec)
		}
	}()
	return c.sink.Deliver(msg.topic, msg.event)
}

// evict removes c unless it has already been replaced or released.
func (d *Distributor) evict(c *conn, cause error) {
	d.mu.Lock()
	current, ok := d.conns[c.id]
	if ok && current == c {
		d.removeLocked(c)
	}
	n := len(d.conns)
	d.mu.Unlock()
	metrics.SetConnections(n)
	d.logger.Info().Err(cause).Str(xglog.FieldConnectionID, c.id).Msg("dead connection evicted")
}

func (d *Distributor) removeLocked(c *conn) {
	for topic := range c.topics {
		d.dropTopicLocked(topic, c.id)
	}
	clear(c.topics)
	delete(d.conns, c.id)
	close(c.done)
}

func (d *Distributor) dropTopicLocked(topic, connID string) {
	subs := d.topics[topic]
	delete(subs, connID)
	if len(subs) == 0 {
		delete(d.topics, topic)
	}
}
