// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package livesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// fakeSource serves rows from memory and instruments concurrency.
type fakeSource struct {
	mu         sync.Mutex
	rows       map[string][]Row
	errs       map[string]error
	panics     map[string]bool
	partitions []string
	listErr    error
	delay      time.Duration
	block      chan struct{}
	blockOnly  map[string]bool

	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	started     chan string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		rows:   make(map[string][]Row),
		errs:   make(map[string]error),
		panics: make(map[string]bool),
	}
}

func (f *fakeSource) setRows(key string, n int) {
	rows := make([]Row, n)
	for i := range rows {
		status := "pending"
		if i%2 == 0 {
			status = "delivered"
		}
		rows[i] = Row{"order": fmt.Sprintf("%s-%d", key, i), "status": status}
	}
	f.mu.Lock()
	f.rows[key] = rows
	f.mu.Unlock()
}

func (f *fakeSource) setErr(key string, err error) {
	f.mu.Lock()
	if err == nil {
		delete(f.errs, key)
	} else {
		f.errs[key] = err
	}
	f.mu.Unlock()
}

func (f *fakeSource) setBlock(ch chan struct{}) {
	f.setBlockFor(ch)
}

// setBlockFor blocks fetches of the given partitions, or of all partitions
// when none are named, until ch is closed.
func (f *fakeSource) setBlockFor(ch chan struct{}, partitions ...string) {
	f.mu.Lock()
	f.block = ch
	f.blockOnly = make(map[string]bool, len(partitions))
	for _, p := range partitions {
		f.blockOnly[p] = true
	}
	f.mu.Unlock()
}

func (f *fakeSource) FetchRows(ctx context.Context, _ Tenant, partition string) ([]Row, error) {
	f.calls.Add(1)
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		prev := f.maxInFlight.Load()
		if cur <= prev || f.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}

	f.mu.Lock()
	rows, err, boom, block, delay := f.rows[partition], f.errs[partition], f.panics[partition], f.block, f.delay
	if len(f.blockOnly) > 0 && !f.blockOnly[partition] {
		block = nil
	}
	f.mu.Unlock()

	if f.started != nil {
		f.started <- partition
	}
	if boom {
		panic("sheet exploded")
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	out := make([]Row, len(rows))
	copy(out, rows)
	return out, nil
}

func (f *fakeSource) ListPartitions(context.Context, Tenant) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]string(nil), f.partitions...), nil
}

type published struct {
	topic string
	event Event
}

// recorder is a Publisher that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []published
}

func (r *recorder) Publish(topic string, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, published{topic: topic, event: ev})
	r.mu.Unlock()
}

// kinds lists the kinds published on topic, in order.
func (r *recorder) kinds(topic string) []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventKind
	for _, p := range r.events {
		if p.topic == topic {
			out = append(out, p.event.Kind())
		}
	}
	return out
}

func (r *recorder) count(topic string, kind EventKind) int {
	n := 0
	for _, k := range r.kinds(topic) {
		if k == kind {
			n++
		}
	}
	return n
}

// seqs lists the snapshot sequence numbers of DataChanged events on topic.
func (r *recorder) seqs(topic string) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uint64
	for _, p := range r.events {
		if dc, ok := p.event.(DataChanged); ok && p.topic == topic {
			out = append(out, dc.Snapshot.Seq)
		}
	}
	return out
}

func (r *recorder) last(topic string, kind EventKind) Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].topic == topic && r.events[i].event.Kind() == kind {
			return r.events[i].event
		}
	}
	return nil
}

// manualTicker hands out tick channels the test fires explicitly.
type manualTicker struct {
	mu      sync.Mutex
	chans   []chan time.Time
	stopped []bool
}

func (m *manualTicker) new(time.Duration) (<-chan time.Time, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan time.Time, 1)
	idx := len(m.chans)
	m.chans = append(m.chans, ch)
	m.stopped = append(m.stopped, false)
	return ch, func() {
		m.mu.Lock()
		m.stopped[idx] = true
		m.mu.Unlock()
	}
}

// fire sends one tick on the i-th ticker without blocking.
func (m *manualTicker) fire(i int) {
	m.mu.Lock()
	ch := m.chans[i]
	m.mu.Unlock()
	select {
	case ch <- time.Now():
	default:
	}
}

func (m *manualTicker) created() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chans)
}

func (m *manualTicker) isStopped(i int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped[i]
}

// mirrorSpy is a SnapshotMirror recording keys.
type mirrorSpy struct {
	mu      sync.Mutex
	values  map[string]any
	deleted []string
}

func (m *mirrorSpy) Set(key string, value any, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string]any)
	}
	m.values[key] = value
}

func (m *mirrorSpy) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	m.deleted = append(m.deleted, key)
}

func (m *mirrorSpy) get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *mirrorSpy) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.values[key]
	return ok
}

// gatedMirror blocks its first Set until release is closed.
type gatedMirror struct {
	mirrorSpy
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedMirror() *gatedMirror {
	return &gatedMirror{entered: make(chan struct{}), release: make(chan struct{})}
}

func (m *gatedMirror) Set(key string, value any, ttl time.Duration) {
	first := false
	m.once.Do(func() { first = true })
	if first {
		close(m.entered)
		<-m.release
	}
	m.mirrorSpy.Set(key, value, ttl)
}

var errSheetGone = errors.New("sheet tab deleted")

func testTenant() Tenant {
	return Tenant{ID: "acme", SourceID: "sheet-1", Credential: "token"}
}

func newTestRegistry(src DataSource, pub Publisher, ticker *manualTicker, opts ...Option) *Registry {
	base := []Option{
		WithPublisher(pub),
		WithLogger(zerolog.Nop()),
		WithDefaults(Defaults{
			Interval:         time.Minute,
			BatchSize:        2,
			MaxConcurrent:    2,
			FetchTimeout:     time.Second,
			StoppedRetention: time.Hour,
		}),
	}
	if ticker != nil {
		base = append(base, withTicker(ticker.new))
	}
	return NewRegistry(src, append(base, opts...)...)
}
