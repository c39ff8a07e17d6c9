// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package livesync mirrors the partitions of a tenant's spreadsheet into
// per-session snapshots and emits lifecycle and change events.
package livesync

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	xglog "github.com/ManuGH/sheetsync/internal/log"
	"github.com/ManuGH/sheetsync/internal/metrics"
)

// Defaults fill in the zero fields of a session Config.
type Defaults struct {
	Interval      time.Duration
	BatchSize     int
	MaxConcurrent int
	FetchTimeout  time.Duration

	// StoppedRetention is how long the status of a stopped session stays
	// queryable before it is pruned.
	StoppedRetention time.Duration
}

// DefaultDefaults returns the registry defaults used when none are configured.
func DefaultDefaults() Defaults {
	return Defaults{
		Interval:         30 * time.Second,
		BatchSize:        5,
		MaxConcurrent:    3,
		FetchTimeout:     15 * time.Second,
		StoppedRetention: 10 * time.Minute,
	}
}

// tickerFunc arms a repeating timer and returns its channel and stop function.
type tickerFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Option configures a Registry.
type Option func(*Registry)

// WithPublisher sets the event sink. Without one, events are dropped.
func WithPublisher(p Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

// WithMirror copies every committed snapshot into m under "snapshot:<id>".
func WithMirror(m SnapshotMirror, ttl time.Duration) Option {
	return func(r *Registry) {
		r.mirror = m
		r.mirrorTTL = ttl
	}
}

// WithDefaults overrides the registry defaults.
func WithDefaults(d Defaults) Option {
	return func(r *Registry) { r.defaults = d }
}

// WithClassifier sets how rows are counted as completed.
func WithClassifier(c Classifier) Option {
	return func(r *Registry) { r.classify = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.clock = now }
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func withTicker(f tickerFunc) Option {
	return func(r *Registry) { r.newTicker = f }
}

// Registry owns every sync session and is the only writer of session state.
// Sessions are independent: there is no lock shared across their waves.
type Registry struct {
	source    DataSource
	poller    *Poller
	publisher Publisher
	mirror    SnapshotMirror
	mirrorTTL time.Duration
	defaults  Defaults
	classify  Classifier
	clock     func() time.Time
	newTicker tickerFunc
	logger    zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	gen   atomic.Uint64
	armed atomic.Int64
	loops sync.WaitGroup
}

// NewRegistry creates a registry polling source.
func NewRegistry(source DataSource, opts ...Option) *Registry {
	r := &Registry{
		source:    source,
		publisher: nopPublisher{},
		defaults:  DefaultDefaults(),
		classify:  StatusColumnClassifier("status", "delivered", "completed"),
		clock:     time.Now,
		newTicker: realTicker,
		logger:    xglog.WithComponent("livesync"),
		sessions:  make(map[string]*session),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.publisher == nil {
		r.publisher = nopPublisher{}
	}
	r.poller = NewPoller(source, r.defaults.FetchTimeout, r.classify)
	r.poller.clock = r.clock
	return r
}

// Start begins a session and returns its id. An empty id is replaced by a
// generated one. If a session with the same id is active it is stopped first.
// Start runs one wave synchronously before arming the periodic timer; a
// failing first wave is reported through events and counters, not as an
// error. The returned error always wraps ErrSessionSetup.
func (r *Registry) Start(ctx context.Context, id string, cfg Config) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	cfg, err := r.resolve(ctx, cfg)
	if err != nil {
		r.logger.Warn().Err(err).Str(xglog.FieldSessionID, id).Msg("sync session setup failed")
		return "", setupError(err)
	}

	now := r.clock()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", setupError(ErrRegistryClosed)
	}
	r.pruneLocked(now)
	if old, ok := r.sessions[id]; ok {
		r.retire(old, now)
	}
	s := newSession(id, r.gen.Add(1), cfg, now)
	r.sessions[id] = s
	r.mu.Unlock()
	r.publishActiveCount()

	r.logger.Info().
		Str(xglog.FieldSessionID, id).
		Str(xglog.FieldTenantID, cfg.Tenant.ID).
		Uint64(xglog.FieldGeneration, s.gen).
		Int(xglog.FieldPartitions, len(cfg.Partitions)).
		Dur("interval", cfg.Interval).
		Int(xglog.FieldBatchSize, cfg.BatchSize).
		Int(xglog.FieldMaxConcurrent, cfg.MaxConcurrent).
		Msg("sync session started")

	r.firstWave(ctx, s)
	r.arm(s)
	return id, nil
}

// Stop retires an active session. It returns false when no such session is active.
func (r *Registry) Stop(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if !r.retire(s, r.clock()) {
		return false
	}
	r.publishActiveCount()
	return true
}

// StopAll stops every active session, refuses new ones and waits until all
// scheduler goroutines have exited or ctx is done.
func (r *Registry) StopAll(ctx context.Context) error {
	now := r.clock()
	r.mu.Lock()
	r.closed = true
	all := slices.Collect(maps.Values(r.sessions))
	r.mu.Unlock()

	stopped := 0
	for _, s := range all {
		if r.retire(s, now) {
			stopped++
		}
	}
	r.publishActiveCount()
	r.logger.Info().Int("stopped", stopped).Msg("all sync sessions stopped")

	done := make(chan struct{})
	go func() {
		r.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for sync loops: %w", ctx.Err())
	}
}

// Status returns the status of a session, including stopped sessions that
// have not been pruned yet.
func (r *Registry) Status(id string) (Status, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return s.status(), true
}

// CachedSnapshot returns the last committed snapshot of an active session.
func (r *Registry) CachedSnapshot(id string) (Snapshot, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return s.cached()
}

// ListActive returns the ids of all active sessions in sorted order.
func (r *Registry) ListActive() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id, s := range r.sessions {
		if s.active() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// RefreshOne fetches a single partition outside the schedule and merges it
// into the cached snapshot. It may overlap a scheduled wave; the later commit
// wins for that partition and carries the higher Seq.
func (r *Registry) RefreshOne(ctx context.Context, id, partition string) (PartitionData, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok || !s.active() {
		return PartitionData{}, ErrSessionNotFound
	}
	if !slices.Contains(s.cfg.Partitions, partition) {
		return PartitionData{}, fmt.Errorf("%w: %q", ErrUnknownPartition, partition)
	}

	data, err := r.poller.FetchOne(ctx, s.cfg.Tenant, partition)
	if err != nil {
		r.logger.Warn().Err(err).
			Str(xglog.FieldSessionID, id).
			Str(xglog.FieldPartition, partition).
			Msg("partition refresh failed")
		return PartitionData{}, err
	}

	snap, ok := r.mergePartition(s, partition, data)
	if !ok {
		return PartitionData{}, ErrSessionNotFound
	}
	r.mirrorSet(s, snap)
	return data, nil
}

// mergePartition commits data into the cached snapshot and publishes
// DataChanged when the merged content differs.
func (r *Registry) mergePartition(s *session, partition string, data PartitionData) (*Snapshot, bool) {
	s.pub.Lock()
	defer s.pub.Unlock()

	now := r.clock()
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return nil, false
	}
	parts := make(map[string]PartitionData)
	if s.snapshot != nil {
		parts = maps.Clone(s.snapshot.Partitions)
	}
	parts[partition] = data
	snap := &Snapshot{SessionID: s.id, Partitions: parts, UpdatedAt: now, Seq: s.nextSeq()}
	snap.fingerprint = fingerprint(parts)
	s.snapshot = snap
	changed := s.detector.observe(snap.fingerprint)
	if s.partitionErrors != nil {
		delete(s.partitionErrors, partition)
	}
	s.mu.Unlock()

	if changed {
		metrics.IncDataChanged()
		r.emit(s, DataChanged{Header: r.header(s, now), Snapshot: *snap})
	}
	return snap, true
}

func (r *Registry) resolve(ctx context.Context, cfg Config) (Config, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = r.defaults.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = r.defaults.BatchSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = r.defaults.MaxConcurrent
	}
	if cfg.Interval <= 0 || cfg.BatchSize <= 0 || cfg.MaxConcurrent <= 0 {
		return cfg, fmt.Errorf("invalid schedule: interval=%s batch_size=%d max_concurrent=%d",
			cfg.Interval, cfg.BatchSize, cfg.MaxConcurrent)
	}

	if len(cfg.Partitions) == 0 {
		keys, err := r.source.ListPartitions(ctx, cfg.Tenant)
		if err != nil {
			return cfg, fmt.Errorf("list partitions: %w", err)
		}
		cfg.Partitions = keys
	}
	cfg.Partitions = dedupe(cfg.Partitions)
	if len(cfg.Partitions) == 0 {
		return cfg, ErrNoPartitions
	}
	return cfg, nil
}

// dedupe drops empty and repeated keys while keeping first-seen order.
func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// retire stops s and evicts its mirrored snapshot.
func (r *Registry) retire(s *session, now time.Time) bool {
	stopped, disarmed := s.stop(now)
	if !stopped {
		return false
	}
	if disarmed {
		r.armed.Add(-1)
	}
	r.mirrorDelete(s.id)
	r.logger.Info().
		Str(xglog.FieldSessionID, s.id).
		Uint64(xglog.FieldGeneration, s.gen).
		Str(xglog.FieldOldState, string(StateActive)).
		Str(xglog.FieldNewState, string(StateStopped)).
		Msg("sync session stopped")
	return true
}

func (r *Registry) pruneLocked(now time.Time) {
	if r.defaults.StoppedRetention <= 0 {
		return
	}
	for id, s := range r.sessions {
		s.mu.Lock()
		expired := s.state == StateStopped && now.Sub(s.stoppedAt) > r.defaults.StoppedRetention
		s.mu.Unlock()
		if expired {
			delete(r.sessions, id)
		}
	}
}

// arm starts the scheduler goroutine unless the session was stopped while
// its first wave was running.
func (r *Registry) arm(s *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return
	}
	ticks, stop := r.newTicker(s.cfg.Interval)
	s.stopTicker = stop
	r.armed.Add(1)
	r.loops.Add(1)
	go r.loop(s, ticks)
}

func (r *Registry) loop(s *session, ticks <-chan time.Time) {
	defer r.loops.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticks:
			if s.ctx.Err() != nil {
				return
			}
			r.runWave(s.ctx, s)
			// A tick that fired while the wave ran is dropped, not queued.
			select {
			case <-ticks:
				r.skipTick(s)
			default:
			}
		}
	}
}

func (r *Registry) skipTick(s *session) {
	s.addSkippedTick()
	metrics.IncSkippedTick()
	r.logger.Debug().
		Str(xglog.FieldSessionID, s.id).
		Str(xglog.FieldEvent, "sync.tick_skipped").
		Msg("previous wave still running, tick skipped")
}

// firstWave runs the wave of Start. It is cancelled by the caller's ctx as
// well as by stopping the session.
func (r *Registry) firstWave(ctx context.Context, s *session) {
	waveCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	defer context.AfterFunc(ctx, cancel)()
	r.runWave(waveCtx, s)
}

// runWave executes one wave for s. Nothing raised inside escapes: failures
// become counters and a SyncFailed event.
func (r *Registry) runWave(ctx context.Context, s *session) {
	if !s.running.CompareAndSwap(false, true) {
		r.skipTick(s)
		return
	}
	defer s.running.Store(false)

	start := r.clock()
	defer func() {
		if rec := recover(); rec != nil {
			r.fail(s, fmt.Errorf("sync wave panic: %v", rec), r.clock().Sub(start), nil)
		}
	}()

	if !r.emitActive(s, SyncStarted{Header: r.header(s, start), Generation: s.gen}) {
		return
	}

	res := r.poller.Poll(ctx, s.cfg.Tenant, s.cfg.Partitions, s.cfg.BatchSize, s.cfg.MaxConcurrent)
	if res.Failed() {
		r.fail(s, fmt.Errorf("%w: %w", ErrAllPartitionsFailed, res.Err()), res.Duration, res.Errors)
		return
	}
	r.commit(s, res)
}

func (r *Registry) commit(s *session, res PollResult) {
	snap, changed, ok := r.commitWave(s, res)
	if !ok {
		metrics.RecordWave(metrics.WaveDiscarded, res.Duration, 0, 0)
		r.logger.Debug().Str(xglog.FieldSessionID, s.id).Uint64(xglog.FieldGeneration, s.gen).
			Msg("wave finished after stop, result discarded")
		return
	}
	r.mirrorSet(s, snap)

	r.logger.Debug().
		Str(xglog.FieldSessionID, s.id).
		Uint64("seq", snap.Seq).
		Int(xglog.FieldRows, res.RowsProcessed).
		Int64(xglog.FieldDurationMS, res.Duration.Milliseconds()).
		Int("partition_errors", len(res.Errors)).
		Bool("changed", changed).
		Msg("sync wave completed")
}

// commitWave stores the wave result and publishes its events while holding
// the session's publish lock.
func (r *Registry) commitWave(s *session, res PollResult) (*Snapshot, bool, bool) {
	s.pub.Lock()
	defer s.pub.Unlock()

	now := r.clock()
	snap := &Snapshot{SessionID: s.id, Partitions: res.Partitions, UpdatedAt: now}
	snap.fingerprint = fingerprint(res.Partitions)
	throughput := rowsPerSecond(res.RowsProcessed, res.Duration)
	partErrs := partitionErrorMap(res.Errors)

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return nil, false, false
	}
	snap.Seq = s.nextSeq()
	s.snapshot = snap
	changed := s.detector.observe(snap.fingerprint)
	s.lastSyncAt = now
	s.syncCount++
	s.lastDuration = res.Duration
	s.rowsProcessed += int64(res.RowsProcessed)
	s.throughput = throughput
	s.partitionErrors = partErrs
	if err := res.Err(); err != nil {
		s.lastError = err.Error()
	}
	s.mu.Unlock()

	result := metrics.WaveCompleted
	if len(res.Errors) > 0 {
		result = metrics.WavePartial
	}
	metrics.RecordWave(result, res.Duration, res.RowsProcessed, len(res.Errors))

	if changed {
		metrics.IncDataChanged()
		r.emit(s, DataChanged{Header: r.header(s, now), Snapshot: *snap})
	}
	r.emit(s, SyncCompleted{
		Header:          r.header(s, now),
		DurationMS:      res.Duration.Milliseconds(),
		RowsProcessed:   res.RowsProcessed,
		Throughput:      throughput,
		PartitionErrors: partErrs,
	})
	return snap, changed, true
}

func (r *Registry) fail(s *session, err error, d time.Duration, partErrs []*PartitionError) {
	s.pub.Lock()
	defer s.pub.Unlock()

	now := r.clock()
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		metrics.RecordWave(metrics.WaveDiscarded, d, 0, 0)
		return
	}
	s.errorCount++
	s.lastError = err.Error()
	s.lastDuration = d
	s.partitionErrors = partitionErrorMap(partErrs)
	s.mu.Unlock()

	metrics.RecordWave(metrics.WaveFailed, d, 0, len(partErrs))
	r.logger.Error().Err(err).
		Str(xglog.FieldSessionID, s.id).
		Uint64(xglog.FieldGeneration, s.gen).
		Msg("sync wave failed")
	r.emit(s, SyncFailed{Header: r.header(s, now), ErrorMessage: err.Error()})
}

func (r *Registry) header(s *session, at time.Time) Header {
	return Header{SessionID: s.id, Timestamp: at}
}

// emitActive publishes ev unless s has been stopped.
func (r *Registry) emitActive(s *session, ev Event) bool {
	s.pub.Lock()
	defer s.pub.Unlock()
	if !s.active() {
		return false
	}
	r.emit(s, ev)
	return true
}

// emit publishes ev on the session and tenant topics. Callers hold s.pub.
func (r *Registry) emit(s *session, ev Event) {
	r.publisher.Publish(SessionTopic(s.id), ev)
	if s.cfg.Tenant.ID != "" {
		r.publisher.Publish(TenantTopic(s.cfg.Tenant.ID), ev)
	}
}

// mirrorSet writes snap unless a newer snapshot was already written. A stop
// that lands while the write is in flight is repaired by deleting the key
// again, so a stopped session never keeps a mirrored snapshot.
func (r *Registry) mirrorSet(s *session, snap *Snapshot) {
	if r.mirror == nil {
		return
	}
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()
	if snap.Seq <= s.mirrored || !s.active() {
		return
	}
	r.mirror.Set(mirrorKey(s.id), *snap, r.mirrorTTL)
	s.mirrored = snap.Seq
	if !s.active() {
		r.mirror.Delete(mirrorKey(s.id))
	}
}

func (r *Registry) mirrorDelete(id string) {
	if r.mirror == nil {
		return
	}
	r.mirror.Delete(mirrorKey(id))
}

func mirrorKey(id string) string {
	return "snapshot:" + id
}

func (r *Registry) publishActiveCount() {
	metrics.SetActiveSessions(len(r.ListActive()))
}

// armedTimers reports how many scheduler timers are currently armed.
func (r *Registry) armedTimers() int64 {
	return r.armed.Load()
}

func rowsPerSecond(rows int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(rows) / d.Seconds()
}
