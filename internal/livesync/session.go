// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package livesync

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// session is the registry-owned state of one lifecycle. A restart under the
// same id creates a new session value; the retired one is stopped first and
// anything still running against it is discarded at commit time.
type session struct {
	id  string
	gen uint64
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	// running guards against overlapping waves.
	running atomic.Bool

	// pub is held from a state commit until its events are published, and
	// by stop. No event of a session is published after stop returns.
	pub sync.Mutex

	// mirrorMu serializes mirror writes; mirrored is the newest Seq written.
	mirrorMu sync.Mutex
	mirrored uint64

	mu         sync.Mutex
	seq        uint64
	state      State
	stopTicker func()
	startedAt  time.Time
	stoppedAt  time.Time
	snapshot   *Snapshot
	detector   changeDetector

	lastSyncAt      time.Time
	syncCount       int64
	errorCount      int64
	lastError       string
	lastDuration    time.Duration
	rowsProcessed   int64
	throughput      float64
	skippedTicks    int64
	partitionErrors map[string]string
}

func newSession(id string, gen uint64, cfg Config, now time.Time) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:        id,
		gen:       gen,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateActive,
		startedAt: now,
	}
}

func (s *session) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateActive
}

// stop disarms the ticker, cancels in-flight fetches and evicts the cached
// snapshot together with the fingerprint. It reports whether the session was
// active; disarmed reports whether a ticker was stopped.
func (s *session) stop(now time.Time) (stopped, disarmed bool) {
	s.pub.Lock()
	defer s.pub.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return false, false
	}
	s.state = StateStopped
	s.stoppedAt = now
	if s.stopTicker != nil {
		s.stopTicker()
		s.stopTicker = nil
		disarmed = true
	}
	s.cancel()
	s.snapshot = nil
	s.detector.reset()
	return true, disarmed
}

// nextSeq returns the sequence number of the next commit. Callers hold s.mu.
func (s *session) nextSeq() uint64 {
	s.seq++
	return s.seq
}

func (s *session) addSkippedTick() {
	s.mu.Lock()
	s.skippedTicks++
	s.mu.Unlock()
}

func (s *session) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		SessionID:     s.id,
		TenantID:      s.cfg.Tenant.ID,
		State:         s.state,
		Generation:    s.gen,
		Partitions:    slices.Clone(s.cfg.Partitions),
		Interval:      s.cfg.Interval,
		BatchSize:     s.cfg.BatchSize,
		MaxConcurrent: s.cfg.MaxConcurrent,
		StartedAt:     s.startedAt,
		StoppedAt:     s.stoppedAt,
		LastSyncAt:    s.lastSyncAt,
		SyncCount:     s.syncCount,
		ErrorCount:    s.errorCount,
		LastError:     s.lastError,
		LastDuration:  s.lastDuration,
		RowsProcessed: s.rowsProcessed,
		Throughput:    s.throughput,
		SkippedTicks:  s.skippedTicks,
	}
	if len(s.partitionErrors) > 0 {
		st.PartitionErrors = maps.Clone(s.partitionErrors)
	}
	return st
}

func (s *session) cached() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return Snapshot{}, false
	}
	snap := *s.snapshot
	snap.Partitions = maps.Clone(s.snapshot.Partitions)
	return snap, true
}

func partitionErrorMap(errs []*PartitionError) map[string]string {
	if len(errs) == 0 {
		return nil
	}
	out := make(map[string]string, len(errs))
	for _, e := range errs {
		out[e.Partition] = e.Err.Error()
	}
	return out
}
