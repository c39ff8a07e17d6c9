// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package history keeps a durable log of sync wave outcomes in SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/sheetsync/internal/livesync"
	xglog "github.com/ManuGH/sheetsync/internal/log"
	"github.com/ManuGH/sheetsync/internal/persistence/sqlite"
)

const (
	DefaultQueueSize = 256
	DefaultLimit     = 50
	MaxLimit         = 500

	writeTimeout = 5 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_runs (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id       TEXT    NOT NULL,
	result           TEXT    NOT NULL,
	at_unix_ms       INTEGER NOT NULL,
	duration_ms      INTEGER NOT NULL DEFAULT 0,
	rows_processed   INTEGER NOT NULL DEFAULT 0,
	throughput       REAL    NOT NULL DEFAULT 0,
	error            TEXT    NOT NULL DEFAULT '',
	partition_errors TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sync_runs_session ON sync_runs(session_id, id DESC);
`

// ErrClosed is returned by Recent after Close.
var ErrClosed = errors.New("history recorder closed")

// Run is one recorded wave outcome.
type Run struct {
	ID              int64             `json:"id"`
	SessionID       string            `json:"session_id"`
	Result          string            `json:"result"`
	At              time.Time         `json:"at"`
	DurationMS      int64             `json:"duration_ms"`
	RowsProcessed   int               `json:"rows_processed"`
	Throughput      float64           `json:"throughput"`
	Error           string            `json:"error,omitempty"`
	PartitionErrors map[string]string `json:"partition_errors,omitempty"`
}

// Recorder is a livesync.Publisher that writes wave outcomes to the
// sync_runs table and forwards every event to the next publisher.
// Writes happen on a background goroutine; Publish never waits for SQLite.
type Recorder struct {
	db     *sql.DB
	path   string
	next   livesync.Publisher
	logger zerolog.Logger

	queue     chan Run
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

var _ livesync.Publisher = (*Recorder)(nil)

// Open opens (or creates) the history database at path and returns a
// Recorder forwarding to next.
func Open(ctx context.Context, path string, next livesync.Publisher) (*Recorder, error) {
	db, err := sqlite.Open(ctx, path, sqlite.Config{BusyTimeout: 5 * time.Second, MaxOpenConns: 1})
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}

	r := &Recorder{
		db:     db,
		path:   path,
		next:   next,
		logger: xglog.WithComponent("history"),
		queue:  make(chan Run, DefaultQueueSize),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	r.wg.Go(r.writer)
	return r, nil
}

// Publish records terminal wave events once per session and forwards every
// event. Events for the tenant topic are forwarded only.
func (r *Recorder) Publish(topic string, ev livesync.Event) {
	if topic == livesync.SessionTopic(ev.Session()) {
		if run, ok := toRun(ev); ok {
			r.enqueue(run)
		}
	}
	if r.next != nil {
		r.next.Publish(topic, ev)
	}
}

func (r *Recorder) enqueue(run Run) {
	select {
	case <-r.closed:
		return
	default:
	}
	select {
	case r.queue <- run:
	default:
		r.logger.Warn().
			Str(xglog.FieldSessionID, run.SessionID).
			Str("result", run.Result).
			Msg("history queue full, run not recorded")
	}
}

func toRun(ev livesync.Event) (Run, bool) {
	switch e := ev.(type) {
	case livesync.SyncCompleted:
		return Run{
			SessionID:       e.SessionID,
			Result:          "completed",
			At:              e.Timestamp,
			DurationMS:      e.DurationMS,
			RowsProcessed:   e.RowsProcessed,
			Throughput:      e.Throughput,
			PartitionErrors: e.PartitionErrors,
		}, true
	case livesync.SyncFailed:
		return Run{
			SessionID: e.SessionID,
			Result:    "failed",
			At:        e.Timestamp,
			Error:     e.ErrorMessage,
		}, true
	}
	return Run{}, false
}

func (r *Recorder) writer() {
	for {
		select {
		case run := <-r.queue:
			r.insert(run)
		case <-r.done:
			// Drain what was accepted before Close.
			for {
				select {
				case run := <-r.queue:
					r.insert(run)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) insert(run Run) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	partErrs := ""
	if len(run.PartitionErrors) > 0 {
		b, err := json.Marshal(run.PartitionErrors)
		if err == nil {
			partErrs = string(b)
		}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_runs (session_id, result, at_unix_ms, duration_ms, rows_processed, throughput, error, partition_errors)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.SessionID, run.Result, run.At.UnixMilli(), run.DurationMS, run.RowsProcessed, run.Throughput, run.Error, partErrs)
	if err != nil {
		r.logger.Error().Err(err).
			Str(xglog.FieldSessionID, run.SessionID).
			Msg("failed to record sync run")
	}
}

// Recent returns up to limit runs of a session, newest first.
func (r *Recorder) Recent(ctx context.Context, sessionID string, limit int) ([]Run, error) {
	select {
	case <-r.closed:
		return nil, ErrClosed
	default:
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, result, at_unix_ms, duration_ms, rows_processed, throughput, error, partition_errors
		 FROM sync_runs WHERE session_id = ? ORDER BY id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	runs := []Run{}
	for rows.Next() {
		var (
			run      Run
			atMS     int64
			partErrs string
		)
		if err := rows.Scan(&run.ID, &run.SessionID, &run.Result, &atMS, &run.DurationMS,
			&run.RowsProcessed, &run.Throughput, &run.Error, &partErrs); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		run.At = time.UnixMilli(atMS).UTC()
		if partErrs != "" {
			if err := json.Unmarshal([]byte(partErrs), &run.PartitionErrors); err != nil {
				r.logger.Warn().Err(err).Int64("run_id", run.ID).Msg("unreadable partition errors")
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Check runs a quick integrity check against the open database.
func (r *Recorder) Check(ctx context.Context) error {
	issues, err := sqlite.Check(ctx, r.db, sqlite.ModeQuick)
	if err != nil {
		return err
	}
	if len(issues) > 0 {
		return fmt.Errorf("history database %s: %v", r.path, issues)
	}
	return nil
}

// Close flushes queued runs and closes the database. It is idempotent.
func (r *Recorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		close(r.done)
		r.wg.Wait()
		err = r.db.Close()
	})
	return err
}
