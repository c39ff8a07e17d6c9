// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package livesync

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// Tenant identifies whose spreadsheet a session mirrors. Credential is an
// opaque handle owned by the caller and handed to the DataSource untouched;
// this package never persists it.
type Tenant struct {
	ID         string
	SourceID   string
	Credential string
}

// Row is one spreadsheet row keyed by header column.
type Row map[string]string

// State is the lifecycle state of a sync session.
type State string

const (
	StateActive  State = "active"
	StateStopped State = "stopped"
)

// Config describes one session. Zero values for the numeric fields are
// replaced by the registry defaults at Start.
type Config struct {
	Tenant Tenant

	// Partitions is polled in order. When empty, the partition list is
	// resolved through DataSource.ListPartitions at Start.
	Partitions []string

	Interval      time.Duration
	BatchSize     int
	MaxConcurrent int
}

// PartitionData is the last fetched content of one partition plus derived counts.
type PartitionData struct {
	Key       string    `json:"key"`
	Rows      []Row     `json:"rows"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Pending   int       `json:"pending"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Snapshot is the aggregated view of a session. A Snapshot is never mutated
// after it has been committed; callers must treat it as read-only.
type Snapshot struct {
	SessionID  string                   `json:"session_id"`
	Partitions map[string]PartitionData `json:"partitions"`
	UpdatedAt  time.Time                `json:"updated_at"`

	// Seq increases with every commit of the session. Consumers drop a
	// snapshot whose Seq is not above the last one they applied.
	Seq uint64 `json:"seq"`

	fingerprint uint64
}

// Keys returns the partition keys of the snapshot in sorted order.
func (s Snapshot) Keys() []string {
	return slices.Sorted(maps.Keys(s.Partitions))
}

// RowCount returns the sum of rows over all partitions.
func (s Snapshot) RowCount() int {
	n := 0
	for _, p := range s.Partitions {
		n += p.Total
	}
	return n
}

// Status is a point-in-time copy of a session's observability counters.
type Status struct {
	SessionID     string        `json:"session_id"`
	TenantID      string        `json:"tenant_id,omitempty"`
	State         State         `json:"state"`
	Generation    uint64        `json:"generation"`
	Partitions    []string      `json:"partitions"`
	Interval      time.Duration `json:"interval"`
	BatchSize     int           `json:"batch_size"`
	MaxConcurrent int           `json:"max_concurrent"`

	StartedAt       time.Time         `json:"started_at"`
	StoppedAt       time.Time         `json:"stopped_at,omitzero"`
	LastSyncAt      time.Time         `json:"last_sync_at,omitzero"`
	SyncCount       int64             `json:"sync_count"`
	ErrorCount      int64             `json:"error_count"`
	LastError       string            `json:"last_error,omitempty"`
	LastDuration    time.Duration     `json:"last_duration"`
	RowsProcessed   int64             `json:"rows_processed"`
	Throughput      float64           `json:"throughput"`
	SkippedTicks    int64             `json:"skipped_ticks"`
	PartitionErrors map[string]string `json:"partition_errors,omitempty"`
}

// LastDurationMS is the last wave duration in milliseconds.
func (s Status) LastDurationMS() int64 {
	return s.LastDuration.Milliseconds()
}

// Classifier decides whether a row counts as completed.
type Classifier func(Row) bool

// StatusColumnClassifier treats a row as completed when the value of column
// matches one of values, ignoring case and surrounding whitespace.
func StatusColumnClassifier(column string, values ...string) Classifier {
	done := make(map[string]struct{}, len(values))
	for _, v := range values {
		done[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	return func(r Row) bool {
		v, ok := r[column]
		if !ok {
			return false
		}
		_, hit := done[strings.ToLower(strings.TrimSpace(v))]
		return hit
	}
}

func newPartitionData(key string, rows []Row, classify Classifier, at time.Time) PartitionData {
	if rows == nil {
		rows = []Row{}
	}
	completed := 0
	if classify != nil {
		for _, r := range rows {
			if classify(r) {
				completed++
			}
		}
	}
	return PartitionData{
		Key:       key,
		Rows:      rows,
		Total:     len(rows),
		Completed: completed,
		Pending:   len(rows) - completed,
		FetchedAt: at,
	}
}
