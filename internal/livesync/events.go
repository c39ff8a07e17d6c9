// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package livesync

import "time"

// EventKind names a SyncEvent variant on the wire and in metrics.
type EventKind string

const (
	KindSyncStarted   EventKind = "sync_started"
	KindSyncCompleted EventKind = "sync_completed"
	KindSyncFailed    EventKind = "sync_failed"
	KindDataChanged   EventKind = "data_changed"
)

// Event is the closed set of facts distributed to subscribers. The
// unexported marker method keeps the set limited to the variants below, so a
// type switch over Event can list every case.
type Event interface {
	Kind() EventKind
	Session() string
	At() time.Time
	syncEvent()
}

// Header carries the fields shared by every variant.
type Header struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"at"`
}

func (h Header) Session() string { return h.SessionID }
func (h Header) At() time.Time   { return h.Timestamp }
func (Header) syncEvent()        {}

// SyncStarted is emitted when a wave begins.
type SyncStarted struct {
	Header
	Generation uint64 `json:"generation"`
}

// SyncCompleted is emitted when at least one partition of a wave succeeded.
type SyncCompleted struct {
	Header
	DurationMS      int64             `json:"duration_ms"`
	RowsProcessed   int               `json:"rows_processed"`
	Throughput      float64           `json:"throughput"`
	PartitionErrors map[string]string `json:"partition_errors,omitempty"`
}

// SyncFailed is emitted when every partition of a wave failed or the wave
// itself could not run.
type SyncFailed struct {
	Header
	ErrorMessage string `json:"error"`
}

// DataChanged carries the new snapshot when its fingerprint differs from the
// previous one.
type DataChanged struct {
	Header
	Snapshot Snapshot `json:"snapshot"`
}

func (SyncStarted) Kind() EventKind   { return KindSyncStarted }
func (SyncCompleted) Kind() EventKind { return KindSyncCompleted }
func (SyncFailed) Kind() EventKind    { return KindSyncFailed }
func (DataChanged) Kind() EventKind   { return KindDataChanged }

var (
	_ Event = SyncStarted{}
	_ Event = SyncCompleted{}
	_ Event = SyncFailed{}
	_ Event = DataChanged{}
)
