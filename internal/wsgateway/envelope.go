// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package wsgateway

import (
	"time"

	"github.com/ManuGH/sheetsync/internal/livesync"
)

// Control message types sent by the gateway itself.
const (
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
)

// Client actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Envelope is the JSON frame written to live clients.
type Envelope struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`
	Data      any       `json:"data,omitempty"`
}

// ClientMessage is a frame read from a live client.
type ClientMessage struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

type startedData struct {
	Generation uint64 `json:"generation"`
}

type completedData struct {
	DurationMS      int64             `json:"duration_ms"`
	RowsProcessed   int               `json:"rows_processed"`
	Throughput      float64           `json:"throughput"`
	PartitionErrors map[string]string `json:"partition_errors,omitempty"`
}

type failedData struct {
	Error string `json:"error"`
}

type topicsData struct {
	Topics []string `json:"topics"`
}

type errorData struct {
	Message string `json:"message"`
}

// Encode maps a sync event onto its wire envelope.
func Encode(ev livesync.Event) Envelope {
	env := Envelope{Type: string(ev.Kind()), SessionID: ev.Session(), At: ev.At()}
	switch e := ev.(type) {
	case livesync.SyncStarted:
		env.Data = startedData{Generation: e.Generation}
	case livesync.SyncCompleted:
		env.Data = completedData{
			DurationMS:      e.DurationMS,
			RowsProcessed:   e.RowsProcessed,
			Throughput:      e.Throughput,
			PartitionErrors: e.PartitionErrors,
		}
	case livesync.SyncFailed:
		env.Data = failedData{Error: e.ErrorMessage}
	case livesync.DataChanged:
		env.Data = e.Snapshot
	}
	return env
}

func controlEnvelope(typ string, data any) Envelope {
	return Envelope{Type: typ, At: time.Now().UTC(), Data: data}
}
