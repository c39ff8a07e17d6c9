// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package wsgateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/sheetsync/internal/livesync"
)

func TestEncode(t *testing.T) {
	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	h := livesync.Header{SessionID: "s1", Timestamp: at}

	tests := []struct {
		name     string
		event    livesync.Event
		wantType string
		wantData string
	}{
		{
			name:     "started",
			event:    livesync.SyncStarted{Header: h, Generation: 3},
			wantType: "sync_started",
			wantData: `{"generation":3}`,
		},
		{
			name: "completed with partition errors",
			event: livesync.SyncCompleted{
				Header:          h,
				DurationMS:      40,
				RowsProcessed:   5,
				Throughput:      125,
				PartitionErrors: map[string]string{"north": "timeout"},
			},
			wantType: "sync_completed",
			wantData: `{"duration_ms":40,"rows_processed":5,"throughput":125,"partition_errors":{"north":"timeout"}}`,
		},
		{
			name:     "failed",
			event:    livesync.SyncFailed{Header: h, ErrorMessage: "boom"},
			wantType: "sync_failed",
			wantData: `{"error":"boom"}`,
		},
		{
			name: "data changed",
			event: livesync.DataChanged{Header: h, Snapshot: livesync.Snapshot{
				SessionID: "s1",
				UpdatedAt: at,
				Seq:       4,
				Partitions: map[string]livesync.PartitionData{
					"north": {Key: "north", Rows: []livesync.Row{{"id": "1"}}, Total: 1, Pending: 1, FetchedAt: at},
				},
			}},
			wantType: "data_changed",
			wantData: `{"session_id":"s1","updated_at":"2026-05-01T09:30:00Z","partitions":{"north":{"key":"north","rows":[{"id":"1"}],"total":1,"completed":0,"pending":1,"fetched_at":"2026-05-01T09:30:00Z"}},"seq":4}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Encode(tt.event)
			assert.Equal(t, tt.wantType, env.Type)
			assert.Equal(t, "s1", env.SessionID)
			assert.Equal(t, at, env.At)

			data, err := json.Marshal(env.Data)
			require.NoError(t, err)
			assert.JSONEq(t, tt.wantData, string(data))
		})
	}
}
