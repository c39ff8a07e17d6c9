// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package livesync

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoller_BoundedConcurrency(t *testing.T) {
	src := newFakeSource()
	keys := make([]string, 10)
	for i := range keys {
		keys[i] = fmt.Sprintf("p%02d", i)
		src.setRows(keys[i], 1)
	}
	src.delay = 15 * time.Millisecond

	p := NewPoller(src, time.Second, StatusColumnClassifier("status", "delivered"))
	res := p.Poll(context.Background(), testTenant(), keys, 4, 2)

	assert.Len(t, res.Partitions, 10)
	assert.Equal(t, 10, res.RowsProcessed)
	assert.Empty(t, res.Errors)
	assert.LessOrEqual(t, src.maxInFlight.Load(), int32(2))
	assert.EqualValues(t, 10, src.calls.Load())
}

func TestPoller_ChunksRunSequentially(t *testing.T) {
	src := newFakeSource()
	keys := []string{"a", "b", "c", "d", "e"}
	for _, k := range keys {
		src.setRows(k, 1)
	}
	src.delay = 5 * time.Millisecond

	// maxConcurrent above batchSize must still never exceed one chunk.
	p := NewPoller(src, time.Second, nil)
	res := p.Poll(context.Background(), testTenant(), keys, 2, 8)

	assert.Len(t, res.Partitions, 5)
	assert.LessOrEqual(t, src.maxInFlight.Load(), int32(2))
}

func TestPoller_ErrorsAreIsolated(t *testing.T) {
	src := newFakeSource()
	src.setRows("a", 2)
	src.setRows("b", 2)
	src.setErr("b", errSheetGone)
	src.setRows("c", 1)

	p := NewPoller(src, time.Second, nil)
	res := p.Poll(context.Background(), testTenant(), []string{"a", "b", "c"}, 3, 3)

	assert.False(t, res.Failed())
	assert.ElementsMatch(t, []string{"a", "c"}, slices.Collect(maps.Keys(res.Partitions)))
	assert.Equal(t, 3, res.RowsProcessed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "b", res.Errors[0].Partition)
	assert.ErrorIs(t, res.Err(), errSheetGone)
}

func TestPoller_AllFailed(t *testing.T) {
	src := newFakeSource()
	src.setErr("a", errSheetGone)

	p := NewPoller(src, time.Second, nil)
	res := p.Poll(context.Background(), testTenant(), []string{"a"}, 1, 1)

	assert.True(t, res.Failed())
	assert.Empty(t, res.Partitions)
}

func TestPoller_FetchTimeout(t *testing.T) {
	src := newFakeSource()
	src.setRows("slow", 1)
	src.delay = time.Second

	p := NewPoller(src, 20*time.Millisecond, nil)
	_, err := p.FetchOne(context.Background(), testTenant(), "slow")
	var perr *PartitionError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoller_CanceledContextMarksRemainingPartitions(t *testing.T) {
	src := newFakeSource()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPoller(src, time.Second, nil)
	res := p.Poll(ctx, testTenant(), []string{"a", "b", "c"}, 1, 1)

	assert.True(t, res.Failed())
	assert.Len(t, res.Errors, 3)
	assert.Zero(t, src.calls.Load())
	assert.ErrorIs(t, res.Err(), context.Canceled)
}

func TestNewPartitionData(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	classify := StatusColumnClassifier("status", "Delivered", "completed")
	rows := []Row{
		{"status": "delivered"},
		{"status": " COMPLETED "},
		{"status": "open"},
		{"other": "x"},
	}

	d := newPartitionData("north", rows, classify, at)
	assert.Equal(t, "north", d.Key)
	assert.Equal(t, 4, d.Total)
	assert.Equal(t, 2, d.Completed)
	assert.Equal(t, 2, d.Pending)
	assert.Equal(t, at, d.FetchedAt)

	empty := newPartitionData("south", nil, classify, at)
	assert.NotNil(t, empty.Rows)
	assert.Zero(t, empty.Total)
}
