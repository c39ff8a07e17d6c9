// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Wave results.
const (
	WaveCompleted = "completed"
	WavePartial   = "partial"
	WaveFailed    = "failed"
	WaveDiscarded = "discarded"
)

var (
	SyncWavesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sheetsync_sync_waves_total",
		Help: "Total number of poll waves by result",
	}, []string{"result"})

	SyncWaveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sheetsync_sync_wave_duration_seconds",
		Help:    "Duration of a complete poll wave across all partitions of a session",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	})

	SyncRowsProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sheetsync_sync_rows_processed_total",
		Help: "Total number of rows fetched from successful partitions",
	})

	SyncPartitionErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sheetsync_sync_partition_errors_total",
		Help: "Total number of isolated partition fetch failures",
	})

	SyncSkippedTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sheetsync_sync_skipped_ticks_total",
		Help: "Scheduler ticks skipped because the previous wave was still running",
	})

	SyncDataChangedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sheetsync_sync_data_changed_total",
		Help: "Waves or refreshes whose fingerprint differed from the previous one",
	})

	SyncActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sheetsync_sync_active_sessions",
		Help: "Number of sync sessions currently active",
	})
)

// RecordWave records the outcome of one poll wave.
func RecordWave(result string, d time.Duration, rows, partitionErrors int) {
	if result == "" {
		result = "unknown"
	}
	SyncWavesTotal.WithLabelValues(result).Inc()
	SyncWaveDuration.Observe(d.Seconds())
	if rows > 0 {
		SyncRowsProcessedTotal.Add(float64(rows))
	}
	if partitionErrors > 0 {
		SyncPartitionErrorsTotal.Add(float64(partitionErrors))
	}
}

// IncSkippedTick records a scheduler tick dropped due to an in-flight wave.
func IncSkippedTick() {
	SyncSkippedTicksTotal.Inc()
}

// IncDataChanged records a fingerprint change.
func IncDataChanged() {
	SyncDataChangedTotal.Inc()
}

// SetActiveSessions publishes the current active session count.
func SetActiveSessions(n int) {
	SyncActiveSessions.Set(float64(n))
}
