// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SheetsRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sheetsync_sheets_requests_total",
		Help: "Total Sheets API requests by operation and HTTP status (0 = transport error)",
	}, []string{"op", "status"})

	SheetsRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sheetsync_sheets_request_duration_seconds",
		Help:    "Sheets API request latency by operation",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)

// RecordSheetsRequest records one upstream request.
func RecordSheetsRequest(op string, status int, d time.Duration) {
	SheetsRequestsTotal.WithLabelValues(op, strconv.Itoa(status)).Inc()
	SheetsRequestDuration.WithLabelValues(op).Observe(d.Seconds())
}
