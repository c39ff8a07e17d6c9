// SPDX-License-Identifier: MIT

// Package telemetry provides OpenTelemetry tracing utilities for the sheetsync service.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"

	// Sync wave attributes
	SyncSessionKey         = "sync.session_id"
	SyncTenantKey          = "sync.tenant_id"
	SyncPartitionsKey      = "sync.partitions"
	SyncBatchSizeKey       = "sync.batch_size"
	SyncConcurrencyKey     = "sync.max_concurrent"
	SyncRowsKey            = "sync.rows"
	SyncPartitionErrorsKey = "sync.partition_errors"

	// Sheets API attributes
	SheetsOperationKey = "sheets.operation"
	SheetsSourceKey    = "sheets.source_id"
	SheetsPartitionKey = "sheets.partition"
	SheetsAttemptsKey  = "sheets.attempts"

	// Live delivery attributes
	PubSubTopicKey      = "pubsub.topic"
	PubSubEventKindKey  = "pubsub.event_kind"
	PubSubRecipientsKey = "pubsub.recipients"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// SheetsAttributes creates span attributes for a Sheets API call. Empty
// values are omitted.
func SheetsAttributes(operation, sourceID, partition string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if operation != "" {
		attrs = append(attrs, attribute.String(SheetsOperationKey, operation))
	}
	if sourceID != "" {
		attrs = append(attrs, attribute.String(SheetsSourceKey, sourceID))
	}
	if partition != "" {
		attrs = append(attrs, attribute.String(SheetsPartitionKey, partition))
	}
	return attrs
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
