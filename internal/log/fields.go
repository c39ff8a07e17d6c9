// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID    = "session_id"
	FieldTenantID     = "tenant_id"
	FieldRequestID    = "request_id"
	FieldConnectionID = "connection_id"
	FieldGeneration   = "generation"

	// Sync fields
	FieldPartition     = "partition"
	FieldPartitions    = "partitions"
	FieldBatchSize     = "batch_size"
	FieldMaxConcurrent = "max_concurrent"
	FieldRows          = "rows"
	FieldDurationMS    = "duration_ms"

	// Distribution fields
	FieldTopic = "topic"
	FieldKind  = "kind"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// HTTP fields
	FieldMethod = "method"
	FieldPath   = "path"
	FieldStatus = "status"
)
