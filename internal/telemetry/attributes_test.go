// SPDX-License-Identifier: MIT
package telemetry

import (
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestHTTPAttributes(t *testing.T) {
	attrs := HTTPAttributes("GET", "/api/v1/sessions/{id}", 200)

	if len(attrs) != 3 {
		t.Fatalf("Expected 3 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, HTTPMethodKey, "GET")
	verifyAttribute(t, attrs, HTTPRouteKey, "/api/v1/sessions/{id}")
	verifyIntAttribute(t, attrs, HTTPStatusCodeKey, 200)
}

func TestSheetsAttributes(t *testing.T) {
	tests := []struct {
		name      string
		operation string
		sourceID  string
		partition string
		wantLen   int
	}{
		{
			name:      "all fields",
			operation: "fetch_rows",
			sourceID:  "sheet-1",
			partition: "Courier A",
			wantLen:   3,
		},
		{
			name:      "listing has no partition",
			operation: "list_partitions",
			sourceID:  "sheet-1",
			wantLen:   2,
		},
		{
			name:    "empty fields",
			wantLen: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attrs := SheetsAttributes(tt.operation, tt.sourceID, tt.partition)

			if len(attrs) != tt.wantLen {
				t.Errorf("Expected %d attributes, got %d", tt.wantLen, len(attrs))
			}

			if tt.operation != "" {
				verifyAttribute(t, attrs, SheetsOperationKey, tt.operation)
			}
			if tt.sourceID != "" {
				verifyAttribute(t, attrs, SheetsSourceKey, tt.sourceID)
			}
			if tt.partition != "" {
				verifyAttribute(t, attrs, SheetsPartitionKey, tt.partition)
			}
		})
	}
}

func TestErrorAttributes(t *testing.T) {
	err := errors.New("test error")
	attrs := ErrorAttributes(err, "rate_limited")

	if len(attrs) != 2 {
		t.Fatalf("Expected 2 attributes, got %d", len(attrs))
	}

	verifyBoolAttribute(t, attrs, ErrorKey, true)
	verifyAttribute(t, attrs, ErrorTypeKey, "rate_limited")
}

func TestAttributeKeys_Consistency(t *testing.T) {
	keys := []string{
		HTTPMethodKey,
		SyncSessionKey,
		SyncTenantKey,
		SyncPartitionsKey,
		SyncBatchSizeKey,
		SyncConcurrencyKey,
		SyncRowsKey,
		SyncPartitionErrorsKey,
		SheetsOperationKey,
		PubSubTopicKey,
		ErrorKey,
	}

	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if key == "" {
			t.Errorf("Expected non-empty attribute key")
		}
		if seen[key] {
			t.Errorf("Duplicate attribute key %q", key)
		}
		seen[key] = true
	}
}

// Helper functions for attribute verification

func verifyAttribute(t *testing.T, attrs []attribute.KeyValue, key, expectedValue string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != expectedValue {
				t.Errorf("Expected %s=%s, got %s", key, expectedValue, attr.Value.AsString())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}

func verifyIntAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue int) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsInt64() != int64(expectedValue) {
				t.Errorf("Expected %s=%d, got %d", key, expectedValue, attr.Value.AsInt64())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}

func verifyBoolAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue bool) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsBool() != expectedValue {
				t.Errorf("Expected %s=%t, got %t", key, expectedValue, attr.Value.AsBool())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}
