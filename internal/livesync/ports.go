// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package livesync

import (
	"context"
	"strings"
	"time"
)

// DataSource reads partitions of a tenant's spreadsheet. Implementations must
// honor ctx cancellation and deadlines; the poller bounds every call with a
// per-fetch timeout.
type DataSource interface {
	FetchRows(ctx context.Context, tenant Tenant, partition string) ([]Row, error)
	ListPartitions(ctx context.Context, tenant Tenant) ([]string, error)
}

// Publisher receives every event the registry emits. Publish must not block
// on slow consumers.
type Publisher interface {
	Publish(topic string, event Event)
}

// SnapshotMirror receives a copy of every committed snapshot. It is satisfied
// by cache.Cache.
type SnapshotMirror interface {
	Set(key string, value any, ttl time.Duration)
	Delete(key string)
}

// Topic prefixes keep session and tenant topics in separate namespaces, so
// a caller-chosen session id can never name a tenant topic.
const (
	sessionTopicPrefix = "session:"
	tenantTopicPrefix  = "tenant:"
)

// SessionTopic is the distribution topic of a session.
func SessionTopic(sessionID string) string {
	return sessionTopicPrefix + sessionID
}

// TenantTopic is the tenant-wide topic that receives the events of every
// session belonging to tenantID.
func TenantTopic(tenantID string) string {
	return tenantTopicPrefix + tenantID
}

// NormalizeTopic maps a client-supplied topic onto the distribution
// namespace. Prefixed topics are returned unchanged; a bare name is taken
// as a session id.
func NormalizeTopic(topic string) string {
	if strings.HasPrefix(topic, sessionTopicPrefix) || strings.HasPrefix(topic, tenantTopicPrefix) {
		return topic
	}
	return SessionTopic(topic)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, Event) {}
