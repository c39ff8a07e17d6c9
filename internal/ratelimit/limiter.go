// SPDX-License-Identifier: MIT

// Package ratelimit throttles outbound calls against an upstream quota, with
// one shared bucket and one bucket per tenant.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var (
	throttledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sheetsync",
			Name:      "ratelimit_throttled_total",
			Help:      "Total upstream calls that had to wait for or were denied a token",
		},
		[]string{"scope"},
	)
)

// Config holds rate limiting configuration.
type Config struct {
	// Shared by all tenants. A zero rate disables the global bucket.
	GlobalRate  rate.Limit
	GlobalBurst int

	PerTenantRate  rate.Limit
	PerTenantBurst int

	// IdleTTL drops tenant buckets that have not been used for this long.
	IdleTTL time.Duration
}

// DefaultConfig stays below the Sheets API read quota of 300 requests per
// minute per project and 60 per minute per user.
func DefaultConfig() Config {
	return Config{
		GlobalRate:     5,
		GlobalBurst:    10,
		PerTenantRate:  1,
		PerTenantBurst: 5,
		IdleTTL:        30 * time.Minute,
	}
}

type tenantBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages the global and per-tenant buckets.
type Limiter struct {
	config Config
	global *rate.Limiter
	now    func() time.Time

	mu          sync.Mutex
	tenants     map[string]*tenantBucket
	lastCleanup time.Time
}

// New creates a new rate limiter with the given config.
func New(config Config) *Limiter {
	global := rate.NewLimiter(rate.Inf, 0)
	if config.GlobalRate > 0 {
		global = rate.NewLimiter(config.GlobalRate, max(config.GlobalBurst, 1))
	}
	if config.PerTenantRate <= 0 {
		config.PerTenantRate = rate.Inf
	}
	if config.PerTenantBurst <= 0 {
		config.PerTenantBurst = 1
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = DefaultConfig().IdleTTL
	}
	return &Limiter{
		config:      config,
		global:      global,
		now:         time.Now,
		tenants:     make(map[string]*tenantBucket),
		lastCleanup: time.Now(),
	}
}

// Wait blocks until both the tenant's bucket and the global bucket grant a
// token, or ctx is done.
func (l *Limiter) Wait(ctx context.Context, tenantID string) error {
	tenant := l.tenantLimiter(tenantID)
	if err := wait(ctx, tenant, "tenant"); err != nil {
		return fmt.Errorf("tenant %q rate limit: %w", tenantID, err)
	}
	if err := wait(ctx, l.global, "global"); err != nil {
		return fmt.Errorf("global rate limit: %w", err)
	}
	return nil
}

func wait(ctx context.Context, lim *rate.Limiter, scope string) error {
	if lim.Allow() {
		return nil
	}
	throttledTotal.WithLabelValues(scope).Inc()
	return lim.Wait(ctx)
}

// Allow reports whether a call may proceed right now without waiting.
func (l *Limiter) Allow(tenantID string) bool {
	if !l.tenantLimiter(tenantID).Allow() {
		throttledTotal.WithLabelValues("tenant").Inc()
		return false
	}
	if !l.global.Allow() {
		throttledTotal.WithLabelValues("global").Inc()
		return false
	}
	return true
}

// Tenants returns the number of tenant buckets currently held.
func (l *Limiter) Tenants() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tenants)
}

func (l *Limiter) tenantLimiter(tenantID string) *rate.Limiter {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cleanupLocked(now)
	b, ok := l.tenants[tenantID]
	if !ok {
		b = &tenantBucket{limiter: rate.NewLimiter(l.config.PerTenantRate, l.config.PerTenantBurst)}
		l.tenants[tenantID] = b
	}
	b.lastSeen = now
	return b.limiter
}

// cleanupLocked drops idle tenant buckets at most once per IdleTTL.
func (l *Limiter) cleanupLocked(now time.Time) {
	if now.Sub(l.lastCleanup) < l.config.IdleTTL {
		return
	}
	for id, b := range l.tenants {
		if now.Sub(b.lastSeen) >= l.config.IdleTTL {
			delete(l.tenants, id)
		}
	}
	l.lastCleanup = now
}
