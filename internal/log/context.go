// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package log provides structured logging utilities.
package log

import (
	"context"

	"github.com/rs/zerolog"
)

// correlation holds the identifiers copied onto every log line derived from
// a context. Values are immutable; each setter stores a fresh copy.
type correlation struct {
	requestID string
	sessionID string
	tenantID  string
}

type correlationKey struct{}

func correlationFrom(ctx context.Context) correlation {
	if ctx == nil {
		return correlation{}
	}
	c, _ := ctx.Value(correlationKey{}).(correlation)
	return c
}

func withCorrelation(ctx context.Context, update func(*correlation)) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	c := correlationFrom(ctx)
	update(&c)
	return context.WithValue(ctx, correlationKey{}, c)
}

// ContextWithRequestID stores the HTTP request ID in the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return withCorrelation(ctx, func(c *correlation) { c.requestID = id })
}

// ContextWithSession stores the sync session and its tenant in the context.
func ContextWithSession(ctx context.Context, sessionID, tenantID string) context.Context {
	return withCorrelation(ctx, func(c *correlation) {
		c.sessionID = sessionID
		c.tenantID = tenantID
	})
}

// RequestIDFromContext returns the request ID, or "".
func RequestIDFromContext(ctx context.Context) string {
	return correlationFrom(ctx).requestID
}

// SessionIDFromContext returns the sync session ID, or "".
func SessionIDFromContext(ctx context.Context) string {
	return correlationFrom(ctx).sessionID
}

// WithContext copies the correlation fields of ctx onto logger. Empty
// fields are omitted.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	c := correlationFrom(ctx)
	if c == (correlation{}) {
		return logger
	}
	lc := logger.With()
	for _, f := range [...]struct{ key, val string }{
		{FieldRequestID, c.requestID},
		{FieldSessionID, c.sessionID},
		{FieldTenantID, c.tenantID},
	} {
		if f.val != "" {
			lc = lc.Str(f.key, f.val)
		}
	}
	return lc.Logger()
}

// WithComponentFromContext is WithComponent plus the correlation fields of
// ctx, starting from the request-scoped logger when one is attached.
func WithComponentFromContext(ctx context.Context, component string) zerolog.Logger {
	l := WithContext(ctx, *FromContext(ctx))
	return l.With().Str(FieldComponent, component).Logger()
}

// FromContext returns the logger attached by Middleware, or the base logger.
func FromContext(ctx context.Context) *zerolog.Logger {
	if ctx != nil {
		if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
			return l
		}
	}
	b := Base()
	return &b
}
