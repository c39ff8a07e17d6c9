// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pubsub

import "errors"

var (
	// ErrConnectionClosed is returned by a Sink whose peer is gone. The
	// distributor evicts the connection when it sees it.
	ErrConnectionClosed = errors.New("pubsub: connection closed")

	// ErrUnknownConnection is returned when subscribing an id that was never registered.
	ErrUnknownConnection = errors.New("pubsub: unknown connection")

	// ErrDistributorClosed is returned by Register after Close.
	ErrDistributorClosed = errors.New("pubsub: distributor closed")

	errSubscriberPanic = errors.New("subscriber panic")
)

// errorKind classifies a delivery failure for metrics.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrConnectionClosed):
		return "dead"
	case errors.Is(err, errSubscriberPanic):
		return "panic"
	}
	return "transient"
}
