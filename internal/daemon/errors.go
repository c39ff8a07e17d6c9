// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import "errors"

// Dependency errors, returned by NewManager and App.Run.
var (
	ErrMissingLogger     = errors.New("daemon: logger is required")
	ErrMissingAPIHandler = errors.New("daemon: api handler is required")
	ErrMissingManager    = errors.New("daemon: app has no manager")
)

// Lifecycle errors.
var (
	ErrManagerNotStarted = errors.New("daemon: shutdown before start")
	ErrManagerStarted    = errors.New("daemon: start called twice")
)
