// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads the daemon configuration.
//
// Precedence is ENV > YAML file > defaults. The YAML file is parsed
// strictly: unknown keys fail the load with ErrUnknownConfigField. Every
// environment key carries the SHEETSYNC_ prefix and mirrors the YAML path,
// e.g. sync.batch_size is SHEETSYNC_SYNC_BATCH_SIZE.
package config
