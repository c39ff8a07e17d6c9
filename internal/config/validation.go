// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// Validate checks cfg and reports every problem at once. The returned error
// wraps ErrInvalidConfig.
func Validate(cfg AppConfig) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if err := validateListenAddr(cfg.Server.ListenAddr); err != nil {
		add("server.listen_addr: %w", err)
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		add("server.shutdown_timeout must be positive")
	}
	if cfg.Metrics.Enabled {
		if err := validateListenAddr(cfg.Metrics.ListenAddr); err != nil {
			add("metrics.listen_addr: %w", err)
		}
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(cfg.Log.Level)); err != nil {
		add("log.level: %w", err)
	}

	if cfg.Sync.Interval <= 0 {
		add("sync.interval must be positive")
	}
	if cfg.Sync.BatchSize <= 0 {
		add("sync.batch_size must be positive")
	}
	if cfg.Sync.MaxConcurrent <= 0 {
		add("sync.max_concurrent must be positive")
	}
	if cfg.Sync.FetchTimeout <= 0 {
		add("sync.fetch_timeout must be positive")
	}
	if cfg.Sync.StoppedRetention < 0 {
		add("sync.stopped_retention must not be negative")
	}

	if u, err := url.Parse(cfg.Sheets.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		add("sheets.base_url %q is not an absolute URL", cfg.Sheets.BaseURL)
	}
	if cfg.Sheets.RequestsPerSecond < 0 || cfg.Sheets.GlobalRPS < 0 {
		add("sheets rate limits must not be negative")
	}
	if cfg.Sheets.MaxRetries < 0 {
		add("sheets.max_retries must not be negative")
	}
	if cfg.Sheets.BreakerThreshold <= 0 {
		add("sheets.breaker_threshold must be positive")
	}

	if cfg.Redis.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Redis.Addr); err != nil {
			add("redis.addr: %w", err)
		}
		if cfg.Redis.SnapshotTTL < 0 {
			add("redis.snapshot_ttl must not be negative")
		}
	}
	if cfg.History.Enabled && strings.TrimSpace(cfg.History.Path) == "" {
		add("history.path is required when history is enabled")
	}

	if cfg.Live.Enabled {
		if cfg.Live.MailboxSize <= 0 {
			add("live.mailbox_size must be positive")
		}
		if cfg.Live.PingInterval <= 0 || cfg.Live.PongWait <= cfg.Live.PingInterval {
			add("live.pong_wait must exceed a positive live.ping_interval")
		}
	}

	if cfg.Telemetry.Enabled {
		switch cfg.Telemetry.ExporterType {
		case "grpc", "http":
		default:
			add("telemetry.exporter_type %q must be grpc or http", cfg.Telemetry.ExporterType)
		}
		if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
			add("telemetry.sampling_rate must be within [0, 1]")
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func validateListenAddr(addr string) error {
	if addr == "" {
		return errors.New("must not be empty")
	}
	_, _, err := net.SplitHostPort(addr)
	return err
}
