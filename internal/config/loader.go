// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence
type Loader struct {
	configPath      string
	version         string
	ConsumedEnvKeys map[string]struct{} // every key the loader consulted
}

// NewLoader creates a new configuration loader
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

func (l *Loader) key(name string) string {
	k := EnvPrefix + name
	l.ConsumedEnvKeys[k] = struct{}{}
	return k
}

func (l *Loader) envString(name, def string) string {
	return ParseString(l.key(name), def)
}

func (l *Loader) envBool(name string, def bool) bool {
	return ParseBool(l.key(name), def)
}

func (l *Loader) envInt(name string, def int) int {
	return ParseInt(l.key(name), def)
}

func (l *Loader) envDuration(name string, def time.Duration) time.Duration {
	return ParseDuration(l.key(name), def)
}

func (l *Loader) envFloat(name string, def float64) float64 {
	return ParseFloat(l.key(name), def)
}

func (l *Loader) envList(name string, def []string) []string {
	return ParseList(l.key(name), def)
}

// Load loads configuration with precedence: ENV > File > Defaults.
// The order is strict: parse file, apply env, validate.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.mergeEnv(&cfg)
	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile decodes a YAML file over cfg with STRICT parsing.
// Unknown fields fail the load to prevent silent misconfiguration.
func (l *Loader) loadFile(path string, cfg *AppConfig) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if isUnknownFieldError(err) {
			return fmt.Errorf("%w: %w", ErrUnknownConfigField, err)
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}

	// Exactly one document.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

// isUnknownFieldError matches the yaml.v3 KnownFields failure, which has no
// typed error of its own.
func isUnknownFieldError(err error) bool {
	var te *yaml.TypeError
	if !errors.As(err, &te) {
		return false
	}
	for _, msg := range te.Errors {
		if strings.Contains(msg, "not found in type") {
			return true
		}
	}
	return false
}

// mergeEnv applies SHEETSYNC_* overrides.
func (l *Loader) mergeEnv(cfg *AppConfig) {
	s := &cfg.Server
	s.ListenAddr = l.envString("SERVER_LISTEN_ADDR", s.ListenAddr)
	s.ReadTimeout = l.envDuration("SERVER_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = l.envDuration("SERVER_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = l.envDuration("SERVER_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = l.envDuration("SERVER_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.AllowedOrigins = l.envList("SERVER_ALLOWED_ORIGINS", s.AllowedOrigins)

	cfg.Metrics.Enabled = l.envBool("METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.ListenAddr = l.envString("METRICS_LISTEN_ADDR", cfg.Metrics.ListenAddr)

	cfg.Log.Level = l.envString("LOG_LEVEL", cfg.Log.Level)

	sy := &cfg.Sync
	sy.Interval = l.envDuration("SYNC_INTERVAL", sy.Interval)
	sy.BatchSize = l.envInt("SYNC_BATCH_SIZE", sy.BatchSize)
	sy.MaxConcurrent = l.envInt("SYNC_MAX_CONCURRENT", sy.MaxConcurrent)
	sy.FetchTimeout = l.envDuration("SYNC_FETCH_TIMEOUT", sy.FetchTimeout)
	sy.StatusColumn = l.envString("SYNC_STATUS_COLUMN", sy.StatusColumn)
	sy.CompletedValues = l.envList("SYNC_COMPLETED_VALUES", sy.CompletedValues)
	sy.StoppedRetention = l.envDuration("SYNC_STOPPED_RETENTION", sy.StoppedRetention)

	sh := &cfg.Sheets
	sh.BaseURL = l.envString("SHEETS_BASE_URL", sh.BaseURL)
	sh.Timeout = l.envDuration("SHEETS_TIMEOUT", sh.Timeout)
	sh.RequestsPerSecond = l.envFloat("SHEETS_REQUESTS_PER_SECOND", sh.RequestsPerSecond)
	sh.Burst = l.envInt("SHEETS_BURST", sh.Burst)
	sh.GlobalRPS = l.envFloat("SHEETS_GLOBAL_RPS", sh.GlobalRPS)
	sh.GlobalBurst = l.envInt("SHEETS_GLOBAL_BURST", sh.GlobalBurst)
	sh.MaxRetries = l.envInt("SHEETS_MAX_RETRIES", sh.MaxRetries)
	sh.RetryBaseDelay = l.envDuration("SHEETS_RETRY_BASE_DELAY", sh.RetryBaseDelay)
	sh.BreakerThreshold = l.envInt("SHEETS_BREAKER_THRESHOLD", sh.BreakerThreshold)
	sh.BreakerReset = l.envDuration("SHEETS_BREAKER_RESET", sh.BreakerReset)
	sh.PartitionCacheTTL = l.envDuration("SHEETS_PARTITION_CACHE_TTL", sh.PartitionCacheTTL)
	sh.ExcludedSheets = l.envList("SHEETS_EXCLUDED_SHEETS", sh.ExcludedSheets)

	r := &cfg.Redis
	r.Enabled = l.envBool("REDIS_ENABLED", r.Enabled)
	r.Addr = l.envString("REDIS_ADDR", r.Addr)
	r.Password = l.envString("REDIS_PASSWORD", r.Password)
	r.DB = l.envInt("REDIS_DB", r.DB)
	r.KeyPrefix = l.envString("REDIS_KEY_PREFIX", r.KeyPrefix)
	r.SnapshotTTL = l.envDuration("REDIS_SNAPSHOT_TTL", r.SnapshotTTL)

	cfg.History.Enabled = l.envBool("HISTORY_ENABLED", cfg.History.Enabled)
	cfg.History.Path = l.envString("HISTORY_PATH", cfg.History.Path)

	lv := &cfg.Live
	lv.Enabled = l.envBool("LIVE_ENABLED", lv.Enabled)
	lv.MailboxSize = l.envInt("LIVE_MAILBOX_SIZE", lv.MailboxSize)
	lv.PingInterval = l.envDuration("LIVE_PING_INTERVAL", lv.PingInterval)
	lv.PongWait = l.envDuration("LIVE_PONG_WAIT", lv.PongWait)
	lv.WriteTimeout = l.envDuration("LIVE_WRITE_TIMEOUT", lv.WriteTimeout)
	lv.ReadLimit = int64(l.envInt("LIVE_READ_LIMIT", int(lv.ReadLimit)))

	t := &cfg.Telemetry
	t.Enabled = l.envBool("TELEMETRY_ENABLED", t.Enabled)
	t.ServiceName = l.envString("TELEMETRY_SERVICE_NAME", t.ServiceName)
	t.Environment = l.envString("TELEMETRY_ENVIRONMENT", t.Environment)
	t.ExporterType = l.envString("TELEMETRY_EXPORTER_TYPE", t.ExporterType)
	t.Endpoint = l.envString("TELEMETRY_ENDPOINT", t.Endpoint)
	t.SamplingRate = l.envFloat("TELEMETRY_SAMPLING_RATE", t.SamplingRate)

	rl := &cfg.RateLimit
	rl.Enabled = l.envBool("RATE_LIMIT_ENABLED", rl.Enabled)
	rl.RequestsPerMinute = l.envInt("RATE_LIMIT_REQUESTS_PER_MINUTE", rl.RequestsPerMinute)
	rl.Whitelist = l.envList("RATE_LIMIT_WHITELIST", rl.Whitelist)
}
