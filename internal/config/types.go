// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "time"

// AppConfig is the complete daemon configuration.
type AppConfig struct {
	Version string `yaml:"-"`

	Server    ServerConfig    `yaml:"server"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
	Sync      SyncConfig      `yaml:"sync"`
	Sheets    SheetsConfig    `yaml:"sheets"`
	Redis     RedisConfig     `yaml:"redis"`
	History   HistoryConfig   `yaml:"history"`
	Live      LiveConfig      `yaml:"live"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig configures the API listener.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// MetricsConfig configures the Prometheus listener. An empty address
// disables it.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// SyncConfig holds the registry defaults.
type SyncConfig struct {
	Interval         time.Duration `yaml:"interval"`
	BatchSize        int           `yaml:"batch_size"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	StatusColumn     string        `yaml:"status_column"`
	CompletedValues  []string      `yaml:"completed_values"`
	StoppedRetention time.Duration `yaml:"stopped_retention"`
}

// SheetsConfig configures the upstream client.
type SheetsConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	GlobalRPS         float64       `yaml:"global_rps"`
	GlobalBurst       int           `yaml:"global_burst"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	BreakerThreshold  int           `yaml:"breaker_threshold"`
	BreakerReset      time.Duration `yaml:"breaker_reset"`
	PartitionCacheTTL time.Duration `yaml:"partition_cache_ttl"`
	ExcludedSheets    []string      `yaml:"excluded_sheets"`
}

// RedisConfig configures the snapshot mirror.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	KeyPrefix   string        `yaml:"key_prefix"`
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
}

// HistoryConfig configures the SQLite run history.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LiveConfig configures websocket delivery.
type LiveConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MailboxSize  int           `yaml:"mailbox_size"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PongWait     time.Duration `yaml:"pong_wait"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	ReadLimit    int64         `yaml:"read_limit"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	ExporterType string  `yaml:"exporter_type"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// RateLimitConfig configures the per-IP API limiter.
type RateLimitConfig struct {
	Enabled           bool     `yaml:"enabled"`
	RequestsPerMinute int      `yaml:"requests_per_minute"`
	Whitelist         []string `yaml:"whitelist"`
}

// Defaults returns the built-in configuration.
func Defaults() AppConfig {
	return AppConfig{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9090",
		},
		Log: LogConfig{Level: "info"},
		Sync: SyncConfig{
			Interval:         30 * time.Second,
			BatchSize:        5,
			MaxConcurrent:    3,
			FetchTimeout:     15 * time.Second,
			StatusColumn:     "status",
			CompletedValues:  []string{"delivered", "completed"},
			StoppedRetention: 10 * time.Minute,
		},
		Sheets: SheetsConfig{
			BaseURL:           "https://sheets.googleapis.com",
			Timeout:           15 * time.Second,
			RequestsPerSecond: 1,
			Burst:             5,
			GlobalRPS:         5,
			GlobalBurst:       10,
			MaxRetries:        3,
			RetryBaseDelay:    500 * time.Millisecond,
			BreakerThreshold:  5,
			BreakerReset:      30 * time.Second,
			PartitionCacheTTL: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			KeyPrefix:   "sheetsync:",
			SnapshotTTL: time.Hour,
		},
		History: HistoryConfig{
			Path: "data/history.sqlite",
		},
		Live: LiveConfig{
			Enabled:      true,
			MailboxSize:  64,
			PingInterval: 25 * time.Second,
			PongWait:     60 * time.Second,
			WriteTimeout: 10 * time.Second,
			ReadLimit:    4096,
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "sheetsync",
			ExporterType: "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 600,
		},
	}
}
