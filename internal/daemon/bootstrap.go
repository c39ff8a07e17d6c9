// SPDX-License-Identifier: MIT

// Package daemon provides the core daemon bootstrapping and lifecycle management.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/sheetsync/internal/api"
	"github.com/ManuGH/sheetsync/internal/api/middleware"
	"github.com/ManuGH/sheetsync/internal/cache"
	"github.com/ManuGH/sheetsync/internal/config"
	"github.com/ManuGH/sheetsync/internal/health"
	"github.com/ManuGH/sheetsync/internal/history"
	"github.com/ManuGH/sheetsync/internal/livesync"
	xglog "github.com/ManuGH/sheetsync/internal/log"
	"github.com/ManuGH/sheetsync/internal/pubsub"
	"github.com/ManuGH/sheetsync/internal/sheets"
	"github.com/ManuGH/sheetsync/internal/telemetry"
	"github.com/ManuGH/sheetsync/internal/wsgateway"
)

// Components are the long-lived services assembled by Bootstrap. Optional
// ones are nil when disabled.
type Components struct {
	Registry    *livesync.Registry
	Distributor *pubsub.Distributor
	Sheets      *sheets.Client
	Gateway     *wsgateway.Handler
	History     *history.Recorder
	Redis       *cache.RedisCache
	Health      *health.Manager
	Telemetry   *telemetry.Provider
	Handler     http.Handler
}

// cleanup collects release functions while Bootstrap runs. They are handed
// to the manager as shutdown hooks on success and run in reverse on failure.
type cleanup struct {
	hooks []namedHook
}

func (c *cleanup) add(name string, hook ShutdownHook) {
	c.hooks = append(c.hooks, namedHook{name: name, hook: hook})
}

func (c *cleanup) unwind(ctx context.Context, logger zerolog.Logger) {
	for i := len(c.hooks) - 1; i >= 0; i-- {
		if err := c.hooks[i].hook(ctx); err != nil {
			logger.Warn().Err(err).Str("hook", c.hooks[i].name).Msg("cleanup after failed bootstrap")
		}
	}
}

// Bootstrap wires every component from cfg and returns the App that runs
// them. Shutdown hooks are registered so that they run in this order: stop
// sync sessions, close live connections, close the distributor, close
// history, release the Sheets client, close Redis, flush the tracer.
func Bootstrap(ctx context.Context, cfg config.AppConfig, loader *config.Loader) (*App, error) {
	logger := xglog.WithComponent("daemon")
	var cl cleanup
	comp, err := assemble(ctx, cfg, logger, &cl)
	if err != nil {
		unwindCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		cl.unwind(unwindCtx, logger)
		return nil, err
	}

	deps := Deps{
		Logger:     logger,
		APIHandler: comp.Handler,
	}
	if cfg.Metrics.Enabled {
		deps.MetricsHandler = promhttp.Handler()
		deps.MetricsAddr = cfg.Metrics.ListenAddr
	}
	mgr, err := NewManager(cfg.Server, deps)
	if err != nil {
		cl.unwind(context.WithoutCancel(ctx), logger)
		return nil, err
	}
	for _, h := range cl.hooks {
		mgr.RegisterShutdownHook(h.name, h.hook)
	}

	logger.Info().
		Str("version", cfg.Version).
		Str("listen", cfg.Server.ListenAddr).
		Bool("redis", comp.Redis != nil).
		Bool("history", comp.History != nil).
		Bool("live", comp.Gateway != nil).
		Msg("daemon assembled")

	return NewApp(logger, mgr, comp, loader), nil
}

func assemble(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger, cl *cleanup) (*Components, error) {
	comp := &Components{}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Telemetry initialization failed, continuing without tracing")
	} else {
		comp.Telemetry = tp
		cl.add("tracer", tp.Shutdown)
	}

	if cfg.Redis.Enabled {
		rc, err := cache.NewRedisCache(ctx, cache.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, xglog.WithComponent("cache"))
		if err != nil {
			return nil, fmt.Errorf("redis snapshot mirror: %w", err)
		}
		comp.Redis = rc
		cl.add("redis", func(context.Context) error { return rc.Close() })
	}

	client := sheets.NewClient(sheetsConfig(cfg.Sheets),
		sheets.WithPartitionCache(cache.NewMemoryCache(time.Minute)),
		sheets.WithLogger(xglog.WithComponent("sheets")))
	comp.Sheets = client
	cl.add("sheets-client", func(context.Context) error {
		client.Close()
		return nil
	})

	dist := pubsub.NewDistributor(pubsub.WithMailboxSize(cfg.Live.MailboxSize))
	comp.Distributor = dist

	var pub livesync.Publisher = dist
	if cfg.History.Enabled {
		rec, err := history.Open(ctx, cfg.History.Path, dist)
		if err != nil {
			_ = dist.Close()
			return nil, fmt.Errorf("run history: %w", err)
		}
		comp.History = rec
		pub = rec
		cl.add("history", func(context.Context) error { return rec.Close() })
	}
	cl.add("distributor", func(context.Context) error { return dist.Close() })

	if cfg.Live.Enabled {
		comp.Gateway = wsgateway.NewHandler(dist, wsgateway.Config{
			PingInterval:   cfg.Live.PingInterval,
			PongWait:       cfg.Live.PongWait,
			WriteTimeout:   cfg.Live.WriteTimeout,
			ReadLimit:      cfg.Live.ReadLimit,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		})
		cl.add("live-connections", comp.Gateway.Shutdown)
	}

	opts := []livesync.Option{
		livesync.WithPublisher(pub),
		livesync.WithDefaults(livesync.Defaults{
			Interval:         cfg.Sync.Interval,
			BatchSize:        cfg.Sync.BatchSize,
			MaxConcurrent:    cfg.Sync.MaxConcurrent,
			FetchTimeout:     cfg.Sync.FetchTimeout,
			StoppedRetention: cfg.Sync.StoppedRetention,
		}),
		livesync.WithClassifier(livesync.StatusColumnClassifier(cfg.Sync.StatusColumn, cfg.Sync.CompletedValues...)),
		livesync.WithLogger(xglog.WithComponent("livesync")),
	}
	if comp.Redis != nil {
		opts = append(opts, livesync.WithMirror(comp.Redis, cfg.Redis.SnapshotTTL))
	}
	reg := livesync.NewRegistry(client, opts...)
	comp.Registry = reg
	cl.add("sync-sessions", reg.StopAll)

	comp.Health = newHealthManager(cfg.Version, comp)
	comp.Handler = newAPIHandler(cfg, comp)
	return comp, nil
}

func sheetsConfig(c config.SheetsConfig) sheets.Config {
	sc := sheets.DefaultConfig()
	sc.BaseURL = c.BaseURL
	sc.Timeout = c.Timeout
	sc.RequestsPerSecond = c.RequestsPerSecond
	sc.Burst = c.Burst
	sc.GlobalRPS = c.GlobalRPS
	sc.GlobalBurst = c.GlobalBurst
	sc.MaxRetries = c.MaxRetries
	sc.RetryBaseDelay = c.RetryBaseDelay
	sc.BreakerThreshold = c.BreakerThreshold
	sc.BreakerReset = c.BreakerReset
	sc.PartitionCacheTTL = c.PartitionCacheTTL
	sc.ExcludedSheets = c.ExcludedSheets
	return sc
}

func newHealthManager(version string, comp *Components) *health.Manager {
	hm := health.NewManager(version)
	hm.RegisterChecker(health.NewSessionsChecker(comp.Registry.ListActive))
	hm.RegisterChecker(health.NewBreakerChecker("sheets_circuit", func() string {
		return string(comp.Sheets.BreakerState())
	}))
	if comp.History != nil {
		hm.RegisterChecker(health.NewFuncChecker("history", comp.History.Check))
	}
	if comp.Redis != nil {
		hm.RegisterChecker(health.NewOptionalChecker("redis", comp.Redis.HealthCheck))
	}
	return hm
}

func newAPIHandler(cfg config.AppConfig, comp *Components) http.Handler {
	deps := api.Deps{
		Sessions:  comp.Registry,
		LiveStats: comp.Distributor,
		Health:    comp.Health,
	}
	if comp.History != nil {
		deps.History = comp.History
	}
	if comp.Gateway != nil {
		deps.Live = comp.Gateway
	}

	tracing := ""
	if cfg.Telemetry.Enabled {
		tracing = cfg.Telemetry.ServiceName
	}
	return api.New(deps, middleware.StackConfig{
		EnableCORS:                 len(cfg.Server.AllowedOrigins) > 0,
		AllowedOrigins:             cfg.Server.AllowedOrigins,
		EnableSecurityHeaders:      true,
		CSP:                        middleware.DefaultCSP,
		EnableMetrics:              cfg.Metrics.Enabled,
		TracingService:             tracing,
		EnableLogging:              true,
		RateLimitEnabled:           cfg.RateLimit.Enabled,
		RateLimitRequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		RateLimitWhitelist:         cfg.RateLimit.Whitelist,
	}).Handler()
}
