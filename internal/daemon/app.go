// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog"

	"github.com/ManuGH/sheetsync/internal/config"
	xglog "github.com/ManuGH/sheetsync/internal/log"
)

// App owns the runtime lifecycle (reload signal handling) and delegates
// server management to Manager.
type App struct {
	logger       zerolog.Logger
	manager      Manager
	components   *Components
	loader       *config.Loader
	reloadSignal os.Signal
}

// NewApp creates a new App orchestrator. loader may be nil, which disables
// reloading on SIGHUP.
func NewApp(logger zerolog.Logger, manager Manager, components *Components, loader *config.Loader) *App {
	return &App{
		logger:       logger,
		manager:      manager,
		components:   components,
		loader:       loader,
		reloadSignal: syscall.SIGHUP,
	}
}

// Components returns the services the app runs.
func (a *App) Components() *Components {
	return a.components
}

// Run blocks until ctx is cancelled or a server fails, then runs the
// shutdown sequence.
func (a *App) Run(ctx context.Context) error {
	if a.manager == nil {
		return ErrMissingManager
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.loader != nil && a.reloadSignal != nil {
		g.Go(func() error {
			a.watchReload(gctx)
			return nil
		})
	}

	g.Go(func() error {
		err := a.manager.Start(gctx)
		if err != nil {
			_ = a.manager.Shutdown(context.Background())
		}
		return err
	})

	return g.Wait()
}

// watchReload re-reads the configuration on the reload signal. Only the log
// level is applied at runtime; every other section needs a restart.
func (a *App) watchReload(ctx context.Context) {
	hupChan := make(chan os.Signal, 1)
	signal.Notify(hupChan, a.reloadSignal)
	defer signal.Stop(hupChan)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hupChan:
			a.logger.Info().
				Str(xglog.FieldEvent, "config.reload_signal").
				Str("signal", a.reloadSignal.String()).
				Msg("received reload signal, reloading config")

			cfg, err := a.loader.Load()
			if err != nil {
				a.logger.Warn().
					Err(err).
					Str(xglog.FieldEvent, "config.reload_failed").
					Msg("config reload failed")
				continue
			}
			xglog.Reconfigure(xglog.Config{
				Level:   cfg.Log.Level,
				Service: "sheetsync",
				Version: cfg.Version,
			})
			a.logger.Info().
				Str(xglog.FieldEvent, "config.reloaded").
				Str("level", cfg.Log.Level).
				Msg("log level applied")
		}
	}
}
