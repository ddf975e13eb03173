package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/config"
	"github.com/fyrsmithlabs/patternd/internal/logging"
	"github.com/fyrsmithlabs/patternd/internal/telemetry"
)

// serveUntilSignal loads configuration and runs the daemon until SIGINT or
// SIGTERM.
func serveUntilSignal(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if configPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		configPath = p
	}
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	return run(ctx, cfg, configPath)
}

// run starts every component and blocks until ctx is cancelled or the HTTP
// server fails, then shuts down in reverse start order.
func run(ctx context.Context, cfg *config.Config, configPath string) error {
	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Observability, version), nil)
	if err != nil {
		return err
	}

	lcfg, err := logging.FromSettings(cfg.Logging, tel.Enabled())
	if err != nil {
		return fmt.Errorf("invalid logging configuration: %w", err)
	}
	lcfg.Service = cfg.Observability.ServiceName
	logger, err := logging.NewLogger(lcfg, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zlog := logger.Underlying()

	if tel.Degraded() {
		zlog.Warn("telemetry degraded, spans and metrics may not be exported")
	}
	zlog.Info("starting patternd",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("shadow_mode", cfg.Flags.ShadowMode))

	d, err := build(ctx, cfg, configPath, zlog)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := d.close(sctx); err != nil {
			zlog.Warn("shutdown finished with errors", zap.Error(err))
		}
		if err := tel.Shutdown(sctx); err != nil {
			zlog.Warn("telemetry shutdown", zap.Error(err))
		}
		zlog.Info("patternd stopped")
	}()

	if err := d.start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.server.Start()
	}()

	select {
	case <-ctx.Done():
		zlog.Info("shutting down", zap.Error(context.Cause(ctx)))
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}
