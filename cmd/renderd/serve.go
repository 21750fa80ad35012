package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/loykin/renderd"
	"github.com/loykin/renderd/internal/logger"
)

func runServe(ctx context.Context, f ServeFlags) error {
	cfg, err := renderd.LoadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	if f.Listen != "" {
		cfg.Server.Listen = f.Listen
	}

	log, closer := logger.Setup(cfg.LoggerConfig())
	defer func() { _ = closer.Close() }()

	if cfg.Metrics.Enabled {
		if err := renderd.RegisterMetricsDefault(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	d, err := renderd.Open(cfg, renderd.Options{Logger: log})
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("renderd serving", "listen", cfg.Server.Listen, "base_path", cfg.Server.BasePath,
		"ports", fmt.Sprintf("%d-%d", cfg.Ports.Start, cfg.Ports.End))
	if err := d.Serve(ctx); err != nil {
		return err
	}
	log.Info("renderd stopped")
	return nil
}
