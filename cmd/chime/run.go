package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flemzord/chime/internal/config"
	"github.com/flemzord/chime/internal/dispatch"
	"github.com/flemzord/chime/internal/gateway"
	"github.com/flemzord/chime/internal/handler"
	"github.com/flemzord/chime/internal/logging"
	"github.com/flemzord/chime/internal/ratelimit"
	"github.com/flemzord/chime/internal/store"
	"github.com/flemzord/chime/internal/store/sqlite"
)

// stopTimeout bounds graceful shutdown of the loop and gateway.
const stopTimeout = 30 * time.Second

// run loads configuration, wires the engine, and blocks until a
// shutdown signal is received.
func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	// Keep the bearer token out of log output, wherever it surfaces.
	redactor := logging.NewRedactor()
	redactor.AddLiteral(cfg.Gateway.Auth.BearerToken)

	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(logging.NewRedactingHandler(inner, redactor))

	db, err := sqlite.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	logger.Info("database opened", "path", cfg.Database.Path)

	ctx := context.Background()
	if err := seedPolicies(ctx, db, cfg.RateLimits); err != nil {
		return err
	}

	limiter := ratelimit.New(db, db, logger)

	// The HTTP handler doubles as the fallback: a job type nothing has
	// claimed is dispatched as a generic HTTP request.
	httpHandler := handler.NewHTTPHandler(cfg.Dispatch.HandlerTimeout)
	registry := handler.NewRegistry(httpHandler)
	if err := registry.Register("http_request", httpHandler); err != nil {
		return err
	}

	metrics := dispatch.NewMetrics()

	loopCfg := cfg.Dispatch
	loopCfg.Logger = logger
	loop, err := dispatch.New(loopCfg, db, db, limiter, registry, metrics)
	if err != nil {
		return err
	}

	gw, err := gateway.New(cfg.Gateway, gateway.Deps{
		Jobs:     db,
		Pinger:   db,
		Gatherer: metrics.Registry(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	if err := loop.Start(ctx); err != nil {
		return err
	}
	if err := gw.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
		defer cancel()
		_ = loop.Stop(stopCtx)
		return err
	}

	logger.Info("chime started", "version", version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	logger.Info("shutdown signal received", "signal", sig.String())

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if err := gw.Stop(stopCtx); err != nil {
		logger.Error("gateway shutdown error", "error", err)
	}
	if err := loop.Stop(stopCtx); err != nil {
		logger.Error("dispatch shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// seedPolicies writes the configured rate limit overrides into the
// policy store so the limiter picks them up.
func seedPolicies(ctx context.Context, policies store.PolicyStore, overrides []config.RateLimitOverride) error {
	for _, o := range overrides {
		p := store.Policy{MaxPerHour: o.MaxPerHour, MaxPerDay: o.MaxPerDay}
		if err := policies.SetPolicy(ctx, o.OwnerID, o.Integration, p); err != nil {
			return fmt.Errorf("seeding rate limit for %s/%s: %w", o.OwnerID, o.Integration, err)
		}
	}
	return nil
}
