// Package gateway provides the HTTP surface of the job engine: health,
// status, Prometheus metrics, and the authenticated job management API.
// It binds to loopback by default.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flemzord/chime/internal/store"
)

// Pinger reports backing-store reachability for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the gateway serves on behalf of.
type Deps struct {
	Jobs     store.JobStore
	Pinger   Pinger
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	Now      func() time.Time
}

// Gateway is the HTTP server. It is explicitly constructed and started;
// nothing about it is global.
type Gateway struct {
	config    Config
	logger    *slog.Logger
	jobs      store.JobStore
	pinger    Pinger
	gatherer  prometheus.Gatherer
	now       func() time.Time
	metrics   *Metrics
	server    *http.Server
	startedAt time.Time
}

// New creates a Gateway. The job store is required; the rest of Deps is
// optional and degrades the corresponding endpoint when absent.
func New(cfg Config, deps Deps) (*Gateway, error) {
	if deps.Jobs == nil {
		return nil, errors.New("gateway: nil JobStore")
	}
	cfg.defaults()

	if _, err := net.ResolveTCPAddr("tcp", cfg.Bind); err != nil {
		return nil, errors.New("gateway: invalid bind address: " + cfg.Bind)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Gateway{
		config:   cfg,
		logger:   logger,
		jobs:     deps.Jobs,
		pinger:   deps.Pinger,
		gatherer: deps.Gatherer,
		now:      now,
		metrics:  &Metrics{},
	}, nil
}

// Start binds the listener and serves in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = g.now()

	mux := g.buildRouter()

	g.server = &http.Server{
		Addr:         g.config.Bind,
		Handler:      mux,
		ReadTimeout:  g.config.ReadTimeout,
		WriteTimeout: g.config.WriteTimeout,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", g.config.Bind)
	if err != nil {
		return errors.New("gateway: listen failed: " + err.Error())
	}

	go func() {
		g.logger.Info("gateway listening", "addr", g.config.Bind)
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway serve error", "error", err)
		}
	}()

	return nil
}

// Stop performs a graceful shutdown with the configured timeout.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, g.config.ShutdownTimeout)
	defer cancel()

	g.logger.Info("gateway shutting down")
	return g.server.Shutdown(shutdownCtx)
}
