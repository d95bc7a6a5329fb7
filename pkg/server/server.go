// Package server wraps the REST Gateway's http.Handler in an http.Server
// with the bridge's standard bootstrap: listen, serve in the background,
// and drain on SIGINT/SIGTERM within a bounded shutdown window.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"bridge/pkg/config"
	"bridge/pkg/logger"
	"bridge/pkg/metrics"
	"bridge/pkg/telemetry"
)

// Server wraps an http.Server with the bridge's lifecycle: background
// Serve, graceful Shutdown on signal, and optional telemetry teardown.
type Server struct {
	http      *http.Server
	cfg       *config.Config
	telemetry *telemetry.Provider
	metrics   *metrics.Metrics
}

// Options carries the already-built dependencies New needs beyond cfg
// itself, so callers that built their own Registry/Orchestrator stack
// don't have to thread them through package-level globals.
type Options struct {
	Handler   http.Handler
	Telemetry *telemetry.Provider
	Metrics   *metrics.Metrics
}

// New builds a Server bound to cfg.HTTP.ListenAddr, serving opts.Handler.
// When cfg.HTTP.EnableH2C is set, the handler is wrapped so the listener
// accepts cleartext HTTP/2 (h2c) alongside HTTP/1.1, per §6 — useful behind
// a TLS-terminating proxy that speaks h2c to the backend.
func New(cfg *config.Config, opts Options) *Server {
	handler := opts.Handler
	if cfg.HTTP.EnableH2C {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}
	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTP.ListenAddr,
			Handler:      handler,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		},
		cfg:       cfg,
		telemetry: opts.Telemetry,
		metrics:   opts.Metrics,
	}
}

// Run listens and serves until the process receives SIGINT/SIGTERM or the
// listener fails. On a signal it drains in-flight requests within
// cfg.HTTP.ShutdownTimeout before returning; a serve failure is returned at
// once.
func (s *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	lis, err := lc.Listen(ctx, "tcp", s.cfg.HTTP.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SetServiceInfo(s.cfg.App.Version, s.cfg.App.Environment)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Log.Info("starting REST gateway",
			"addr", s.cfg.HTTP.ListenAddr,
			"base_prefix", s.cfg.HTTP.BasePrefix,
			"environment", s.cfg.App.Environment,
			"version", s.cfg.App.Version,
		)
		if err := s.http.Serve(lis); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	return s.waitForShutdown(errCh)
}

func (s *Server) waitForShutdown(errCh chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Log.Info("received shutdown signal", "signal", sig)
	}

	timeout := s.cfg.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			logger.Log.Warn("failed to shutdown telemetry", "error", err)
		}
	}

	if err := s.http.Shutdown(ctx); err != nil {
		logger.Log.Warn("forcing server close", "error", err)
		return s.http.Close()
	}
	logger.Log.Info("server stopped gracefully")
	return nil
}

// Stop closes the listener immediately, bypassing the drain window.
func (s *Server) Stop() error {
	return s.http.Close()
}
