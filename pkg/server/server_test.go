package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"bridge/pkg/config"
	"bridge/pkg/logger"
)

func init() {
	logger.Init("error")
}

func TestNew_BuildsServerBoundToConfiguredAddr(t *testing.T) {
	cfg := &config.Config{
		App:  config.AppConfig{Name: "test-app"},
		HTTP: config.HTTPConfig{ListenAddr: "127.0.0.1:0", BasePrefix: "/api"},
	}
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	srv := New(cfg, Options{Handler: h})
	if srv == nil {
		t.Fatal("New() returned nil")
	}
	if srv.http.Addr != "127.0.0.1:0" {
		t.Errorf("Addr = %q, want 127.0.0.1:0", srv.http.Addr)
	}
}

func TestRun_ReturnsListenError(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	cfg := &config.Config{
		App:  config.AppConfig{Name: "test-app"},
		HTTP: config.HTTPConfig{ListenAddr: "not-a-valid-address"},
	}
	srv := New(cfg, Options{Handler: h})

	if err := srv.Run(context.Background()); err == nil {
		t.Fatal("Run() error = nil, want a listen failure")
	}
}

func TestWaitForShutdown_ReturnsServeError(t *testing.T) {
	cfg := &config.Config{
		App:  config.AppConfig{Name: "test-app"},
		HTTP: config.HTTPConfig{ListenAddr: "127.0.0.1:0", ShutdownTimeout: 50 * time.Millisecond},
	}
	srv := New(cfg, Options{Handler: http.NotFoundHandler()})

	wantErr := http.ErrServerClosed
	errCh := make(chan error, 1)
	errCh <- wantErr

	if err := srv.waitForShutdown(errCh); err != wantErr {
		t.Errorf("waitForShutdown() error = %v, want %v", err, wantErr)
	}
}
