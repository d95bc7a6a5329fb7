// Command gateway boots the REST-to-gRPC bridge: it loads configuration,
// wires the Service Registry and every northbound/southbound component
// behind it, and serves the REST Gateway's http.Handler until an
// interrupt or terminate signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"bridge/gen/openapi"
	"bridge/pkg/admission"
	"bridge/pkg/breaker"
	"bridge/pkg/cache"
	"bridge/pkg/config"
	"bridge/pkg/egress"
	"bridge/pkg/gateway"
	"bridge/pkg/grpcpool"
	"bridge/pkg/health"
	"bridge/pkg/invoker"
	"bridge/pkg/loadbalancer"
	"bridge/pkg/logger"
	"bridge/pkg/metrics"
	"bridge/pkg/orchestrator"
	"bridge/pkg/ratelimit"
	"bridge/pkg/registry"
	"bridge/pkg/server"
	"bridge/pkg/swagger"
	"bridge/pkg/telemetry"
	"bridge/pkg/translator"
)

func main() {
	cfg := config.MustLoad()

	logger.InitWithConfig(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	if err := run(cfg); err != nil {
		logger.Log.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.InitMetrics(cfg.Metrics.Namespace, cfg.Metrics.Subsystem)
		go func() {
			logger.Log.Info("starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartMetricsServer(cfg.Metrics.Port); err != nil {
				logger.Log.Error("metrics server failed", "error", err)
			}
		}()
	}

	var tp *telemetry.Provider
	if cfg.Tracing.Enabled {
		var err error
		tp, err = telemetry.Init(ctx, telemetry.Config{
			Enabled:     cfg.Tracing.Enabled,
			Endpoint:    cfg.Tracing.Endpoint,
			ServiceName: cfg.Tracing.ServiceName,
			Version:     cfg.App.Version,
			Environment: cfg.App.Environment,
			SampleRate:  cfg.Tracing.SampleRate,
		})
		if err != nil {
			logger.Log.Warn("failed to init telemetry, continuing without it", "error", err)
			tp = nil
		}
	}

	em, err := egress.New(egressConfig(cfg.Egress))
	if err != nil {
		return fmt.Errorf("egress: %w", err)
	}
	egress.SetGlobal(em)

	reg := registry.New(cfg.Registry.Shards, cfg.Registry.ServiceGrace)

	prober := health.New(
		reg,
		cfg.Health.ProbeInterval,
		cfg.Health.ProbeTimeout,
		time.Duration(cfg.Health.BackoffMaxMs)*time.Millisecond,
		health.GRPCChecker,
		m,
	)
	prober.Start()
	defer prober.Stop()

	breakers := breaker.NewSet(breakerConfig(cfg.Breaker), m)
	lbReg := loadbalancer.NewRegistry(lbConfig(cfg.LB))
	pool := grpcpool.New(poolConfig(cfg.Pool))
	defer pool.Close()
	inv := invoker.New(invokerConfig(cfg.Retry), m)
	rc := cache.NewResponseCache(&cfg.Cache, m)
	adm := admission.New(cfg.Admission.QueueSize, m)
	tr := translator.New(translator.DropUnknown)

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter, err = ratelimit.New(rateLimitConfig(cfg.RateLimit))
		if err != nil {
			return fmt.Errorf("ratelimit: %w", err)
		}
		defer limiter.Close()
	}

	orch := orchestrator.New(reg, breakers, lbReg, pool, inv, rc, adm, limiter, tr, em, m)

	var swaggerHandler *swagger.Handler
	if cfg.Swagger.Enabled {
		spec, err := openapi.Build(reg, cfg.Swagger.Title, cfg.HTTP.BasePrefix)
		if err != nil {
			logger.Log.Warn("failed to build openapi document, swagger UI disabled", "error", err)
		} else {
			swaggerCfg := swagger.DefaultConfig()
			swaggerCfg.Title = cfg.Swagger.Title
			swaggerHandler = swagger.NewHandler(swaggerCfg, spec)
		}
	}

	gw := gateway.New(cfg.HTTP, cfg.Admin, reg, pool, orch, m, swaggerHandler)

	httpSrv := server.New(cfg, server.Options{
		Handler:   gw.Router(),
		Telemetry: tp,
		Metrics:   m,
	})
	return httpSrv.Run(ctx)
}

func breakerConfig(c config.BreakerConfig) breaker.Config {
	return breaker.Config{
		FailureThreshold:  c.FailureThreshold,
		MinSamples:        c.MinSamples,
		ObservationWindow: c.ObservationWindow,
		BaseCooldown:      time.Duration(c.OpenCooldownMs) * time.Millisecond,
		MaxCooldown:       time.Duration(c.MaxCooldownMs) * time.Millisecond,
		HalfOpenProbes:    c.HalfOpenProbes,
		Alpha:             0.3,
	}
}

func lbConfig(c config.LBConfig) loadbalancer.Config {
	return loadbalancer.Config{
		Policy:                 c.Policy,
		P2CAlpha:               c.P2CAlpha,
		P2CBeta:                c.P2CBeta,
		ConsistentHashReplicas: c.ConsistentHashReplicas,
		OverloadFactor:         c.OverloadFactor,
	}
}

func poolConfig(c config.PoolConfig) grpcpool.Config {
	return grpcpool.Config{
		ChannelsPerInstance:  c.ChannelsPerInstance,
		ChannelMax:           c.ChannelMax,
		MaxConcurrentStreams: c.MaxConcurrentStreams,
		IdleTimeout:          c.IdleTimeout,
		DrainTimeout:         c.DrainTimeout,
		KeepaliveInterval:    c.KeepaliveInterval,
	}
}

func invokerConfig(c config.RetryConfig) invoker.Config {
	return invoker.Config{
		MaxAttempts:         c.MaxAttempts,
		Base:                time.Duration(c.BaseMs) * time.Millisecond,
		Mult:                c.Mult,
		Cap:                 time.Duration(c.CapMs) * time.Millisecond,
		JitterPct:           c.JitterPct,
		HedgeDelay:          time.Duration(c.HedgeDelayMs) * time.Millisecond,
		CompressionMinBytes: c.CompressionMinBytes,
	}
}

func rateLimitConfig(c config.RateLimitConfig) *ratelimit.Config {
	return &ratelimit.Config{
		DefaultRate:     c.DefaultRate,
		DefaultBurst:    c.DefaultBurst,
		BucketsLRUSize:  c.BucketsLRUSize,
		Backend:         c.Backend,
		CleanupInterval: c.CleanupInterval,
		RedisAddr:       c.RedisAddr,
	}
}

func egressConfig(c config.EgressConfig) *egress.Config {
	cfg := egress.DefaultConfig()
	cfg.Enabled = c.Enabled
	if c.BufferSize > 0 {
		cfg.BufferSize = c.BufferSize
	}
	return cfg
}
