// Package config defines the bridge's configuration surface and loads it
// through a layered koanf pipeline (defaults < file < environment).
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration struct, covering every option enumerated
// for the core in the external interfaces design.
type Config struct {
	App       AppConfig       `koanf:"app"`
	HTTP      HTTPConfig      `koanf:"http"`
	Log       LogConfig       `koanf:"log"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Tracing   TracingConfig   `koanf:"tracing"`
	Registry  RegistryConfig  `koanf:"registry"`
	Health    HealthConfig    `koanf:"health"`
	Breaker   BreakerConfig   `koanf:"breaker"`
	LB        LBConfig        `koanf:"lb"`
	Pool      PoolConfig      `koanf:"pool"`
	Retry     RetryConfig     `koanf:"retry"`
	Cache     CacheConfig     `koanf:"cache"`
	Admission AdmissionConfig `koanf:"admission"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Egress    EgressConfig    `koanf:"egress"`
	Swagger   SwaggerConfig   `koanf:"swagger"`
	Admin     AdminConfig     `koanf:"admin"`
}

// AppConfig holds process-wide identity settings.
type AppConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	Debug       bool   `koanf:"debug"`
}

// HTTPConfig configures the northbound REST Gateway listener (C8).
type HTTPConfig struct {
	ListenAddr           string        `koanf:"listen_addr"`
	BasePrefix           string        `koanf:"base_prefix"`
	MaxInflightRequests  int           `koanf:"max_inflight_requests"`
	DefaultDeadlineMs    int64         `koanf:"default_request_deadline_ms"`
	EgressBudgetMs       int64         `koanf:"egress_budget_ms"`
	ReadTimeout          time.Duration `koanf:"read_timeout"`
	WriteTimeout         time.Duration `koanf:"write_timeout"`
	ShutdownTimeout      time.Duration `koanf:"shutdown_timeout"`
	EnableH2C            bool          `koanf:"enable_h2c"`
	CORS                 CORSConfig    `koanf:"cors"`
}

// CORSConfig mirrors the options go-chi/cors accepts.
type CORSConfig struct {
	Enabled          bool     `koanf:"enabled"`
	AllowedOrigins   []string `koanf:"allowed_origins"`
	AllowedMethods   []string `koanf:"allowed_methods"`
	AllowedHeaders   []string `koanf:"allowed_headers"`
	AllowCredentials bool     `koanf:"allow_credentials"`
	MaxAge           int      `koanf:"max_age"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"`
	Output     string `koanf:"output"`
	FilePath   string `koanf:"file_path"`
	MaxSize    int    `koanf:"max_size"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAge     int    `koanf:"max_age"`
	Compress   bool   `koanf:"compress"`
}

// MetricsConfig configures the Prometheus collector endpoint.
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Port      int    `koanf:"port"`
	Path      string `koanf:"path"`
	Namespace string `koanf:"namespace"`
	Subsystem string `koanf:"subsystem"`
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// RegistryConfig configures the Service Registry (C1).
type RegistryConfig struct {
	Shards        int           `koanf:"shards"`
	ServiceGrace  time.Duration `koanf:"service_grace_ms"`
}

// HealthConfig configures the Health Prober (C2).
type HealthConfig struct {
	ProbeInterval   time.Duration `koanf:"probe_interval_ms"`
	ProbeTimeout    time.Duration `koanf:"probe_timeout_ms"`
	BackoffMaxMs    int64         `koanf:"backoff_max_ms"`
}

// BreakerConfig configures the per-instance Circuit Breaker (C3).
type BreakerConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold"`
	MinSamples       int           `koanf:"min_samples"`
	OpenCooldownMs   int64         `koanf:"open_cooldown_ms"`
	MaxCooldownMs    int64         `koanf:"max_cooldown_ms"`
	HalfOpenProbes   int           `koanf:"halfopen_probes"`
	WindowSize       int           `koanf:"window_size"`
	ObservationWindow time.Duration `koanf:"observation_window_ms"`
}

// LBConfig configures the Load Balancer (C4).
type LBConfig struct {
	Policy           string  `koanf:"policy"` // p2c, consistent_hash
	P2CAlpha         float64 `koanf:"p2c_alpha"`
	P2CBeta          float64 `koanf:"p2c_beta"`
	ConsistentHashReplicas int `koanf:"ch_replicas"`
	OverloadFactor   float64 `koanf:"ch_overload_factor"`
}

// PoolConfig configures the gRPC Channel Pool (C5).
type PoolConfig struct {
	ChannelsPerInstance int           `koanf:"channels_per_instance"`
	ChannelMax          int           `koanf:"channel_max"`
	MaxConcurrentStreams int          `koanf:"max_concurrent_streams"`
	IdleTimeout         time.Duration `koanf:"idle_timeout_ms"`
	DrainTimeout        time.Duration `koanf:"drain_timeout_ms"`
	KeepaliveInterval   time.Duration `koanf:"keepalive_ms"`
}

// RetryConfig configures the gRPC Invoker's retry and hedging behavior (C6).
type RetryConfig struct {
	MaxAttempts     int           `koanf:"max_attempts"`
	BaseMs          int64         `koanf:"base_ms"`
	Mult            float64       `koanf:"mult"`
	CapMs           int64         `koanf:"cap_ms"`
	JitterPct       float64       `koanf:"jitter_pct"`
	HedgeDelayMs    int64         `koanf:"hedge_delay_ms"`
	CompressionMinBytes int       `koanf:"compression_min_bytes"`
}

// CacheConfig configures the Response Cache (C9).
type CacheConfig struct {
	Enabled          bool          `koanf:"enabled"`
	Capacity         int           `koanf:"capacity"`
	Shards           int           `koanf:"shards"`
	NegativeTTL      time.Duration `koanf:"negative_ttl_ms"`
	RedisMirror      bool          `koanf:"redis_mirror"`
	RedisAddr        string        `koanf:"redis_addr"`
	RedisPassword    string        `koanf:"redis_password"`
	RedisDB          int           `koanf:"redis_db"`
	RefreshWorkers   int           `koanf:"refresh_workers"`
}

// Address returns the host:port of the optional Redis mirror.
func (c CacheConfig) Address() string { return c.RedisAddr }

// AdmissionConfig configures the global bounded admission queue (C10, layer 1).
type AdmissionConfig struct {
	QueueSize int `koanf:"queue_size"`
}

// RateLimitConfig configures the per-tenant/per-route token bucket (C10, layer 2).
type RateLimitConfig struct {
	Enabled         bool          `koanf:"enabled"`
	DefaultRate     float64       `koanf:"default_rate"`
	DefaultBurst    int           `koanf:"default_burst"`
	BucketsLRUSize  int           `koanf:"buckets_lru_size"`
	Backend         string        `koanf:"backend"` // memory, redis
	RedisAddr       string        `koanf:"redis_addr"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// EgressConfig configures the fire-and-forget telemetry egress queue (C11 step 8).
type EgressConfig struct {
	Enabled    bool `koanf:"enabled"`
	BufferSize int  `koanf:"buffer_size"`
}

// SwaggerConfig configures the admin/health OpenAPI document and UI.
type SwaggerConfig struct {
	Enabled bool   `koanf:"enabled"`
	Title   string `koanf:"title"`
}

// AdminConfig configures the gated control-plane admin surface.
type AdminConfig struct {
	Enabled bool   `koanf:"enabled"`
	Token   string `koanf:"token"`
}

// Validate checks the configuration for internally-consistent values before
// the process starts serving.
func (c *Config) Validate() error {
	var errs []string

	if c.App.Name == "" {
		errs = append(errs, "app.name is required")
	}
	if c.HTTP.ListenAddr == "" {
		errs = append(errs, "http.listen_addr is required")
	}
	if c.HTTP.BasePrefix == "" {
		errs = append(errs, "http.base_prefix is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of: debug, info, warn, error, got %s", c.Log.Level))
	}

	validPolicies := map[string]bool{"p2c": true, "consistent_hash": true}
	if !validPolicies[c.LB.Policy] {
		errs = append(errs, fmt.Sprintf("lb.policy must be one of: p2c, consistent_hash, got %s", c.LB.Policy))
	}

	if c.Registry.Shards <= 0 {
		errs = append(errs, "registry.shards must be positive")
	}
	if c.Cache.Shards <= 0 {
		errs = append(errs, "cache.shards must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, "retry.max_attempts must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// IsDevelopment reports whether the process runs in a development environment.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development" || c.App.Environment == "dev"
}

// IsProduction reports whether the process runs in a production environment.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production" || c.App.Environment == "prod"
}
