// pkg/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix    = "BRIDGE_"
	configEnvVar = "CONFIG_PATH"
)

// Loader assembles a Config from layered sources.
type Loader struct {
	k           *koanf.Koanf
	configPaths []string
	envPrefix   string
}

// NewLoader creates a Loader with the default search paths.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		k: koanf.New("."),
		configPaths: []string{
			"config.yaml",
			"config/config.yaml",
			"/etc/bridge/config.yaml",
		},
		envPrefix: envPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoaderOption customizes a Loader.
type LoaderOption func(*Loader)

// WithConfigPaths overrides the file search paths.
func WithConfigPaths(paths ...string) LoaderOption {
	return func(l *Loader) { l.configPaths = paths }
}

// WithEnvPrefix overrides the environment variable prefix.
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) { l.envPrefix = prefix }
}

// Load loads configuration with precedence: defaults < file < environment.
func (l *Loader) Load() (*Config, error) {
	if err := l.loadDefaults(); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := l.loadConfigFile(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	if err := l.loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}

	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (l *Loader) loadDefaults() error {
	defaults := map[string]any{
		"app.name":        "bridge",
		"app.version":     "0.1.0",
		"app.environment": "development",
		"app.debug":       false,

		"http.listen_addr":                 ":8080",
		"http.base_prefix":                 "api",
		"http.max_inflight_requests":       50000,
		"http.default_request_deadline_ms": 30000,
		"http.egress_budget_ms":            50,
		"http.read_timeout":                30 * time.Second,
		"http.write_timeout":               30 * time.Second,
		"http.shutdown_timeout":            10 * time.Second,
		"http.enable_h2c":                  true,
		"http.cors.enabled":                true,
		"http.cors.allowed_origins":        []string{"*"},
		"http.cors.allowed_methods":        []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		"http.cors.allowed_headers":        []string{"*"},
		"http.cors.allow_credentials":      false,
		"http.cors.max_age":                86400,

		"log.level":       "info",
		"log.format":      "json",
		"log.output":      "stdout",
		"log.max_size":    100,
		"log.max_backups": 3,
		"log.max_age":     7,
		"log.compress":    true,

		"metrics.enabled":   true,
		"metrics.port":      9090,
		"metrics.path":      "/metrics",
		"metrics.namespace": "bridge",
		"metrics.subsystem": "",

		"tracing.enabled":      false,
		"tracing.endpoint":     "localhost:4317",
		"tracing.service_name": "bridge",
		"tracing.sample_rate":  0.1,

		"registry.shards":           32,
		"registry.service_grace_ms": 5 * time.Second,

		"health.probe_interval_ms": 5 * time.Second,
		"health.probe_timeout_ms":  2 * time.Second,
		"health.backoff_max_ms":    60000,

		"breaker.failure_threshold":    0.5,
		"breaker.min_samples":          10,
		"breaker.open_cooldown_ms":     1000,
		"breaker.max_cooldown_ms":      60000,
		"breaker.halfopen_probes":      1,
		"breaker.window_size":          100,
		"breaker.observation_window_ms": 30 * time.Second,

		"lb.policy":             "p2c",
		"lb.p2c_alpha":          0.5,
		"lb.p2c_beta":           2.0,
		"lb.ch_replicas":        160,
		"lb.ch_overload_factor": 1.25,

		"pool.channels_per_instance":  2,
		"pool.channel_max":            4,
		"pool.max_concurrent_streams": 100,
		"pool.idle_timeout_ms":        5 * time.Minute,
		"pool.drain_timeout_ms":       15 * time.Second,
		"pool.keepalive_ms":           30 * time.Second,

		"retry.max_attempts":         3,
		"retry.base_ms":              100,
		"retry.mult":                 2.0,
		"retry.cap_ms":               10000,
		"retry.jitter_pct":           0.1,
		"retry.hedge_delay_ms":       50,
		"retry.compression_min_bytes": 1024,

		"cache.enabled":         true,
		"cache.capacity":        10000,
		"cache.shards":          16,
		"cache.negative_ttl_ms": 0,
		"cache.redis_mirror":    false,
		"cache.redis_addr":      "localhost:6379",
		"cache.redis_db":        0,
		"cache.refresh_workers": 4,

		"admission.queue_size": 50000,

		"rate_limit.enabled":          true,
		"rate_limit.default_rate":     100,
		"rate_limit.default_burst":    10,
		"rate_limit.buckets_lru_size": 10000,
		"rate_limit.backend":          "memory",
		"rate_limit.cleanup_interval": 5 * time.Minute,

		"egress.enabled":     true,
		"egress.buffer_size": 10000,

		"swagger.enabled": true,
		"swagger.title":   "bridge admin & health API",

		"admin.enabled": false,
		"admin.token":   "",
	}

	return l.k.Load(confmap.Provider(defaults, "."), nil)
}

func (l *Loader) loadConfigFile() error {
	if configPath := os.Getenv(configEnvVar); configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return l.k.Load(file.Provider(configPath), yaml.Parser())
		}
	}

	for _, path := range l.configPaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		if _, err := os.Stat(absPath); err == nil {
			return l.k.Load(file.Provider(absPath), yaml.Parser())
		}
	}

	return fmt.Errorf("config file not found in paths: %v", l.configPaths)
}

func (l *Loader) loadEnv() error {
	// An env var maps onto an already-known key when it matches that key with
	// dots written as underscores (BRIDGE_HTTP_LISTEN_ADDR -> http.listen_addr);
	// otherwise every underscore becomes a level separator.
	known := make(map[string]string)
	for _, key := range l.k.Keys() {
		known[strings.ReplaceAll(key, ".", "_")] = key
	}
	return l.k.Load(env.Provider(l.envPrefix, ".", func(s string) string {
		raw := strings.ToLower(strings.TrimPrefix(s, l.envPrefix))
		if key, ok := known[raw]; ok {
			return key
		}
		return strings.ReplaceAll(raw, "_", ".")
	}), nil)
}

// MustLoad loads configuration or panics.
func MustLoad(opts ...LoaderOption) *Config {
	cfg, err := NewLoader(opts...).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Load loads configuration with default settings.
func Load() (*Config, error) {
	return NewLoader().Load()
}
