// Package config defines the storage engine's configuration record (spec
// §6) and its defaults, loader, and validation.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	codeerrors "github.com/alexcollie/codeindex/pkg/errors"
)

// Config is the full configuration record accepted by the engine.
type Config struct {
	Path                string            `yaml:"path"`
	MaxConnections      int               `yaml:"max_connections"`
	ConnectionTimeoutMs int               `yaml:"connection_timeout_ms"`
	ReadOnly            bool              `yaml:"readonly"`
	Pragmas             map[string]string `yaml:"pragmas"`

	QueryCache             QueryCacheConfig             `yaml:"query_cache"`
	PreparedStatementCache PreparedStatementCacheConfig `yaml:"prepared_statement_cache"`
	Monitoring             MonitoringConfig             `yaml:"monitoring"`
	Memory                 MemoryConfig                 `yaml:"memory"`
	Alerting               AlertingConfig               `yaml:"alerting"`
}

// QueryCacheConfig holds result-cache settings. Validate checks MaxSize;
// pkg/searchrepo does not read these settings (its cache capacity and TTL
// are fixed constants).
type QueryCacheConfig struct {
	Enabled bool `yaml:"enabled"`
	MaxSize int  `yaml:"max_size"`
	TTLMs   int  `yaml:"ttl_ms"`
}

// PreparedStatementCacheConfig holds statement-cache settings; pkg/optimizer
// does not read them (its cache size is the maxSize argument of
// optimizer.New).
type PreparedStatementCacheConfig struct {
	Enabled bool `yaml:"enabled"`
	MaxSize int  `yaml:"max_size"`
}

// MonitoringConfig configures the performance monitor.
type MonitoringConfig struct {
	Enabled              bool `yaml:"enabled"`
	RetentionMs          int  `yaml:"retention_ms"`
	SlowQueryThresholdMs int  `yaml:"slow_query_threshold_ms"`
}

// MemoryConfig holds memory-usage limits; no component in this module reads
// them.
type MemoryConfig struct {
	MaxUsageBytes        int64 `yaml:"max_usage_bytes"`
	CheckIntervalMs      int   `yaml:"check_interval_ms"`
	OptimizationEnabled  bool  `yaml:"optimization_enabled"`
}

// AlertingConfig configures the error aggregator's alert dispatch.
type AlertingConfig struct {
	Enabled    bool                `yaml:"enabled"`
	Thresholds AlertThresholds     `yaml:"thresholds"`
	Channels   AlertChannelsConfig `yaml:"channels"`
}

// AlertThresholds are the numeric triggers for error_rate/critical_error
// alerts (spec §4.8).
type AlertThresholds struct {
	ErrorRate          float64 `yaml:"error_rate"`
	CriticalErrorCount int     `yaml:"critical_error_count"`
	CooldownMs         int     `yaml:"cooldown_ms"`
}

// AlertChannelsConfig names alert sinks; pkg/erroragg does not read it (its
// sinks are the ones passed to erroragg.New).
type AlertChannelsConfig struct {
	Log      bool `yaml:"log"`
	Callback bool `yaml:"callback"`
	Custom   bool `yaml:"custom"`
}

// DefaultConfig returns the spec's documented defaults (spec §6).
func DefaultConfig() *Config {
	return &Config{
		MaxConnections:      10,
		ConnectionTimeoutMs: 30000,
		Pragmas: map[string]string{
			"journal_mode": "WAL",
			"synchronous":  "NORMAL",
			"foreign_keys": "ON",
			"temp_store":   "MEMORY",
			"cache_size":   "-2000",
		},
		QueryCache: QueryCacheConfig{
			Enabled: true,
			MaxSize: 100,
			TTLMs:   5 * 60 * 1000,
		},
		PreparedStatementCache: PreparedStatementCacheConfig{
			Enabled: true,
			MaxSize: 100,
		},
		Monitoring: MonitoringConfig{
			Enabled:              true,
			RetentionMs:          24 * 60 * 60 * 1000,
			SlowQueryThresholdMs: 500,
		},
		Memory: MemoryConfig{
			MaxUsageBytes:       512 * 1024 * 1024,
			CheckIntervalMs:     30000,
			OptimizationEnabled: true,
		},
		Alerting: AlertingConfig{
			Enabled: true,
			Thresholds: AlertThresholds{
				ErrorRate:          10,
				CriticalErrorCount: 5,
				CooldownMs:         5 * 60 * 1000,
			},
			Channels: AlertChannelsConfig{Log: true},
		},
	}
}

// Load reads a YAML file at path, applying it on top of DefaultConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, codeerrors.Wrap(codeerrors.KindConfiguration, "config_read_failed",
			"failed to read configuration file", err, map[string]any{"path": path})
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, codeerrors.Wrap(codeerrors.KindConfiguration, "config_parse_failed",
			"failed to parse configuration file", err, map[string]any{"path": path})
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and numeric ranges, aggregating every
// violation into a single Configuration-kind error.
func (c *Config) Validate() error {
	var errs []error
	if c.Path == "" {
		errs = append(errs, codeerrors.New(codeerrors.KindConfiguration, "missing_path",
			"path is required", nil))
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, codeerrors.New(codeerrors.KindConfiguration, "bad_max_connections",
			"max_connections must be positive", map[string]any{"max_connections": c.MaxConnections}))
	}
	if c.ConnectionTimeoutMs <= 0 {
		errs = append(errs, codeerrors.New(codeerrors.KindConfiguration, "bad_connection_timeout",
			"connection_timeout_ms must be positive", map[string]any{"connection_timeout_ms": c.ConnectionTimeoutMs}))
	}
	if c.QueryCache.Enabled && c.QueryCache.MaxSize <= 0 {
		errs = append(errs, codeerrors.New(codeerrors.KindConfiguration, "bad_query_cache_size",
			"query_cache.max_size must be positive when enabled", nil))
	}
	if c.Monitoring.SlowQueryThresholdMs < 0 {
		errs = append(errs, codeerrors.New(codeerrors.KindConfiguration, "bad_slow_query_threshold",
			"monitoring.slow_query_threshold_ms must be non-negative", nil))
	}
	if agg := codeerrors.Aggregate(errs...); agg != nil {
		return codeerrors.Wrap(codeerrors.KindConfiguration, "invalid_configuration",
			"one or more configuration fields are invalid", agg, nil)
	}
	return nil
}
