// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/reviewpulse/insightd/internal/admission"
	"github.com/reviewpulse/insightd/internal/downstream"
	"github.com/reviewpulse/insightd/internal/resilient"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig               `mapstructure:"server"`
	Logging    LoggingConfig              `mapstructure:"logging"`
	DB         DBConfig                   `mapstructure:"db"`
	Cache      CacheConfig                `mapstructure:"cache"`
	Downstream DownstreamConfig           `mapstructure:"downstream"`
	Resilience ResilienceConfig           `mapstructure:"resilience"`
	Hub        HubConfig                  `mapstructure:"hub"`
	Dedup      DedupConfig                `mapstructure:"dedup"`
	Admission  map[string]AdmissionPolicy `mapstructure:"admission"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int `mapstructure:"port"`
	ShutdownTimeout int `mapstructure:"shutdown_timeout_seconds"`
	RequestTimeout  int `mapstructure:"request_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory job store and per-process admission counters.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// CacheConfig sets the cache backing and per-namespace TTLs.
type CacheConfig struct {
	// Path for the Badger directory; empty runs Badger in memory.
	Path             string `mapstructure:"path"`
	StatusTTLSeconds int    `mapstructure:"status_ttl_seconds"`
	ResultTTLSeconds int    `mapstructure:"result_ttl_seconds"`
}

// DownstreamConfig points at the analysis service.
type DownstreamConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	CallbackURL    string  `mapstructure:"callback_url"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	DispatchRPS    float64 `mapstructure:"dispatch_rps"`
	DispatchBurst  int     `mapstructure:"dispatch_burst"`
}

// ResilienceConfig shapes the outbound call wrapper.
type ResilienceConfig struct {
	OverallTimeoutSeconds int     `mapstructure:"overall_timeout_seconds"`
	MaxAttempts           int     `mapstructure:"max_attempts"`
	BackoffInitialMs      int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs          int     `mapstructure:"backoff_max_ms"`
	ErrorRateThreshold    float64 `mapstructure:"error_rate_threshold"`
	WindowSeconds         int     `mapstructure:"window_seconds"`
	MinRequests           int     `mapstructure:"min_requests"`
	CoolDownSeconds       int     `mapstructure:"cool_down_seconds"`
}

// HubConfig bounds event delivery.
type HubConfig struct {
	SendTimeoutMs int `mapstructure:"send_timeout_ms"`
}

// DedupConfig lists analysis kinds whose dedup key is the subject alone.
type DedupConfig struct {
	SubjectScopedKinds []string `mapstructure:"subject_scoped_kinds"`
}

// AdmissionPolicy is one row of the admission policy table, keyed by category.
type AdmissionPolicy struct {
	WindowSeconds        int `mapstructure:"window_seconds"`
	MaxCount             int `mapstructure:"max_count"`
	BlockDurationSeconds int `mapstructure:"block_duration_seconds"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INSIGHTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("cache.status_ttl_seconds", 30)
	v.SetDefault("cache.result_ttl_seconds", 3600)
	v.SetDefault("downstream.timeout_seconds", 10)
	v.SetDefault("downstream.dispatch_rps", 10.0)
	v.SetDefault("downstream.dispatch_burst", 5)
	v.SetDefault("resilience.overall_timeout_seconds", 30)
	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.backoff_initial_ms", 250)
	v.SetDefault("resilience.backoff_max_ms", 5000)
	v.SetDefault("resilience.error_rate_threshold", 0.5)
	v.SetDefault("resilience.window_seconds", 30)
	v.SetDefault("resilience.min_requests", 5)
	v.SetDefault("resilience.cool_down_seconds", 15)
	v.SetDefault("hub.send_timeout_ms", 1000)
	v.SetDefault("admission", map[string]AdmissionPolicy{
		"job-creation": {WindowSeconds: 60, MaxCount: 30},
		"generic-api":  {WindowSeconds: 60, MaxCount: 300},
	})
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Downstream.BaseURL == "" {
		return fmt.Errorf("downstream.base_url must be set")
	}
	if c.Downstream.TimeoutSeconds <= 0 {
		return fmt.Errorf("downstream.timeout_seconds must be > 0")
	}
	if c.Resilience.ErrorRateThreshold <= 0 || c.Resilience.ErrorRateThreshold > 1 {
		return fmt.Errorf("resilience.error_rate_threshold must be in (0, 1]")
	}
	for category, p := range c.Admission {
		if p.MaxCount > 0 && p.WindowSeconds <= 0 {
			return fmt.Errorf("admission.%s.window_seconds must be > 0", category)
		}
	}
	return nil
}

// StatusTTL is the cache lifetime for non-terminal job status entries.
func (c Config) StatusTTL() time.Duration {
	return time.Duration(c.Cache.StatusTTLSeconds) * time.Second
}

// ResultTTL is the cache lifetime for completed analysis results.
func (c Config) ResultTTL() time.Duration {
	return time.Duration(c.Cache.ResultTTLSeconds) * time.Second
}

// SendTimeout bounds one hub delivery.
func (c Config) SendTimeout() time.Duration {
	return time.Duration(c.Hub.SendTimeoutMs) * time.Millisecond
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeout) * time.Second
}

// CallerPolicy converts the resilience section into a caller policy.
func (c Config) CallerPolicy() resilient.Policy {
	return resilient.Policy{
		OverallTimeout:     time.Duration(c.Resilience.OverallTimeoutSeconds) * time.Second,
		MaxAttempts:        c.Resilience.MaxAttempts,
		BaseDelay:          time.Duration(c.Resilience.BackoffInitialMs) * time.Millisecond,
		MaxDelay:           time.Duration(c.Resilience.BackoffMaxMs) * time.Millisecond,
		ErrorRateThreshold: c.Resilience.ErrorRateThreshold,
		WindowDuration:     time.Duration(c.Resilience.WindowSeconds) * time.Second,
		MinRequests:        c.Resilience.MinRequests,
		CoolDown:           time.Duration(c.Resilience.CoolDownSeconds) * time.Second,
	}
}

// AdmissionPolicies converts the policy table into controller policies.
func (c Config) AdmissionPolicies() map[string]admission.Policy {
	policies := make(map[string]admission.Policy, len(c.Admission))
	for category, p := range c.Admission {
		policies[category] = admission.Policy{
			WindowDuration: time.Duration(p.WindowSeconds) * time.Second,
			MaxCount:       p.MaxCount,
			BlockDuration:  time.Duration(p.BlockDurationSeconds) * time.Second,
		}
	}
	return policies
}

// DownstreamClientConfig converts the downstream section into client config.
func (c Config) DownstreamClientConfig() downstream.Config {
	return downstream.Config{
		BaseURL:        c.Downstream.BaseURL,
		CallbackURL:    c.Downstream.CallbackURL,
		RequestTimeout: time.Duration(c.Downstream.TimeoutSeconds) * time.Second,
		DispatchRPS:    c.Downstream.DispatchRPS,
		DispatchBurst:  c.Downstream.DispatchBurst,
	}
}
