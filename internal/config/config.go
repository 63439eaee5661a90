package config

import (
	"fmt"
	"time"
)

// Config represents the main Kindling configuration
type Config struct {
	// Data directory for databases and logs
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Directory of declarative configuration manifests synced into the store
	ManifestsDir string `json:"manifests_dir" mapstructure:"manifests_dir"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Gateway (WebSocket surface)
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Bundle cache behavior
	Cache CacheConfig `json:"cache" mapstructure:"cache"`

	// Execution engine behavior
	Execution ExecutionConfig `json:"execution" mapstructure:"execution"`

	// Provider credentials
	Providers ProvidersConfig `json:"providers" mapstructure:"providers"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// GatewayConfig holds WebSocket gateway configuration
type GatewayConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	ListenAddr string `json:"listen_addr" mapstructure:"listen_addr"`
	// TrustedLocal disables credential checks and resolves identity via the
	// local identity resolver. Only for single-operator deployments.
	TrustedLocal bool `json:"trusted_local" mapstructure:"trusted_local"`
}

// CacheConfig controls bundle cache eviction
type CacheConfig struct {
	// IdleTTL is how long an unused bundle stays cached
	IdleTTL time.Duration `json:"idle_ttl" mapstructure:"idle_ttl"`
	// SweepInterval is how often idle entries are evicted
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep_interval"`
}

// ExecutionConfig controls turn execution
type ExecutionConfig struct {
	// TurnTimeout bounds a single send/stream turn
	TurnTimeout time.Duration `json:"turn_timeout" mapstructure:"turn_timeout"`
	// StreamBuffer is the event channel buffer size per streaming turn
	StreamBuffer int `json:"stream_buffer" mapstructure:"stream_buffer"`
}

// ProvidersConfig holds model provider credentials
type ProvidersConfig struct {
	AnthropicAPIKey string `json:"anthropic_api_key" mapstructure:"anthropic_api_key"`
	OpenAIAPIKey    string `json:"openai_api_key" mapstructure:"openai_api_key"`
}

// MetricsConfig holds Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	ListenAddr string `json:"listen_addr" mapstructure:"listen_addr"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:8577",
		},
		Cache: CacheConfig{
			IdleTTL:       30 * time.Minute,
			SweepInterval: 5 * time.Minute,
		},
		Execution: ExecutionConfig{
			TurnTimeout:  120 * time.Second,
			StreamBuffer: 64,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9477",
		},
	}
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.Cache.IdleTTL <= 0 {
		return fmt.Errorf("cache idle_ttl must be positive")
	}
	if c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("cache sweep_interval must be positive")
	}
	if c.Execution.TurnTimeout <= 0 {
		return fmt.Errorf("execution turn_timeout must be positive")
	}
	if c.Execution.StreamBuffer < 0 {
		return fmt.Errorf("execution stream_buffer cannot be negative")
	}
	if c.Gateway.Enabled && c.Gateway.ListenAddr == "" {
		return fmt.Errorf("gateway listen_addr is required when the gateway is enabled")
	}
	return nil
}
