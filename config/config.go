package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Upbitflow  UpbitflowConfig  `yaml:"upbitflow"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Rest       RestConfig       `yaml:"rest"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Stream     StreamConfig     `yaml:"stream"`
	Rules      RulesConfig      `yaml:"rules"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Engine     EngineConfig     `yaml:"engine"`
}

type UpbitflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Region         string        `yaml:"region"`
	Namespace      string        `yaml:"namespace"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type RestConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	Retry          RetryConfig          `yaml:"retry"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type RateLimitConfig struct {
	Quotation  BucketConfig `yaml:"quotation"`
	Order      BucketConfig `yaml:"order"`
	CancelAll  BucketConfig `yaml:"cancel_all"`
	Other      BucketConfig `yaml:"other"`
	HeaderSync bool         `yaml:"header_sync"`
}

type BucketConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type StreamConfig struct {
	PublicURL    string        `yaml:"public_url"`
	PrivateURL   string        `yaml:"private_url"`
	Format       string        `yaml:"format"`
	PingInterval time.Duration `yaml:"ping_interval"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	Reconnect    BackoffConfig `yaml:"reconnect"`
	EventBuffer  int           `yaml:"event_buffer"`
}

type BackoffConfig struct {
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

type RulesConfig struct {
	RefreshInterval  time.Duration `yaml:"refresh_interval"`
	StalenessCeiling time.Duration `yaml:"staleness_ceiling"`
}

type ReconcilerConfig struct {
	Retention    time.Duration `yaml:"retention"`
	UpdateBuffer int           `yaml:"update_buffer"`
}

type EngineConfig struct {
	Markets     []string `yaml:"markets"`
	CandleUnits []string `yaml:"candle_units"`
}

// LoadConfig reads, parses and validates the yaml configuration at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	setDefaults(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Credentials returns the access/secret key pair from the environment.
// Keys are never part of the yaml file.
func Credentials() (accessKey, secretKey string, err error) {
	accessKey = os.Getenv("UPBIT_ACCESS_KEY")
	secretKey = os.Getenv("UPBIT_SECRET_KEY")
	if accessKey == "" || secretKey == "" {
		return "", "", fmt.Errorf("UPBIT_ACCESS_KEY and UPBIT_SECRET_KEY must be set")
	}
	return accessKey, secretKey, nil
}

func setDefaults(cfg *Config) {
	if cfg.Upbitflow.Name == "" {
		cfg.Upbitflow.Name = "upbitflow"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Rest.BaseURL == "" {
		cfg.Rest.BaseURL = "https://api.upbit.com/v1"
	}
	if cfg.Rest.Timeout <= 0 {
		cfg.Rest.Timeout = 10 * time.Second
	}
	if cfg.Rest.ConnectionPool.MaxIdleConns <= 0 {
		cfg.Rest.ConnectionPool.MaxIdleConns = 16
	}
	if cfg.Rest.ConnectionPool.MaxConnsPerHost <= 0 {
		cfg.Rest.ConnectionPool.MaxConnsPerHost = 16
	}
	if cfg.Rest.ConnectionPool.IdleConnTimeout <= 0 {
		cfg.Rest.ConnectionPool.IdleConnTimeout = 90 * time.Second
	}
	if cfg.Rest.Retry.MaxAttempts <= 0 {
		cfg.Rest.Retry.MaxAttempts = 3
	}
	if cfg.Rest.Retry.BaseDelay <= 0 {
		cfg.Rest.Retry.BaseDelay = 200 * time.Millisecond
	}
	if cfg.Rest.Retry.MaxDelay <= 0 {
		cfg.Rest.Retry.MaxDelay = 5 * time.Second
	}
	if cfg.RateLimit.Quotation.RequestsPerSecond <= 0 {
		cfg.RateLimit.Quotation.RequestsPerSecond = 10
	}
	if cfg.RateLimit.Quotation.Burst <= 0 {
		cfg.RateLimit.Quotation.Burst = 10
	}
	if cfg.RateLimit.Order.RequestsPerSecond <= 0 {
		cfg.RateLimit.Order.RequestsPerSecond = 8
	}
	if cfg.RateLimit.Order.Burst <= 0 {
		cfg.RateLimit.Order.Burst = 8
	}
	if cfg.RateLimit.CancelAll.RequestsPerSecond <= 0 {
		// one bulk cancel per two seconds
		cfg.RateLimit.CancelAll.RequestsPerSecond = 0.5
	}
	if cfg.RateLimit.CancelAll.Burst <= 0 {
		cfg.RateLimit.CancelAll.Burst = 1
	}
	if cfg.RateLimit.Other.RequestsPerSecond <= 0 {
		cfg.RateLimit.Other.RequestsPerSecond = 30
	}
	if cfg.RateLimit.Other.Burst <= 0 {
		cfg.RateLimit.Other.Burst = 30
	}
	if cfg.Stream.PublicURL == "" {
		cfg.Stream.PublicURL = "wss://api.upbit.com/websocket/v1"
	}
	if cfg.Stream.PrivateURL == "" {
		cfg.Stream.PrivateURL = "wss://api.upbit.com/websocket/v1/private"
	}
	if cfg.Stream.Format == "" {
		cfg.Stream.Format = "DEFAULT"
	}
	if cfg.Stream.PingInterval <= 0 {
		cfg.Stream.PingInterval = 60 * time.Second
	}
	if cfg.Stream.IdleTimeout <= 0 {
		cfg.Stream.IdleTimeout = 120 * time.Second
	}
	if cfg.Stream.Reconnect.MinDelay <= 0 {
		cfg.Stream.Reconnect.MinDelay = time.Second
	}
	if cfg.Stream.Reconnect.MaxDelay <= 0 {
		cfg.Stream.Reconnect.MaxDelay = time.Minute
	}
	if cfg.Stream.EventBuffer <= 0 {
		cfg.Stream.EventBuffer = 1024
	}
	if cfg.Rules.RefreshInterval <= 0 {
		cfg.Rules.RefreshInterval = 10 * time.Minute
	}
	if cfg.Rules.StalenessCeiling <= 0 {
		cfg.Rules.StalenessCeiling = time.Hour
	}
	if cfg.Reconciler.Retention <= 0 {
		cfg.Reconciler.Retention = 10 * time.Minute
	}
	if cfg.Reconciler.UpdateBuffer <= 0 {
		cfg.Reconciler.UpdateBuffer = 1024
	}
}

func validateConfig(cfg *Config) error {
	switch strings.ToUpper(cfg.Stream.Format) {
	case "DEFAULT", "SIMPLE":
	default:
		return fmt.Errorf("invalid stream format '%s'", cfg.Stream.Format)
	}
	if cfg.Stream.PingInterval >= cfg.Stream.IdleTimeout {
		return fmt.Errorf("ping interval %s must be shorter than idle timeout %s",
			cfg.Stream.PingInterval, cfg.Stream.IdleTimeout)
	}
	if cfg.Rules.StalenessCeiling < cfg.Rules.RefreshInterval {
		return fmt.Errorf("rules staleness ceiling %s below refresh interval %s",
			cfg.Rules.StalenessCeiling, cfg.Rules.RefreshInterval)
	}
	return nil
}
