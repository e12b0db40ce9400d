// Package config defines the gateway configuration and its YAML loader.
package config

import (
	"fmt"
	"time"
)

// Config is the root gateway configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Redis         RedisConfig         `yaml:"redis"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	LLM           LLMConfig           `yaml:"llm"`
	Agents        AgentsConfig        `yaml:"agents"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig configures the HTTP edge.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr"`

	// ShutdownGrace bounds graceful shutdown of in-flight requests.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// SSEKeepAlive is the interval between SSE keep-alive comments.
	SSEKeepAlive time.Duration `yaml:"sse_keep_alive"`
}

// RedisConfig configures the broker connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// StreamMaxLen bounds the fan-out stream backlog kept for SSE replay.
	StreamMaxLen int64 `yaml:"stream_max_len"`
}

// PostgresConfig configures the row store.
type PostgresConfig struct {
	// DSN is a lib/pq connection string.
	DSN string `yaml:"dsn"`

	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

// LLMConfig configures the model provider.
type LLMConfig struct {
	// Provider selects the backend; currently "anthropic".
	Provider string `yaml:"provider"`

	// Model is the default model identifier.
	Model string `yaml:"model"`

	// APIKey overrides the provider environment variable when set.
	APIKey string `yaml:"api_key"`

	// MaxTokens bounds completion length per step.
	MaxTokens int `yaml:"max_tokens"`

	// RequestTimeout bounds one streaming call.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// AgentsConfig carries per-agent defaults applied when an agent row leaves a
// field unset.
type AgentsConfig struct {
	// SoftCapTokens is the compaction target.
	SoftCapTokens int `yaml:"soft_cap_tokens"`

	// HardCapTokens triggers compaction.
	HardCapTokens int `yaml:"hard_cap_tokens"`

	// MaxSteps bounds LLM steps per think cycle.
	MaxSteps int `yaml:"max_steps"`

	// WaitTimeout is the server-side blocking-pop timeout for inbox waits.
	WaitTimeout time.Duration `yaml:"wait_timeout"`

	// FailureSleep is the pause after a failed cycle before re-entering the
	// loop.
	FailureSleep time.Duration `yaml:"failure_sleep"`
}

// SchedulerConfig configures the plan scheduler.
type SchedulerConfig struct {
	// PollInterval is how often due plans are claimed from the delay queue.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Handlers is the plan-job handler pool size.
	Handlers int `yaml:"handlers"`
}

// ObservabilityConfig configures logging, metrics, and tracing.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// MetricsAddr exposes /metrics when set, e.g. ":9090".
	MetricsAddr string `yaml:"metrics_addr"`

	// OTLPEndpoint enables trace export when set.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default returns the configuration defaults applied before YAML decode.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":8080",
			ShutdownGrace: 15 * time.Second,
			SSEKeepAlive:  30 * time.Second,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			StreamMaxLen: 1024,
		},
		Postgres: PostgresConfig{
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			ConnLifetime: 30 * time.Minute,
		},
		LLM: LLMConfig{
			Provider:       "anthropic",
			MaxTokens:      4096,
			RequestTimeout: 5 * time.Minute,
		},
		Agents: AgentsConfig{
			SoftCapTokens: 40000,
			HardCapTokens: 50000,
			MaxSteps:      8,
			WaitTimeout:   30 * time.Second,
			FailureSleep:  5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			PollInterval: time.Second,
			Handlers:     4,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Validate checks fields without usable defaults.
func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Agents.SoftCapTokens >= c.Agents.HardCapTokens {
		return fmt.Errorf("agents.soft_cap_tokens must be below agents.hard_cap_tokens")
	}
	return nil
}
