// Package config loads the engine's runtime configuration from flags,
// environment variables, and an optional config file, layered through
// spf13/viper into a single flat configuration struct.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix viper requires on every environment variable this
// package binds (e.g. TASKFORGE_WORKER_POOL_SIZE).
const EnvPrefix = "TASKFORGE"

// Config is the engine's full runtime configuration.
type Config struct {
	// WorkerPoolSize bounds how many tasks the scheduler runs concurrently
	// across all active runs (semaphore-backed, internal/scheduler).
	WorkerPoolSize int `mapstructure:"worker_pool_size"`

	// StreamBufferSize is the channel capacity events.NewBus gives each
	// subscriber of a topic.
	StreamBufferSize int `mapstructure:"stream_buffer_size"`

	// CallbackMaxRetries bounds how many times the push-callback delivery of
	// one event retries before giving up (internal/events.CallbackSubscriber).
	CallbackMaxRetries int `mapstructure:"callback_max_retries"`

	// CallbackBaseBackoff is the initial backoff duration the callback
	// subscriber's exponential backoff grows from.
	CallbackBaseBackoff time.Duration `mapstructure:"callback_base_backoff"`

	// RepositoryURL selects and configures the repository backend. The only
	// backend this build ships is the in-memory store, so a non-empty value
	// other than "memory://" is rejected at Validate time rather than
	// silently ignored.
	RepositoryURL string `mapstructure:"repository_url"`

	// DefaultUserID is the principal assigned to a request that carries no
	// bearer token or cookie (rpc.WithDefaultUserID).
	DefaultUserID string `mapstructure:"default_user_id"`

	// Addr is the HTTP listen address for cmd/taskforge-server.
	Addr string `mapstructure:"addr"`

	// LogLevel is loaded from configuration but nothing reads it; the
	// component logger writes every level.
	LogLevel string `mapstructure:"log_level"`

	// MetricsAddr is the listen address observability.Server exposes
	// /metrics on, separate from the main API address.
	MetricsAddr string `mapstructure:"metrics_addr"`

	// AgentName/AgentDescription/AgentVersion populate the
	// /.well-known/agent-card discovery document.
	AgentName        string `mapstructure:"agent_name"`
	AgentDescription string `mapstructure:"agent_description"`
	AgentVersion     string `mapstructure:"agent_version"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("worker_pool_size", 8)
	v.SetDefault("stream_buffer_size", 64)
	v.SetDefault("callback_max_retries", 5)
	v.SetDefault("callback_base_backoff", 1*time.Second)
	v.SetDefault("repository_url", "memory://")
	v.SetDefault("default_user_id", "anonymous")
	v.SetDefault("addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("agent_name", "taskforge")
	v.SetDefault("agent_description", "Task-tree orchestration engine")
	v.SetDefault("agent_version", "0.1.0")
}

// keys lists every mapstructure tag Config declares, used to bind each one
// to its environment variable individually (a loop instead of one BindEnv
// call site per field).
var keys = []string{
	"worker_pool_size", "stream_buffer_size", "callback_max_retries",
	"callback_base_backoff", "repository_url", "default_user_id", "addr",
	"log_level", "metrics_addr", "agent_name", "agent_description", "agent_version",
}

// Load builds a Config by layering, lowest precedence first: built-in
// defaults, an optional config file (configPath, any viper-supported
// format; empty skips this layer), environment variables prefixed
// TASKFORGE_, then flags already parsed into fs (nil skips this layer).
func Load(configPath string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: binding env for %s: %w", key, err)
		}
	}

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("config: binding flags: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects a configuration the engine cannot actually run with.
func (c *Config) Validate() error {
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("config: worker_pool_size must be positive, got %d", c.WorkerPoolSize)
	}
	if c.StreamBufferSize <= 0 {
		return fmt.Errorf("config: stream_buffer_size must be positive, got %d", c.StreamBufferSize)
	}
	if c.CallbackMaxRetries < 0 {
		return fmt.Errorf("config: callback_max_retries must not be negative, got %d", c.CallbackMaxRetries)
	}
	if c.CallbackBaseBackoff <= 0 {
		return fmt.Errorf("config: callback_base_backoff must be positive, got %s", c.CallbackBaseBackoff)
	}
	if c.RepositoryURL != "memory://" {
		return fmt.Errorf("config: unsupported repository_url %q (only memory:// ships in this build)", c.RepositoryURL)
	}
	if c.DefaultUserID == "" {
		return fmt.Errorf("config: default_user_id must not be empty")
	}
	return nil
}
