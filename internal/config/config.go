package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all tunables for the orchestration server. Values come from
// environment variables with the SESSIONCTL_ prefix, optionally overridden
// by a YAML config file.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	// DBPath is the SQLite database file backing the repository.
	DBPath string `mapstructure:"db_path"`

	// InternalToken authenticates trusted internal callers on the HTTP surface.
	InternalToken string `mapstructure:"internal_token"`

	// EncryptionKey is the 32-byte hex key for OAuth token encryption at rest.
	EncryptionKey string `mapstructure:"encryption_key"`

	// CallbackSecret signs completion-callback payloads.
	CallbackSecret string `mapstructure:"callback_secret"`

	Provisioner ProvisionerConfig `mapstructure:"provisioner"`
	Git         GitConfig         `mapstructure:"git"`
	Timeouts    TimeoutConfig     `mapstructure:"timeouts"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
}

// ProvisionerConfig points at the sandbox provisioning API.
type ProvisionerConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
	Image   string `mapstructure:"image"`
}

// GitConfig points at the source-control provider API.
type GitConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	WebBaseURL   string `mapstructure:"web_base_url"`
	AppToken     string `mapstructure:"app_token"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

// TimeoutConfig holds the caller-visible timeout knobs.
type TimeoutConfig struct {
	SandboxIdle     time.Duration `mapstructure:"sandbox_idle"`
	DisconnectGrace time.Duration `mapstructure:"disconnect_grace"`
	Push            time.Duration `mapstructure:"push"`
	SocketAuth      time.Duration `mapstructure:"socket_auth"`
}

// BreakerConfig tunes the spawn circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
}

// Load reads config from the environment and the optional file at path.
// An empty path skips file loading entirely.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("db_path", "sessionctl.db")
	v.SetDefault("provisioner.base_url", "https://api.modal.com")
	v.SetDefault("provisioner.image", "coder-sandbox:latest")
	v.SetDefault("git.base_url", "https://api.github.com")
	v.SetDefault("git.web_base_url", "https://github.com")
	v.SetDefault("timeouts.sandbox_idle", 600*time.Second)
	v.SetDefault("timeouts.disconnect_grace", 60*time.Second)
	v.SetDefault("timeouts.push", 180*time.Second)
	v.SetDefault("timeouts.socket_auth", 30*time.Second)
	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.window", 5*time.Minute)

	v.SetEnvPrefix("SESSIONCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Timeouts.SandboxIdle <= 0 {
		return fmt.Errorf("timeouts.sandbox_idle must be positive")
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}
	return nil
}
