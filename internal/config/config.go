// Package config defines process-wide configuration for the fleet control
// plane. Config is loaded from a YAML file (default: configs/config.yaml)
// with every key overridable via FLEET_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Crypto    CryptoConfig    `mapstructure:"crypto"`
	Failover  FailoverConfig  `mapstructure:"failover"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

// DatabaseConfig selects the gorm driver. Driver is "sqlite" or "postgres";
// DSN is a file path for sqlite and a connection URL for postgres.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// AgentConfig describes how to reach the on-host agent.
type AgentConfig struct {
	ControlPort int    `mapstructure:"control_port"`
	SSHUser     string `mapstructure:"ssh_user"`
}

// CryptoConfig holds the process secret used to derive AES keys for stored
// SSH key blobs, plus an optional fallback private key consulted when a
// per-machine blob is missing or undecryptable.
type CryptoConfig struct {
	EncryptionSecret string `mapstructure:"encryption_secret"`
	FallbackSSHKey   string `mapstructure:"fallback_ssh_key"`
}

type FailoverConfig struct {
	HealthInterval   time.Duration `mapstructure:"health_interval"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	PromoteCooldown  time.Duration `mapstructure:"promote_cooldown"`
}

// RateLimitConfig holds per-exchange admission parameters. Exchanges not
// listed fall back to the default entry.
type RateLimitConfig struct {
	Default   ExchangeLimit            `mapstructure:"default"`
	Exchanges map[string]ExchangeLimit `mapstructure:"exchanges"`
}

type ExchangeLimit struct {
	HardLimitPerMinute int     `mapstructure:"hard_limit_per_minute"`
	SafetyMargin       float64 `mapstructure:"safety_margin"`
	BurstReserve       float64 `mapstructure:"burst_reserve"`
}

// TelegramConfig configures operator alerts. When Token is empty alerts
// are silently skipped.
type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID string `mapstructure:"chat_id"`
}

// Load reads configuration from the given path (or the default search
// locations when empty) and applies environment overrides.
func Load(path string) (*Config, error) {
	// ExperimentalBindStruct lets AutomaticEnv reach Unmarshal for keys
	// without defaults (e.g. crypto.encryption_secret).
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())

	v.SetDefault("server.port", "8080")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "fleet.db")
	v.SetDefault("auth.jwt_secret", "fleet-secret-key")
	v.SetDefault("agent.control_port", 8899)
	v.SetDefault("agent.ssh_user", "root")
	v.SetDefault("failover.health_interval", "15s")
	v.SetDefault("failover.failure_threshold", 3)
	v.SetDefault("failover.promote_cooldown", "60s")
	v.SetDefault("ratelimit.default.hard_limit_per_minute", 1200)
	v.SetDefault("ratelimit.default.safety_margin", 0.75)
	v.SetDefault("ratelimit.default.burst_reserve", 0.10)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine: defaults plus env cover every key.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Crypto.EncryptionSecret == "" {
		return nil, fmt.Errorf("crypto.encryption_secret is required (FLEET_CRYPTO_ENCRYPTION_SECRET)")
	}

	return &cfg, nil
}

// Limit returns the admission parameters for an exchange, falling back to
// the default entry when the exchange has no explicit configuration.
func (c *RateLimitConfig) Limit(exchange string) ExchangeLimit {
	if l, ok := c.Exchanges[exchange]; ok {
		return l
	}
	return c.Default
}
