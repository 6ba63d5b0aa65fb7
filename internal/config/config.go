package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Metering     MeteringConfig     `mapstructure:"metering"`
	Identity     IdentityConfig     `mapstructure:"identity"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Payments     PaymentsConfig     `mapstructure:"payments"`
	Admin        AdminConfig        `mapstructure:"admin"`
}

// ServerConfig defines listener addresses and HTTP behaviour
type ServerConfig struct {
	BindAddress     string   `mapstructure:"bind_address"`
	APIPort         int      `mapstructure:"api_port"`
	MetricsPort     int      `mapstructure:"metrics_port"`
	ReadTimeout     string   `mapstructure:"read_timeout"`
	WriteTimeout    string   `mapstructure:"write_timeout"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	RateLimit       int      `mapstructure:"rate_limit"`
	RateLimitWindow string   `mapstructure:"rate_limit_window"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // bolt, redis or sqlite
	Path  string      `mapstructure:"path"` // database file for bolt and sqlite
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MeteringConfig defines session metering and retention settings
type MeteringConfig struct {
	TickInterval         string `mapstructure:"tick_interval"`
	IdleTimeout          string `mapstructure:"idle_timeout"`
	IdleCheckInterval    string `mapstructure:"idle_check_interval"`
	TrialMinutes         int64  `mapstructure:"trial_minutes"`
	SessionRetentionDays int    `mapstructure:"session_retention_days"`
	RetentionTime        string `mapstructure:"retention_time"`
}

// IdentityConfig defines how bearer tokens are verified
type IdentityConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Audience  string `mapstructure:"audience"`
	Issuer    string `mapstructure:"issuer"`
	CacheSize int    `mapstructure:"cache_size"`
	CacheTTL  string `mapstructure:"cache_ttl"`
}

// ConversationConfig defines the upstream conversation service
type ConversationConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	MaxTokens      int    `mapstructure:"max_tokens"`
	SystemPrompt   string `mapstructure:"system_prompt"`
	Timeout        string `mapstructure:"timeout"`
	MaxRetries     int    `mapstructure:"max_retries"`
	InitialBackoff string `mapstructure:"initial_backoff"`
}

// PaymentsConfig defines payment webhook verification and the minute packs on sale
type PaymentsConfig struct {
	WebhookSecret   string           `mapstructure:"webhook_secret"`
	SignatureHeader string           `mapstructure:"signature_header"`
	Tolerance       string           `mapstructure:"tolerance"`
	QueueSize       int              `mapstructure:"queue_size"`
	Packs           map[string]int64 `mapstructure:"packs"`
}

// AdminConfig defines operator access
type AdminConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	PolicyDir   string   `mapstructure:"policy_dir"`
	AdminEmails []string `mapstructure:"admin_emails"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("LUNAMETER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.api_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.rate_limit", 120)
	v.SetDefault("server.rate_limit_window", "1m")

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/lunameter/lunameter.bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Metering defaults
	v.SetDefault("metering.tick_interval", "30s")
	v.SetDefault("metering.idle_timeout", "5m")
	v.SetDefault("metering.idle_check_interval", "30s")
	v.SetDefault("metering.trial_minutes", 15)
	v.SetDefault("metering.session_retention_days", 90)
	v.SetDefault("metering.retention_time", "03:00")

	// Identity defaults
	v.SetDefault("identity.jwt_secret", "")
	v.SetDefault("identity.issuer", "")
	v.SetDefault("identity.audience", "authenticated")
	v.SetDefault("identity.cache_size", 1024)
	v.SetDefault("identity.cache_ttl", "5m")

	// Conversation defaults
	v.SetDefault("conversation.base_url", "https://api.anthropic.com/v1")
	v.SetDefault("conversation.api_key", "")
	v.SetDefault("conversation.system_prompt", "")
	v.SetDefault("conversation.model", "claude-sonnet-4-20250514")
	v.SetDefault("conversation.max_tokens", 500)
	v.SetDefault("conversation.timeout", "60s")
	v.SetDefault("conversation.max_retries", 3)
	v.SetDefault("conversation.initial_backoff", "500ms")

	// Payments defaults
	v.SetDefault("payments.webhook_secret", "")
	v.SetDefault("payments.signature_header", "Luna-Signature")
	v.SetDefault("payments.tolerance", "5m")
	v.SetDefault("payments.queue_size", 64)
	v.SetDefault("payments.packs", map[string]int64{
		"15min":   15,
		"30min":   30,
		"60min":   60,
		"monthly": 300,
	})

	// Admin defaults
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.policy_dir", "")
	v.SetDefault("admin.admin_emails", []string{})
}

// Defaults returns the configuration produced by defaults alone, without
// reading a file or the environment.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// mapPrefixes hold user-defined keys.
var mapPrefixes = []string{"payments.packs."}

// KnownKey reports whether key is a recognised configuration setting.
func KnownKey(key string) bool {
	key = strings.ToLower(key)
	for _, prefix := range mapPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	v := viper.New()
	setDefaults(v)
	return v.IsSet(key)
}

// UnknownKeys returns the keys in the config file at path that are not
// recognised settings.
func UnknownKeys(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var unknown []string
	for _, key := range v.AllKeys() {
		if !KnownKey(key) {
			unknown = append(unknown, key)
		}
	}
	return unknown, nil
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	switch cfg.Storage.Type {
	case "":
		cfg.Storage.Type = "bolt"
	case "bolt", "sqlite", "redis":
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	if cfg.Storage.Type != "redis" {
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	if cfg.Server.RateLimit <= 0 {
		return fmt.Errorf("server.rate_limit must be positive")
	}

	for name, value := range map[string]string{
		"server.rate_limit_window":     cfg.Server.RateLimitWindow,
		"metering.tick_interval":       cfg.Metering.TickInterval,
		"metering.idle_timeout":        cfg.Metering.IdleTimeout,
		"metering.idle_check_interval": cfg.Metering.IdleCheckInterval,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if _, err := time.Parse("15:04", cfg.Metering.RetentionTime); err != nil {
		return fmt.Errorf("invalid metering.retention_time %q: %w", cfg.Metering.RetentionTime, err)
	}
	if cfg.Metering.TrialMinutes <= 0 {
		return fmt.Errorf("metering.trial_minutes must be positive")
	}

	for pack, minutes := range cfg.Payments.Packs {
		if minutes <= 0 {
			return fmt.Errorf("pack %s must grant a positive number of minutes", pack)
		}
	}

	return nil
}
