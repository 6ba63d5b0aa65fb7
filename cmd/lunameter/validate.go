package main

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goodtune/lunameter/internal/config"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the lunameter configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with --dump)
	unknownKeys, err := config.UnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	warnings := configWarnings(cfg)
	if len(warnings) > 0 {
		yellow := color.New(color.FgYellow)
		fmt.Fprintln(os.Stdout)
		for _, w := range warnings {
			yellow.Fprintf(os.Stdout, "⚠️  %s\n", w)
		}
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Defaults(), unknownKeys)
	}

	return nil
}

// configWarnings lists settings that load but leave part of the service unusable.
func configWarnings(cfg *config.Config) []string {
	var warnings []string
	if cfg.Payments.WebhookSecret == "" {
		warnings = append(warnings, "payments.webhook_secret is empty: payment webhooks will be rejected")
	}
	if cfg.Admin.Enabled && len(cfg.Admin.AdminEmails) == 0 && cfg.Admin.PolicyDir == "" {
		warnings = append(warnings, "admin.admin_emails is empty: only service_role tokens can use operator endpoints")
	}
	return warnings
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	// Server
	_, _ = cyan.Println("\n[server]")
	dumpField("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress, yellow, green)
	dumpField("  api_port", cfg.Server.APIPort, defaultCfg.Server.APIPort, yellow, green)
	dumpField("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort, yellow, green)
	dumpField("  read_timeout", cfg.Server.ReadTimeout, defaultCfg.Server.ReadTimeout, yellow, green)
	dumpField("  write_timeout", cfg.Server.WriteTimeout, defaultCfg.Server.WriteTimeout, yellow, green)
	dumpField("  allowed_origins", cfg.Server.AllowedOrigins, defaultCfg.Server.AllowedOrigins, yellow, green)
	dumpField("  rate_limit", cfg.Server.RateLimit, defaultCfg.Server.RateLimit, yellow, green)
	dumpField("  rate_limit_window", cfg.Server.RateLimitWindow, defaultCfg.Server.RateLimitWindow, yellow, green)

	// Storage
	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	dumpField("  path", cfg.Storage.Path, defaultCfg.Storage.Path, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redact(cfg.Storage.Redis.Password), redact(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)

	// Logging
	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	// Metering
	_, _ = cyan.Println("\n[metering]")
	dumpField("  tick_interval", cfg.Metering.TickInterval, defaultCfg.Metering.TickInterval, yellow, green)
	dumpField("  idle_timeout", cfg.Metering.IdleTimeout, defaultCfg.Metering.IdleTimeout, yellow, green)
	dumpField("  idle_check_interval", cfg.Metering.IdleCheckInterval, defaultCfg.Metering.IdleCheckInterval, yellow, green)
	dumpField("  trial_minutes", cfg.Metering.TrialMinutes, defaultCfg.Metering.TrialMinutes, yellow, green)
	dumpField("  session_retention_days", cfg.Metering.SessionRetentionDays, defaultCfg.Metering.SessionRetentionDays, yellow, green)
	dumpField("  retention_time", cfg.Metering.RetentionTime, defaultCfg.Metering.RetentionTime, yellow, green)

	// Identity
	_, _ = cyan.Println("\n[identity]")
	dumpField("  jwt_secret", redact(cfg.Identity.JWTSecret), redact(defaultCfg.Identity.JWTSecret), yellow, green)
	dumpField("  audience", cfg.Identity.Audience, defaultCfg.Identity.Audience, yellow, green)
	dumpField("  issuer", cfg.Identity.Issuer, defaultCfg.Identity.Issuer, yellow, green)
	dumpField("  cache_size", cfg.Identity.CacheSize, defaultCfg.Identity.CacheSize, yellow, green)
	dumpField("  cache_ttl", cfg.Identity.CacheTTL, defaultCfg.Identity.CacheTTL, yellow, green)

	// Conversation
	_, _ = cyan.Println("\n[conversation]")
	dumpField("  base_url", cfg.Conversation.BaseURL, defaultCfg.Conversation.BaseURL, yellow, green)
	dumpField("  api_key", redact(cfg.Conversation.APIKey), redact(defaultCfg.Conversation.APIKey), yellow, green)
	dumpField("  model", cfg.Conversation.Model, defaultCfg.Conversation.Model, yellow, green)
	dumpField("  max_tokens", cfg.Conversation.MaxTokens, defaultCfg.Conversation.MaxTokens, yellow, green)
	dumpField("  system_prompt", cfg.Conversation.SystemPrompt, defaultCfg.Conversation.SystemPrompt, yellow, green)
	dumpField("  timeout", cfg.Conversation.Timeout, defaultCfg.Conversation.Timeout, yellow, green)
	dumpField("  max_retries", cfg.Conversation.MaxRetries, defaultCfg.Conversation.MaxRetries, yellow, green)
	dumpField("  initial_backoff", cfg.Conversation.InitialBackoff, defaultCfg.Conversation.InitialBackoff, yellow, green)

	// Payments
	_, _ = cyan.Println("\n[payments]")
	dumpField("  webhook_secret", redact(cfg.Payments.WebhookSecret), redact(defaultCfg.Payments.WebhookSecret), yellow, green)
	dumpField("  signature_header", cfg.Payments.SignatureHeader, defaultCfg.Payments.SignatureHeader, yellow, green)
	dumpField("  tolerance", cfg.Payments.Tolerance, defaultCfg.Payments.Tolerance, yellow, green)
	dumpField("  queue_size", cfg.Payments.QueueSize, defaultCfg.Payments.QueueSize, yellow, green)
	dumpField("  packs", cfg.Payments.Packs, defaultCfg.Payments.Packs, yellow, green)

	// Admin
	_, _ = cyan.Println("\n[admin]")
	dumpField("  enabled", cfg.Admin.Enabled, defaultCfg.Admin.Enabled, yellow, green)
	dumpField("  policy_dir", cfg.Admin.PolicyDir, defaultCfg.Admin.PolicyDir, yellow, green)
	dumpField("  admin_emails", cfg.Admin.AdminEmails, defaultCfg.Admin.AdminEmails, yellow, green)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redact hides secrets that are set
func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "***REDACTED***"
}
