package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/goodtune/lunameter/internal/api"
	"github.com/goodtune/lunameter/internal/config"
	"github.com/goodtune/lunameter/internal/conversation"
	"github.com/goodtune/lunameter/internal/identity"
	"github.com/goodtune/lunameter/internal/ledger"
	"github.com/goodtune/lunameter/internal/metrics"
	"github.com/goodtune/lunameter/internal/notify"
	"github.com/goodtune/lunameter/internal/policy"
	"github.com/goodtune/lunameter/internal/session"
	"github.com/goodtune/lunameter/internal/storage"
	"github.com/goodtune/lunameter/internal/storage/bolt"
	"github.com/goodtune/lunameter/internal/storage/redis"
	"github.com/goodtune/lunameter/internal/storage/sqlite"
	"github.com/goodtune/lunameter/internal/systemd"
	"github.com/goodtune/lunameter/internal/topup"
	"github.com/goodtune/lunameter/internal/usage"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start lunameter server",
	Long:  `Start the lunameter API, session metering, payment reconciliation and metrics endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting lunameter")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	// Ledger and meter
	l := ledger.New(store.Ledger(), logger, ledger.WithTrialMinutes(cfg.Metering.TrialMinutes))
	meter := usage.NewMeter(l, usage.Config{
		TickInterval: parseDuration(cfg.Metering.TickInterval, usage.DefaultTickInterval),
	}, logger)

	// Identity
	verifier, err := identity.NewVerifier(identity.Config{
		Secret:    cfg.Identity.JWTSecret,
		Audience:  cfg.Identity.Audience,
		Issuer:    cfg.Identity.Issuer,
		CacheSize: cfg.Identity.CacheSize,
		CacheTTL:  parseDuration(cfg.Identity.CacheTTL, identity.DefaultCacheTTL),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize identity verifier: %w", err)
	}

	// Conversation service
	conv, err := conversation.New(conversationConfig(cfg.Conversation), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize conversation client: %w", err)
	}

	// Session manager
	hub := notify.NewHub(cfg.Server.AllowedOrigins, logger)
	manager := session.NewManager(store.Sessions(), l, meter, session.Config{
		IdleTimeout:       parseDuration(cfg.Metering.IdleTimeout, session.DefaultIdleTimeout),
		IdleCheckInterval: parseDuration(cfg.Metering.IdleCheckInterval, session.DefaultIdleCheckInterval),
		Conversation:      conv,
		Notifier:          hub,
	}, logger)

	recovered, err := manager.Recover(context.Background())
	if err != nil {
		return fmt.Errorf("failed to recover open sessions: %w", err)
	}
	logger.Info().Int("sessions", recovered).Msg("Open sessions recovered")

	manager.StartReaper()

	// Top-up reconciler
	if cfg.Payments.WebhookSecret == "" {
		logger.Warn().Msg("payments.webhook_secret is not set, payment webhooks will be rejected")
	}
	reconciler := topup.NewReconciler(l, topup.Config{
		Packs:      topup.Packs(cfg.Payments.Packs),
		QueueSize:  cfg.Payments.QueueSize,
		MaxRetries: 5,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reconciler.Run(ctx)

	// Retention of closed sessions
	retention, err := usage.NewRetentionScheduler(
		store.Sessions(),
		cfg.Metering.RetentionTime,
		cfg.Metering.SessionRetentionDays,
		nil,
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize retention scheduler: %w", err)
	}
	retention.Start()

	// Operator policy
	var authorizer *policy.Authorizer
	if cfg.Admin.Enabled {
		authorizer, err = policy.NewAuthorizer(cfg.Admin.PolicyDir, cfg.Admin.AdminEmails, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize operator policy: %w", err)
		}
	}

	// API server
	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort)
	apiServer := api.NewServer(api.Config{
		ListenAddr:      apiAddr,
		ReadTimeout:     parseDuration(cfg.Server.ReadTimeout, 15*time.Second),
		WriteTimeout:    parseDuration(cfg.Server.WriteTimeout, 60*time.Second),
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		RateLimit:       cfg.Server.RateLimit,
		RateLimitWindow: parseDuration(cfg.Server.RateLimitWindow, time.Minute),
		SignatureHeader: cfg.Payments.SignatureHeader,
	}, api.Deps{
		Identity:   verifier,
		Ledger:     l,
		Sessions:   manager,
		Reconciler: reconciler,
		Webhooks:   topup.NewVerifier(cfg.Payments.WebhookSecret, parseDuration(cfg.Payments.Tolerance, topup.DefaultTolerance)),
		Hub:        hub,
		Authorizer: authorizer,
	}, logger)

	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}

	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = metrics.NewServer(metricsAddr, logger)

		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}

		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}
	}

	logger.Info().
		Str("api", apiAddr).
		Int("metrics_port", cfg.Server.MetricsPort).
		Bool("admin", authorizer != nil).
		Msg("lunameter startup complete")

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}
	go func() {
		if err := systemd.RunWatchdog(ctx); err != nil {
			logger.Warn().Err(err).Msg("systemd watchdog disabled")
		}
	}()

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")
			break
		}

		if authorizer == nil {
			continue
		}
		logger.Info().Msg("SIGHUP received, reloading operator policy...")
		_ = systemd.NotifyReloading()
		if err := authorizer.Reload(); err != nil {
			logger.Error().Err(err).Msg("Failed to reload operator policy")
		} else {
			logger.Info().Msg("Operator policy reloaded successfully")
		}
		_ = systemd.NotifyReady()
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// Stop taking requests first, then stop metering. Sessions that are
	// still open resume from storage on the next start.
	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}

	manager.Stop()
	retention.Stop()
	cancel()

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("lunameter stopped")

	return nil
}

func conversationConfig(cfg config.ConversationConfig) conversation.Config {
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return conversation.Config{
		BaseURL:        cfg.BaseURL,
		APIKey:         cfg.APIKey,
		Model:          cfg.Model,
		MaxTokens:      cfg.MaxTokens,
		SystemPrompt:   cfg.SystemPrompt,
		Timeout:        parseDuration(cfg.Timeout, 60*time.Second),
		MaxRetries:     uint64(retries),
		InitialBackoff: parseDuration(cfg.InitialBackoff, 500*time.Millisecond),
	}
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "bolt":
		return bolt.Open(cfg.Path)
	case "sqlite":
		return sqlite.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
