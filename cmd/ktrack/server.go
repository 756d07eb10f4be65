package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/goodtune/ktrack/internal/activity"
	"github.com/goodtune/ktrack/internal/api"
	"github.com/goodtune/ktrack/internal/config"
	"github.com/goodtune/ktrack/internal/detector"
	"github.com/goodtune/ktrack/internal/metrics"
	"github.com/goodtune/ktrack/internal/privacy"
	"github.com/goodtune/ktrack/internal/privacy/opa"
	"github.com/goodtune/ktrack/internal/storage"
	"github.com/goodtune/ktrack/internal/storage/redis"
	"github.com/goodtune/ktrack/internal/storage/sqlite"
	"github.com/goodtune/ktrack/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// minStallAge is the shortest tick age the watchdog treats as a stall.
const minStallAge = 30 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the ktrack daemon",
	Long:  `Start the activity tracker together with the local API and metrics endpoints.`,
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
		Msg("Starting ktrack")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to get systemd listeners")
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

	ctx := context.Background()

	// Initialize privacy rules and the optional rego policy
	rules, policy, err := openPrivacy(ctx, cfg.Privacy, store, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize privacy rules: %w", err)
	}

	// Initialize detectors
	windows := detector.New(detector.Options{
		EnableKWinDBus: cfg.Detector.EnableKWinDBus,
		CommandTimeout: config.ParseDuration(cfg.Detector.CommandTimeout, detector.DefaultCommandTimeout),
	}, logger)
	idle := detector.NewIdle(cfg.Tracker.IdleEnabled, logger)

	caps := windows.Capabilities(ctx)
	logger.Info().
		Str("session_type", caps.SessionType).
		Str("backend", caps.PreferredBackend).
		Bool("idle_enabled", cfg.Tracker.IdleEnabled).
		Msg("Detectors initialized")

	// Initialize tracking engine and retention scheduler
	tracker, err := startTracking(store, windows, idle, rules.Filter(), cfg, logger)
	if err != nil {
		return err
	}
	// No-op after the regular shutdown below; flushes on startup failures
	defer tracker.stop(ctx)
	engine := tracker.engine

	// Initialize API server
	apiStopped := false
	apiAddr := net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.APIPort))
	apiServer := api.NewServer(api.Config{
		ListenAddr: apiAddr,
		DBPath:     storageLocation(cfg.Storage),
	}, store, rules, engine, logger)
	apiServer.SetCapabilities(windows, idle)

	// Use systemd socket-activated listener if available
	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}

	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	defer func() {
		if !apiStopped {
			_ = apiServer.Stop()
		}
	}()

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 || sdListeners.Metrics != nil {
		metricsAddr := net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.MetricsPort))
		metricsServer = metrics.NewServer(metricsAddr, logger)
		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}
	}

	// The watchdog only pings while the sampling loop keeps ticking
	stallAge := 5 * engine.Interval()
	if stallAge < minStallAge {
		stallAge = minStallAge
	}
	watchdog, err := systemd.NewWatchdog(func(now time.Time) bool {
		return !engine.Stalled(now, stallAge)
	}, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to configure systemd watchdog")
	}
	if watchdog != nil {
		watchdog.Start()
	}

	logger.Info().Msg("ktrack startup complete")
	logger.Info().Msgf("API: http://%s", apiAddr)

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	// Signal handling loop
	for {
		sig := <-sigChan

		switch sig {
		case syscall.SIGHUP:
			logger.Info().Msg("SIGHUP received, reloading privacy rules...")
			reloadPrivacy(ctx, rules, policy, logger)
			// Continue running
			continue

		case os.Interrupt, syscall.SIGTERM:
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			// Break out of loop to shutdown
		}

		// Only reached on shutdown signals
		break
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if watchdog != nil {
		watchdog.Stop()
	}

	apiStopped = true
	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}

	// Flush the open segment before the store goes away
	tracker.stop(ctx)

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("ktrack stopped")

	return nil
}

// tracking owns the engine and the retention scheduler for one server run.
type tracking struct {
	engine    *activity.Engine
	retention *activity.RetentionScheduler
	timeout   time.Duration
	logger    zerolog.Logger
	once      sync.Once
}

// startTracking builds the engine and the optional retention scheduler and
// starts both. Nothing is running when an error is returned.
func startTracking(store storage.Store, source activity.ObservationSource, idle activity.IdleSource, matcher privacy.Matcher, cfg *config.Config, logger zerolog.Logger) (*tracking, error) {
	engine := activity.NewEngine(store.Sessions(), source, idle, matcher, activity.Config{
		Interval:               config.ParseDuration(cfg.Tracker.Interval, activity.DefaultInterval),
		DisableIdle:            !cfg.Tracker.IdleEnabled,
		IdleThreshold:          config.ParseDuration(cfg.Tracker.IdleThreshold, activity.DefaultIdleThreshold),
		EffectiveIdleThreshold: config.ParseDuration(cfg.Tracker.EffectiveIdleThreshold, activity.DefaultEffectiveIdleThreshold),
		SleepGapThreshold:      config.ParseDuration(cfg.Tracker.SleepGapThreshold, activity.DefaultSleepGapThreshold),
		StopTimeout:            config.ParseDuration(cfg.Tracker.StopTimeout, activity.DefaultStopTimeout),
		DetectTimeout:          config.ParseDuration(cfg.Tracker.DetectTimeout, activity.DefaultDetectTimeout),
	}, logger)

	// Disabled when retention_days is 0
	var retention *activity.RetentionScheduler
	if cfg.Storage.RetentionDays > 0 {
		var err error
		retention, err = activity.NewRetentionScheduler(store.Sessions(), cfg.Storage.RetentionDays, cfg.Tracker.RetentionTime, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize retention scheduler: %w", err)
		}
	}

	engine.Start()
	if retention != nil {
		retention.Start()
	}

	return &tracking{
		engine:    engine,
		retention: retention,
		timeout:   config.ParseDuration(cfg.Tracker.StopTimeout, activity.DefaultStopTimeout),
		logger:    logger,
	}, nil
}

// stop halts retention, then stops the engine with its final flush. Only
// the first call does anything.
func (t *tracking) stop(ctx context.Context) {
	t.once.Do(func() {
		if t.retention != nil {
			t.retention.Stop()
		}

		stopCtx, cancel := context.WithTimeout(ctx, 2*t.timeout)
		defer cancel()
		if err := t.engine.Stop(stopCtx); err != nil {
			t.logger.Error().Err(err).Msg("Failed to flush open segment")
		}
	})
}

// reloadPrivacy re-reads the rego policy and the stored rules.
func reloadPrivacy(ctx context.Context, rules *privacy.Manager, policy *opa.Policy, logger zerolog.Logger) {
	if err := systemd.NotifyReloading(); err != nil {
		logger.Debug().Err(err).Msg("Failed to send systemd reloading notification")
	}

	if policy != nil {
		if err := policy.Reload(); err != nil {
			logger.Error().Err(err).Msg("Failed to reload privacy policy")
		} else {
			// Drop memoized decisions made by the previous policy
			rules.Filter().SetPolicy(policy)
		}
	}

	if loaded, err := rules.Refresh(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to reload privacy rules")
	} else {
		logger.Info().Int("rules", len(loaded)).Msg("Privacy rules reloaded successfully")
	}

	if err := systemd.NotifyReady(); err != nil {
		logger.Debug().Err(err).Msg("Failed to send systemd ready notification")
	}
}

// openPrivacy builds the privacy filter and loads the stored rules into it.
func openPrivacy(ctx context.Context, cfg config.PrivacyConfig, store storage.Store, logger zerolog.Logger) (*privacy.Manager, *opa.Policy, error) {
	filter := privacy.NewFilter(cfg.CacheSize, logger)

	var policy *opa.Policy
	if cfg.PolicyDir != "" {
		var err error
		policy, err = opa.Load(cfg.PolicyDir, logger)
		if err != nil {
			return nil, nil, err
		}
		filter.SetPolicy(policy)
		logger.Info().
			Str("policy_dir", cfg.PolicyDir).
			Int("files", policy.Files()).
			Msg("Privacy policy loaded")
	}

	rules := privacy.NewManager(store.PrivacyRules(), filter, logger)
	if _, err := rules.Refresh(ctx); err != nil {
		return nil, nil, err
	}
	return rules, policy, nil
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "sqlite"
	}

	switch storageType {
	case "sqlite":
		return sqlite.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (must be 'sqlite' or 'redis')", storageType)
	}
}

// storageLocation describes where sessions are kept, for health output.
func storageLocation(cfg config.StorageConfig) string {
	if cfg.Type == "redis" {
		return fmt.Sprintf("redis://%s/%d", net.JoinHostPort(cfg.Redis.Host, strconv.Itoa(cfg.Redis.Port)), cfg.Redis.DB)
	}
	return cfg.Path
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
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

	// Set output format
	if cfg.Format == "json" {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}
