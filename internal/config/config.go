package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Tracker  TrackerConfig  `mapstructure:"tracker"`
	Detector DetectorConfig `mapstructure:"detector"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Privacy  PrivacyConfig  `mapstructure:"privacy"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	APIPort     int    `mapstructure:"api_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// TrackerConfig defines segmentation engine settings
type TrackerConfig struct {
	Interval               string `mapstructure:"interval"`
	IdleEnabled            bool   `mapstructure:"idle_enabled"`
	IdleThreshold          string `mapstructure:"idle_threshold"`
	EffectiveIdleThreshold string `mapstructure:"effective_idle_threshold"`
	SleepGapThreshold      string `mapstructure:"sleep_gap_threshold"`
	StopTimeout            string `mapstructure:"stop_timeout"`
	DetectTimeout          string `mapstructure:"detect_timeout"`
	RetentionTime          string `mapstructure:"retention_time"` // HH:MM, local time
}

// DetectorConfig defines focused window detection settings
type DetectorConfig struct {
	EnableKWinDBus bool   `mapstructure:"enable_kwin_dbus"`
	CommandTimeout string `mapstructure:"command_timeout"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type          string      `mapstructure:"type"` // "sqlite" or "redis"
	Path          string      `mapstructure:"path"`
	RetentionDays int         `mapstructure:"retention_days"`
	Redis         RedisConfig `mapstructure:"redis"`
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

// PrivacyConfig defines privacy filter settings
type PrivacyConfig struct {
	PolicyDir string `mapstructure:"policy_dir"` // optional directory of .rego files
	CacheSize int    `mapstructure:"cache_size"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("KTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
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
	v.SetDefault("server.bind_address", "127.0.0.1")
	v.SetDefault("server.api_port", 8765)
	v.SetDefault("server.metrics_port", 9090)

	// Tracker defaults
	v.SetDefault("tracker.interval", "2s")
	v.SetDefault("tracker.idle_enabled", true)
	v.SetDefault("tracker.idle_threshold", "60s")
	v.SetDefault("tracker.effective_idle_threshold", "8s")
	v.SetDefault("tracker.sleep_gap_threshold", "90s")
	v.SetDefault("tracker.stop_timeout", "3s")
	v.SetDefault("tracker.detect_timeout", "2500ms")
	v.SetDefault("tracker.retention_time", "03:30")

	// Detector defaults
	v.SetDefault("detector.enable_kwin_dbus", false)
	v.SetDefault("detector.command_timeout", "1500ms")

	// Storage defaults
	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.path", defaultStoragePath())
	v.SetDefault("storage.retention_days", 0)
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Privacy defaults
	v.SetDefault("privacy.policy_dir", "")
	v.SetDefault("privacy.cache_size", 512)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Defaults returns the configuration used when no file or environment
// overrides are present.
func Defaults() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal defaults: %w", err)
	}
	return &config, nil
}

// Keys returns the set of recognised configuration keys.
func Keys() map[string]bool {
	v := viper.New()
	setDefaults(v)

	keys := make(map[string]bool)
	for _, key := range v.AllKeys() {
		keys[key] = true
	}
	return keys
}

// defaultStoragePath follows the XDG data directory convention.
func defaultStoragePath() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "ktrack", "ktrack.db")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "ktrack", "ktrack.db")
	}
	return "ktrack.db"
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	for name, value := range map[string]string{
		"tracker.interval":                 cfg.Tracker.Interval,
		"tracker.idle_threshold":           cfg.Tracker.IdleThreshold,
		"tracker.effective_idle_threshold": cfg.Tracker.EffectiveIdleThreshold,
		"tracker.sleep_gap_threshold":      cfg.Tracker.SleepGapThreshold,
		"tracker.stop_timeout":             cfg.Tracker.StopTimeout,
		"tracker.detect_timeout":           cfg.Tracker.DetectTimeout,
		"detector.command_timeout":         cfg.Detector.CommandTimeout,
	} {
		if value == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil || d < 0 {
			return fmt.Errorf("invalid duration for %s: %q", name, value)
		}
	}

	if _, err := time.Parse("15:04", cfg.Tracker.RetentionTime); err != nil {
		return fmt.Errorf("invalid tracker.retention_time %q (expected HH:MM)", cfg.Tracker.RetentionTime)
	}

	if cfg.Storage.RetentionDays < 0 {
		return fmt.Errorf("storage.retention_days must not be negative")
	}

	cfg.Storage.Type = strings.ToLower(strings.TrimSpace(cfg.Storage.Type))
	switch cfg.Storage.Type {
	case "", "sqlite":
		cfg.Storage.Type = "sqlite"
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required")
		}
	default:
		return fmt.Errorf("unknown storage type: %s (must be sqlite or redis)", cfg.Storage.Type)
	}

	if cfg.Privacy.CacheSize < 0 {
		return fmt.Errorf("privacy.cache_size must not be negative")
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json", "":
	default:
		return fmt.Errorf("invalid logging format: %s (must be text or json)", cfg.Logging.Format)
	}

	return nil
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
