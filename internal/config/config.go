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
	Economy    EconomyConfig    `mapstructure:"economy"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Lock       LockConfig       `mapstructure:"lock"`
	Inactivity InactivityConfig `mapstructure:"inactivity"`
	Usage      UsageConfig      `mapstructure:"usage_tracking"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Mirror     MirrorConfig     `mapstructure:"mirror"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// EconomyConfig defines the earned-time economy parameters
type EconomyConfig struct {
	DivideRate           float64       `mapstructure:"divide_rate"`
	FirstRunGrantSeconds float64       `mapstructure:"first_run_grant_seconds"`
	TempGrantSeconds     float64       `mapstructure:"temp_grant_seconds"`
	StreakBoundary       time.Duration `mapstructure:"streak_boundary"`
	StreakBonusSeconds   float64       `mapstructure:"streak_bonus_seconds"`
	AllowNegative        bool          `mapstructure:"allow_negative"`
}

// MonitorConfig defines foreground event classification settings
type MonitorConfig struct {
	SelfPackage       string        `mapstructure:"self_package"`
	ExcludedPackages  []string      `mapstructure:"excluded_packages"`
	LauncherPackages  []string      `mapstructure:"launcher_packages"`
	LauncherHomeClass string        `mapstructure:"launcher_home_class"`
	NoiseClasses      []string      `mapstructure:"noise_classes"`
	HomeSuppression   time.Duration `mapstructure:"home_suppression"`
	ContentThrottle   time.Duration `mapstructure:"content_throttle"`
}

// LockConfig defines lock enforcement settings
type LockConfig struct {
	DebounceWindow time.Duration `mapstructure:"debounce_window"`
	StaleOverlay   time.Duration `mapstructure:"stale_overlay"`
}

// InactivityConfig defines the spending inactivity watchdog
type InactivityConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// UsageConfig defines usage session recording settings
type UsageConfig struct {
	MinSessionDuration time.Duration `mapstructure:"min_session_duration"`
	RetainSessions     int           `mapstructure:"retain_sessions"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// MirrorConfig defines the remote balance mirror and command channel
type MirrorConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	RedisAddr    string        `mapstructure:"redis_addr"`
	RedisDB      int           `mapstructure:"redis_db"`
	DeviceID     string        `mapstructure:"device_id"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PushInterval time.Duration `mapstructure:"push_interval"`
}

// BridgeConfig defines the platform event bridge socket
type BridgeConfig struct {
	SocketPath     string        `mapstructure:"socket_path"`
	UpdateInterval time.Duration `mapstructure:"update_interval"`
}

// MetricsConfig defines the metrics endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("TIMEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Economy defaults
	v.SetDefault("economy.divide_rate", 3.0)
	v.SetDefault("economy.first_run_grant_seconds", 10800.0)
	v.SetDefault("economy.temp_grant_seconds", 300.0)
	v.SetDefault("economy.streak_boundary", "1h")
	v.SetDefault("economy.streak_bonus_seconds", 600.0)
	v.SetDefault("economy.allow_negative", false)

	// Monitor defaults
	v.SetDefault("monitor.self_package", "org.goodtune.timegate")
	v.SetDefault("monitor.excluded_packages", []string{})
	v.SetDefault("monitor.launcher_packages", []string{})
	v.SetDefault("monitor.launcher_home_class", "")
	v.SetDefault("monitor.noise_classes", []string{
		"android.widget.TextView",
		"android.widget.FrameLayout",
	})
	v.SetDefault("monitor.home_suppression", "500ms")
	v.SetDefault("monitor.content_throttle", "1s")

	// Lock defaults
	v.SetDefault("lock.debounce_window", "1s")
	v.SetDefault("lock.stale_overlay", "5s")

	// Inactivity defaults
	v.SetDefault("inactivity.check_interval", "30s")
	v.SetDefault("inactivity.timeout", "5m")

	// Usage tracking defaults
	v.SetDefault("usage_tracking.min_session_duration", "1s")
	v.SetDefault("usage_tracking.retain_sessions", 500)

	// Storage defaults
	v.SetDefault("storage.path", "/var/lib/timegate/timegate.bolt")

	// Mirror defaults
	v.SetDefault("mirror.enabled", false)
	v.SetDefault("mirror.redis_addr", "localhost:6379")
	v.SetDefault("mirror.redis_db", 0)
	v.SetDefault("mirror.device_id", "default")
	v.SetDefault("mirror.poll_interval", "5s")
	v.SetDefault("mirror.push_interval", "1s")

	// Bridge defaults
	v.SetDefault("bridge.socket_path", "/run/timegate/bridge.sock")
	v.SetDefault("bridge.update_interval", "1s")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", ":9090")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Economy.DivideRate <= 0 {
		return fmt.Errorf("divide rate must be positive: %v", cfg.Economy.DivideRate)
	}
	if cfg.Economy.StreakBoundary <= 0 {
		return fmt.Errorf("streak boundary must be positive: %v", cfg.Economy.StreakBoundary)
	}
	if cfg.Lock.DebounceWindow < 0 {
		return fmt.Errorf("debounce window must not be negative: %v", cfg.Lock.DebounceWindow)
	}
	if cfg.Inactivity.CheckInterval <= 0 {
		return fmt.Errorf("inactivity check interval must be positive: %v", cfg.Inactivity.CheckInterval)
	}
	if cfg.Inactivity.Timeout < cfg.Inactivity.CheckInterval {
		return fmt.Errorf("inactivity timeout %v is shorter than the check interval %v",
			cfg.Inactivity.Timeout, cfg.Inactivity.CheckInterval)
	}

	// Validate storage path
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}

	if cfg.Mirror.Enabled {
		if cfg.Mirror.RedisAddr == "" {
			return fmt.Errorf("mirror is enabled but no redis address is configured")
		}
		if cfg.Mirror.PollInterval <= 0 || cfg.Mirror.PushInterval <= 0 {
			return fmt.Errorf("mirror poll and push intervals must be positive: %v / %v",
				cfg.Mirror.PollInterval, cfg.Mirror.PushInterval)
		}
	}

	// Ensure storage directory exists
	storageDir := filepath.Dir(cfg.Storage.Path)
	if err := os.MkdirAll(storageDir, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	return nil
}
