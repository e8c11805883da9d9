// Package config loads daemon and CLI settings from an optional YAML file,
// CUEASIDE_* environment variables, and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/cueaside/internal/infra"
)

// EnvPrefix is prepended to every environment override, e.g. CUEASIDE_POLL_INTERVAL.
const EnvPrefix = "CUEASIDE"

// FileName is the config file looked up in the config directory.
const FileName = "config.yaml"

// ErrNoConfigFile is returned by Watch when there is no file to watch.
var ErrNoConfigFile = errors.New("config file does not exist")

// Config is the resolved configuration.
type Config struct {
	DataDir           string        `mapstructure:"data_dir"`
	LogDir            string        `mapstructure:"log_dir"`
	LogLevel          string        `mapstructure:"log_level"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	MinRecheckDelay   time.Duration `mapstructure:"min_recheck_delay"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	Notifier          string        `mapstructure:"notifier"`
	UseKeyring        bool          `mapstructure:"use_keyring"`
	RetentionDays     int           `mapstructure:"retention_days"`
}

// Level parses LogLevel, defaulting to info.
func (c *Config) Level() zapcore.Level {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("retry_delay must be positive, got %s", c.RetryDelay)
	}
	if c.MinRecheckDelay <= 0 {
		return fmt.Errorf("min_recheck_delay must be positive, got %s", c.MinRecheckDelay)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be at least 1, got %d", c.RetentionDays)
	}
	switch c.Notifier {
	case infra.NotifierAuto, infra.NotifierDesktop, infra.NotifierLog:
	default:
		return fmt.Errorf("notifier must be one of auto, desktop, log; got %q", c.Notifier)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	return nil
}

// Loader reads Config through a private viper instance.
type Loader struct {
	v    *viper.Viper
	path string
}

// DefaultPath returns the config file location for the given paths.
func DefaultPath(paths infra.Paths) string {
	return filepath.Join(paths.ConfigDir, FileName)
}

// NewLoader creates a loader for the file at path. Directory defaults come from paths.
func NewLoader(path string, paths infra.Paths) *Loader {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("data_dir", paths.DataDir)
	v.SetDefault("log_dir", paths.LogDir)
	v.SetDefault("log_level", "info")
	v.SetDefault("poll_interval", 2*time.Second)
	v.SetDefault("retry_delay", 60*time.Second)
	v.SetDefault("min_recheck_delay", time.Second)
	v.SetDefault("heartbeat_interval", 30*time.Second)
	v.SetDefault("notifier", infra.NotifierAuto)
	v.SetDefault("use_keyring", true)
	v.SetDefault("retention_days", 30)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v, path: path}
}

// Path returns the config file path.
func (l *Loader) Path() string {
	return l.path
}

// Load reads the config file (if present) and returns the validated config.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config %s: %w", l.path, err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", l.path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", l.path, err)
	}
	return &cfg, nil
}

// Watch calls fn with the re-read config every time the file changes.
// fn receives an error instead when the new file is invalid.
func (l *Loader) Watch(fn func(*Config, error)) error {
	if _, err := os.Stat(l.path); err != nil {
		return ErrNoConfigFile
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(l.decode())
	})
	l.v.WatchConfig()
	return nil
}
