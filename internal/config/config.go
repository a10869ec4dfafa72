// Package config resolves process configuration from flags, TETHER_* env
// vars, an optional yaml file and defaults, in that priority order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/victorarias/tether/internal/logging"
)

const EnvPrefix = "TETHER"

// Keys understood in the config file and as TETHER_<KEY> env vars.
const (
	KeyDataDir            = "data_dir"
	KeyStore              = "store"
	KeyDBPath             = "db_path"
	KeyRedisAddr          = "redis_addr"
	KeyRedisPrefix        = "redis_prefix"
	KeySocketPath         = "socket_path"
	KeyWorkerSocketPath   = "worker_socket_path"
	KeyRegistryPath       = "registry_path"
	KeyWatchdogInterval   = "watchdog_interval"
	KeyHeartbeatInterval  = "heartbeat_interval"
	KeyConfigPollInterval = "config_poll_interval"
	KeyCaptureTimeout     = "capture_timeout"
	KeyMetricsAddr        = "metrics_addr"
	KeyWorkerMetricsAddr  = "worker_metrics_addr"
	KeySlackToken         = "slack_token"
	KeySlackChannel       = "slack_channel"
	KeyLogLevel           = "log_level"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

type Config struct {
	DataDir     string
	Store       string
	DBPath      string
	RedisAddr   string
	RedisPrefix string

	SocketPath       string
	WorkerSocketPath string
	RegistryPath     string

	WatchdogInterval   time.Duration
	HeartbeatInterval  time.Duration
	ConfigPollInterval time.Duration
	CaptureTimeout     time.Duration

	MetricsAddr       string
	WorkerMetricsAddr string
	SlackToken        string
	SlackChannel      string
	LogLevel          string
}

// SetDefaults registers every key so env lookups work for all of them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyDataDir, logging.DefaultDataDir())
	v.SetDefault(KeyStore, StoreSQLite)
	v.SetDefault(KeyDBPath, "")
	v.SetDefault(KeyRedisAddr, "localhost:6379")
	v.SetDefault(KeyRedisPrefix, "tether:")
	v.SetDefault(KeySocketPath, "")
	v.SetDefault(KeyWorkerSocketPath, "")
	v.SetDefault(KeyRegistryPath, "")
	v.SetDefault(KeyWatchdogInterval, "1m")
	v.SetDefault(KeyHeartbeatInterval, "5s")
	v.SetDefault(KeyConfigPollInterval, "2s")
	v.SetDefault(KeyCaptureTimeout, "60s")
	v.SetDefault(KeyMetricsAddr, "")
	v.SetDefault(KeyWorkerMetricsAddr, "")
	v.SetDefault(KeySlackToken, "")
	v.SetDefault(KeySlackChannel, "")
	v.SetDefault(KeyLogLevel, "info")
}

// NewViper returns a viper with defaults, env binding and, when present,
// the config file loaded. A missing file is not an error.
func NewViper(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	if err := Setup(v, file); err != nil {
		return nil, err
	}
	return v, nil
}

// Setup binds TETHER_* env vars and reads file (DefaultFile when empty)
// into v.
func Setup(v *viper.Viper, file string) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file == "" {
		file = DefaultFile()
	}
	v.SetConfigFile(file)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read config %s: %w", file, err)
		}
	}
	return nil
}

// Load reads all values from v. Paths left empty are placed under the data
// dir.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		DataDir:            v.GetString(KeyDataDir),
		Store:              strings.ToLower(strings.TrimSpace(v.GetString(KeyStore))),
		DBPath:             v.GetString(KeyDBPath),
		RedisAddr:          v.GetString(KeyRedisAddr),
		RedisPrefix:        v.GetString(KeyRedisPrefix),
		SocketPath:         v.GetString(KeySocketPath),
		WorkerSocketPath:   v.GetString(KeyWorkerSocketPath),
		RegistryPath:       v.GetString(KeyRegistryPath),
		WatchdogInterval:   v.GetDuration(KeyWatchdogInterval),
		HeartbeatInterval:  v.GetDuration(KeyHeartbeatInterval),
		ConfigPollInterval: v.GetDuration(KeyConfigPollInterval),
		CaptureTimeout:     v.GetDuration(KeyCaptureTimeout),
		MetricsAddr:        v.GetString(KeyMetricsAddr),
		WorkerMetricsAddr:  v.GetString(KeyWorkerMetricsAddr),
		SlackToken:         v.GetString(KeySlackToken),
		SlackChannel:       v.GetString(KeySlackChannel),
		LogLevel:           v.GetString(KeyLogLevel),
	}
	if cfg.DataDir == "" {
		cfg.DataDir = logging.DefaultDataDir()
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "tether.db")
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(cfg.DataDir, "controller.sock")
	}
	if cfg.WorkerSocketPath == "" {
		cfg.WorkerSocketPath = filepath.Join(cfg.DataDir, "worker.sock")
	}
	if cfg.RegistryPath == "" {
		cfg.RegistryPath = filepath.Join(cfg.DataDir, "worker.json")
	}

	switch cfg.Store {
	case StoreSQLite, StoreMemory:
	case StoreRedis:
		if cfg.RedisAddr == "" {
			return Config{}, errors.New("store redis requires redis_addr")
		}
	default:
		return Config{}, fmt.Errorf("unknown store %q (want sqlite, redis or memory)", cfg.Store)
	}
	for key, d := range map[string]time.Duration{
		KeyWatchdogInterval:   cfg.WatchdogInterval,
		KeyHeartbeatInterval:  cfg.HeartbeatInterval,
		KeyConfigPollInterval: cfg.ConfigPollInterval,
		KeyCaptureTimeout:     cfg.CaptureTimeout,
	} {
		if d <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", key)
		}
	}
	return cfg, nil
}

// LogPath returns the log file for a process name ("controller", "worker").
func (c Config) LogPath(name string) string {
	return logging.LogPath(c.DataDir, name)
}

// DefaultFile is ~/.tether/config.yaml.
func DefaultFile() string {
	return filepath.Join(logging.DefaultDataDir(), "config.yaml")
}

// fileConfig is the on-disk layout written by WriteDefault.
type fileConfig struct {
	DataDir            string `yaml:"data_dir"`
	Store              string `yaml:"store"`
	RedisAddr          string `yaml:"redis_addr"`
	RedisPrefix        string `yaml:"redis_prefix"`
	WatchdogInterval   string `yaml:"watchdog_interval"`
	HeartbeatInterval  string `yaml:"heartbeat_interval"`
	ConfigPollInterval string `yaml:"config_poll_interval"`
	CaptureTimeout     string `yaml:"capture_timeout"`
	MetricsAddr        string `yaml:"metrics_addr"`
	WorkerMetricsAddr  string `yaml:"worker_metrics_addr"`
	SlackChannel       string `yaml:"slack_channel"`
	LogLevel           string `yaml:"log_level"`
}

const fileHeader = `# tether configuration
# Priority: flag > TETHER_<KEY> env var > this file > default.
# Paths (db_path, socket_path, worker_socket_path, registry_path) default to
# files under data_dir. Keep slack_token in the environment.

`

// WriteDefault writes a config file holding the current values of v. It
// refuses to overwrite an existing file unless force is set.
func WriteDefault(path string, v *viper.Viper, force bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", path, err)
		}
	}

	fc := fileConfig{
		DataDir:            v.GetString(KeyDataDir),
		Store:              v.GetString(KeyStore),
		RedisAddr:          v.GetString(KeyRedisAddr),
		RedisPrefix:        v.GetString(KeyRedisPrefix),
		WatchdogInterval:   v.GetDuration(KeyWatchdogInterval).String(),
		HeartbeatInterval:  v.GetDuration(KeyHeartbeatInterval).String(),
		ConfigPollInterval: v.GetDuration(KeyConfigPollInterval).String(),
		CaptureTimeout:     v.GetDuration(KeyCaptureTimeout).String(),
		MetricsAddr:        v.GetString(KeyMetricsAddr),
		WorkerMetricsAddr:  v.GetString(KeyWorkerMetricsAddr),
		SlackChannel:       v.GetString(KeySlackChannel),
		LogLevel:           v.GetString(KeyLogLevel),
	}
	body, err := yaml.Marshal(fc)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(fileHeader), body...), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
