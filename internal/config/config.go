package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/hylla/ebb/internal/app"
)

// Backend names a storage adapter.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendBadger   Backend = "badger"
	BackendJSONFile Backend = "jsonfile"
)

// Duration is a time.Duration written as a Go duration string ("30s", "1m").
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the standard library value.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Storage StorageConfig `toml:"storage"`
	Queue   QueueConfig   `toml:"queue"`
	Remote  RemoteConfig  `toml:"remote"`
	Server  ServerConfig  `toml:"server"`
	Logging LoggingConfig `toml:"logging"`
}

type StorageConfig struct {
	Backend Backend `toml:"backend"`
	Path    string  `toml:"path"`
}

type QueueConfig struct {
	MaxQueueSize      int      `toml:"max_queue_size"`
	DefaultMaxRetries int      `toml:"default_max_retries"`
	RetryBaseDelay    Duration `toml:"retry_base_delay"`
	HandlerTimeout    Duration `toml:"handler_timeout"`
	SyncInterval      Duration `toml:"sync_interval"`
	SyncBaseDelay     Duration `toml:"sync_base_delay"`
	SyncMaxDelay      Duration `toml:"sync_max_delay"`
	ReconcileTimeout  Duration `toml:"reconcile_timeout"`
	StartOnline       bool     `toml:"start_online"`
}

// RemoteConfig points at the backend. An empty base_url runs the queue without a backend.
type RemoteConfig struct {
	BaseURL           string   `toml:"base_url"`
	Token             string   `toml:"token"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	HealthPath        string   `toml:"health_path"`
	ProbeInterval     Duration `toml:"probe_interval"`
	FailureThreshold  int      `toml:"failure_threshold"`
}

type ServerConfig struct {
	HTTPBind    string `toml:"http_bind"`
	APIEndpoint string `toml:"api_endpoint"`
	MCPEndpoint string `toml:"mcp_endpoint"`
}

type LoggingConfig struct {
	Level   string        `toml:"level"`
	DevFile DevFileConfig `toml:"dev_file"`
}

// DevFileConfig controls the rotated logfmt file written in dev mode.
type DevFileConfig struct {
	Enabled    bool   `toml:"enabled"`
	Dir        string `toml:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

func Default(storagePath string) Config {
	q := app.DefaultQueueConfig()
	return Config{
		Storage: StorageConfig{
			Backend: BackendSQLite,
			Path:    storagePath,
		},
		Queue: QueueConfig{
			MaxQueueSize:      q.MaxQueueSize,
			DefaultMaxRetries: q.DefaultMaxRetries,
			RetryBaseDelay:    Duration(q.RetryBaseDelay),
			HandlerTimeout:    Duration(q.HandlerTimeout),
			SyncInterval:      Duration(q.SyncInterval),
			SyncBaseDelay:     Duration(q.SyncBaseDelay),
			SyncMaxDelay:      Duration(q.SyncMaxDelay),
			ReconcileTimeout:  Duration(q.ReconcileTimeout),
			StartOnline:       q.StartOnline,
		},
		Remote: RemoteConfig{
			RequestsPerSecond: 10,
			HealthPath:        "/healthz",
			ProbeInterval:     Duration(15 * time.Second),
			FailureThreshold:  2,
		},
		Server: ServerConfig{
			HTTPBind:    "127.0.0.1:8080",
			APIEndpoint: "/api/v1",
			MCPEndpoint: "/mcp",
		},
		Logging: LoggingConfig{
			Level: "info",
			DevFile: DevFileConfig{
				Enabled:    true,
				Dir:        ".ebb/log",
				MaxSizeMB:  10,
				MaxBackups: 3,
				MaxAgeDays: 14,
			},
		},
	}
}

func Load(path string, defaults Config) (Config, error) {
	cfg := defaults
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(content) == 0 {
		return cfg, nil
	}

	if err := toml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode toml: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Storage.Backend = Backend(strings.ToLower(strings.TrimSpace(string(c.Storage.Backend))))
	c.Storage.Path = strings.TrimSpace(c.Storage.Path)
	c.Remote.BaseURL = strings.TrimRight(strings.TrimSpace(c.Remote.BaseURL), "/")
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
}

func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendBadger, BackendJSONFile:
	default:
		return fmt.Errorf("invalid storage.backend: %q", c.Storage.Backend)
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}

	if err := c.QueueConfig().Validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	if c.Remote.BaseURL != "" {
		if u, err := url.Parse(c.Remote.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid remote.base_url: %q", c.Remote.BaseURL)
		}
	}
	if c.Remote.RequestsPerSecond < 0 {
		return errors.New("remote.requests_per_second must be >= 0")
	}
	if c.Remote.ProbeInterval < 0 {
		return errors.New("remote.probe_interval must be >= 0")
	}
	if c.Remote.FailureThreshold < 0 {
		return errors.New("remote.failure_threshold must be >= 0")
	}

	for name, endpoint := range map[string]string{
		"server.api_endpoint": c.Server.APIEndpoint,
		"server.mcp_endpoint": c.Server.MCPEndpoint,
	} {
		if !strings.HasPrefix(strings.TrimSpace(endpoint), "/") {
			return fmt.Errorf("%s must start with /: %q", name, endpoint)
		}
	}

	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}
	if c.Logging.DevFile.Enabled && strings.TrimSpace(c.Logging.DevFile.Dir) == "" {
		return errors.New("logging.dev_file.dir is required when enabled")
	}
	if c.Logging.DevFile.MaxSizeMB < 0 || c.Logging.DevFile.MaxBackups < 0 || c.Logging.DevFile.MaxAgeDays < 0 {
		return errors.New("logging.dev_file limits must be >= 0")
	}
	return nil
}

// QueueConfig converts the [queue] table.
func (c Config) QueueConfig() app.QueueConfig {
	return app.QueueConfig{
		MaxQueueSize:      c.Queue.MaxQueueSize,
		DefaultMaxRetries: c.Queue.DefaultMaxRetries,
		RetryBaseDelay:    c.Queue.RetryBaseDelay.Std(),
		HandlerTimeout:    c.Queue.HandlerTimeout.Std(),
		SyncInterval:      c.Queue.SyncInterval.Std(),
		SyncBaseDelay:     c.Queue.SyncBaseDelay.Std(),
		SyncMaxDelay:      c.Queue.SyncMaxDelay.Std(),
		ReconcileTimeout:  c.Queue.ReconcileTimeout.Std(),
		StartOnline:       c.Queue.StartOnline,
	}
}

// Encode writes c as TOML.
func Encode(c Config) ([]byte, error) {
	return toml.Marshal(c)
}

func EnsureConfigDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
