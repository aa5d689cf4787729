package cardsync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines client sync configuration.
type Config struct {
	// Device groups the local device identity.
	Device DeviceConfig `json:"device" yaml:"device"`

	// Sync groups reconciliation policy.
	Sync SyncConfig `json:"sync" yaml:"sync"`

	// Transport groups remote authority connection settings.
	Transport TransportConfig `json:"transport" yaml:"transport"`

	// Storage groups local persistence settings.
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Retry configures transport retry behavior.
	Retry RetryConfig `json:"retry" yaml:"retry"`
}

// DeviceConfig groups device identity settings.
type DeviceConfig struct {
	// DeviceID uniquely identifies this install. Generated on first run if
	// empty.
	DeviceID string `json:"device_id" yaml:"device_id"`

	// UserID scopes persisted data on shared devices. Empty means a single
	// global scope.
	UserID string `json:"user_id" yaml:"user_id"`
}

// TransportConfig groups remote authority settings.
type TransportConfig struct {
	// Endpoint is the HTTP base URL of the remote authority.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// WebSocketURL, if set, selects the WebSocket transport instead of HTTP.
	WebSocketURL string `json:"websocket_url" yaml:"websocket_url"`

	// Timeout bounds one sync exchange.
	// Default: 30s.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// Compress enables snappy request encoding on the HTTP transport.
	Compress bool `json:"compress" yaml:"compress"`
}

// StorageConfig groups local persistence settings.
type StorageConfig struct {
	// Backend selects the key-value backend: "sqlite", "file", "memory",
	// or "s3". Default: sqlite.
	Backend string `json:"backend" yaml:"backend"`

	// Path is the database file (sqlite) or base directory (file).
	Path string `json:"path" yaml:"path"`

	// SQLite holds backend-specific tuning when Backend is "sqlite".
	SQLite SQLiteStoreConfig `json:"sqlite" yaml:"sqlite"`

	// S3 holds backend-specific settings when Backend is "s3". Required
	// for that backend.
	S3 *S3StoreConfig `json:"s3,omitempty" yaml:"s3,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Sync: DefaultSyncConfig(),
		Transport: TransportConfig{
			Timeout:  30 * time.Second,
			Compress: true,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "cardsync.db",
			SQLite:  DefaultSQLiteStoreConfig(),
		},
		Retry: DefaultRetryConfig(),
	}
}

// LoadConfig reads a YAML config file over the defaults. Absent fields keep
// their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "", "sqlite", "file", "memory":
	case "s3":
		if c.Storage.S3 == nil {
			return fmt.Errorf("s3 backend requires the storage.s3 section")
		}
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("s3 backend requires storage.s3.bucket")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Transport.Endpoint == "" && c.Transport.WebSocketURL == "" {
		return fmt.Errorf("transport endpoint or websocket_url is required")
	}
	if c.Sync.Cooldown < 0 {
		return fmt.Errorf("sync cooldown must not be negative")
	}
	if c.Sync.StalenessThreshold < 0 {
		return fmt.Errorf("sync staleness_threshold must not be negative")
	}
	return nil
}

// OpenKeyValueStore builds the configured key-value backend, wrapped in the
// user scope when a user id is set.
func (c *Config) OpenKeyValueStore() (KeyValueStore, error) {
	var (
		kv  KeyValueStore
		err error
	)
	switch c.Storage.Backend {
	case "", "sqlite":
		sqliteCfg := c.Storage.SQLite
		if c.Storage.Path != "" {
			sqliteCfg.Path = c.Storage.Path
		}
		kv, err = NewSQLiteStore(sqliteCfg)
	case "file":
		kv, err = NewFileStore(c.Storage.Path)
	case "memory":
		kv = NewMemoryStore()
	case "s3":
		if c.Storage.S3 == nil {
			return nil, fmt.Errorf("s3 backend requires the storage.s3 section")
		}
		kv, err = NewS3Store(*c.Storage.S3)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if err != nil {
		return nil, err
	}
	if c.Device.UserID != "" {
		return NewScopedStore(kv, c.Device.UserID), nil
	}
	return kv, nil
}

// BuildTransport builds the configured sync transport.
func (c *Config) BuildTransport() SyncTransport {
	if c.Transport.WebSocketURL != "" {
		wsCfg := DefaultWebSocketTransportConfig(c.Transport.WebSocketURL)
		if c.Transport.Timeout > 0 {
			wsCfg.ExchangeTimeout = c.Transport.Timeout
		}
		return NewWebSocketTransport(wsCfg)
	}
	httpCfg := DefaultHTTPTransportConfig(c.Transport.Endpoint)
	httpCfg.Timeout = c.Transport.Timeout
	httpCfg.Compress = c.Transport.Compress
	httpCfg.Retry = c.Retry
	return NewHTTPTransport(httpCfg)
}
