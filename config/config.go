// Package config loads relaykit's configuration surface (spec §6) from
// environment variables or a local .env file, following the teacher's
// LoadConfig[T] pattern.
package config

import (
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nostrlayer/relaykit/cache"
	"github.com/nostrlayer/relaykit/connection"
	"github.com/nostrlayer/relaykit/overlay"
	"github.com/nostrlayer/relaykit/pool"
)

// PoolConfig is the Pool's env-driven configuration surface.
type PoolConfig struct {
	MaxConnections     int           `env:"MAX_CONNECTIONS" envDefault:"64"`
	MinHealth          float64       `env:"MIN_HEALTH" envDefault:"0.3"`
	PublishAckTimeout  time.Duration `env:"PUBLISH_ACK_TIMEOUT" envDefault:"5s"`
	AutoDiscoverRelays bool          `env:"AUTO_DISCOVER_RELAYS" envDefault:"true"`
}

// ToPoolConfig merges c onto the given connection.Config to build a
// pool.Config.
func (c PoolConfig) ToPoolConfig(connCfg connection.Config) pool.Config {
	return pool.Config{
		MaxConnections:     c.MaxConnections,
		MinHealth:          c.MinHealth,
		PublishAckTimeout:  c.PublishAckTimeout,
		AutoDiscoverRelays: c.AutoDiscoverRelays,
		ConnectionConfig:   connCfg,
	}
}

// ResilienceConfig covers per-connection backoff/heartbeat tuning,
// spec §6's Resilience surface.
type ResilienceConfig struct {
	InitialReconnectDelay time.Duration `env:"INITIAL_RECONNECT_DELAY" envDefault:"1s"`
	MaxReconnectDelay     time.Duration `env:"MAX_RECONNECT_DELAY" envDefault:"1m"`
	BackoffMultiplier     float64       `env:"BACKOFF_MULTIPLIER" envDefault:"2.0"`
	JitterFraction        float64       `env:"JITTER_FRACTION" envDefault:"0.3"`
	MaxReconnectAttempts  int           `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"0"`
	AutoReconnect         bool          `env:"AUTO_RECONNECT" envDefault:"true"`
	HeartbeatInterval     time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout      time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"10s"`
	InboundBuffer         int           `env:"INBOUND_BUFFER" envDefault:"100"`
}

// ToConnectionConfig builds a connection.Config from r.
func (r ResilienceConfig) ToConnectionConfig() connection.Config {
	return connection.Config{
		InitialReconnectDelay: r.InitialReconnectDelay,
		MaxReconnectDelay:     r.MaxReconnectDelay,
		BackoffMultiplier:     r.BackoffMultiplier,
		JitterFraction:        r.JitterFraction,
		MaxReconnectAttempts:  r.MaxReconnectAttempts,
		AutoReconnect:         r.AutoReconnect,
		HeartbeatInterval:     r.HeartbeatInterval,
		HeartbeatTimeout:      r.HeartbeatTimeout,
		InboundBuffer:         r.InboundBuffer,
	}
}

// CacheConfig is the EventCache's env-driven configuration surface.
type CacheConfig struct {
	MaxMemoryEvents int           `env:"MAX_MEMORY_EVENTS" envDefault:"10000"`
	MaxEventAge     time.Duration `env:"MAX_EVENT_AGE" envDefault:"720h"`
	AutoCleanup     bool          `env:"AUTO_CLEANUP" envDefault:"true"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`

	DiskDir     string `env:"CACHE_DISK_DIR"`
	DiskMaxSize int64  `env:"CACHE_DISK_MAX_SIZE"`
}

// ToCacheConfig builds a cache.Config from c. Persistence is disk-backed
// only when DiskDir is set, per spec §6's memory|disk{dir,max_size}
// variant.
func (c CacheConfig) ToCacheConfig() cache.Config {
	cfg := cache.Config{
		MaxMemoryEvents: c.MaxMemoryEvents,
		MaxEventAge:     c.MaxEventAge,
		AutoCleanup:     c.AutoCleanup,
		CleanupInterval: c.CleanupInterval,
	}
	if c.DiskDir != "" {
		cfg.Disk = &cache.DiskConfig{Dir: c.DiskDir, MaxSize: c.DiskMaxSize}
	}
	return cfg
}

// OverlayConfig is the NIP-46/NIP-47 overlay's env-driven configuration
// surface.
type OverlayConfig struct {
	RequestTimeout       time.Duration `env:"OVERLAY_REQUEST_TIMEOUT" envDefault:"30s"`
	RateLimitPerMinute   int           `env:"OVERLAY_RATE_LIMIT_PER_MINUTE" envDefault:"30"`
	MaxReconnectAttempts int           `env:"OVERLAY_MAX_RECONNECT_ATTEMPTS" envDefault:"0"`
}

// RateLimiter builds a fresh overlay.RateLimiter from o's configured rate.
func (o OverlayConfig) RateLimiter() *overlay.RateLimiter {
	return overlay.NewRateLimiter(o.RateLimitPerMinute)
}

// RelayListConfig is a minimal bootstrap surface: the set of relays to
// connect to at startup, kept separate from the tuning knobs above so
// it can also be loaded from a YAML file via LoadRelayListFile.
type RelayListConfig struct {
	NostrRelays []string `env:"NOSTR_RELAYS" envSeparator:";"`
}

// RelayListFile is the YAML document cmd/relaykit reads with
// --relays-file, an alternative to repeating --relay flags or setting
// NOSTR_RELAYS for a static list of relays and their pool metadata.
type RelayListFile struct {
	Relays []RelayEntry `yaml:"relays"`
}

// RelayEntry names one relay's URL and its pool read/write/primary role.
type RelayEntry struct {
	URL     string `yaml:"url"`
	Read    bool   `yaml:"read"`
	Write   bool   `yaml:"write"`
	Primary bool   `yaml:"primary"`
}

// LoadRelayListFile reads a RelayListFile from a YAML document at path.
func LoadRelayListFile(path string) (*RelayListFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var list RelayListFile
	if err := yaml.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Load loads configuration of type T from a local .env file (checked in
// the user's home directory, then the working directory) falling back
// to plain OS environment variables, mirroring the teacher's
// LoadConfig[T].
func Load[T any]() (*T, error) {
	if homeDir, err := os.UserHomeDir(); err == nil {
		if _, statErr := os.Stat(homeDir + "/.env"); statErr == nil {
			return loadFromEnv[T](homeDir + "/.env")
		}
	}
	if _, err := os.Stat(".env"); err == nil {
		return loadFromEnv[T]("")
	}
	return loadFromEnv[T]("")
}

func loadFromEnv[T any](path string) (*T, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			slog.Debug("config: no .env file loaded, using process environment", "path", path, "error", err)
		}
	} else if err := godotenv.Load(); err != nil {
		slog.Debug("config: no .env file in working directory, using process environment")
	}

	cfg, err := env.ParseAs[T]()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
