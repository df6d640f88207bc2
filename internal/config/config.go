// Package config holds the YAML-driven configuration for the homeserver
// process: one struct per component plus a Global block of settings shared
// across all of them, following the teacher's config.Global/per-component
// pattern. A Derived block carries values computed once at load time
// (parsed durations and limits) rather than re-derived on every access.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/matrixcore/matrixcore/internal/spec"
)

// Global holds settings every component reads: this server's identity and
// where to find shared infrastructure (database, message bus).
type Global struct {
	ServerName          spec.ServerName `yaml:"server_name"`
	PrivateKeyPath      string          `yaml:"private_key_path"`
	KeyID               string          `yaml:"key_id"`
	TrustedIDServers    []string        `yaml:"trusted_third_party_id_servers"`
	JetStream           JetStream       `yaml:"jetstream"`
	Cache               Cache           `yaml:"cache"`
	Metrics             Metrics         `yaml:"metrics"`
	Sentry              Sentry          `yaml:"sentry"`
	Tracing             Tracing         `yaml:"tracing"`
}

// JetStream configures the internal NATS bus used for C9 fanout.
type JetStream struct {
	Addresses   []string `yaml:"addresses"`
	StoragePath string   `yaml:"storage_path"`
	InMemory    bool     `yaml:"in_memory"`
}

// Cache configures the shared ristretto-backed process cache.
type Cache struct {
	MaxEntries int64 `yaml:"max_entries"`
	MaxCost    int64 `yaml:"max_cost"`
}

// Metrics toggles the Prometheus endpoint.
type Metrics struct {
	Enabled bool `yaml:"enabled"`
}

// Sentry configures error reporting for InvariantViolation and other fatal
// conditions (spec.md §7).
type Sentry struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// Tracing configures distributed tracing across pipeline phases.
type Tracing struct {
	Enabled      bool   `yaml:"enabled"`
	JaegerAgent  string `yaml:"jaeger_agent"`
	ServiceName  string `yaml:"service_name"`
}

// Database configures a storage backend; the storage packages pick SQLite
// or Postgres from ConnectionString's scheme when they open it.
type Database struct {
	ConnectionString string `yaml:"connection_string"`
	MaxOpenConns     int    `yaml:"max_open_conns"`
	MaxIdleConns     int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMS int   `yaml:"conn_max_lifetime_ms"`
}

// RoomServer configures the event pipeline and state engine.
type RoomServer struct {
	Database              Database `yaml:"database"`
	MaxConcurrentRooms    int      `yaml:"max_concurrent_rooms"`
	MaxRoomQueueLength    int      `yaml:"max_room_queue_length"`
	AncestorFetchDepthBudget int   `yaml:"ancestor_fetch_depth_budget"`
	StateRebaseInterval    int     `yaml:"state_rebase_interval"`
	StorageMaxRetries      int     `yaml:"storage_max_retries"`
	RateLimiting           RateLimiting `yaml:"rate_limiting"`
}

// RateLimiting configures internal/backpressure's per-room token buckets.
type RateLimiting struct {
	Enabled   bool  `yaml:"enabled"`
	Threshold int64 `yaml:"threshold"`
	CooloffMS int64 `yaml:"cooloff_ms"`
}

// FederationAPI configures outbound federation traffic.
type FederationAPI struct {
	Database            Database `yaml:"database"`
	DisableTLSValidation bool    `yaml:"disable_tls_validation"`
	AllowNetworkCIDRs   []string `yaml:"allow_network_cidrs"`
	DenyNetworkCIDRs    []string `yaml:"deny_network_cidrs"`
	DialTimeoutMS       int      `yaml:"dial_timeout_ms"`
	SendMaxRetries      int      `yaml:"send_max_retries"`
	SendBackoffBaseMS   int      `yaml:"send_backoff_base_ms"`
	SendBackoffCapMS    int      `yaml:"send_backoff_cap_ms"`
	MaxInFlightPerDest  int      `yaml:"max_in_flight_per_destination"`
	KeyValidityCacheMS  int      `yaml:"key_validity_cache_ms"`
}

// Logging configures the logrus+dugong file/console sinks.
type Logging struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// Config is the top-level document loaded from YAML.
type Config struct {
	Version       int            `yaml:"version"`
	Global        Global         `yaml:"global"`
	RoomServer    RoomServer     `yaml:"room_server"`
	FederationAPI FederationAPI  `yaml:"federation_api"`
	Logging       []Logging      `yaml:"logging"`

	Derived Derived `yaml:"-"`
}

// Derived carries values computed once at Load time instead of re-derived
// on every access: parsed durations and limits.
type Derived struct {
	StorageMaxRetries       int
	ConnMaxLifetime         time.Duration
	AncestorFetchDepthBudget int
	StateRebaseInterval     int
	RateLimitCooloff        time.Duration
	FederationDialTimeout   time.Duration
	FederationSendBackoffBase time.Duration
	FederationSendBackoffCap  time.Duration
	KeyValidityCache        time.Duration
}

// Load reads and parses a YAML config file, then fills in Derived.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	cfg.deriveValues()
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.RoomServer.MaxConcurrentRooms <= 0 {
		c.RoomServer.MaxConcurrentRooms = 64
	}
	if c.RoomServer.MaxRoomQueueLength <= 0 {
		c.RoomServer.MaxRoomQueueLength = 128
	}
	if c.RoomServer.AncestorFetchDepthBudget <= 0 {
		c.RoomServer.AncestorFetchDepthBudget = 100
	}
	if c.RoomServer.StateRebaseInterval <= 0 {
		c.RoomServer.StateRebaseInterval = 64
	}
	if c.RoomServer.StorageMaxRetries <= 0 {
		c.RoomServer.StorageMaxRetries = 3
	}
	if c.FederationAPI.DialTimeoutMS <= 0 {
		c.FederationAPI.DialTimeoutMS = 5000
	}
	if c.FederationAPI.SendBackoffBaseMS <= 0 {
		c.FederationAPI.SendBackoffBaseMS = 1000
	}
	if c.FederationAPI.SendBackoffCapMS <= 0 {
		c.FederationAPI.SendBackoffCapMS = 300000
	}
	if c.FederationAPI.MaxInFlightPerDest <= 0 {
		c.FederationAPI.MaxInFlightPerDest = 4
	}
	if c.FederationAPI.KeyValidityCacheMS <= 0 {
		c.FederationAPI.KeyValidityCacheMS = int(time.Hour / time.Millisecond)
	}
	if c.Global.Cache.MaxEntries <= 0 {
		c.Global.Cache.MaxEntries = 500_000
	}
	if c.Global.Cache.MaxCost <= 0 {
		c.Global.Cache.MaxCost = 50_000
	}
}

func (c *Config) deriveValues() {
	c.Derived.StorageMaxRetries = c.RoomServer.StorageMaxRetries
	c.Derived.ConnMaxLifetime = time.Duration(c.RoomServer.Database.ConnMaxLifetimeMS) * time.Millisecond
	c.Derived.AncestorFetchDepthBudget = c.RoomServer.AncestorFetchDepthBudget
	c.Derived.StateRebaseInterval = c.RoomServer.StateRebaseInterval
	c.Derived.RateLimitCooloff = time.Duration(c.RoomServer.RateLimiting.CooloffMS) * time.Millisecond
	c.Derived.FederationDialTimeout = time.Duration(c.FederationAPI.DialTimeoutMS) * time.Millisecond
	c.Derived.FederationSendBackoffBase = time.Duration(c.FederationAPI.SendBackoffBaseMS) * time.Millisecond
	c.Derived.FederationSendBackoffCap = time.Duration(c.FederationAPI.SendBackoffCapMS) * time.Millisecond
	c.Derived.KeyValidityCache = time.Duration(c.FederationAPI.KeyValidityCacheMS) * time.Millisecond
}

// Verify checks the handful of settings that have no sane default and must
// be supplied by the operator.
func (c *Config) Verify() error {
	if c.Global.ServerName == "" {
		return fmt.Errorf("config: global.server_name is required")
	}
	if c.Global.PrivateKeyPath == "" {
		return fmt.Errorf("config: global.private_key_path is required")
	}
	if c.RoomServer.Database.ConnectionString == "" {
		return fmt.Errorf("config: room_server.database.connection_string is required")
	}
	return nil
}
