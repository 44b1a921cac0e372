package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the root configuration for both relay binaries. The origin
// reads the origin section, the broker the broker section; a shared file
// can carry both.
type Config struct {
	Origin OriginConfig `yaml:"origin"`
	Broker BrokerConfig `yaml:"broker"`
}

// OriginConfig configures the origin server and its gateway.
type OriginConfig struct {
	ListenAddr   string             `yaml:"listen_addr"`
	DataDir      string             `yaml:"data_dir"`
	RemoteAccess RemoteAccessConfig `yaml:"remote_access"`
	Liveness     Liveness           `yaml:"liveness"`
}

// RemoteAccessConfig holds the credentials and broker endpoint for
// exposing the origin through the relay. With Enabled false the origin
// serves loopback only and none of the other fields are read.
type RemoteAccessConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BrokerURL string `yaml:"broker_url"`
	Username  string `yaml:"username"`
	InstallID string `yaml:"install_id"`

	// SRP credentials, both standard base64. The verifier is derived at
	// setup time; the password itself is never stored.
	SRPSalt     string `yaml:"srp_salt"`
	SRPVerifier string `yaml:"srp_verifier"`

	SessionKeyLifetimeMinutes int `yaml:"session_key_lifetime_minutes"`
	HeartbeatIntervalSeconds  int `yaml:"heartbeat_interval_seconds"`
}

// SessionKeyLifetime returns the resume-token lifetime.
func (r RemoteAccessConfig) SessionKeyLifetime() time.Duration {
	return time.Duration(r.SessionKeyLifetimeMinutes) * time.Minute
}

// HeartbeatInterval returns the subscription heartbeat period.
func (r RemoteAccessConfig) HeartbeatInterval() time.Duration {
	return time.Duration(r.HeartbeatIntervalSeconds) * time.Second
}

// BrokerConfig configures the public pairing broker.
type BrokerConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`

	// DatabaseURL switches registration storage to Postgres. Empty means
	// a SQLite file under DataDir.
	DatabaseURL string `yaml:"database_url"`

	ReclaimDays int    `yaml:"reclaim_days"`
	LogLevel    string `yaml:"log_level"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Liveness  Liveness        `yaml:"liveness"`
}

// RateLimitConfig bounds connection attempts per client IP.
type RateLimitConfig struct {
	Requests      int `yaml:"requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

// Window returns the sliding-window length.
func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// Liveness is the WebSocket keepalive policy shared by every relay
// endpoint: broker, gateway, origin dialer, and client.
type Liveness struct {
	PingIntervalMs int `yaml:"ping_interval_ms"`
	PongTimeoutMs  int `yaml:"pong_timeout_ms"`
	WriteTimeoutMs int `yaml:"write_timeout_ms"`
}

// PingInterval returns how often pings are sent. It must stay below
// PongTimeout or the peer is declared dead between its own pongs.
func (l Liveness) PingInterval() time.Duration {
	return time.Duration(l.PingIntervalMs) * time.Millisecond
}

// PongTimeout returns how long a silent peer is tolerated.
func (l Liveness) PongTimeout() time.Duration {
	return time.Duration(l.PongTimeoutMs) * time.Millisecond
}

// WriteTimeout returns the per-write deadline.
func (l Liveness) WriteTimeout() time.Duration {
	return time.Duration(l.WriteTimeoutMs) * time.Millisecond
}

// DefaultLiveness returns the policy both binaries start from.
func DefaultLiveness() Liveness {
	return Liveness{PingIntervalMs: 30000, PongTimeoutMs: 60000, WriteTimeoutMs: 10000}
}

// Default returns a runnable configuration for a loopback-only origin and
// a broker on port 8787.
func Default() *Config {
	return &Config{
		Origin: OriginConfig{
			ListenAddr: "127.0.0.1:8417",
			DataDir:    "./data",
			RemoteAccess: RemoteAccessConfig{
				BrokerURL:                 "wss://relay.yepanywhere.com/ws",
				SessionKeyLifetimeMinutes: 1440,
				HeartbeatIntervalSeconds:  30,
			},
			Liveness: DefaultLiveness(),
		},
		Broker: BrokerConfig{
			Port:        8787,
			DataDir:     "./broker-data",
			ReclaimDays: 30,
			LogLevel:    "info",
			RateLimit:   RateLimitConfig{Requests: 30, WindowSeconds: 60},
			Liveness:    DefaultLiveness(),
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// if path is non-empty, then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %s: %w", path, err)
		}
		defer f.Close()

		var fileCfg Config
		if err := yaml.NewDecoder(f).Decode(&fileCfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.merge(&fileCfg)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("config: broker port %d out of range", c.Broker.Port)
	}
	if c.Broker.ReclaimDays < 0 {
		return fmt.Errorf("config: negative reclaim_days")
	}
	if c.Origin.RemoteAccess.Enabled {
		ra := c.Origin.RemoteAccess
		if ra.Username == "" {
			return fmt.Errorf("config: remote access enabled without a username")
		}
		if ra.SRPSalt == "" || ra.SRPVerifier == "" {
			return fmt.Errorf("config: remote access enabled without SRP credentials")
		}
		if ra.BrokerURL == "" {
			return fmt.Errorf("config: remote access enabled without a broker URL")
		}
	}
	for _, l := range []Liveness{c.Origin.Liveness, c.Broker.Liveness} {
		if l.PingIntervalMs <= 0 || l.PongTimeoutMs <= 0 || l.WriteTimeoutMs <= 0 {
			return fmt.Errorf("config: liveness intervals must be positive")
		}
		if l.PingIntervalMs >= l.PongTimeoutMs {
			return fmt.Errorf("config: ping interval must be below pong timeout")
		}
	}
	return nil
}

// merge overlays non-zero fields from other onto c.
func (c *Config) merge(other *Config) {
	if other.Origin.ListenAddr != "" {
		c.Origin.ListenAddr = other.Origin.ListenAddr
	}
	if other.Origin.DataDir != "" {
		c.Origin.DataDir = other.Origin.DataDir
	}
	mergeRemoteAccess(&c.Origin.RemoteAccess, &other.Origin.RemoteAccess)
	mergeLiveness(&c.Origin.Liveness, &other.Origin.Liveness)

	if other.Broker.Port != 0 {
		c.Broker.Port = other.Broker.Port
	}
	if other.Broker.DataDir != "" {
		c.Broker.DataDir = other.Broker.DataDir
	}
	if other.Broker.DatabaseURL != "" {
		c.Broker.DatabaseURL = other.Broker.DatabaseURL
	}
	if other.Broker.ReclaimDays != 0 {
		c.Broker.ReclaimDays = other.Broker.ReclaimDays
	}
	if other.Broker.LogLevel != "" {
		c.Broker.LogLevel = other.Broker.LogLevel
	}
	if other.Broker.RateLimit.Requests != 0 {
		c.Broker.RateLimit.Requests = other.Broker.RateLimit.Requests
	}
	if other.Broker.RateLimit.WindowSeconds != 0 {
		c.Broker.RateLimit.WindowSeconds = other.Broker.RateLimit.WindowSeconds
	}
	mergeLiveness(&c.Broker.Liveness, &other.Broker.Liveness)
}

func mergeRemoteAccess(dst, src *RemoteAccessConfig) {
	if src.Enabled {
		dst.Enabled = true
	}
	if src.BrokerURL != "" {
		dst.BrokerURL = src.BrokerURL
	}
	if src.Username != "" {
		dst.Username = src.Username
	}
	if src.InstallID != "" {
		dst.InstallID = src.InstallID
	}
	if src.SRPSalt != "" {
		dst.SRPSalt = src.SRPSalt
	}
	if src.SRPVerifier != "" {
		dst.SRPVerifier = src.SRPVerifier
	}
	if src.SessionKeyLifetimeMinutes != 0 {
		dst.SessionKeyLifetimeMinutes = src.SessionKeyLifetimeMinutes
	}
	if src.HeartbeatIntervalSeconds != 0 {
		dst.HeartbeatIntervalSeconds = src.HeartbeatIntervalSeconds
	}
}

func mergeLiveness(dst, src *Liveness) {
	if src.PingIntervalMs != 0 {
		dst.PingIntervalMs = src.PingIntervalMs
	}
	if src.PongTimeoutMs != 0 {
		dst.PongTimeoutMs = src.PongTimeoutMs
	}
	if src.WriteTimeoutMs != 0 {
		dst.WriteTimeoutMs = src.WriteTimeoutMs
	}
}
