package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8417", cfg.Origin.ListenAddr)
	assert.False(t, cfg.Origin.RemoteAccess.Enabled)
	assert.Equal(t, 8787, cfg.Broker.Port)
	assert.Equal(t, 30, cfg.Broker.ReclaimDays)
	assert.Equal(t, 30*time.Second, cfg.Origin.Liveness.PingInterval())
	assert.Equal(t, 60*time.Second, cfg.Origin.Liveness.PongTimeout())
	assert.Equal(t, 10*time.Second, cfg.Origin.Liveness.WriteTimeout())
	assert.Equal(t, 30*time.Second, cfg.Origin.RemoteAccess.HeartbeatInterval())
	assert.Equal(t, 24*time.Hour, cfg.Origin.RemoteAccess.SessionKeyLifetime())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	content := `
origin:
  listen_addr: "127.0.0.1:9000"
  remote_access:
    enabled: true
    username: alice
    srp_salt: c2FsdA==
    srp_verifier: dmVyaWZpZXI=
    install_id: install-1
broker:
  port: 9787
  reclaim_days: 7
  log_level: debug
  liveness:
    ping_interval_ms: 5000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Origin.ListenAddr)
	assert.True(t, cfg.Origin.RemoteAccess.Enabled)
	assert.Equal(t, "alice", cfg.Origin.RemoteAccess.Username)
	assert.Equal(t, 9787, cfg.Broker.Port)
	assert.Equal(t, 7, cfg.Broker.ReclaimDays)
	assert.Equal(t, "debug", cfg.Broker.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.Broker.Liveness.PingInterval())
	// Untouched fields keep their defaults.
	assert.Equal(t, 60*time.Second, cfg.Broker.Liveness.PongTimeout())
	assert.Equal(t, "./data", cfg.Origin.DataDir)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("broker:\n  port: 9000\n"), 0644))

	t.Setenv(envBrokerPort, "9500")
	t.Setenv(envBrokerLogLevel, "warn")
	t.Setenv(envUsername, "bob")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9500, cfg.Broker.Port)
	assert.Equal(t, "warn", cfg.Broker.LogLevel)
	assert.Equal(t, "bob", cfg.Origin.RemoteAccess.Username)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Broker.Port = 70000 }},
		{"zero port", func(c *Config) { c.Broker.Port = 0 }},
		{"negative reclaim", func(c *Config) { c.Broker.ReclaimDays = -1 }},
		{"remote without username", func(c *Config) {
			c.Origin.RemoteAccess.Enabled = true
			c.Origin.RemoteAccess.SRPSalt = "c2FsdA=="
			c.Origin.RemoteAccess.SRPVerifier = "dg=="
		}},
		{"remote without credentials", func(c *Config) {
			c.Origin.RemoteAccess.Enabled = true
			c.Origin.RemoteAccess.Username = "alice"
		}},
		{"ping above pong", func(c *Config) {
			c.Broker.Liveness.PingIntervalMs = 60000
			c.Broker.Liveness.PongTimeoutMs = 30000
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_DefaultsPass(t *testing.T) {
	assert.NoError(t, Default().Validate())
}
