package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/udpunch/pkg/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "udpunch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvSTUNServer, "")

	for _, path := range []string{"", filepath.Join(t.TempDir(), "missing.yaml"), writeConfig(t, "  \n")} {
		cfg, err := Load(path)
		require.NoError(t, err, path)
		assert.Equal(t, Default(), cfg)
	}

	cfg := Default()
	assert.Equal(t, "stun.l.google.com:19302", cfg.STUNServer)
	assert.Equal(t, 3*time.Second, cfg.DiscoveryTimeout)
	assert.Equal(t, 100, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.PunchInterval)
	assert.Equal(t, 5*time.Second, cfg.KeepAliveInterval)
}

func TestLoadFile(t *testing.T) {
	t.Setenv(EnvSTUNServer, "")

	path := writeConfig(t, `
stunServer: stun.example.net:3478
maxAttempts: 40
punchInterval: 250ms
keepAliveInterval: 10s
rendezvous: ws://rendezvous.example.net:8080/ws
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "stun.example.net:3478", cfg.STUNServer)
	assert.Equal(t, 40, cfg.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.PunchInterval)
	assert.Equal(t, 10*time.Second, cfg.KeepAliveInterval)
	assert.Equal(t, "ws://rendezvous.example.net:8080/ws", cfg.Rendezvous)
	// untouched keys keep their defaults
	assert.Equal(t, 3*time.Second, cfg.DiscoveryTimeout)
	assert.Equal(t, DefaultBindAddr, cfg.BindAddr)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv(EnvSTUNServer, "192.0.2.53:3478")

	cfg, err := Load(writeConfig(t, "stunServer: stun.example.net:3478\n"))
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.53:3478", cfg.STUNServer)
}

func TestLoadErrors(t *testing.T) {
	t.Setenv(EnvSTUNServer, "")

	_, err := Load(writeConfig(t, "maxAttempts: [1, 2]\n"))
	assert.ErrorContains(t, err, "unmarshal config")

	_, err = Load(writeConfig(t, "maxAttempts: 0\n"))
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server", func(c *Config) { c.STUNServer = "" }},
		{"server without port", func(c *Config) { c.STUNServer = "stun.example.net" }},
		{"bad bind", func(c *Config) { c.BindAddr = "nowhere" }},
		{"zero timeout", func(c *Config) { c.DiscoveryTimeout = 0 }},
		{"negative attempts", func(c *Config) { c.MaxAttempts = -3 }},
		{"zero interval", func(c *Config) { c.PunchInterval = 0 }},
		{"zero keep-alive", func(c *Config) { c.KeepAliveInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), types.ErrInvalidInput)
		})
	}

	assert.NoError(t, Default().Validate())
}
