package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/saintparish4/udpunch/pkg/holepunch"
	"github.com/saintparish4/udpunch/pkg/stun"
	"github.com/saintparish4/udpunch/pkg/types"
)

// EnvSTUNServer overrides the configured binding server.
const EnvSTUNServer = "UDPUNCH_STUN_SERVER"

// DefaultBindAddr lets the OS pick the local port on every interface.
const DefaultBindAddr = "0.0.0.0:0"

// Config is the file-backed runtime configuration. Keys absent from the
// file keep their defaults.
type Config struct {
	STUNServer        string        `yaml:"stunServer,omitempty"`
	DiscoveryTimeout  time.Duration `yaml:"discoveryTimeout,omitempty"`
	BindAddr          string        `yaml:"bindAddr,omitempty"`
	MaxAttempts       int           `yaml:"maxAttempts,omitempty"`
	PunchInterval     time.Duration `yaml:"punchInterval,omitempty"`
	KeepAliveInterval time.Duration `yaml:"keepAliveInterval,omitempty"`
	Rendezvous        string        `yaml:"rendezvous,omitempty"`
	Debug             bool          `yaml:"debug,omitempty"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		STUNServer:        stun.DefaultServer,
		DiscoveryTimeout:  stun.DefaultTimeout,
		BindAddr:          DefaultBindAddr,
		MaxAttempts:       holepunch.DefaultMaxAttempts,
		PunchInterval:     holepunch.DefaultInterval,
		KeepAliveInterval: holepunch.DefaultKeepAliveInterval,
	}
}

// Load reads path over the defaults. An empty path or a missing file yields
// the defaults. The env override is applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		case len(bytes.TrimSpace(raw)) > 0:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("unmarshal config: %w", err)
			}
		}
	}

	if server := os.Getenv(EnvSTUNServer); server != "" {
		cfg.STUNServer = server
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that cannot drive a session.
func (c *Config) Validate() error {
	if c.STUNServer == "" {
		return fmt.Errorf("%w: stunServer must be set", types.ErrInvalidInput)
	}
	if _, _, err := net.SplitHostPort(c.STUNServer); err != nil {
		return fmt.Errorf("%w: stunServer %q must be host:port", types.ErrInvalidInput, c.STUNServer)
	}
	if _, _, err := net.SplitHostPort(c.BindAddr); err != nil {
		return fmt.Errorf("%w: bindAddr %q must be host:port", types.ErrInvalidInput, c.BindAddr)
	}
	if c.DiscoveryTimeout <= 0 {
		return fmt.Errorf("%w: discoveryTimeout must be > 0", types.ErrInvalidInput)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("%w: maxAttempts must be > 0", types.ErrInvalidInput)
	}
	if c.PunchInterval <= 0 {
		return fmt.Errorf("%w: punchInterval must be > 0", types.ErrInvalidInput)
	}
	if c.KeepAliveInterval <= 0 {
		return fmt.Errorf("%w: keepAliveInterval must be > 0", types.ErrInvalidInput)
	}
	return nil
}
