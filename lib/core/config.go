// Package core wires the tunnel lifecycle service together: configuration,
// the platform facility, the lifecycle machine, the control socket and the
// metrics endpoint.
package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	apperrors "github.com/go-i2p/tunsvc/lib/errors"
	"github.com/go-i2p/tunsvc/lib/platform/linux"
	"github.com/go-i2p/tunsvc/lib/tunnel"
	"github.com/go-i2p/tunsvc/lib/validation"
)

// Default configuration values
const (
	DefaultServiceName     = "tunsvc"
	DefaultRPCSocket       = "rpc.sock"
	DefaultAuthFile        = "rpc.auth"
	DefaultMetricsListen   = "127.0.0.1:9477"
	DefaultShutdownTimeout = 10 * time.Second
)

// Config holds all configuration for a tunsvc daemon.
type Config struct {
	Service ServiceConfig `toml:"service"`
	Tunnel  TunnelConfig  `toml:"tunnel"`
	Linux   linux.Config  `toml:"linux"`
	RPC     RPCConfig     `toml:"rpc"`
	Metrics MetricsConfig `toml:"metrics"`
}

// ServiceConfig contains basic service settings.
type ServiceConfig struct {
	// Name is a human-readable identifier for this service
	Name string `toml:"name"`
	// DataDir is the directory where the control socket and auth token live
	DataDir string `toml:"data_dir"`
	// ShutdownTimeout bounds how long Stop waits for components
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// TunnelConfig holds the session name and payload defaults. Fields left
// empty fall back to the built-in tunnel defaults.
type TunnelConfig struct {
	// Session is the name handed to the OS facility
	Session string `toml:"session"`
	// IPv4Address is the default interface address in CIDR form
	IPv4Address string `toml:"ipv4_addr,omitempty"`
	// Routes are routed through the tunnel when a start request has none
	Routes []string `toml:"routes,omitempty"`
	// DNS servers used when a start request has none
	DNS []string `toml:"dns,omitempty"`
	// MTU is the default interface MTU (0 = built-in default)
	MTU int `toml:"mtu,omitempty"`
	// DisallowedApps bypass the tunnel unless a start request overrides them
	DisallowedApps []string `toml:"disallowed_applications,omitempty"`
}

// RPCConfig contains control socket settings.
type RPCConfig struct {
	// Enabled controls whether the RPC server is started
	Enabled bool `toml:"enabled"`
	// Socket is the path to the Unix socket for RPC (relative to DataDir)
	Socket string `toml:"socket"`
	// TCPAddress is an optional TCP address for RPC (e.g., "127.0.0.1:9090")
	TCPAddress string `toml:"tcp_address,omitempty"`
	// AuthFile holds the token TCP clients must present (relative to DataDir)
	AuthFile string `toml:"auth_file,omitempty"`
	// MaxConnections caps concurrent RPC connections (0 = default)
	MaxConnections int `toml:"max_connections,omitempty"`
}

// MetricsConfig contains the Prometheus endpoint settings.
type MetricsConfig struct {
	// Enabled controls whether /metrics is served
	Enabled bool `toml:"enabled"`
	// Listen is the address to bind the metrics server to
	Listen string `toml:"listen"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".tunsvc")

	return &Config{
		Service: ServiceConfig{
			Name:            DefaultServiceName,
			DataDir:         dataDir,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Tunnel: TunnelConfig{
			Session: tunnel.DefaultSession,
		},
		Linux: linux.DefaultConfig(),
		RPC: RPCConfig{
			Enabled:  true,
			Socket:   DefaultRPCSocket,
			AuthFile: DefaultAuthFile,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  DefaultMetricsListen,
		},
	}
}

// LoadConfig reads configuration from a TOML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a TOML file.
// It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors. Every problem is reported,
// not only the first.
func (c *Config) Validate() error {
	var errs validation.Errors

	errs.Add(validation.Required("service.name", c.Service.Name))
	errs.Add(validation.Required("service.data_dir", c.Service.DataDir))
	if c.Service.ShutdownTimeout < 0 {
		errs.Add(validation.NewResult("service.shutdown_timeout", "must not be negative", validation.ErrOutOfRange))
	}

	errs.Add(validation.SessionName("tunnel.session", c.Tunnel.Session))
	if _, err := tunnel.Validate(c.TunnelDefaults()); err != nil {
		errs.Add(fmt.Errorf("tunnel defaults: %w", err))
	}

	if err := c.Linux.Validate(); err != nil {
		errs.Add(err)
	}

	if c.RPC.Enabled {
		if c.RPC.Socket == "" && c.RPC.TCPAddress == "" {
			errs.Add(validation.NewResult("rpc.socket", "a socket or tcp_address is required", validation.ErrRequired))
		}
		if c.RPC.TCPAddress != "" && c.RPC.AuthFile == "" {
			errs.Add(validation.NewResult("rpc.auth_file", "is required when tcp_address is set", validation.ErrRequired))
		}
	}
	if c.RPC.MaxConnections < 0 {
		errs.Add(validation.NewResult("rpc.max_connections", "must not be negative", validation.ErrOutOfRange))
	}

	if c.Metrics.Enabled {
		errs.Add(validation.Required("metrics.listen", c.Metrics.Listen))
	}

	if errs.HasErrors() {
		return fmt.Errorf("%w: %w", apperrors.ErrConfiguration, errs)
	}
	return nil
}

// TunnelDefaults returns the configured payload defaults. Start requests
// are merged over them.
func (c *Config) TunnelDefaults() tunnel.Payload {
	var p tunnel.Payload
	if c.Tunnel.IPv4Address != "" {
		p.IPv4Address = tunnel.String(c.Tunnel.IPv4Address)
	}
	if c.Tunnel.MTU != 0 {
		p.MTU = tunnel.Int(c.Tunnel.MTU)
	}
	if len(c.Tunnel.Routes) > 0 {
		p.Routes = c.Tunnel.Routes
	}
	if len(c.Tunnel.DNS) > 0 {
		p.DNS = tunnel.StringList(c.Tunnel.DNS)
	}
	if len(c.Tunnel.DisallowedApps) > 0 {
		p.DisallowedApps = c.Tunnel.DisallowedApps
	}
	return p
}

// DataPath returns an absolute path within the data directory. An absolute
// element is returned unchanged.
func (c *Config) DataPath(elem ...string) string {
	if len(elem) == 1 && filepath.IsAbs(elem[0]) {
		return elem[0]
	}
	parts := append([]string{c.Service.DataDir}, elem...)
	return filepath.Join(parts...)
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	if c.Service.DataDir == "" {
		return errors.New("service.data_dir is required")
	}
	return os.MkdirAll(c.Service.DataDir, 0o700)
}
