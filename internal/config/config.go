// Package config provides centralized configuration for meshbox.
// All configuration is loaded from a JSON file at /etc/meshbox/config.json
// (overridable via MESHBOX_CONFIG).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"
)

const (
	// DefaultConfigPath is the default location for the config file.
	DefaultConfigPath = "/etc/meshbox/config.json"

	// ConfigEnvVar is the environment variable to override config file location.
	ConfigEnvVar = "MESHBOX_CONFIG"
)

// Config is the root configuration structure.
type Config struct {
	Paths    PathsConfig    `json:"paths"`
	Network  NetworkConfig  `json:"network"`
	Timeouts TimeoutsConfig `json:"timeouts"`
}

// PathsConfig defines filesystem paths for meshbox components.
type PathsConfig struct {
	DaemonBinary  string `json:"daemon_binary"`  // Mesh daemon binary location
	DaemonSocket  string `json:"daemon_socket"`  // Unix socket the daemon serves RPC on
	ControlSocket string `json:"control_socket"` // Unix socket meshboxd serves the CLI on
	StateDir      string `json:"state_dir"`      // Persistent settings directory
}

// NetworkConfig defines the virtual interface and regulatory defaults.
type NetworkConfig struct {
	// InterfaceName is the name of the virtual mesh interface.
	InterfaceName string `json:"interface_name"`

	// UpstreamInterface, when set, names the host interface used as the
	// border-routing upstream on hosts without a connectivity manager.
	UpstreamInterface string `json:"upstream_interface"`

	// DefaultCountryCode is the regulatory region used when no override
	// has been forced. Two ASCII letters.
	DefaultCountryCode string `json:"default_country_code"`

	// DefaultEnabled is the enabled state used when the settings store has
	// no persisted value yet.
	DefaultEnabled bool `json:"default_enabled"`
}

// TimeoutsConfig defines timeout durations for lifecycle operations.
// All values are duration strings (e.g. "5s", "500ms").
type TimeoutsConfig struct {
	// DaemonDial is how long to retry dialing the daemon socket after
	// spawning the daemon process. Default: 5s.
	DaemonDial string `json:"daemon_dial"`

	// DaemonCall is the per-RPC timeout for daemon calls. Default: 10s.
	DaemonCall string `json:"daemon_call"`
}

// GetDaemonDial returns the daemon dial timeout as a time.Duration.
// Panics if the configuration is invalid (caught by validation at load).
func (t *TimeoutsConfig) GetDaemonDial() time.Duration {
	return mustParseDuration(t.DaemonDial)
}

// GetDaemonCall returns the daemon RPC timeout as a time.Duration.
func (t *TimeoutsConfig) GetDaemonCall() time.Duration {
	return mustParseDuration(t.DaemonCall)
}

func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration %q escaped validation: %v", s, err))
	}
	return d
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			DaemonBinary:  "/usr/sbin/ot-daemon",
			DaemonSocket:  "/run/meshbox/ot-daemon.sock",
			ControlSocket: "/run/meshbox/meshbox.sock",
			StateDir:      "/var/lib/meshbox",
		},
		Network: NetworkConfig{
			InterfaceName:      "thread-wpan0",
			DefaultCountryCode: "WW",
			DefaultEnabled:     true,
		},
		Timeouts: TimeoutsConfig{
			DaemonDial: "5s",
			DaemonCall: "10s",
		},
	}
}

var countryCodeRe = regexp.MustCompile(`^[A-Za-z]{2}$`)

// IsValidCountryCode reports whether s is a well-formed two-letter region.
func IsValidCountryCode(s string) bool {
	return countryCodeRe.MatchString(s)
}

// Validate checks the configuration for missing or malformed values.
func (c *Config) Validate() error {
	if c.Paths.DaemonBinary == "" {
		return fmt.Errorf("paths.daemon_binary must be set")
	}
	if c.Paths.DaemonSocket == "" {
		return fmt.Errorf("paths.daemon_socket must be set")
	}
	if c.Paths.ControlSocket == "" {
		return fmt.Errorf("paths.control_socket must be set")
	}
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir must be set")
	}
	if c.Network.InterfaceName == "" {
		return fmt.Errorf("network.interface_name must be set")
	}
	if !IsValidCountryCode(c.Network.DefaultCountryCode) {
		return fmt.Errorf("network.default_country_code %q is not a two-letter region", c.Network.DefaultCountryCode)
	}
	for name, v := range map[string]string{
		"timeouts.daemon_dial": c.Timeouts.DaemonDial,
		"timeouts.daemon_call": c.Timeouts.DaemonCall,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Load reads configuration from path, filling unset fields from defaults.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

var (
	loadOnce  sync.Once
	loaded    *Config
	loadError error
)

// Get returns the process-wide configuration, loading it on first use from
// MESHBOX_CONFIG or the default path.
func Get() (*Config, error) {
	loadOnce.Do(func() {
		path := os.Getenv(ConfigEnvVar)
		if path == "" {
			path = DefaultConfigPath
		}
		loaded, loadError = Load(path)
	})
	return loaded, loadError
}
