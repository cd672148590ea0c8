package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"network": {"interface_name": "wpan9", "default_country_code": "US", "default_enabled": false},
		"timeouts": {"daemon_dial": "2s", "daemon_call": "10s"}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wpan9", cfg.Network.InterfaceName)
	assert.Equal(t, "US", cfg.Network.DefaultCountryCode)
	assert.False(t, cfg.Network.DefaultEnabled)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.GetDaemonDial())
	// Untouched sections keep defaults.
	assert.Equal(t, Default().Paths.DaemonBinary, cfg.Paths.DaemonBinary)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty interface name", func(c *Config) { c.Network.InterfaceName = "" }},
		{"bad country code", func(c *Config) { c.Network.DefaultCountryCode = "USA" }},
		{"bad duration", func(c *Config) { c.Timeouts.DaemonDial = "fast" }},
		{"empty daemon binary", func(c *Config) { c.Paths.DaemonBinary = "" }},
		{"empty state dir", func(c *Config) { c.Paths.StateDir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestIsValidCountryCode(t *testing.T) {
	assert.True(t, IsValidCountryCode("US"))
	assert.True(t, IsValidCountryCode("cn"))
	assert.False(t, IsValidCountryCode("U"))
	assert.False(t, IsValidCountryCode("USA"))
	assert.False(t, IsValidCountryCode("1A"))
	assert.False(t, IsValidCountryCode(""))
}
