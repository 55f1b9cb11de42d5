package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fdmproxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultEndpoints(t *testing.T) {
	ep, err := Default().Validate()
	require.NoError(t, err)

	assert.Equal(t, netip.MustParseAddrPort("0.0.0.0:9006"), ep.TelemetryListen)
	assert.Equal(t, netip.MustParseAddrPort("0.0.0.0:9002"), ep.ActuationListen)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:9003"), ep.Controller)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:9007"), ep.Simulator)
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := writeConfig(t, `
telemetry_port: 19006
controller_addr: 127.0.0.1:19003
tick: 250ms
log: true
overrides:
  - set posX 3.5
  - random imuAccelZ 0.2
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 19006, cfg.TelemetryPort)
	assert.Equal(t, DefaultActuationPort, cfg.ActuationPort)
	assert.Equal(t, "127.0.0.1:19003", cfg.ControllerAddr)
	assert.Equal(t, DefaultSimulatorAddr, cfg.SimulatorAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.Tick)
	assert.True(t, cfg.Log)
	assert.Equal(t, ".", cfg.LogDir)
	assert.Equal(t, []string{"set posX 3.5", "random imuAccelZ 0.2"}, cfg.Overrides)
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "telemetry_prot: 1\n"))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(*Config)
	}{
		{"ipv6 bind", func(c *Config) { c.BindAddr = "::" }},
		{"bad bind", func(c *Config) { c.BindAddr = "localhost" }},
		{"negative port", func(c *Config) { c.TelemetryPort = -1 }},
		{"port too large", func(c *Config) { c.ActuationPort = 70000 }},
		{"same ports", func(c *Config) { c.ActuationPort = c.TelemetryPort }},
		{"controller without port", func(c *Config) { c.ControllerAddr = "127.0.0.1" }},
		{"controller port zero", func(c *Config) { c.ControllerAddr = "127.0.0.1:0" }},
		{"ipv6 simulator", func(c *Config) { c.SimulatorAddr = "[::1]:9007" }},
		{"zero tick", func(c *Config) { c.Tick = 0 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(&cfg)
			_, err := cfg.Validate()
			assert.Error(t, err)
		})
	}
}

func TestValidateEphemeralPorts(t *testing.T) {
	cfg := Default()
	cfg.BindAddr = "127.0.0.1"
	cfg.TelemetryPort = 0
	cfg.ActuationPort = 0

	ep, err := cfg.Validate()
	require.NoError(t, err)
	assert.Equal(t, uint16(0), ep.TelemetryListen.Port())
}
