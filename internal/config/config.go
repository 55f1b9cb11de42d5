// Package config holds the relay configuration: defaults matching the
// simulator and controller ports, an optional YAML file, and validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default ports used by the simulator plugin and the flight controller.
const (
	DefaultTelemetryPort  = 9006 // relay listens for the simulator here
	DefaultActuationPort  = 9002 // relay listens for the controller here
	DefaultControllerAddr = "127.0.0.1:9003"
	DefaultSimulatorAddr  = "127.0.0.1:9007"
	DefaultBindAddr       = "0.0.0.0"
	DefaultTick           = time.Second
)

// Config stores every relay parameter, from the YAML file and/or flags.
type Config struct {
	BindAddr       string        `yaml:"bind_addr"`
	TelemetryPort  int           `yaml:"telemetry_port"`
	ActuationPort  int           `yaml:"actuation_port"`
	ControllerAddr string        `yaml:"controller_addr"`
	SimulatorAddr  string        `yaml:"simulator_addr"`
	Tick           time.Duration `yaml:"tick"`

	Redirect string `yaml:"redirect"` // live snapshot target, e.g. /dev/pts/3
	Log      bool   `yaml:"log"`      // write the telemetry log into LogDir
	LogDir   string `yaml:"log_dir"`
	Pcap     string `yaml:"pcap"` // capture file path
	Feed     string `yaml:"feed"` // websocket feed listen address

	Debug bool `yaml:"debug"`
	Stats bool `yaml:"stats"`

	// Overrides are console command lines run before the relay starts.
	Overrides []string `yaml:"overrides"`
}

// Endpoints are the validated socket addresses derived from a Config.
type Endpoints struct {
	TelemetryListen netip.AddrPort
	ActuationListen netip.AddrPort
	Controller      netip.AddrPort
	Simulator       netip.AddrPort
}

// Default returns the standard simulator bench configuration.
func Default() Config {
	return Config{
		BindAddr:       DefaultBindAddr,
		TelemetryPort:  DefaultTelemetryPort,
		ActuationPort:  DefaultActuationPort,
		ControllerAddr: DefaultControllerAddr,
		SimulatorAddr:  DefaultSimulatorAddr,
		Tick:           DefaultTick,
		LogDir:         ".",
	}
}

// Load reads a YAML file layered over Default. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration and resolves the socket addresses.
func (c Config) Validate() (Endpoints, error) {
	var ep Endpoints

	bind, err := netip.ParseAddr(c.BindAddr)
	if err != nil || !bind.Is4() {
		return ep, fmt.Errorf("invalid bind address %q: must be IPv4", c.BindAddr)
	}
	if err := checkPort("telemetry", c.TelemetryPort); err != nil {
		return ep, err
	}
	if err := checkPort("actuation", c.ActuationPort); err != nil {
		return ep, err
	}
	if c.TelemetryPort != 0 && c.TelemetryPort == c.ActuationPort {
		return ep, fmt.Errorf("telemetry and actuation ports must differ (both %d)", c.TelemetryPort)
	}
	ep.TelemetryListen = netip.AddrPortFrom(bind, uint16(c.TelemetryPort))
	ep.ActuationListen = netip.AddrPortFrom(bind, uint16(c.ActuationPort))

	if ep.Controller, err = parsePeer("controller", c.ControllerAddr); err != nil {
		return ep, err
	}
	if ep.Simulator, err = parsePeer("simulator", c.SimulatorAddr); err != nil {
		return ep, err
	}

	if c.Tick <= 0 {
		return ep, fmt.Errorf("invalid tick %s: must be positive", c.Tick)
	}
	return ep, nil
}

// checkPort accepts 0 (ephemeral) through 65535.
func checkPort(name string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid %s port %d: must be 0~65535", name, port)
	}
	return nil
}

func parsePeer(name, raw string) (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(raw)
	if err != nil {
		return ap, fmt.Errorf("invalid %s address %q: %w", name, raw, err)
	}
	if !ap.Addr().Is4() || ap.Port() == 0 {
		return ap, fmt.Errorf("invalid %s address %q: must be IPv4 host:port", name, raw)
	}
	return ap, nil
}
