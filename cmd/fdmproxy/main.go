// Command fdmproxy is the CLI entry point of the relay.
//
// This tool sits between a flight simulator and a flight controller,
// relaying flight dynamics (FDM) telemetry one way and motor actuation the
// other. An operator can override any telemetry scalar from the console
// while packets are flowing.
//
// Flags override values from the optional -config YAML file, which in turn
// override the built-in defaults.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/1ureka/fdmproxy/internal/config"
	"github.com/1ureka/fdmproxy/internal/console"
	"github.com/1ureka/fdmproxy/internal/diag"
	"github.com/1ureka/fdmproxy/internal/protocol"
	"github.com/1ureka/fdmproxy/internal/relay"
	"github.com/1ureka/fdmproxy/internal/spoof"
	"github.com/1ureka/fdmproxy/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := parseConfig(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(2)
	}

	if cfg.Debug {
		util.EnableDebug()
	}

	if err := run(ctx, cfg, os.Stdin, os.Stdout); err != nil {
		util.LogError("%v", err)
		stop()
		os.Exit(1)
	}

	util.LogInfo("relay stopped")
}

// parseConfig builds the configuration from the default values, the -config
// file and finally the flags that were set explicitly.
func parseConfig(args []string, errOut io.Writer) (config.Config, error) {
	def := config.Default()

	fs := flag.NewFlagSet("fdmproxy", flag.ContinueOnError)
	fs.SetOutput(errOut)

	configPath := fs.String("config", "", "YAML configuration file")
	redirect := fs.String("tty", "", "Redirect the live packet snapshot to this terminal, e.g. /dev/pts/3")
	logOn := fs.Bool("log", false, "Write every received packet to "+diag.LogFileName)
	logDir := fs.String("log-dir", def.LogDir, "Directory of the telemetry log")
	pcap := fs.String("pcap", "", "Capture relayed datagrams into this pcap file")
	feed := fs.String("feed", "", "Serve a websocket packet feed on host:port")
	telemetryPort := fs.Int("telemetry-port", def.TelemetryPort, "UDP port receiving telemetry from the simulator, 0~65535")
	actuationPort := fs.Int("actuation-port", def.ActuationPort, "UDP port receiving actuation from the controller, 0~65535")
	controller := fs.String("controller", def.ControllerAddr, "Flight controller address receiving telemetry")
	simulator := fs.String("simulator", def.SimulatorAddr, "Simulator address receiving actuation")
	bind := fs.String("bind", def.BindAddr, "IPv4 address the inbound ports bind to")
	tick := fs.Duration("tick", def.Tick, "Upper bound of one poll wait")
	debugMode := fs.Bool("debug", false, "Enable debug logging")
	statsOn := fs.Bool("stats", false, "Log traffic statistics every 10 seconds")

	if err := fs.Parse(args); err != nil {
		return def, err
	}
	if fs.NArg() > 0 {
		return def, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	cfg := def
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}

	// Only flags given on the command line beat the file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "tty":
			cfg.Redirect = *redirect
		case "log":
			cfg.Log = *logOn
		case "log-dir":
			cfg.LogDir = *logDir
		case "pcap":
			cfg.Pcap = *pcap
		case "feed":
			cfg.Feed = *feed
		case "telemetry-port":
			cfg.TelemetryPort = *telemetryPort
		case "actuation-port":
			cfg.ActuationPort = *actuationPort
		case "controller":
			cfg.ControllerAddr = *controller
		case "simulator":
			cfg.SimulatorAddr = *simulator
		case "bind":
			cfg.BindAddr = *bind
		case "tick":
			cfg.Tick = *tick
		case "debug":
			cfg.Debug = *debugMode
		case "stats":
			cfg.Stats = *statsOn
		}
	})
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

// run acquires every resource, applies the startup overrides and relays until
// the operator closes input or ctx is cancelled.
func run(ctx context.Context, cfg config.Config, stdin *os.File, stdout io.Writer) error {
	// stdout belongs to the operator console.
	util.LogInfo("fdmproxy v%s", version)

	ep, err := cfg.Validate()
	if err != nil {
		return err
	}

	out := bufio.NewWriter(stdout)
	defer out.Flush()

	table := spoof.NewTable()
	con := console.New(table, out, out)
	for _, line := range cfg.Overrides {
		if err := con.Exec(line); err != nil {
			out.Flush()
			return fmt.Errorf("startup override %q: %w", line, err)
		}
		util.LogInfo("startup override: %s", line)
	}
	out.Flush()

	opts, err := openDiagnostics(cfg, ep)
	if err != nil {
		return err
	}

	r, err := relay.New(relay.Config{
		TelemetryListen: ep.TelemetryListen,
		ActuationListen: ep.ActuationListen,
		Controller:      ep.Controller,
		Simulator:       ep.Simulator,
		Tick:            cfg.Tick,
	}, table, con, stdin, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			util.LogWarning("failed to release resources: %v", err)
		}
	}()

	if cfg.Stats {
		util.StartStatsReporter(ctx)
	}
	util.LogSuccess("relay running, type help for commands")

	return r.Run(ctx)
}

// openDiagnostics opens the optional sinks and taps. On failure, whatever
// was already opened is closed again.
func openDiagnostics(cfg config.Config, ep config.Endpoints) (opts []relay.Option, err error) {
	var closers []io.Closer
	defer func() {
		if err != nil {
			for _, c := range closers {
				c.Close()
			}
		}
	}()

	if cfg.Log {
		tlog, err := diag.OpenTelemetryLog(cfg.LogDir)
		if err != nil {
			return nil, err
		}
		closers = append(closers, tlog)
		opts = append(opts, relay.WithTelemetryLog(tlog))
		util.LogInfo("logging telemetry to %s/%s", cfg.LogDir, diag.LogFileName)
	}

	if cfg.Redirect != "" {
		snap, err := diag.OpenSnapshot(cfg.Redirect)
		if err != nil {
			return nil, err
		}
		closers = append(closers, snap)
		opts = append(opts, relay.WithSnapshot(snap))
		util.LogInfo("redirecting packet snapshot to %s", cfg.Redirect)
	}

	if cfg.Pcap != "" {
		routes := map[protocol.Direction]diag.Route{
			protocol.DirTelemetry: {Src: loopbackIfUnspecified(ep.TelemetryListen), Dst: ep.Controller},
			protocol.DirActuation: {Src: loopbackIfUnspecified(ep.ActuationListen), Dst: ep.Simulator},
		}
		capture, err := diag.OpenCapture(cfg.Pcap, routes)
		if err != nil {
			return nil, err
		}
		closers = append(closers, capture)
		opts = append(opts, relay.WithTap(capture))
		util.LogInfo("capturing relayed datagrams to %s", cfg.Pcap)
	}

	if cfg.Feed != "" {
		feed, err := diag.ListenFeed(cfg.Feed)
		if err != nil {
			return nil, err
		}
		closers = append(closers, feed)
		opts = append(opts, relay.WithTap(feed))
		util.LogInfo("packet feed available at ws://%s/ws", feed.Addr())
	}

	return opts, nil
}

// loopbackIfUnspecified replaces a wildcard bind address for display.
func loopbackIfUnspecified(ap netip.AddrPort) netip.AddrPort {
	if ap.Addr().IsUnspecified() {
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), ap.Port())
	}
	return ap
}
