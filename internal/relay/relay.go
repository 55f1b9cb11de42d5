// Package relay implements the single-threaded reactor that moves telemetry
// from the simulator to the flight controller and actuation back.
//
// One unix.Poll call is the only blocking point. Operator input, both
// inbound sockets and a wake pipe are multiplexed there, and every handler
// runs to completion before the next wait, so the spoof table is never
// observed half-applied by a forwarded packet.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/1ureka/fdmproxy/internal/console"
	"github.com/1ureka/fdmproxy/internal/protocol"
	"github.com/1ureka/fdmproxy/internal/spoof"
	"github.com/1ureka/fdmproxy/internal/util"
)

// maxLineSize is the operator line buffer size. A longer chunk without a
// newline is executed as one line.
const maxLineSize = 255

// ErrClosed is returned by Run on a relay that was already closed.
var ErrClosed = errors.New("relay is closed")

// State is the reactor lifecycle state.
type State int32

const (
	Running State = iota
	ShuttingDown
	Closed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting down"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config holds the socket endpoints and the poll tick.
type Config struct {
	TelemetryListen netip.AddrPort // simulator sends telemetry here
	ActuationListen netip.AddrPort // controller sends actuation here
	Controller      netip.AddrPort // telemetry is forwarded here
	Simulator       netip.AddrPort // actuation is forwarded here
	Tick            time.Duration
}

// TelemetrySink consumes decoded telemetry packets.
type TelemetrySink interface {
	WriteTelemetry(pkt *protocol.TelemetryPacket) error
	io.Closer
}

// DatagramTap observes forwarded datagrams. Tap must not block and must not
// retain payload.
type DatagramTap interface {
	Tap(dir protocol.Direction, payload []byte)
	io.Closer
}

// Option configures optional diagnostics. The relay owns every sink and tap
// it is given, including when New fails.
type Option func(*Relay)

// WithTelemetryLog records every received packet before spoofing.
func WithTelemetryLog(s TelemetrySink) Option {
	return func(r *Relay) { r.log = s }
}

// WithSnapshot renders every packet after spoofing.
func WithSnapshot(s TelemetrySink) Option {
	return func(r *Relay) { r.snapshot = s }
}

// WithTap adds an observer of every forwarded datagram.
func WithTap(t DatagramTap) Option {
	return func(r *Relay) { r.taps = append(r.taps, t) }
}

type role int

const (
	roleInput role = iota
	roleTelemetry
	roleActuation
	roleWake
)

// Relay is the reactor. Run must be called from a single goroutine; stop it
// by cancelling the context given to Run.
type Relay struct {
	cfg     Config
	table   *spoof.Table
	console *console.Console
	input   *os.File // nil when there is no operator console
	inputFd int

	telemetryFd  int
	actuationFd  int
	controllerFd int
	simulatorFd  int
	telemetryAt  netip.AddrPort
	actuationAt  netip.AddrPort
	controllerSa unix.Sockaddr
	simulatorSa  unix.Sockaddr

	wakeMu sync.Mutex
	wakeR  int
	wakeW  int

	pollFds []unix.PollFd
	fdRoles []role // parallel to pollFds

	log      TelemetrySink
	snapshot TelemetrySink
	taps     []DatagramTap
	warned   map[string]bool

	telemetryBuf []byte
	actuationBuf []byte
	sendBuf      []byte
	inputBuf     []byte
	pending      []byte

	state     atomic.Int32
	closeOnce sync.Once
	closeErr  error
}

// New binds both inbound sockets, opens both outbound sockets and returns a
// relay ready to Run. input may be nil, in which case con is unused and the
// relay only stops through its context.
func New(cfg Config, table *spoof.Table, con *console.Console, input *os.File, opts ...Option) (*Relay, error) {
	r := &Relay{
		cfg:          cfg,
		table:        table,
		console:      con,
		input:        input,
		inputFd:      -1,
		telemetryFd:  -1,
		actuationFd:  -1,
		controllerFd: -1,
		simulatorFd:  -1,
		wakeR:        -1,
		wakeW:        -1,
		controllerSa: sockaddr(cfg.Controller),
		simulatorSa:  sockaddr(cfg.Simulator),
		warned:       make(map[string]bool),
		telemetryBuf: make([]byte, protocol.TelemetrySize),
		actuationBuf: make([]byte, protocol.ActuationSize),
		sendBuf:      make([]byte, 0, protocol.TelemetrySize),
		inputBuf:     make([]byte, maxLineSize+1),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.open(); err != nil {
		r.Close()
		return nil, err
	}

	util.LogInfo("create udp port at %s for telemetry from the simulator", r.telemetryAt)
	util.LogInfo("create udp port at %s for actuation from the controller", r.actuationAt)
	util.LogInfo("forward telemetry to %s, actuation to %s", cfg.Controller, cfg.Simulator)
	return r, nil
}

func (r *Relay) open() error {
	if r.cfg.Tick <= 0 {
		return fmt.Errorf("invalid tick %s", r.cfg.Tick)
	}

	var err error
	if r.telemetryFd, r.telemetryAt, err = bindUDP(r.cfg.TelemetryListen); err != nil {
		return fmt.Errorf("telemetry socket: %w", err)
	}
	if r.actuationFd, r.actuationAt, err = bindUDP(r.cfg.ActuationListen); err != nil {
		return fmt.Errorf("actuation socket: %w", err)
	}
	if r.controllerFd, err = newUDPSocket(); err != nil {
		return fmt.Errorf("controller socket: %w", err)
	}
	if r.simulatorFd, err = newUDPSocket(); err != nil {
		return fmt.Errorf("simulator socket: %w", err)
	}

	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return fmt.Errorf("failed to create wake pipe: %w", err)
	}
	r.wakeR, r.wakeW = p[0], p[1]

	if r.input != nil {
		r.inputFd = int(r.input.Fd())
		r.addPollFd(r.inputFd, roleInput)
	}
	r.addPollFd(r.telemetryFd, roleTelemetry)
	r.addPollFd(r.actuationFd, roleActuation)
	r.addPollFd(r.wakeR, roleWake)
	return nil
}

func (r *Relay) addPollFd(fd int, ro role) {
	r.pollFds = append(r.pollFds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	r.fdRoles = append(r.fdRoles, ro)
}

// TelemetryAddr is the bound telemetry listen address.
func (r *Relay) TelemetryAddr() netip.AddrPort { return r.telemetryAt }

// ActuationAddr is the bound actuation listen address.
func (r *Relay) ActuationAddr() netip.AddrPort { return r.actuationAt }

// State reports the lifecycle state. Safe to call from any goroutine.
func (r *Relay) State() State { return State(r.state.Load()) }

// Run relays packets until the operator input reaches end of file, ctx is
// cancelled, or a receive fails. The first two return nil. Run always
// releases the relay's resources before returning.
func (r *Relay) Run(ctx context.Context) error {
	if r.State() != Running {
		return ErrClosed
	}
	defer r.Close()

	stop := context.AfterFunc(ctx, r.wake)
	defer stop()

	if r.input != nil {
		r.console.Prompt()
	}

	timeout := int(r.cfg.Tick / time.Millisecond)
	timeout = max(timeout, 1)

	for r.State() == Running {
		if ctx.Err() != nil {
			util.LogInfo("interrupt received, shutting down")
			r.state.Store(int32(ShuttingDown))
			break
		}

		n, err := unix.Poll(r.pollFds, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			r.state.Store(int32(ShuttingDown))
			return fmt.Errorf("poll error: %w", err)
		}
		if n == 0 {
			continue
		}

		if err := r.dispatch(); err != nil {
			r.state.Store(int32(ShuttingDown))
			return err
		}
	}
	return nil
}

// dispatch handles every ready descriptor in poll order: operator input,
// then telemetry, then actuation.
func (r *Relay) dispatch() error {
	const ready = unix.POLLIN | unix.POLLHUP | unix.POLLERR
	for i := range r.pollFds {
		if r.pollFds[i].Revents&ready == 0 {
			continue
		}
		var err error
		switch r.fdRoles[i] {
		case roleInput:
			err = r.handleInput()
		case roleTelemetry:
			err = r.handleTelemetry()
		case roleActuation:
			err = r.handleActuation()
		case roleWake:
			r.drainWake()
		}
		if err != nil {
			return err
		}
		if r.State() != Running {
			return nil
		}
	}
	return nil
}

// handleInput reads what is available and executes every complete line.
// End of file executes a trailing partial line and starts shutdown.
func (r *Relay) handleInput() error {
	n, err := unix.Read(r.inputFd, r.inputBuf)
	if err != nil {
		if wouldBlock(err) {
			return nil
		}
		return fmt.Errorf("failed to read operator input: %w", err)
	}

	if n == 0 {
		if len(r.pending) > 0 {
			r.execLine(r.pending)
			r.pending = r.pending[:0]
		}
		util.LogInfo("operator input closed, shutting down")
		r.state.Store(int32(ShuttingDown))
		return nil
	}

	r.pending = append(r.pending, r.inputBuf[:n]...)
	rest := r.pending
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		r.execLine(rest[:i])
		rest = rest[i+1:]
	}
	if len(rest) >= maxLineSize {
		r.execLine(rest)
		rest = rest[:0]
	}
	r.pending = r.pending[:copy(r.pending, rest)]
	return nil
}

func (r *Relay) execLine(line []byte) {
	// Malformed input is already reported to the operator.
	if err := r.console.Exec(string(line)); err != nil {
		util.LogDebug("console: %v", err)
	}
	r.console.Prompt()
}

// handleTelemetry logs the packet as received, applies the spoof table and
// forwards the result to the controller.
func (r *Relay) handleTelemetry() error {
	n, _, err := unix.Recvfrom(r.telemetryFd, r.telemetryBuf, unix.MSG_DONTWAIT)
	if err != nil {
		if wouldBlock(err) {
			return nil
		}
		return fmt.Errorf("failed to receive telemetry: %w", err)
	}

	pkt, err := protocol.DecodeTelemetry(r.telemetryBuf[:n])
	if err != nil {
		return fmt.Errorf("failed to decode telemetry from simulator: %w", err)
	}
	util.Stats.AddTelemetryIn(n)

	if r.log != nil {
		r.sinkError("telemetry log", r.log.WriteTelemetry(&pkt))
	}

	r.table.Apply(&pkt)

	if r.snapshot != nil {
		r.sinkError("snapshot", r.snapshot.WriteTelemetry(&pkt))
	}

	r.sendBuf = protocol.AppendTelemetry(r.sendBuf[:0], &pkt)
	if r.send(r.controllerFd, r.controllerSa, r.sendBuf) {
		util.Stats.AddTelemetryOut(len(r.sendBuf))
	}
	for _, t := range r.taps {
		t.Tap(protocol.DirTelemetry, r.sendBuf)
	}
	return nil
}

// handleActuation forwards the datagram to the simulator byte for byte.
func (r *Relay) handleActuation() error {
	n, _, err := unix.Recvfrom(r.actuationFd, r.actuationBuf, unix.MSG_DONTWAIT)
	if err != nil {
		if wouldBlock(err) {
			return nil
		}
		return fmt.Errorf("failed to receive actuation: %w", err)
	}
	util.Stats.AddActuationIn(n)

	payload := r.actuationBuf[:n]
	if r.send(r.simulatorFd, r.simulatorSa, payload) {
		util.Stats.AddActuationOut(n)
	}
	for _, t := range r.taps {
		t.Tap(protocol.DirActuation, payload)
	}
	return nil
}

// send is best effort: a refused datagram is counted and dropped.
func (r *Relay) send(fd int, to unix.Sockaddr, p []byte) bool {
	if err := unix.Sendto(fd, p, unix.MSG_DONTWAIT, to); err != nil {
		util.Stats.AddSendError()
		util.LogDebug("failed to send %d bytes: %v", len(p), err)
		return false
	}
	return true
}

// sinkError counts a failed diagnostics write and warns once per sink.
func (r *Relay) sinkError(name string, err error) {
	if err == nil {
		return
	}
	util.Stats.AddSinkError()
	if !r.warned[name] {
		r.warned[name] = true
		util.LogWarning("%s write failed, relaying continues: %v", name, err)
	}
}

// wake interrupts a pending poll.
func (r *Relay) wake() {
	r.wakeMu.Lock()
	defer r.wakeMu.Unlock()
	if r.wakeW >= 0 {
		_, _ = unix.Write(r.wakeW, []byte{1})
	}
}

func (r *Relay) drainWake() {
	var buf [16]byte
	for {
		if n, err := unix.Read(r.wakeR, buf[:]); n <= 0 || err != nil {
			return
		}
	}
}

// Close releases every socket, sink and tap exactly once. The snapshot
// region is cleared first. Calling Close again returns the first result.
// It must not run concurrently with Run; cancel Run's context instead.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		r.state.Store(int32(ShuttingDown))

		var errs []error
		if r.snapshot != nil {
			errs = append(errs, r.snapshot.Close())
		}
		if r.log != nil {
			errs = append(errs, r.log.Close())
		}
		for _, t := range r.taps {
			errs = append(errs, t.Close())
		}
		errs = append(errs,
			closeFd(&r.telemetryFd),
			closeFd(&r.actuationFd),
			closeFd(&r.controllerFd),
			closeFd(&r.simulatorFd),
		)

		r.wakeMu.Lock()
		errs = append(errs, closeFd(&r.wakeW), closeFd(&r.wakeR))
		r.wakeMu.Unlock()

		r.closeErr = errors.Join(errs...)
		r.state.Store(int32(Closed))
		util.LogDebug("relay closed")
	})
	return r.closeErr
}
