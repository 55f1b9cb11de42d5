// Package diag contains the optional consumers of relayed packets: the live
// snapshot on a redirect terminal, the tab-delimited telemetry log, the pcap
// capture and the websocket feed.
//
// None of them can stall forwarding. Snapshot and TelemetryLog are written
// synchronously by the relay and report errors for it to log; Capture and Feed
// copy each datagram into a bounded queue drained by their own goroutine.
package diag

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/1ureka/fdmproxy/internal/protocol"
	"github.com/1ureka/fdmproxy/internal/util"
)

// Snapshot repaints a fixed screen region with the latest telemetry packet.
type Snapshot struct {
	w    io.WriteCloser
	used bool
	buf  strings.Builder
}

// NewSnapshot creates a snapshot sink writing to w. The sink owns w.
func NewSnapshot(w io.WriteCloser) *Snapshot {
	return &Snapshot{w: w}
}

// OpenSnapshot opens the redirect target at path for writing, typically
// another terminal's character device.
func OpenSnapshot(path string) (*Snapshot, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open redirect target %s: %w", path, err)
	}
	if !term.IsTerminal(int(f.Fd())) {
		util.LogWarning("redirect target %s is not a terminal, control sequences will be written verbatim", path)
	}
	return NewSnapshot(f), nil
}

// WriteTelemetry renders pkt over the previous snapshot. The first call
// clears the screen; later calls only move the cursor home.
func (s *Snapshot) WriteTelemetry(pkt *protocol.TelemetryPacket) error {
	s.buf.Reset()
	if !s.used {
		s.buf.WriteString(ansi.EraseEntireScreen)
	}
	s.buf.WriteString(ansi.CursorHomePosition)
	formatTelemetry(&s.buf, pkt)

	s.used = true
	_, err := io.WriteString(s.w, s.buf.String())
	return err
}

// Close clears the region if it was ever painted and closes the target.
func (s *Snapshot) Close() error {
	var err error
	if s.used {
		_, err = io.WriteString(s.w, ansi.EraseEntireScreen+ansi.CursorHomePosition)
	}
	if cerr := s.w.Close(); err == nil {
		err = cerr
	}
	return err
}

// formatTelemetry writes one labeled row per packet field group.
func formatTelemetry(b *strings.Builder, pkt *protocol.TelemetryPacket) {
	fmt.Fprintf(b, "timestamp: %f\n", pkt.Timestamp)
	fmt.Fprintf(b, "imuAngularVelocityRPY: %f, %f, %f\n",
		pkt.AngularVelocity[0], pkt.AngularVelocity[1], pkt.AngularVelocity[2])
	fmt.Fprintf(b, "imuLinearAccelerationXYZ: %f, %f, %f\n",
		pkt.LinearAcceleration[0], pkt.LinearAcceleration[1], pkt.LinearAcceleration[2])
	fmt.Fprintf(b, "imuOrientationQuat: %f, %f, %f, %f\n",
		pkt.Orientation[0], pkt.Orientation[1], pkt.Orientation[2], pkt.Orientation[3])
	fmt.Fprintf(b, "velocityXYZ: %f, %f, %f\n",
		pkt.Velocity[0], pkt.Velocity[1], pkt.Velocity[2])
	fmt.Fprintf(b, "positionXYZ: %f, %f, %f\n",
		pkt.Position[0], pkt.Position[1], pkt.Position[2])
	b.WriteString("\n")
}
