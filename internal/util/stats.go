package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide relay traffic counter. The reactor is its only
// writer; the reporter goroutine only loads.
var Stats = &stats{}

type stats struct {
	TelemetryIn  atomic.Int64 // telemetry datagrams received from the simulator
	TelemetryOut atomic.Int64 // telemetry datagrams sent to the controller
	ActuationIn  atomic.Int64 // actuation datagrams received from the controller
	ActuationOut atomic.Int64 // actuation datagrams sent to the simulator
	BytesIn      atomic.Int64 // cumulative bytes received on both inbound sockets
	BytesOut     atomic.Int64 // cumulative bytes sent on both outbound sockets
	SendErrors   atomic.Int64 // datagrams the kernel refused to send
	SinkErrors   atomic.Int64 // failed snapshot or log writes
}

func (s *stats) AddTelemetryIn(n int) {
	s.TelemetryIn.Add(1)
	s.BytesIn.Add(int64(n))
}

func (s *stats) AddActuationIn(n int) {
	s.ActuationIn.Add(1)
	s.BytesIn.Add(int64(n))
}

func (s *stats) AddTelemetryOut(n int) {
	s.TelemetryOut.Add(1)
	s.BytesOut.Add(int64(n))
}

func (s *stats) AddActuationOut(n int) {
	s.ActuationOut.Add(1)
	s.BytesOut.Add(int64(n))
}

func (s *stats) AddSendError() { s.SendErrors.Add(1) }
func (s *stats) AddSinkError() { s.SinkErrors.Add(1) }

// snapshot is a plain copy of the counters at one instant.
type snapshot struct {
	telemetryIn, telemetryOut int64
	actuationIn, actuationOut int64
	bytesIn, bytesOut         int64
	sendErrors, sinkErrors    int64
}

func (s *stats) load() snapshot {
	return snapshot{
		telemetryIn:  s.TelemetryIn.Load(),
		telemetryOut: s.TelemetryOut.Load(),
		actuationIn:  s.ActuationIn.Load(),
		actuationOut: s.ActuationOut.Load(),
		bytesIn:      s.BytesIn.Load(),
		bytesOut:     s.BytesOut.Load(),
		sendErrors:   s.SendErrors.Load(),
		sinkErrors:   s.SinkErrors.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// reportInterval is the period of StartStatsReporter.
const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs relay statistics every
// 10 seconds while traffic is flowing. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		prev := Stats.load()
		for {
			select {
			case <-ticker.C:
				cur := Stats.load()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(cur, prev, reportInterval.Seconds()))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a one-line summary of the traffic between two snapshots
// taken secs seconds apart.
func formatStats(cur, prev snapshot, secs float64) string {
	rate := func(a, b int64) float64 { return float64(a-b) / secs }

	line := fmt.Sprintf("FDM: %6.1f/s → %6.1f/s | Servo: %6.1f/s → %6.1f/s | In: %s/s | Out: %s/s",
		rate(cur.telemetryIn, prev.telemetryIn),
		rate(cur.telemetryOut, prev.telemetryOut),
		rate(cur.actuationIn, prev.actuationIn),
		rate(cur.actuationOut, prev.actuationOut),
		formatBytes(rate(cur.bytesIn, prev.bytesIn)),
		formatBytes(rate(cur.bytesOut, prev.bytesOut)),
	)
	if d := cur.sendErrors - prev.sendErrors; d > 0 {
		line += fmt.Sprintf(" | send errors: %d", d)
	}
	if d := cur.sinkErrors - prev.sinkErrors; d > 0 {
		line += fmt.Sprintf(" | sink errors: %d", d)
	}
	return line
}
