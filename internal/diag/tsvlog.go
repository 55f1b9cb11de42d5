package diag

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/1ureka/fdmproxy/internal/protocol"
)

// LogFileName is the telemetry log created in the log directory.
const LogFileName = "fdm_log.tsv"

// logColumns is the header row. Acceleration comes before angular velocity,
// unlike the wire order.
var logColumns = []string{
	"timestamp",
	"imuAccelX", "imuAccelY", "imuAccelZ",
	"imuAngVelX", "imuAngVelY", "imuAngVelZ",
	"imuQuat1", "imuQuat2", "imuQuat3", "imuQuat4",
	"velX", "velY", "velZ",
	"posX", "posY", "posZ",
}

// TelemetryLog appends one tab-delimited row per telemetry packet.
type TelemetryLog struct {
	w   *csv.Writer
	c   io.Closer
	row []string
}

// OpenTelemetryLog creates (or truncates) LogFileName in dir and writes the
// header row.
func OpenTelemetryLog(dir string) (*TelemetryLog, error) {
	path := filepath.Join(dir, LogFileName)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry log %s: %w", path, err)
	}
	l, err := NewTelemetryLog(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// NewTelemetryLog writes the header row to w and returns a log appending to
// it. If w is an io.Closer the log owns it.
func NewTelemetryLog(w io.Writer) (*TelemetryLog, error) {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	l := &TelemetryLog{w: cw, row: make([]string, len(logColumns))}
	if c, ok := w.(io.Closer); ok {
		l.c = c
	}
	if err := l.write(logColumns); err != nil {
		return nil, fmt.Errorf("failed to write telemetry log header: %w", err)
	}
	return l, nil
}

// WriteTelemetry appends pkt as one row, flushed immediately.
func (l *TelemetryLog) WriteTelemetry(pkt *protocol.TelemetryPacket) error {
	values := []float64{pkt.Timestamp}
	values = append(values, pkt.LinearAcceleration[:]...)
	values = append(values, pkt.AngularVelocity[:]...)
	values = append(values, pkt.Orientation[:]...)
	values = append(values, pkt.Velocity[:]...)
	values = append(values, pkt.Position[:]...)
	for i, v := range values {
		l.row[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return l.write(l.row)
}

func (l *TelemetryLog) write(record []string) error {
	if err := l.w.Write(record); err != nil {
		return err
	}
	l.w.Flush()
	return l.w.Error()
}

// Close closes the underlying file, if the log owns one.
func (l *TelemetryLog) Close() error {
	l.w.Flush()
	err := l.w.Error()
	if l.c != nil {
		if cerr := l.c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
