package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatBytes(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{5 * 1024 * 1024, " 5.0 MiB"},
	}

	for _, tc := range testCases {
		got := formatBytes(tc.in)
		assert.Equal(t, tc.want, got)
		assert.Len(t, got, 8)
	}
}

func TestFormatStats(t *testing.T) {
	prev := snapshot{}
	cur := snapshot{
		telemetryIn:  100,
		telemetryOut: 100,
		actuationIn:  50,
		actuationOut: 50,
		bytesIn:      100*136 + 50*16,
		bytesOut:     100*136 + 50*16,
	}

	line := formatStats(cur, prev, 10)
	assert.Contains(t, line, "FDM:   10.0/s →   10.0/s")
	assert.Contains(t, line, "Servo:    5.0/s →    5.0/s")
	assert.NotContains(t, line, "errors")

	cur.sendErrors = 3
	assert.Contains(t, formatStats(cur, prev, 10), "send errors: 3")
}

func TestStatsCounters(t *testing.T) {
	before := Stats.load()

	Stats.AddTelemetryIn(136)
	Stats.AddTelemetryOut(136)
	Stats.AddActuationIn(16)
	Stats.AddSendError()

	after := Stats.load()
	assert.Equal(t, int64(1), after.telemetryIn-before.telemetryIn)
	assert.Equal(t, int64(1), after.telemetryOut-before.telemetryOut)
	assert.Equal(t, int64(1), after.actuationIn-before.actuationIn)
	assert.Equal(t, int64(152), after.bytesIn-before.bytesIn)
	assert.Equal(t, int64(136), after.bytesOut-before.bytesOut)
	assert.Equal(t, int64(1), after.sendErrors-before.sendErrors)
}
