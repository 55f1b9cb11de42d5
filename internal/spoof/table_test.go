package spoof

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/fdmproxy/internal/protocol"
)

func samplePacket() protocol.TelemetryPacket {
	var pkt protocol.TelemetryPacket
	for i := 0; i < protocol.NumScalars; i++ {
		*pkt.Scalar(i) = float64(i) + 0.5
	}
	return pkt
}

func newTestTable() *Table {
	return NewTableWithSampler(NewSampler(42))
}

func TestListIsPacketOrder(t *testing.T) {
	names := newTestTable().List()

	require.Len(t, names, protocol.NumScalars)
	assert.Equal(t, "timestamp", names[0])
	assert.Equal(t, "imuAngVelX", names[1])
	assert.Equal(t, "imuAccelX", names[4])
	assert.Equal(t, "imuQuat1", names[7])
	assert.Equal(t, "velX", names[11])
	assert.Equal(t, "posZ", names[16])
}

func TestNewTableHasNoOverrides(t *testing.T) {
	tbl := newTestTable()
	pkt := samplePacket()
	want := pkt

	tbl.Apply(&pkt)
	assert.Equal(t, want, pkt)
	assert.Empty(t, tbl.Active())
}

// TestSetOverridesOnlyThatField checks every field in turn.
func TestSetOverridesOnlyThatField(t *testing.T) {
	for i, name := range newTestTable().List() {
		t.Run(name, func(t *testing.T) {
			tbl := newTestTable()
			require.NoError(t, tbl.Set(name, -123.25))

			pkt := samplePacket()
			orig := pkt.Scalars()
			tbl.Apply(&pkt)
			got := pkt.Scalars()

			for j := range got {
				if j == i {
					assert.Equal(t, -123.25, got[j])
				} else {
					assert.Equal(t, orig[j], got[j], "scalar %d must be untouched", j)
				}
			}
		})
	}
}

func TestRandomStaysInRange(t *testing.T) {
	tbl := newTestTable()
	require.NoError(t, tbl.Randomize("imuAccelZ", 2.5))

	seen := make(map[float64]struct{})
	for range 2000 {
		pkt := samplePacket()
		tbl.Apply(&pkt)
		v := pkt.LinearAcceleration[2]
		require.GreaterOrEqual(t, v, -2.5)
		require.LessOrEqual(t, v, 2.5)
		seen[v] = struct{}{}

		// Neighbouring fields stay untouched.
		assert.Equal(t, 5.5, pkt.LinearAcceleration[1])
	}
	assert.Greater(t, len(seen), 100, "random override must not be memoized")
}

func TestRandomNegativeRange(t *testing.T) {
	tbl := newTestTable()
	require.NoError(t, tbl.Randomize("posX", -1))

	for range 500 {
		pkt := samplePacket()
		tbl.Apply(&pkt)
		assert.LessOrEqual(t, math.Abs(pkt.Position[0]), 1.0)
	}
}

func TestRandomZeroRange(t *testing.T) {
	tbl := newTestTable()
	require.NoError(t, tbl.Randomize("velY", 0))

	pkt := samplePacket()
	tbl.Apply(&pkt)
	assert.Equal(t, 0.0, pkt.Velocity[1])
}

func TestRandomizeRejectsNonFinite(t *testing.T) {
	tbl := newTestTable()
	for _, r := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		assert.ErrorIs(t, tbl.Randomize("posX", r), ErrNonFiniteRange)
	}
	f, _ := tbl.Lookup("posX")
	assert.Equal(t, ModeNone, f.Mode)
}

func TestClearRestoresPassThrough(t *testing.T) {
	tbl := newTestTable()
	require.NoError(t, tbl.Set("posX", 3.5))
	require.NoError(t, tbl.Clear("posX"))

	pkt := samplePacket()
	tbl.Apply(&pkt)
	assert.Equal(t, 14.5, pkt.Position[0])

	f, ok := tbl.Lookup("posX")
	require.True(t, ok)
	assert.Equal(t, ModeNone, f.Mode)
	assert.Equal(t, 3.5, f.Param, "clear keeps the parameter")
}

func TestClearAll(t *testing.T) {
	tbl := newTestTable()
	require.NoError(t, tbl.Set("posX", 1))
	require.NoError(t, tbl.Randomize("velZ", 1))

	tbl.ClearAll()
	assert.Empty(t, tbl.Active())
}

func TestUnknownField(t *testing.T) {
	tbl := newTestTable()

	for name, op := range map[string]func() error{
		"set":    func() error { return tbl.Set("bogusField", 1) },
		"random": func() error { return tbl.Randomize("bogusField", 1) },
		"clear":  func() error { return tbl.Clear("bogusField") },
	} {
		t.Run(name, func(t *testing.T) {
			err := op()
			var ufe *UnknownFieldError
			require.True(t, errors.As(err, &ufe))
			assert.Equal(t, "bogusField", ufe.Name)
		})
	}
	assert.Empty(t, tbl.Active())
}

func TestOffsetIsStoredButPassesThrough(t *testing.T) {
	tbl := newTestTable()
	require.NoError(t, tbl.Override("velX", ModeOffset, 2))

	active := tbl.Active()
	require.Len(t, active, 1)
	assert.Equal(t, ModeOffset, active[0].Mode)
	assert.Equal(t, 2.0, active[0].Param)

	pkt := samplePacket()
	tbl.Apply(&pkt)
	assert.Equal(t, 11.5, pkt.Velocity[0])
}

func TestSamplerCoversEndpoints(t *testing.T) {
	s := NewSampler(7)
	var lo, hi bool
	for range 200000 {
		switch s.Uniform(1) {
		case -1:
			lo = true
		case 1:
			hi = true
		}
	}
	assert.True(t, lo, "lower bound must be reachable")
	assert.True(t, hi, "upper bound must be reachable")
}
