// Package protocol defines the fixed binary layouts exchanged between the
// flight simulator and the flight controller.
//
// Both packet kinds are plain arrays of IEEE-754 scalars in the host's native
// byte order, exactly as the simulator writes its C structs onto the wire.
package protocol

import (
	"unsafe"

	"github.com/bassosimone/runtimex"
)

// Direction identifies which way a datagram is being relayed.
type Direction uint8

const (
	DirTelemetry Direction = iota + 1 // simulator → controller
	DirActuation                      // controller → simulator
)

func (d Direction) String() string {
	switch d {
	case DirTelemetry:
		return "telemetry"
	case DirActuation:
		return "actuation"
	default:
		return "unknown"
	}
}

// Layout constants.
const (
	NumScalars    = 17             // float64 scalars in a TelemetryPacket
	TelemetrySize = NumScalars * 8 // 136 bytes, no padding
	MaxMotors     = 255            // motor slots in an ActuationPacket
	ActuationSize = MaxMotors * 4  // 1020 bytes at full capacity
)

// TelemetryPacket is the flight dynamics model state sent by the simulator.
// Field order is the wire order; Scalar(i) walks it as a flat sequence.
type TelemetryPacket struct {
	Timestamp          float64    `msgpack:"timestamp"`
	AngularVelocity    [3]float64 `msgpack:"ang_vel"` // IMU roll/pitch/yaw rate
	LinearAcceleration [3]float64 `msgpack:"accel"`   // IMU x/y/z
	Orientation        [4]float64 `msgpack:"quat"`    // IMU quaternion
	Velocity           [3]float64 `msgpack:"vel"`     // NED frame
	Position           [3]float64 `msgpack:"pos"`     // NED frame
}

func init() {
	runtimex.Assert(scalarViewIsComplete())
}

// scalarViewIsComplete reports whether Scalar maps every index to a distinct
// field and the view spans exactly TelemetrySize bytes of the struct.
func scalarViewIsComplete() bool {
	var p TelemetryPacket
	seen := make(map[*float64]bool, NumScalars)
	for i := 0; i < NumScalars; i++ {
		seen[p.Scalar(i)] = true
	}
	return len(seen) == NumScalars && unsafe.Sizeof(p) == TelemetrySize
}

// Scalar returns a pointer to the i-th scalar of the flattened view
// (0 = timestamp, 16 = position Z). It panics when i is out of range.
func (p *TelemetryPacket) Scalar(i int) *float64 {
	runtimex.Assert(i >= 0 && i < NumScalars)
	switch {
	case i == 0:
		return &p.Timestamp
	case i < 4:
		return &p.AngularVelocity[i-1]
	case i < 7:
		return &p.LinearAcceleration[i-4]
	case i < 11:
		return &p.Orientation[i-7]
	case i < 14:
		return &p.Velocity[i-11]
	default:
		return &p.Position[i-14]
	}
}

// Scalars copies the flattened view into an array.
func (p *TelemetryPacket) Scalars() [NumScalars]float64 {
	var out [NumScalars]float64
	for i := range out {
		out[i] = *p.Scalar(i)
	}
	return out
}

// ActuationPacket carries motor speed commands from the controller.
// The controller decides how many motors it sends; at most MaxMotors.
type ActuationPacket struct {
	MotorSpeed []float32 `msgpack:"motors"`
}
