package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// TruncatedPacketError is returned when a buffer is too short for the packet
// kind being decoded.
type TruncatedPacketError struct {
	Kind Direction
	Got  int
	Want int
}

func (e *TruncatedPacketError) Error() string {
	return fmt.Sprintf("truncated %s packet: %d bytes (need %d)", e.Kind, e.Got, e.Want)
}

// OversizePacketError is returned when an actuation buffer exceeds the
// motor capacity.
type OversizePacketError struct {
	Got int
	Max int
}

func (e *OversizePacketError) Error() string {
	return fmt.Sprintf("oversize actuation packet: %d bytes (max %d)", e.Got, e.Max)
}

// EncodeTelemetry serializes a TelemetryPacket into a new TelemetrySize buffer.
func EncodeTelemetry(pkt *TelemetryPacket) []byte {
	return AppendTelemetry(make([]byte, 0, TelemetrySize), pkt)
}

// AppendTelemetry appends the wire form of pkt to dst. The relay reuses one
// buffer for every packet through this call.
func AppendTelemetry(dst []byte, pkt *TelemetryPacket) []byte {
	for i := 0; i < NumScalars; i++ {
		dst = binary.NativeEndian.AppendUint64(dst, math.Float64bits(*pkt.Scalar(i)))
	}
	return dst
}

// DecodeTelemetry deserializes the first TelemetrySize bytes of data.
// NaN and Inf values are passed through untouched.
func DecodeTelemetry(data []byte) (TelemetryPacket, error) {
	var pkt TelemetryPacket
	if len(data) < TelemetrySize {
		return pkt, &TruncatedPacketError{Kind: DirTelemetry, Got: len(data), Want: TelemetrySize}
	}
	for i := 0; i < NumScalars; i++ {
		*pkt.Scalar(i) = math.Float64frombits(binary.NativeEndian.Uint64(data[i*8:]))
	}
	return pkt, nil
}

// EncodeActuation serializes an ActuationPacket. Motors beyond MaxMotors are
// not encoded.
func EncodeActuation(pkt *ActuationPacket) []byte {
	n := min(len(pkt.MotorSpeed), MaxMotors)
	buf := make([]byte, 0, n*4)
	for _, v := range pkt.MotorSpeed[:n] {
		buf = binary.NativeEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}

// DecodeActuation deserializes a variable-length actuation datagram. The
// length must be a whole number of motors and must not exceed ActuationSize.
func DecodeActuation(data []byte) (ActuationPacket, error) {
	if len(data) > ActuationSize {
		return ActuationPacket{}, &OversizePacketError{Got: len(data), Max: ActuationSize}
	}
	if rem := len(data) % 4; rem != 0 {
		return ActuationPacket{}, &TruncatedPacketError{Kind: DirActuation, Got: len(data), Want: len(data) + 4 - rem}
	}
	pkt := ActuationPacket{MotorSpeed: make([]float32, len(data)/4)}
	for i := range pkt.MotorSpeed {
		pkt.MotorSpeed[i] = math.Float32frombits(binary.NativeEndian.Uint32(data[i*4:]))
	}
	return pkt, nil
}
