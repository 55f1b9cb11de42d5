// Package spoof holds the operator-controlled overrides applied to every
// telemetry packet before it reaches the flight controller.
//
// A Table is not safe for concurrent use. The relay owns it and both mutates
// it (console commands) and applies it (forwarding) from its single reactor
// goroutine, so a packet is never forwarded half-overridden.
package spoof

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/1ureka/fdmproxy/internal/protocol"
)

// Mode selects how a field is overridden.
type Mode uint8

const (
	ModeNone   Mode = iota // pass through unmodified
	ModeFixed              // replace with Param
	ModeRandom             // replace with a uniform sample in [-Param, +Param]
	ModeOffset             // reserved; stored but applied as pass-through
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeFixed:
		return "fixed"
	case ModeRandom:
		return "random"
	case ModeOffset:
		return "offset"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// fieldNames lists one name per TelemetryPacket scalar, in wire order.
var fieldNames = [protocol.NumScalars]string{
	"timestamp",
	"imuAngVelX", "imuAngVelY", "imuAngVelZ",
	"imuAccelX", "imuAccelY", "imuAccelZ",
	"imuQuat1", "imuQuat2", "imuQuat3", "imuQuat4",
	"velX", "velY", "velZ",
	"posX", "posY", "posZ",
}

// FieldName returns the name of the i-th scalar of the flattened view.
func FieldName(i int) string { return fieldNames[i] }

// ErrNonFiniteRange is returned by Randomize for NaN or infinite ranges.
var ErrNonFiniteRange = errors.New("random range must be a finite number")

// UnknownFieldError reports a lookup of a name that is not a field.
type UnknownFieldError struct {
	Name string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown field %q", e.Name)
}

// Field is one overridable scalar slot.
type Field struct {
	Name  string
	Index int // position in the flattened scalar view
	Mode  Mode
	Param float64
}

// Table maps field names to overrides. Fields are created once by NewTable
// and are never removed.
type Table struct {
	fields []Field
	byName map[string]int
	sample *Sampler
}

// NewTable creates a table with every field in ModeNone, drawing random
// overrides from a generator seeded from the current time.
func NewTable() *Table {
	return NewTableWithSampler(NewSampler(uint64(time.Now().UnixNano())))
}

// NewTableWithSampler creates a table using the given sampler.
func NewTableWithSampler(s *Sampler) *Table {
	t := &Table{
		fields: make([]Field, protocol.NumScalars),
		byName: make(map[string]int, protocol.NumScalars),
		sample: s,
	}
	for i, name := range fieldNames {
		t.fields[i] = Field{Name: name, Index: i, Mode: ModeNone}
		t.byName[name] = i
	}
	return t
}

func (t *Table) lookup(name string) (*Field, error) {
	i, ok := t.byName[name]
	if !ok {
		return nil, &UnknownFieldError{Name: name}
	}
	return &t.fields[i], nil
}

// Set overrides the named field with a fixed value.
func (t *Table) Set(name string, value float64) error {
	return t.Override(name, ModeFixed, value)
}

// Randomize overrides the named field with fresh uniform samples in
// [-r, +r] on every packet. A negative r spans the same interval.
func (t *Table) Randomize(name string, r float64) error {
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return ErrNonFiniteRange
	}
	return t.Override(name, ModeRandom, r)
}

// Clear stops overriding the named field. The stored parameter is kept.
func (t *Table) Clear(name string) error {
	f, err := t.lookup(name)
	if err != nil {
		return err
	}
	f.Mode = ModeNone
	return nil
}

// ClearAll stops overriding every field.
func (t *Table) ClearAll() {
	for i := range t.fields {
		t.fields[i].Mode = ModeNone
	}
}

// Override sets an arbitrary mode and parameter on the named field.
func (t *Table) Override(name string, mode Mode, param float64) error {
	f, err := t.lookup(name)
	if err != nil {
		return err
	}
	f.Mode = mode
	f.Param = param
	return nil
}

// Lookup returns a copy of the named field.
func (t *Table) Lookup(name string) (Field, bool) {
	f, err := t.lookup(name)
	if err != nil {
		return Field{}, false
	}
	return *f, true
}

// List returns every field name in packet order.
func (t *Table) List() []string {
	names := make([]string, len(t.fields))
	for i, f := range t.fields {
		names[i] = f.Name
	}
	return names
}

// Active returns a copy of every field whose mode is not ModeNone.
func (t *Table) Active() []Field {
	var out []Field
	for _, f := range t.fields {
		if f.Mode != ModeNone {
			out = append(out, f)
		}
	}
	return out
}

// Apply overwrites the overridden scalars of pkt in place.
func (t *Table) Apply(pkt *protocol.TelemetryPacket) {
	for i := range t.fields {
		f := &t.fields[i]
		switch f.Mode {
		case ModeFixed:
			*pkt.Scalar(f.Index) = f.Param
		case ModeRandom:
			*pkt.Scalar(f.Index) = t.sample.Uniform(f.Param)
		}
	}
}
