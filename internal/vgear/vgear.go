// Package vgear implements the virtual-gear scale table (§3, §4.6): a
// count of logical assist gears and a Q15 fixed-point scale curve, linear or
// exponential, rebuilt atomically on every adjustment. Pure, no I/O.
package vgear

// MinQ15 is VGEAR_MIN_Q15 ≈ 0.1 × 2^15 (§3).
const MinQ15 uint16 = 3277

// MaxQ15 is the unsigned Q15 ceiling (65535, i.e. ~2.0).
const MaxQ15 uint16 = 65535

// Shape selects the interpolation curve between min and max scale.
type Shape int

const (
	Linear Shape = iota
	Exponential
)

// Table is a rebuilt-atomically virtual-gear scale table. Count is clamped
// to [1,12]; Min/Max are Q15 fixed point with Min <= Max and Min >= MinQ15.
type Table struct {
	Count  int
	Shape  Shape
	Min    uint16
	Max    uint16
	Scales []uint16
}

// New builds a table for the given count/shape/min/max, clamping and
// rebuilding the Scales array per the §3 invariant.
func New(count int, shape Shape, min, max uint16) *Table {
	t := &Table{}
	t.Adjust(count, shape, min, max)
	return t
}

// Adjust clamps count to [1,12], clamps min/max to the allowed Q15 range
// (never letting min exceed max), and regenerates Scales in place.
func (t *Table) Adjust(count int, shape Shape, min, max uint16) {
	if count < 1 {
		count = 1
	}
	if count > 12 {
		count = 12
	}
	if min < MinQ15 {
		min = MinQ15
	}
	if max > MaxQ15 {
		max = MaxQ15
	}
	if min > max {
		min = max
	}

	t.Count = count
	t.Shape = shape
	t.Min = min
	t.Max = max
	t.Scales = make([]uint16, count)

	if count == 1 {
		t.Scales[0] = min
		return
	}

	spread := int(max) - int(min)
	denom := count - 1
	for i := 0; i < count; i++ {
		var scale int
		switch shape {
		case Exponential:
			scale = int(min) + spread*i*i/(denom*denom)
		default: // Linear
			scale = int(min) + spread*i/denom
		}
		t.Scales[i] = uint16(scale)
	}
}

// ClampGear clamps an active-gear index to the table's current count, for
// use after a count change (§4.6).
func (t *Table) ClampGear(gear int) int {
	if gear < 0 {
		return 0
	}
	if gear >= t.Count {
		return t.Count - 1
	}
	return gear
}
