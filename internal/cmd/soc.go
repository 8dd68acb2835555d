package cmd

import "math"

// socBreakpoints is a 36V-nominal state-of-charge curve (voltage in 0.1V
// units paired with percent), linearly interpolated between points and
// scaled by nominalVoltage/36 for 24V/48V packs (§4.4: "battery_dV mapped
// to SOC via a nominal-voltage-scaled lookup").
var socBreakpoints = [...]struct {
	dv  int
	pct int
}{
	{420, 100},
	{390, 80},
	{370, 60},
	{350, 40},
	{330, 20},
	{300, 0},
}

// socFromVoltage maps a battery voltage reading (0.1V units) to a percent
// state of charge for the given nominal pack voltage.
func socFromVoltage(batteryDv, nominalVoltage int) int {
	if nominalVoltage <= 0 {
		nominalVoltage = 36
	}
	scale := func(dv int) int { return dv * nominalVoltage / 36 }

	if batteryDv >= scale(socBreakpoints[0].dv) {
		return 100
	}
	last := len(socBreakpoints) - 1
	if batteryDv <= scale(socBreakpoints[last].dv) {
		return 0
	}
	for i := 0; i < last; i++ {
		hi := socBreakpoints[i]
		lo := socBreakpoints[i+1]
		hiDv, loDv := scale(hi.dv), scale(lo.dv)
		if batteryDv <= hiDv && batteryDv >= loDv {
			span := hiDv - loDv
			if span == 0 {
				return lo.pct
			}
			frac := batteryDv - loDv
			return lo.pct + (hi.pct-lo.pct)*frac/span
		}
	}
	return 0
}

// periodToDmph converts a wheel-rotation period in milliseconds to a speed
// in deci-mph, clamped to the table's ceiling (§4.4).
func periodToDmph(periodMs int) int {
	if periodMs <= 0 {
		return 0
	}
	dmph := int(math.Round((36000.0 / float64(periodMs) * 621.0) / 1000.0))
	if dmph > 621 {
		dmph = 621
	}
	return dmph
}

// errorFromSTX02Flags applies the priority-ordered STX02 error mapping
// (§4.4): bit1 beats bit3 beats bit0 beats bit5 beats bit4 beats bit6.
func errorFromSTX02Flags(flags byte) int {
	switch {
	case flags&0x02 != 0:
		return 2
	case flags&0x08 != 0:
		return 6
	case flags&0x01 != 0:
		return 7
	case flags&0x20 != 0:
		return 8
	case flags&0x10 != 0:
		return 9
	case flags&0x40 != 0:
		return 20
	default:
		return 0
	}
}
