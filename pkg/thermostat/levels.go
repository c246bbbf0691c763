// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package thermostat

import "math"

// Power levels of heaters that only understand stepped demand
const (
	MinLevel = 0
	MaxLevel = 5
)

// Leveller chooses a stepped power level. It remembers the last level for
// the bang-bang methods, so one Leveller belongs to one link.
type Leveller struct {
	memory int
}

// NewLeveller returns a Leveller that starts at full power
func NewLeveller() *Leveller {
	return &Leveller{memory: MaxLevel}
}

// Level returns the desired level for the demand. Fixed rate demand is
// scaled from the Tmin..Tmax range onto the available levels.
func (l *Leveller) Level(d Demand, tmin, tmax int8) int {
	if !d.Thermostat {
		return FixedLevel(d.PumpHz, tmin, tmax)
	}

	delta := d.Ambient - float64(d.DegC)
	window := d.Window / 2

	switch d.Method {
	case MethodExternal:
		if d.ExtThermostat {
			if d.ExtThermostatOn {
				return MaxLevel
			}
			return MinLevel
		}
		return l.flipFlop(delta, 1.0)

	case MethodStandard:
		return l.flipFlop(delta, 1.0)

	case MethodWindowed:
		return l.flipFlop(delta, window)

	case MethodLinearHz:
		switch {
		case math.Abs(delta) < window/2:
			return 3
		case math.Abs(delta) < window:
			if delta > 0 {
				return 2
			}
			return 4
		case delta > 0:
			return MinLevel
		default:
			return MaxLevel
		}

	case MethodMaximum:
		return MaxLevel
	}
	return l.memory
}

func (l *Leveller) flipFlop(delta, window float64) int {
	if delta >= window {
		l.memory = MinLevel
	} else if delta <= -window {
		l.memory = MaxLevel
	}
	return l.memory
}

// FixedLevel maps a fixed rate demand on the Tmin..Tmax scale to a level
func FixedLevel(pumpHz uint8, tmin, tmax int8) int {
	span := float64(tmax) - float64(tmin)
	if span <= 0 {
		return MaxLevel
	}
	frac := (float64(pumpHz) - float64(tmin)) / span
	return clampLevel(int(math.Floor(frac*MaxLevel + 0.5)))
}

func clampLevel(v int) int {
	if v < MinLevel {
		return MinLevel
	}
	if v > MaxLevel {
		return MaxLevel
	}
	return v
}
