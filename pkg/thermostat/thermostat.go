// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package thermostat maps the user's demand and the measured room temperature
// onto what a heater link should ask the heater for.
package thermostat

import (
	"fmt"
	"math"
)

// Method selects how temperature regulation is performed
type Method int

const (
	MethodStandard Method = iota // heater regulates against our actual temperature
	MethodWindowed               // heater regulates, actual is held inside a window
	MethodLinearHz               // we regulate, fixed Hz demand scaled across the window
	MethodExternal               // digital thermostat input selects min or max burn
	MethodMaximum                // always maximum burn
)

// String returns the name of the method
func (m Method) String() string {
	switch m {
	case MethodStandard:
		return "standard"
	case MethodWindowed:
		return "windowed"
	case MethodLinearHz:
		return "linear Hz"
	case MethodExternal:
		return "external"
	case MethodMaximum:
		return "maximum"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// Demand is everything a link needs from the user side to build a request
type Demand struct {
	Thermostat bool  // demand is °C rather than fixed pump rate
	DegC       uint8 // thermostat setpoint
	PumpHz     uint8 // fixed rate demand, expressed on the Tmin..Tmax scale

	Method Method
	Window float64 // °C

	ExtThermostat   bool // external thermostat input is fitted and selected
	ExtThermostatOn bool

	Ambient     float64
	HasAmbient  bool
	Altitude    float64
	HasAltitude bool

	CyclicActive bool // heater has been suspended by cyclic mode
	FrostStandby bool // waiting for frost protection to trigger
}

// Source supplies the current demand
type Source interface {
	Demand() Demand
}

// Setting is the demand portion of a blue wire control frame
type Setting struct {
	Thermostat bool // heater regulates temperature itself
	Demand     int8
	Actual     int8
}

func round(v float64) int8 {
	return int8(math.Floor(v + 0.5))
}

// Synthesize derives demand, actual temperature and protocol mode for a
// control frame from the user's demand and the heater's Tmin/Tmax limits.
// Until an ambient reading arrives the setpoint stands in for it.
func Synthesize(d Demand, tmin, tmax int8) Setting {
	if !d.Thermostat {
		return Setting{Thermostat: false, Demand: int8(d.PumpHz), Actual: 0}
	}

	// Without a room reading the heater is told it is at the setpoint
	ambient := float64(d.DegC)
	if d.HasAmbient {
		ambient = d.Ambient
	}
	s := Setting{Thermostat: true, Demand: int8(d.DegC), Actual: round(ambient)}
	if d.Method == MethodStandard {
		return s
	}

	delta := ambient - float64(d.DegC)
	window := d.Window / 2

	switch d.Method {
	case MethodExternal:
		if d.ExtThermostat {
			s = Setting{Thermostat: false, Demand: tmin, Actual: 0}
			if d.ExtThermostatOn {
				s.Demand = tmax
			}
		}

	case MethodWindowed:
		if math.Abs(delta) < window {
			s.Actual = int8(d.DegC)
		} else if math.Abs(delta) <= 1.0 {
			if delta > 0 {
				s.Actual = int8(d.DegC) + 1
			} else {
				s.Actual = int8(d.DegC) - 1
			}
		}

	case MethodLinearHz:
		s = Setting{Thermostat: false, Demand: LinearDemand(delta, window, tmin, tmax), Actual: 0}

	case MethodMaximum:
		s = Setting{Thermostat: false, Demand: tmax, Actual: 0}
	}
	return s
}

// LinearDemand scales the deviation from the setpoint across the window
// onto the Tmin..Tmax pseudo Hz range. Over temperature lowers the demand.
func LinearDemand(delta, halfWindow float64, tmin, tmax int8) int8 {
	mid := (float64(tmax) + float64(tmin)) * 0.5
	if halfWindow <= 0 {
		halfWindow = 0.1
	}
	v := mid - (delta/halfWindow)*(float64(tmax)-mid)
	v = math.Max(v, float64(tmin))
	v = math.Min(v, float64(tmax))
	return round(v)
}
