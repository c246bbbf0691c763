// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package runstate holds the heater run and error state vocabulary shared by
// every heater link.
package runstate

import "fmt"

// Run states reported by heaters
const (
	Stopped     = 0
	Starting    = 1
	Igniting    = 2
	IgniteRetry = 3
	Ignited     = 4
	Running     = 5
	Stopping    = 6
	ShuttingDn  = 7
	Cooling     = 8
)

// Pseudo run states layered on top by the controller
const (
	GlowHeating     = 9  // glow plug on, pump not yet running
	Suspended       = 10 // cyclic mode or frost watch holding the heater off
	Suspending      = 11
	SuspendCooling  = 12
	UnknownRunState = 13
)

// Error states. The wire carries E-nn as nn+1, with 0 meaning off and 1 OK.
const (
	ErrNone         = 0
	ErrOK           = 1
	ErrLowVoltage   = 2  // E-01
	ErrHighVoltage  = 3  // E-02
	ErrGlowPlug     = 4  // E-03
	ErrPump         = 5  // E-04
	ErrOverheat     = 6  // E-05
	ErrMotor        = 7  // E-06
	ErrComms        = 8  // E-07
	ErrFlameOut     = 9  // E-08
	ErrTempSensor   = 10 // E-09
	ErrIgnition     = 11 // E-10
	ErrFirstIgnite  = 12 // E-11
	ErrExcessFuel   = 13 // E-12
	UnknownErrState = 14
)

var runStateNames = []string{
	"Stopped/Ready",
	"Starting...",
	"Igniting...",
	"Ignition retry pause",
	"Ignited",
	"Running",
	"Stopping",
	"Shutting down",
	"Cooling",
	"Heating glow plug",
	"Suspended",
	"Suspending...",
	"Suspend cooling",
	"Unknown run state",
}

var errStateNames = []string{
	"",
	"",
	"Low voltage",
	"High voltage",
	"Glow plug fault",
	"Pump fault",
	"Overheat",
	"Motor fault",
	"Comms fault",
	"Flame out",
	"Temp sense",
	"Ignition fail",
	"Failed 1st ignite",
	"Excess fuel usage",
	"Unknown error?",
}

var errStateNamesEx = []string{
	"E-00: OK",
	"E-00: OK",
	"E-01: Low voltage",
	"E-02: High voltage",
	"E-03: Glow plug fault",
	"E-04: Pump fault",
	"E-05: Overheat",
	"E-06: Motor fault",
	"E-07: No heater comms",
	"E-08: Flame out",
	"E-09: Temp sense fault",
	"E-10: Ignition fail",
	"E-11: Failed 1st ignition attempt",
	"E-12: Excess fuel shutdown",
	"E-??: Unknown error",
}

// RunStateString returns the name of a run state
func RunStateString(state int) string {
	if state < 0 || state >= len(runStateNames) {
		state = UnknownRunState
	}
	return runStateNames[state]
}

// ErrStateString returns the short description of an error state
func ErrStateString(state int) string {
	if state < 0 || state >= len(errStateNames) {
		state = UnknownErrState
	}
	return errStateNames[state]
}

// ErrStateStringEx returns the description of an error state with its E-code
func ErrStateStringEx(state int) string {
	if state < 0 || state >= len(errStateNamesEx) {
		state = UnknownErrState
	}
	return errStateNamesEx[state]
}

// ECode returns the display code for an error state, e.g. "E-07"
func ECode(state int) string {
	if state <= ErrOK {
		return "E-00"
	}
	if state >= UnknownErrState {
		return "E-??"
	}
	return fmt.Sprintf("E-%02d", state-1)
}

// Extended returns the friendly run state. Cyclic suspension and frost
// standby are reported as suspension states, and a glow plug preheating
// without fuel as its own state.
func Extended(state int, suspended bool, pumpHz float64) int {
	if suspended {
		switch state {
		case Stopped:
			return Suspended
		case ShuttingDn:
			return Suspending
		case Cooling:
			return SuspendCooling
		}
	}
	if state == Igniting && pumpHz == 0 {
		return GlowHeating
	}
	return state
}

// Telemetry is a snapshot of everything a link knows about the heater.
// Values a link cannot measure are reported as -1.
type Telemetry struct {
	Online bool

	RunState int
	ErrState int

	SupplyVoltage float64
	FanRPM        float64
	FanVoltage    float64
	BodyTemp      float64
	GlowVoltage   float64
	GlowCurrent   float64
	PumpActual    float64
	PumpFixed     float64
	Demand        int
	Thermostat    bool

	// Safety checks
	LowVoltage    bool    // supply too low to allow a start
	FuelExhausted bool    // fuel limit reached
	FuelUsed      float64 // mL

	// Blue wire bus details
	ForeignController bool
	LCDController     bool
	BusStatus         string
}

// Unknown returns telemetry for a heater that has not been heard from
func Unknown() Telemetry {
	return Telemetry{
		SupplyVoltage: -1,
		FanRPM:        -1,
		FanVoltage:    -1,
		BodyTemp:      -1,
		GlowVoltage:   -1,
		GlowCurrent:   -1,
		PumpActual:    -1,
		PumpFixed:     -1,
	}
}

// GlowPower returns the glow plug power in watts, or -1 if unknown
func (t Telemetry) GlowPower() float64 {
	if t.GlowVoltage < 0 || t.GlowCurrent < 0 {
		return -1
	}
	return t.GlowVoltage * t.GlowCurrent
}
