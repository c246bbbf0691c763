// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package fault infers faults the heater does not report itself and applies
// the low voltage and fuel usage cutoffs.
package fault

import (
	"time"

	"github.com/Thermoquad/bluewire/pkg/config"
	"github.com/Thermoquad/bluewire/pkg/runstate"
)

// Commander is the part of the transmit scheduler the monitor drives
type Commander interface {
	QueueOn(on bool)
	QueueOff(off bool)
}

// Level is the result of a safety check
type Level int

const (
	LevelOK Level = iota
	LevelWarn
	LevelTrip
)

// String returns the name of the level
func (l Level) String() string {
	switch l {
	case LevelOK:
		return "OK"
	case LevelWarn:
		return "WARN"
	case LevelTrip:
		return "TRIP"
	default:
		return "UNKNOWN"
	}
}

// TripHoldoff is how long a low voltage must persist before a stop
const TripHoldoff = 10 * time.Second

// Limits are the configured safety thresholds
type Limits struct {
	LowVoltCutout float64 // V, 0 disables
	SystemVoltage float64 // 12 or 24
	FuelLimit     float64 // mL, 0 disables
	FuelWarn      float64 // mL, 0 disables
}

// Monitor watches run state transitions and safety inputs. It is owned by
// a single link task.
type Monitor struct {
	cmd    Commander
	limits Limits

	prevRunState uint8
	err          uint8
	inhibit      bool

	lowSince time.Time
	tripped  bool
}

// NewMonitor creates a Monitor driving cmd
func NewMonitor(cmd Commander, limits Limits) *Monitor {
	return &Monitor{cmd: cmd, limits: limits}
}

// SetLimits replaces the safety thresholds
func (m *Monitor) SetLimits(l Limits) {
	m.limits = l
}

// Reset clears the inferred error. Called when the user asks for a start.
func (m *Monitor) Reset() {
	m.prevRunState = 0
	m.err = 0
	m.inhibit = false
	m.tripped = false
	m.lowSince = time.Time{}
}

// Inhibit suppresses ignition fault inference. Called when the user stops
// the heater, so a stop during preheat is not read as a failed ignition.
func (m *Monitor) Inhibit() {
	m.inhibit = true
}

// Error returns the inferred error state, 0 if none
func (m *Monitor) Error() uint8 {
	return m.err
}

// Rearm clears the inferred error and the cutoff latch as the heater
// leaves the stopped state
func (m *Monitor) Rearm() {
	m.err = 0
	m.inhibit = false
	m.tripped = false
}

// Observe accepts the run state of a fresh, CRC-valid status frame
func (m *Monitor) Observe(runState uint8) {
	if m.prevRunState == runstate.Stopped && runState != runstate.Stopped {
		m.Rearm()
	}

	if !m.inhibit && m.prevRunState == runstate.Igniting {
		switch {
		case runState == runstate.Ignited:
			m.err = 0
		case runState > runstate.Running:
			m.err = runstate.ErrIgnition
		case runState == runstate.IgniteRetry:
			m.err = runstate.ErrFirstIgnite
		}
	}

	if m.prevRunState != runState {
		if runState >= runstate.Igniting {
			m.cmd.QueueOn(false)
		}
		if runState >= runstate.ShuttingDn || runState == runstate.Stopped {
			m.cmd.QueueOff(false)
		}
	}
	m.prevRunState = runState
}

// CheckVolts compares the supply against the low voltage cutout, allowing
// 0.1 V per amp of glow plug current for cable drop. A trip held for
// TripHoldoff with arm set records E-01 and commands a stop, once.
func (m *Monitor) CheckVolts(now time.Time, supplyV, glowA float64, arm bool) Level {
	if m.limits.LowVoltCutout == 0 {
		m.lowSince = time.Time{}
		return LevelOK
	}

	thresh := m.limits.LowVoltCutout - glowA*0.1
	if supplyV < thresh {
		if m.lowSince.IsZero() {
			m.lowSince = now
		}
		if arm && !m.tripped && now.Sub(m.lowSince) >= TripHoldoff {
			m.trip(runstate.ErrLowVoltage)
		}
		return LevelTrip
	}
	m.lowSince = time.Time{}

	alert := thresh + 0.5
	floor := 12.0
	if m.limits.SystemVoltage == 24 {
		floor = 24.0
	}
	if alert < floor {
		alert = floor
	}
	if supplyV < alert {
		return LevelWarn
	}
	return LevelOK
}

// CheckFuelUsage compares the fuel used against the configured limits. At
// the limit with arm set it records E-12 and commands a stop, once.
func (m *Monitor) CheckFuelUsage(usedML float64, arm bool) Level {
	if m.limits.FuelLimit > 0 && usedML >= m.limits.FuelLimit {
		if arm && !m.tripped {
			m.trip(runstate.ErrExcessFuel)
		}
		return LevelTrip
	}
	if m.limits.FuelWarn > 0 && usedML >= m.limits.FuelWarn {
		return LevelWarn
	}
	return LevelOK
}

func (m *Monitor) trip(code uint8) {
	m.err = code
	m.tripped = true
	m.cmd.QueueOn(false)
	m.cmd.QueueOff(true)
	m.inhibit = true
}

// Merge picks the error state to display. Comms loss wins, then an
// inferred error, then whatever the heater reports.
func Merge(commsLost bool, inferred, heater uint8) int {
	if commsLost {
		return runstate.ErrComms
	}
	if inferred != 0 {
		return int(inferred)
	}
	return int(heater)
}

// LimitsFor extracts the safety thresholds from the configuration
func LimitsFor(c config.Config) Limits {
	return Limits{
		LowVoltCutout: c.Tuning.LowVoltCutout,
		SystemVoltage: c.Tuning.SystemVoltage,
		FuelLimit:     c.Settings.FuelLimit,
		FuelWarn:      c.Settings.FuelWarn,
	}
}
