// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package sim provides simulated heaters that stand in for hardware in tests
// and in the simulate command.
package sim

import (
	"sync"
	"time"

	"github.com/Thermoquad/bluewire/pkg/frame"
	"github.com/Thermoquad/bluewire/pkg/runstate"
)

// Run state durations of the simulated heater. They are much shorter than a
// real heater's so tests can walk a whole start and stop.
var (
	StartTime  = 1 * time.Second
	IgniteTime = 2 * time.Second
	IgnitedFor = 1 * time.Second
	RetryTime  = 1 * time.Second
	ShutTime   = 2 * time.Second
	CoolTime   = 3 * time.Second
)

// Heater is a simulated blue wire heater ECU
type Heater struct {
	mu sync.Mutex

	run     uint8
	err     uint8
	since   time.Time
	retried bool

	supply  float64
	body    float64
	ambient float64
	pumpHz  float64
	fanRPM  uint16

	tuning frame.Frame // last active control frame

	// FailIgnition makes the next starts fail after one retry
	FailIgnition bool
}

// NewHeater returns a stopped heater on a 13.3V supply
func NewHeater() *Heater {
	return &Heater{
		supply:  13.3,
		body:    15,
		ambient: 15,
		tuning:  frame.NewControlFrame(),
	}
}

// SetSupply sets the supply voltage the heater reports
func (h *Heater) SetSupply(volts float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.supply = volts
}

// RunState returns the heater's run state
func (h *Heater) RunState() uint8 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.run
}

// Respond returns the status frame the heater sends after ctl
func (h *Heater) Respond(ctl frame.Frame, now time.Time) frame.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ctl.IsActive() {
		h.tuning = ctl
	}
	if h.since.IsZero() {
		h.since = now
	}

	switch ctl.Command() {
	case frame.CmdStart:
		if h.run == runstate.Stopped {
			h.enter(runstate.Starting, now)
			h.err = runstate.ErrOK
			h.retried = false
		}
	case frame.CmdStop:
		if h.run >= runstate.Starting && h.run <= runstate.Running {
			h.enter(runstate.ShuttingDn, now)
		}
	}

	h.advance(now)
	h.regulate(ctl)
	return h.status()
}

func (h *Heater) enter(state uint8, now time.Time) {
	h.run = state
	h.since = now
}

func (h *Heater) advance(now time.Time) {
	in := now.Sub(h.since)
	switch h.run {
	case runstate.Starting:
		if in >= StartTime {
			h.enter(runstate.Igniting, now)
		}
	case runstate.Igniting:
		if in < IgniteTime {
			return
		}
		switch {
		case !h.FailIgnition:
			h.enter(runstate.Ignited, now)
		case !h.retried:
			h.retried = true
			h.enter(runstate.IgniteRetry, now)
		default:
			h.err = runstate.ErrIgnition
			h.enter(runstate.ShuttingDn, now)
		}
	case runstate.IgniteRetry:
		if in >= RetryTime {
			h.enter(runstate.Igniting, now)
		}
	case runstate.Ignited:
		if in >= IgnitedFor {
			h.enter(runstate.Running, now)
		}
	case runstate.ShuttingDn:
		if in >= ShutTime {
			h.enter(runstate.Cooling, now)
		}
	case runstate.Cooling:
		if in >= CoolTime {
			h.enter(runstate.Stopped, now)
		}
	}
}

func (h *Heater) regulate(ctl frame.Frame) {
	t := &h.tuning
	switch h.run {
	case runstate.Stopped:
		h.pumpHz = 0
		h.fanRPM = 0
	case runstate.Starting, runstate.Igniting, runstate.IgniteRetry:
		h.pumpHz = t.PumpMin()
		h.fanRPM = t.FanMin()
	case runstate.Ignited, runstate.Running:
		frac := 1.0
		if span := float64(ctl.TempMax()) - float64(ctl.TempMin()); span > 0 {
			frac = (float64(ctl.Demand()) - float64(ctl.TempMin())) / span
			if ctl.IsThermostat() {
				frac = (float64(ctl.Demand()) - float64(ctl.ActualTemp())) / 4
			}
		}
		frac = min(max(frac, 0), 1)
		h.pumpHz = t.PumpMin() + frac*(t.PumpMax()-t.PumpMin())
		h.fanRPM = t.FanMin() + uint16(frac*float64(t.FanMax()-t.FanMin()))
	default:
		h.pumpHz = 0
		h.fanRPM = t.FanMax()
	}

	if h.pumpHz > 0 && h.body < 180 {
		h.body += 2
	} else if h.pumpHz == 0 && h.body > h.ambient {
		h.body--
	}
}

func (h *Heater) glowing() bool {
	switch h.run {
	case runstate.Starting, runstate.Igniting, runstate.IgniteRetry, runstate.ShuttingDn:
		return true
	}
	return false
}

func (h *Heater) status() frame.Frame {
	f := frame.NewStatusFrame()
	f.SetRunState(h.run)
	f.SetErrState(h.err)
	f.SetSupplyVoltage(h.supply)
	f.SetFanRPM(h.fanRPM)
	if h.fanRPM > 0 {
		f.SetFanVoltage(float64(h.fanRPM) / 400)
	}
	f.SetBodyTemp(int16(h.body))
	if h.glowing() {
		f.SetGlowVoltage(8.5)
		f.SetGlowCurrent(9.2)
	}
	f.SetActualPump(h.pumpHz)
	f.SetFixedPump(h.tuning.PumpMax())
	f.SetCRC()
	return f
}
