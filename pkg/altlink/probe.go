// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package altlink

import (
	"time"

	"github.com/Thermoquad/bluewire/pkg/thermostat"
)

// Probe and poll timing
const (
	ProbeDelay   = 600 * time.Millisecond // wait for each pump rate reply
	PollInterval = time.Second
)

type probeState int

const (
	probeStart probeState = iota
	probeAwaitFirst
	probeNext
	probeAwaitStep
)

// Prober reads the pump rate table at startup. It enters the heater's edit
// mode, steps through the six demand levels reading each rate, then leaves
// edit mode. A missed reply restarts the sequence.
type Prober struct {
	state    probeState
	idx      int
	deadline time.Time
}

// Step advances the probe, returning commands to send and whether the table
// has been read
func (p *Prober) Step(now time.Time, data *HeaterData) ([]byte, bool) {
	switch p.state {
	case probeStart:
		data.PumpRates = NewPumpRateTable()
		p.idx = 0
		p.deadline = now.Add(ProbeDelay)
		p.state = probeAwaitFirst
		return []byte{CmdEditMode}, false

	case probeAwaitFirst, probeAwaitStep:
		if data.PumpRates.Known(p.idx) {
			p.state = probeNext
		} else if !now.Before(p.deadline) {
			p.state = probeStart
		}
		return nil, false

	case probeNext:
		if data.PumpRates.Known(PumpLevels - 1) {
			p.state = probeStart
			return []byte{CmdEditMode}, true
		}
		p.idx++
		if p.idx == PumpLevels {
			p.state = probeStart
			return nil, false
		}
		p.deadline = now.Add(ProbeDelay)
		p.state = probeAwaitStep
		return []byte{CmdEditStep}, false
	}
	return nil, false
}

// Index returns the demand step being read
func (p *Prober) Index() int {
	return p.idx
}

// Poller issues the periodic commands once the heater is known: a demand
// step towards the thermostat's wanted level, and alternating voltage and
// body temperature queries while the heater runs.
type Poller struct {
	next    time.Time
	flip    bool
	level   *thermostat.Leveller
	desired int
}

// NewPoller creates a Poller whose first poll is due at start
func NewPoller(start time.Time) *Poller {
	return &Poller{next: start, level: thermostat.NewLeveller(), desired: -1}
}

// Desired returns the demand step last asked for, -1 before the first poll
func (p *Poller) Desired() int {
	return p.desired
}

// Step returns the commands due at now
func (p *Poller) Step(now time.Time, d thermostat.Demand, tmin, tmax int8, data *HeaterData) []byte {
	if now.Before(p.next) {
		return nil
	}
	p.next = p.next.Add(PollInterval)
	if p.next.Before(now) {
		p.next = now.Add(PollInterval)
	}

	p.desired = p.level.Level(d, tmin, tmax)
	cmds := MatchDemand(data, p.desired)
	if data.On {
		p.flip = !p.flip
		if p.flip {
			cmds = append(cmds, CmdVolts)
		} else {
			cmds = append(cmds, CmdBodyTemp)
		}
	}
	return cmds
}

// MatchDemand returns the commands that move the heater one step towards
// desired, leaving thermostat mode first if needed. At the wanted step a
// plain status poll is sent.
func MatchDemand(data *HeaterData, desired int) []byte {
	var cmds []byte
	if data.ThermoMode {
		cmds = append(cmds, CmdThermoToggle)
	}
	switch {
	case data.Demand == desired:
		cmds = append(cmds, CmdStatus)
	case data.Demand > desired:
		cmds = append(cmds, CmdDemandDown)
	default:
		cmds = append(cmds, CmdDemandUp)
	}
	return cmds
}
