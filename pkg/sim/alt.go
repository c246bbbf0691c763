// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sim

import (
	"context"
	"sync"
	"time"

	"github.com/Thermoquad/bluewire/pkg/altlink"
)

// Alt heater phase durations
var (
	AltGlowTime  = 2 * time.Second
	AltPumpTime  = 3 * time.Second
	AltStopTime  = 3 * time.Second
	AltPumpRates = altlink.PumpRateTable{14, 20, 26, 32, 38, 45}
)

// AltHeater is a simulated heater of the pulse coded family
type AltHeater struct {
	mu sync.Mutex

	on       bool
	stopping bool
	since    time.Time
	demand   int
	thermo   bool
	volts    int
	body     int
	alarm    int

	editing bool
	editIdx int
}

// NewAltHeater returns a stopped heater on a 12V supply
func NewAltHeater() *AltHeater {
	return &AltHeater{volts: 12, body: 20, demand: 3}
}

// SetVolts sets the supply the heater reports
func (a *AltHeater) SetVolts(v int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.volts = v
}

// SetAlarm sets the error code the heater reports, 0 for none
func (a *AltHeater) SetAlarm(code int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alarm = code
}

// On reports whether the heater is running or stopping
func (a *AltHeater) On() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.on
}

// Demand returns the heater's demand step
func (a *AltHeater) Demand() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.demand
}

// Respond returns the reply word for cmd
func (a *AltHeater) Respond(cmd byte, now time.Time) uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.advance(now)

	switch cmd {
	case altlink.CmdPower:
		if !a.on {
			a.on = true
			a.since = now
		} else if !a.stopping {
			a.stopping = true
			a.since = now
		}
	case altlink.CmdDemandUp:
		a.demand = min(a.demand+1, altlink.PumpLevels-1)
	case altlink.CmdDemandDown:
		a.demand = max(a.demand-1, 0)
	case altlink.CmdThermoToggle:
		a.thermo = !a.thermo
	case altlink.CmdEditMode:
		if !a.editing {
			a.editing = true
			a.editIdx = 0
			return a.rateWord()
		}
		a.editing = false
	case altlink.CmdEditStep:
		if a.editing && a.editIdx < altlink.PumpLevels-1 {
			a.editIdx++
			return a.rateWord()
		}
	case altlink.CmdVolts:
		return uint16(altlink.TagVolts<<12 | a.volts&0x1F)
	case altlink.CmdBodyTemp:
		return uint16(altlink.TagBodyTemp<<12 | a.body&0xFFF)
	}

	if a.alarm != 0 {
		return uint16(altlink.TagError<<12 | a.alarm&0x0F)
	}
	return a.statusWord(now)
}

func (a *AltHeater) advance(now time.Time) {
	if a.on && a.stopping && now.Sub(a.since) >= AltStopTime {
		a.on = false
		a.stopping = false
	}
	switch {
	case a.on && !a.stopping && a.body < 150:
		a.body += 5
	case !a.on && a.body > 20:
		a.body--
	}
}

func (a *AltHeater) rateWord() uint16 {
	return uint16(altlink.TagPumpRate<<12 | a.editIdx<<8 | AltPumpRates[a.editIdx]&0xFF)
}

func (a *AltHeater) statusWord(now time.Time) uint16 {
	w := altlink.TagStatus << 12
	if !a.on {
		return uint16(w | a.volts&0x1F)
	}

	w |= 0x0040 | 0x0800 // on, fan
	in := now.Sub(a.since)
	switch {
	case a.stopping:
		w |= 0x0080 | 0x0100
	case in < AltGlowTime:
		w |= 0x0100
	case in < AltGlowTime+AltPumpTime:
		w |= 0x0100 | 0x0400
	default:
		w |= 0x0400 | 0x0200
	}
	if a.thermo {
		w |= 6
	} else {
		w |= a.demand & 0x07
	}
	return uint16(w)
}

// AltLine is a simulated pulse line with an AltHeater attached. It
// satisfies altlink.Transceiver.
type AltLine struct {
	heater *AltHeater

	mu      sync.Mutex
	reply   []altlink.Pulse
	silent  bool
	gate    bool
	sent    []byte
	mangled func([]altlink.Pulse) []altlink.Pulse
}

// NewAltLine attaches h to a new simulated line
func NewAltLine(h *AltHeater) *AltLine {
	return &AltLine{heater: h}
}

// Heater returns the attached heater
func (l *AltLine) Heater() *AltHeater {
	return l.heater
}

// SetSilent disconnects the heater from the line
func (l *AltLine) SetSilent(silent bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.silent = silent
}

// SetMangle installs a function that distorts every reply before capture
func (l *AltLine) SetMangle(fn func([]altlink.Pulse) []altlink.Pulse) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mangled = fn
}

// Sent returns the commands decoded from the line so far
func (l *AltLine) Sent() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]byte(nil), l.sent...)
}

// SetGate records the gate level
func (l *AltLine) SetGate(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gate = on
	return nil
}

// Gate returns the gate level
func (l *AltLine) Gate() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gate
}

// Transmit decodes the command and prepares the heater's reply
func (l *AltLine) Transmit(p []altlink.Pulse) error {
	cmd, err := altlink.DecodeCommand(p)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, cmd)
	if l.silent {
		l.reply = nil
		return nil
	}
	l.reply = altlink.EncodeReply(l.heater.Respond(cmd, time.Now()))
	if l.mangled != nil {
		l.reply = l.mangled(l.reply)
	}
	return nil
}

// Capture returns the pending reply, or waits out timeout if there is none
func (l *AltLine) Capture(ctx context.Context, timeout time.Duration) ([]altlink.Pulse, error) {
	l.mu.Lock()
	reply := l.reply
	l.reply = nil
	l.mu.Unlock()

	if reply != nil {
		return reply, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, altlink.ErrNoReply
	}
}
