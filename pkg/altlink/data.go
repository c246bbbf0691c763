// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package altlink

import (
	"fmt"
	"time"

	"github.com/Thermoquad/bluewire/pkg/runstate"
)

// Commands understood by the heater
const (
	CmdThermoToggle = 0xA1
	CmdPower        = 0xA2
	CmdDemandUp     = 0xA3
	CmdDemandDown   = 0xA4
	CmdStatus       = 0xA6
	CmdEditMode     = 0xAA
	CmdVolts        = 0xAB
	CmdPrime        = 0xAC
	CmdEditStep     = 0xAD
	CmdBodyTemp     = 0xAF
	CmdThermoHold   = 0x70
	CmdThermoUp     = 0x71
	CmdThermoDown   = 0x72
)

// Reply tags, the top nibble of a reply word
const (
	TagPumpRate = 0x3
	TagBodyTemp = 0x4
	TagThermo   = 0x5
	TagStatus   = 0x6
	TagError    = 0x8
	TagVolts    = 0xA
)

// Status word bits
const (
	statusOn      = 0x0040
	statusStop    = 0x0080
	statusGlow    = 0x0100
	statusPlateau = 0x0200
	statusPump    = 0x0400
	statusFan     = 0x0800

	thermoDemand = 6 // demand field value while in thermostat mode
)

// ActiveTimeout is how long a heater counts as online after a reply
const ActiveTimeout = 5 * time.Second

// PumpLevels is the number of demand steps the heater offers
const PumpLevels = 6

// PumpRateTable holds the pump rate of each demand step in 0.1Hz, -1 while
// unknown
type PumpRateTable [PumpLevels]int

// NewPumpRateTable returns a table with every rate unknown
func NewPumpRateTable() PumpRateTable {
	var t PumpRateTable
	for i := range t {
		t[i] = -1
	}
	return t
}

// Known reports whether the rate of step idx has been read
func (t *PumpRateTable) Known(idx int) bool {
	return idx >= 0 && idx < PumpLevels && t[idx] > 0
}

// Rate returns the pump rate of step idx in Hz, or -1
func (t *PumpRateTable) Rate(idx int) float64 {
	if !t.Known(idx) {
		return -1
	}
	return float64(t[idx]) / 10
}

// Complete reports whether every step has been read
func (t *PumpRateTable) Complete() bool {
	for i := range t {
		if !t.Known(i) {
			return false
		}
	}
	return true
}

// HeaterData is everything learnt from the heater's replies
type HeaterData struct {
	On       bool
	Fan      bool
	Glow     bool
	Pump     bool
	Plateau  bool
	Stopping bool

	ThermoMode bool
	Demand     int // 0-5
	BodyTemp   int // raw, -1 while unknown
	Volts      int
	Error      int

	PumpRates PumpRateTable
	Active    time.Time // online until
}

// NewHeaterData returns data for a heater that has not replied yet
func NewHeaterData() HeaterData {
	return HeaterData{BodyTemp: -1, PumpRates: NewPumpRateTable()}
}

// Decode folds a reply word into the data. Any reply marks the heater
// active for ActiveTimeout.
func (h *HeaterData) Decode(word uint16, now time.Time) {
	d := int(word)
	switch word >> 12 {
	case TagPumpRate:
		idx := (d & 0xF00) >> 8
		if idx < PumpLevels {
			h.PumpRates[idx] = d & 0xFF
		}
	case TagBodyTemp:
		h.BodyTemp = d & 0xFFF
	case TagThermo:
		h.Demand = d & 0x07
		h.ThermoMode = true
	case TagStatus:
		h.decodeStatus(d)
	case TagError:
		h.Error = d & 0x0F
	case TagVolts:
		h.Volts = d & 0x1F
	}
	h.Active = now.Add(ActiveTimeout)
}

func (h *HeaterData) decodeStatus(d int) {
	if d&statusOn == 0 {
		h.On = false
		h.Fan = false
		h.Glow = false
		h.Pump = false
		h.Plateau = false
		h.Stopping = false
		h.Error = 0
		h.Volts = d & 0x1F
		h.ThermoMode = false
		return
	}

	h.On = true
	h.Fan = d&statusFan != 0
	h.Glow = d&statusGlow != 0
	h.Pump = d&statusPump != 0
	h.Plateau = d&statusPlateau != 0
	h.Stopping = d&statusStop != 0
	if dmd := d & 0x07; dmd != thermoDemand {
		h.Demand = dmd
		h.ThermoMode = false
	} else {
		h.ThermoMode = true
	}
}

// IsActive reports whether the heater has replied recently
func (h *HeaterData) IsActive(now time.Time) bool {
	return !h.Active.IsZero() && now.Before(h.Active)
}

// RunState maps the status bits onto the blue wire run states
func (h *HeaterData) RunState() int {
	switch {
	case !h.On:
		return runstate.Stopped
	case h.Stopping:
		return runstate.ShuttingDn
	case h.Glow && !h.Pump:
		return runstate.GlowHeating
	case h.Glow:
		return runstate.Igniting
	default:
		return runstate.Running
	}
}

// ErrState maps the heater's alarm code onto the blue wire error states
func (h *HeaterData) ErrState() int {
	switch h.Error {
	case 2:
		return runstate.ErrLowVoltage
	case 3:
		return runstate.ErrPump
	case 4:
		return runstate.ErrGlowPlug
	case 5:
		return runstate.ErrMotor
	case 6:
		return runstate.ErrTempSensor
	case 7:
		return runstate.ErrIgnition
	case 8:
		return runstate.ErrOverheat
	case 9:
		return runstate.ErrFlameOut
	default:
		return runstate.ErrNone
	}
}

// PumpRate returns the current pump rate in Hz: 0 when the pump is off, -1
// when running at a step whose rate is unknown
func (h *HeaterData) PumpRate() float64 {
	if !h.Pump {
		return 0
	}
	return h.PumpRates.Rate(h.Demand)
}

// String summarises the data for logs
func (h *HeaterData) String() string {
	return fmt.Sprintf("On:%v Fan:%v Glow:%v Pump:%v Plateau:%v Demand:%d Volts:%d BodyT:%d Err:%d",
		h.On, h.Fan, h.Glow, h.Pump, h.Plateau, h.Demand, h.Volts, h.BodyTemp, h.Error)
}
