// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config holds heater tuning and user settings with their defaults
// and limits.
package config

import (
	"cmp"
	"errors"
	"fmt"
	"time"

	"github.com/Thermoquad/bluewire/pkg/thermostat"
)

// Style identifies the heater link protocol
type Style int

const (
	StyleBlueWire Style = iota // 24-byte UART frames
	StyleAlt                   // pulse width coded single byte commands
)

// String returns the name of the style
func (s Style) String() string {
	switch s {
	case StyleBlueWire:
		return "blue wire"
	case StyleAlt:
		return "alt"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Tuning holds the heater parameters sent with every self-mastered frame
type Tuning struct {
	PumpMin       float64 // Hz
	PumpMax       float64 // Hz
	FanMin        uint16  // RPM
	FanMax        uint16  // RPM
	TempMin       int8    // °C
	TempMax       int8    // °C
	SystemVoltage float64 // 12 or 24
	FanSensor     uint8   // pulses per revolution
	GlowDrive     uint8
	PumpCal       float64 // mL per pump stroke
	LowVoltCutout float64 // V, 0 disables
}

// DefaultTuning returns the factory heater tuning
func DefaultTuning() Tuning {
	return Tuning{
		PumpMin:       1.4,
		PumpMax:       4.5,
		FanMin:        1500,
		FanMax:        4500,
		TempMin:       8,
		TempMax:       35,
		SystemVoltage: 12,
		FanSensor:     1,
		GlowDrive:     5,
		PumpCal:       0.02,
		LowVoltCutout: 11.5,
	}
}

// Validate checks the tuning limits
func (t *Tuning) Validate() error {
	var errs []error
	if !InBounds(t.PumpMin, 0.4, 5.0) {
		errs = append(errs, fmt.Errorf("pump min %.1fHz outside 0.4-5.0", t.PumpMin))
	}
	if !InBounds(t.PumpMax, 1.0, 10.0) {
		errs = append(errs, fmt.Errorf("pump max %.1fHz outside 1.0-10.0", t.PumpMax))
	}
	if t.PumpMin > t.PumpMax {
		errs = append(errs, fmt.Errorf("pump min %.1fHz above max %.1fHz", t.PumpMin, t.PumpMax))
	}
	if !InBounds(t.FanMin, 500, 5000) || !InBounds(t.FanMax, 500, 5000) || t.FanMin > t.FanMax {
		errs = append(errs, fmt.Errorf("fan range %d-%dRPM invalid", t.FanMin, t.FanMax))
	}
	if t.TempMin > t.TempMax {
		errs = append(errs, fmt.Errorf("temperature range %d-%d°C invalid", t.TempMin, t.TempMax))
	}
	if t.SystemVoltage != 12 && t.SystemVoltage != 24 {
		errs = append(errs, fmt.Errorf("system voltage %.1fV (expected 12 or 24)", t.SystemVoltage))
	}
	if t.FanSensor != 1 && t.FanSensor != 2 {
		errs = append(errs, fmt.Errorf("fan sensor %d (expected 1 or 2)", t.FanSensor))
	}
	if !InBounds(t.PumpCal, 0.001, 1.0) {
		errs = append(errs, fmt.Errorf("pump calibration %.3fmL outside 0.001-1.0", t.PumpCal))
	}
	if err := t.validateCutout(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (t *Tuning) validateCutout() error {
	if t.LowVoltCutout == 0 {
		return nil
	}
	if t.SystemVoltage == 24 {
		if !InBounds(t.LowVoltCutout, 20.0, 25.0) {
			return fmt.Errorf("low voltage cutout %.1fV outside 20.0-25.0", t.LowVoltCutout)
		}
		return nil
	}
	if !InBounds(t.LowVoltCutout, 10.0, 12.5) {
		return fmt.Errorf("low voltage cutout %.1fV outside 10.0-12.5", t.LowVoltCutout)
	}
	return nil
}

// Settings holds the user's operating preferences
type Settings struct {
	FramePeriodMs    int // self-mastered cycle period
	Thermostat       bool
	DegC             uint8
	PumpHz           uint8
	ThermostatMethod thermostat.Method
	ThermostatWindow float64 // °C
	ExtThermostat    bool
	CyclicStop       int     // °C over setpoint to suspend, 0 disables
	CyclicStart      int     // °C under setpoint to resume
	FuelLimit        float64 // mL, 0 disables
	FuelWarn         float64 // mL, 0 disables
	Style            Style
}

// DefaultSettings returns the default user settings
func DefaultSettings() Settings {
	return Settings{
		FramePeriodMs:    1000,
		Thermostat:       true,
		DegC:             23,
		PumpHz:           22,
		ThermostatMethod: thermostat.MethodStandard,
		ThermostatWindow: 1.0,
		CyclicStop:       0,
		CyclicStart:      -1,
		Style:            StyleBlueWire,
	}
}

// FramePeriod returns the self-mastered cycle period
func (s *Settings) FramePeriod() time.Duration {
	return time.Duration(s.FramePeriodMs) * time.Millisecond
}

// Validate checks the user settings
func (s *Settings) Validate() error {
	var errs []error
	if !InBounds(s.FramePeriodMs, 300, 1500) {
		errs = append(errs, fmt.Errorf("frame period %dms outside 300-1500", s.FramePeriodMs))
	}
	if !InBounds(s.ThermostatMethod, thermostat.MethodStandard, thermostat.MethodMaximum) {
		errs = append(errs, fmt.Errorf("thermostat method %d invalid", s.ThermostatMethod))
	}
	if !InBounds(s.ThermostatWindow, 0.2, 10.0) {
		errs = append(errs, fmt.Errorf("thermostat window %.1f°C outside 0.2-10.0", s.ThermostatWindow))
	}
	if !InBounds(s.CyclicStop, 0, 10) {
		errs = append(errs, fmt.Errorf("cyclic stop %d°C outside 0-10", s.CyclicStop))
	}
	if !InBounds(s.CyclicStart, -20, 0) {
		errs = append(errs, fmt.Errorf("cyclic start %d°C outside -20-0", s.CyclicStart))
	}
	if s.FuelLimit < 0 || s.FuelWarn < 0 {
		errs = append(errs, errors.New("fuel limits must not be negative"))
	}
	if s.Style != StyleBlueWire && s.Style != StyleAlt {
		errs = append(errs, fmt.Errorf("heater style %d invalid", s.Style))
	}
	return errors.Join(errs...)
}

// Config is everything persisted about the heater
type Config struct {
	Tuning   Tuning
	Settings Settings
}

// Default returns the default configuration
func Default() Config {
	return Config{Tuning: DefaultTuning(), Settings: DefaultSettings()}
}

// Validate checks both tuning and settings
func (c *Config) Validate() error {
	return errors.Join(c.Tuning.Validate(), c.Settings.Validate())
}

// Demand builds the thermostat demand the user settings describe
func (c *Config) Demand() thermostat.Demand {
	return thermostat.Demand{
		Thermostat:    c.Settings.Thermostat,
		DegC:          c.Settings.DegC,
		PumpHz:        c.Settings.PumpHz,
		Method:        c.Settings.ThermostatMethod,
		Window:        c.Settings.ThermostatWindow,
		ExtThermostat: c.Settings.ExtThermostat && c.Settings.ThermostatMethod == thermostat.MethodExternal,
	}
}

// InBounds reports whether lo <= v <= hi
func InBounds[T cmp.Ordered](v, lo, hi T) bool {
	return v >= lo && v <= hi
}

// Clamp limits v to lo..hi
func Clamp[T cmp.Ordered](v, lo, hi T) T {
	return min(max(v, lo), hi)
}

// Wrap limits v to lo..hi, wrapping to the opposite limit when exceeded
func Wrap[T cmp.Ordered](v, lo, hi T) T {
	if v < lo {
		return hi
	}
	if v > hi {
		return lo
	}
	return v
}
