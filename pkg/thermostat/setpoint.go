// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package thermostat

import (
	"errors"
	"sync"
)

// ErrLocked is returned when another controller owns the demand
var ErrLocked = errors.New("demand is owned by another controller")

// Setpoint holds the user's demand and the latest sensor inputs. It is the
// Source handed to the heater links and is safe for concurrent use.
type Setpoint struct {
	mu         sync.Mutex
	d          Demand
	tmin, tmax int8
	locked     bool
}

// NewSetpoint returns a Setpoint with the given initial demand and limits
func NewSetpoint(d Demand, tmin, tmax int8) *Setpoint {
	s := &Setpoint{d: d, tmin: tmin, tmax: tmax}
	s.d.DegC = s.clamp(int(d.DegC))
	s.d.PumpHz = s.clamp(int(d.PumpHz))
	return s
}

// Demand returns a copy of the current demand
func (s *Setpoint) Demand() Demand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d
}

func (s *Setpoint) clamp(v int) uint8 {
	if v < int(s.tmin) {
		v = int(s.tmin)
	}
	if v > int(s.tmax) {
		v = int(s.tmax)
	}
	if v < 0 {
		v = 0
	}
	return uint8(v)
}

// SetDemand sets the active demand (°C or fixed rate, depending on mode),
// limited to Tmin..Tmax. It returns ErrLocked while another controller is in
// charge of the heater.
func (s *Setpoint) SetDemand(v int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return ErrLocked
	}
	if s.d.Thermostat {
		s.d.DegC = s.clamp(v)
	} else {
		s.d.PumpHz = s.clamp(v)
	}
	return nil
}

// AdjustDemand nudges the active demand by delta
func (s *Setpoint) AdjustDemand(delta int) error {
	d := s.Demand()
	cur := int(d.PumpHz)
	if d.Thermostat {
		cur = int(d.DegC)
	}
	return s.SetDemand(cur + delta)
}

// SetThermostat selects thermostat or fixed rate operation
func (s *Setpoint) SetThermostat(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return ErrLocked
	}
	s.d.Thermostat = on
	return nil
}

// SetMethod selects the regulation method and its window
func (s *Setpoint) SetMethod(m Method, window float64) {
	s.mu.Lock()
	s.d.Method = m
	s.d.Window = window
	s.mu.Unlock()
}

// SetLimits changes Tmin/Tmax and re-limits the stored demand
func (s *Setpoint) SetLimits(tmin, tmax int8) {
	s.mu.Lock()
	s.tmin, s.tmax = tmin, tmax
	s.d.DegC = s.clamp(int(s.d.DegC))
	s.d.PumpHz = s.clamp(int(s.d.PumpHz))
	s.mu.Unlock()
}

// SetAmbient records a room temperature reading
func (s *Setpoint) SetAmbient(degC float64) {
	s.mu.Lock()
	s.d.Ambient = degC
	s.d.HasAmbient = true
	s.mu.Unlock()
}

// SetAltitude records an altitude reading
func (s *Setpoint) SetAltitude(metres float64) {
	s.mu.Lock()
	s.d.Altitude = metres
	s.d.HasAltitude = true
	s.mu.Unlock()
}

// SetExternal configures the external thermostat input and its state
func (s *Setpoint) SetExternal(fitted, on bool) {
	s.mu.Lock()
	s.d.ExtThermostat = fitted
	s.d.ExtThermostatOn = on
	s.mu.Unlock()
}

// SetCyclic records whether cyclic mode has suspended the heater
func (s *Setpoint) SetCyclic(active bool) {
	s.mu.Lock()
	s.d.CyclicActive = active
	s.mu.Unlock()
}

// SetFrostStandby records whether frost protection is armed and waiting
func (s *Setpoint) SetFrostStandby(active bool) {
	s.mu.Lock()
	s.d.FrostStandby = active
	s.mu.Unlock()
}

// Lock hands demand ownership to another controller on the bus
func (s *Setpoint) Lock(locked bool) {
	s.mu.Lock()
	s.locked = locked
	s.mu.Unlock()
}
