// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package frame

import "fmt"

// NewControlFrame returns a control frame holding factory default settings
// with a valid checksum.
func NewControlFrame() Frame {
	var f Frame
	f[ctlMode] = ModeActive
	f[ctlLength] = Length
	f[ctlCommand] = CmdNone
	f.SetActualTemp(18)
	f.SetDemand(20)
	f.SetPumpMin(1.4)
	f.SetPumpMax(4.3)
	f.SetFanMin(1450)
	f.SetFanMax(4500)
	f[ctlVoltage] = 120
	f[ctlFanSensor] = 1
	f[ctlOperatingMode] = OperatingThermostat
	f.SetTempMin(8)
	f.SetTempMax(35)
	f[ctlGlowDrive] = 5
	f[ctlPrime] = 0
	f.putU16(ctlUnknown1, Unknown1Default)
	f.putU16(ctlAltitude, DefaultAltitude)
	f.SetCRC()
	return f
}

// IsActive reports whether the heater is allowed to persist parameters
func (f *Frame) IsActive() bool { return f[ctlMode] == ModeActive }

// Mode returns the raw mode byte
func (f *Frame) Mode() uint8 { return f[ctlMode] }

// SetActive selects active (0x76) or passive (0x78) mode
func (f *Frame) SetActive(active bool) {
	if active {
		f[ctlMode] = ModeActive
	} else {
		f[ctlMode] = ModePassive
	}
}

// Command returns the command byte
func (f *Frame) Command() uint8 { return f[ctlCommand] }

// SetCommand sets the command byte
func (f *Frame) SetCommand(cmd uint8) { f[ctlCommand] = cmd }

// ResetCommand clears any pending command
func (f *Frame) ResetCommand() { f[ctlCommand] = CmdNone }

// ActualTemp returns the controller's measured temperature in °C
func (f *Frame) ActualTemp() int8 { return int8(f[ctlActualTemp]) }

// SetActualTemp sets the measured temperature in °C
func (f *Frame) SetActualTemp(degC int8) { f[ctlActualTemp] = uint8(degC) }

// Demand returns the demand byte (°C in thermostat mode, 0.1 Hz in fixed mode)
func (f *Frame) Demand() int8 { return int8(f[ctlDemand]) }

// SetDemand sets the demand byte
func (f *Frame) SetDemand(v int8) { f[ctlDemand] = uint8(v) }

// PumpMin returns the minimum pump rate in Hz
func (f *Frame) PumpMin() float64 { return float64(f[ctlPumpMin]) / 10 }

// SetPumpMin sets the minimum pump rate in Hz
func (f *Frame) SetPumpMin(hz float64) { f[ctlPumpMin] = tenths(hz) }

// PumpMax returns the maximum pump rate in Hz
func (f *Frame) PumpMax() float64 { return float64(f[ctlPumpMax]) / 10 }

// SetPumpMax sets the maximum pump rate in Hz
func (f *Frame) SetPumpMax(hz float64) { f[ctlPumpMax] = tenths(hz) }

// FanMin returns the minimum fan speed in RPM
func (f *Frame) FanMin() uint16 { return f.u16(ctlFanMin) }

// SetFanMin sets the minimum fan speed in RPM
func (f *Frame) SetFanMin(rpm uint16) { f.putU16(ctlFanMin, rpm) }

// FanMax returns the maximum fan speed in RPM
func (f *Frame) FanMax() uint16 { return f.u16(ctlFanMax) }

// SetFanMax sets the maximum fan speed in RPM
func (f *Frame) SetFanMax(rpm uint16) { f.putU16(ctlFanMax, rpm) }

// OperatingVoltage returns the system voltage class in volts (12 or 24)
func (f *Frame) OperatingVoltage() float64 { return float64(f[ctlVoltage]) / 10 }

// SetOperatingVoltage sets the system voltage class. Only 12 V and 24 V
// systems exist.
func (f *Frame) SetOperatingVoltage(volts float64) error {
	v := tenths(volts)
	if v != 120 && v != 240 {
		return fmt.Errorf("invalid system voltage %.1fV (expected 12 or 24)", volts)
	}
	f[ctlVoltage] = v
	return nil
}

// FanSensor returns the fan speed sensor pulses per revolution
func (f *Frame) FanSensor() uint8 { return f[ctlFanSensor] }

// SetFanSensor sets the fan speed sensor type (1 or 2)
func (f *Frame) SetFanSensor(n uint8) {
	if n != 2 {
		n = 1
	}
	f[ctlFanSensor] = n
}

// IsThermostat reports whether demand is expressed in °C
func (f *Frame) IsThermostat() bool { return f[ctlOperatingMode] == OperatingThermostat }

// SetThermostat selects thermostat (°C) or fixed Hz demand
func (f *Frame) SetThermostat(on bool) {
	if on {
		f[ctlOperatingMode] = OperatingThermostat
	} else {
		f[ctlOperatingMode] = OperatingFixedHz
	}
}

// OperatingMode returns the raw operating mode byte
func (f *Frame) OperatingMode() uint8 { return f[ctlOperatingMode] }

// TempMin returns the minimum thermostat setting in °C
func (f *Frame) TempMin() int8 { return int8(f[ctlTempMin]) }

// SetTempMin sets the minimum thermostat setting in °C
func (f *Frame) SetTempMin(degC int8) { f[ctlTempMin] = uint8(degC) }

// TempMax returns the maximum thermostat setting in °C
func (f *Frame) TempMax() int8 { return int8(f[ctlTempMax]) }

// SetTempMax sets the maximum thermostat setting in °C
func (f *Frame) SetTempMax(degC int8) { f[ctlTempMax] = uint8(degC) }

// GlowDrive returns the glow plug drive level
func (f *Frame) GlowDrive() uint8 { return f[ctlGlowDrive] }

// SetGlowDrive sets the glow plug drive level
func (f *Frame) SetGlowDrive(v uint8) { f[ctlGlowDrive] = v }

// Priming reports whether a fuel prime has been requested
func (f *Frame) Priming() bool { return f[ctlPrime] == PrimeOn }

// SetPriming requests or cancels a fuel prime
func (f *Frame) SetPriming(on bool) {
	if on {
		f[ctlPrime] = PrimeOn
	} else {
		f[ctlPrime] = 0
	}
}

// Unknown1 returns bytes 18-19, passed through verbatim
func (f *Frame) Unknown1() uint16 { return f.u16(ctlUnknown1) }

// Altitude returns bytes 20-21 as a signed altitude in metres
func (f *Frame) Altitude() int16 { return int16(f.u16(ctlAltitude)) }

// SetAltitude writes the altitude. Unknown1 tracks whether the value is a
// real reading.
func (f *Frame) SetAltitude(metres float64, valid bool) {
	if !valid {
		f.putU16(ctlUnknown1, Unknown1Default)
		f.putU16(ctlAltitude, DefaultAltitude)
		return
	}
	f.putU16(ctlUnknown1, Unknown1Altitude)
	f.putU16(ctlAltitude, uint16(int16(metres)))
}
