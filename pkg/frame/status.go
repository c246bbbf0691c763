// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package frame

// NewStatusFrame returns the status frame of an idle heater on a 13.3 V
// supply, with a valid checksum.
func NewStatusFrame() Frame {
	var f Frame
	f[0] = ModeActive
	f[1] = Length
	f[stsRunState] = 0
	f[stsErrState] = 0
	f.putU16(stsSupplyV, 133)
	f.putU16(stsFanRPM, 0)
	f.putU16(stsFanVoltage, 0)
	f.putU16(stsBodyTemp, 0)
	f.putU16(stsGlowVoltage, 0)
	f.putU16(stsGlowCurrent, 0)
	f[stsActualPump] = 0
	f[stsStoredError] = 0
	f[stsUnknown1] = 0
	f[stsFixedPump] = 23
	f[stsUnknown2] = 100
	f[stsUnknown3] = 0
	f.SetCRC()
	return f
}

// RunState returns the heater's run state (0 stopped .. 8 cooling)
func (f *Frame) RunState() uint8 { return f[stsRunState] }

// SetRunState sets the run state byte
func (f *Frame) SetRunState(v uint8) { f[stsRunState] = v }

// ErrState returns the heater's error state (0 off, 1 ok, n+1 for E-0n)
func (f *Frame) ErrState() uint8 { return f[stsErrState] }

// SetErrState sets the error state byte
func (f *Frame) SetErrState(v uint8) { f[stsErrState] = v }

// RawSupplyVoltage returns the supply voltage as measured by the heater
func (f *Frame) RawSupplyVoltage() float64 { return float64(f.u16(stsSupplyV)) / 10 }

// SupplyVoltage returns the supply voltage compensated for the heater's
// input diode
func (f *Frame) SupplyVoltage() float64 { return f.RawSupplyVoltage() + diodeDrop }

// SetSupplyVoltage sets the raw supply voltage in volts
func (f *Frame) SetSupplyVoltage(volts float64) { f.putU16(stsSupplyV, uint16(volts*10+0.5)) }

// FanRPM returns the measured fan speed
func (f *Frame) FanRPM() uint16 { return f.u16(stsFanRPM) }

// SetFanRPM sets the fan speed
func (f *Frame) SetFanRPM(rpm uint16) { f.putU16(stsFanRPM, rpm) }

// FanVoltage returns the fan drive voltage. The heater leaves stale values
// in the field while stopped, so it reads 0 when the run state is 0.
func (f *Frame) FanVoltage() float64 {
	if f.RunState() == 0 {
		return 0
	}
	return float64(f.u16(stsFanVoltage)) / 10
}

// SetFanVoltage sets the fan drive voltage
func (f *Frame) SetFanVoltage(volts float64) { f.putU16(stsFanVoltage, uint16(volts*10+0.5)) }

// BodyTemp returns the heat exchanger temperature in °C
func (f *Frame) BodyTemp() int16 { return int16(f.u16(stsBodyTemp)) }

// SetBodyTemp sets the heat exchanger temperature in °C
func (f *Frame) SetBodyTemp(degC int16) { f.putU16(stsBodyTemp, uint16(degC)) }

// GlowVoltage returns the glow plug voltage
func (f *Frame) GlowVoltage() float64 { return float64(f.u16(stsGlowVoltage)) / 10 }

// SetGlowVoltage sets the glow plug voltage
func (f *Frame) SetGlowVoltage(volts float64) { f.putU16(stsGlowVoltage, uint16(volts*10+0.5)) }

// GlowCurrent returns the glow plug current in amps
func (f *Frame) GlowCurrent() float64 { return float64(f.u16(stsGlowCurrent)) / 100 }

// SetGlowCurrent sets the glow plug current in amps
func (f *Frame) SetGlowCurrent(amps float64) { f.putU16(stsGlowCurrent, uint16(amps*100+0.5)) }

// GlowPower returns the glow plug power in watts
func (f *Frame) GlowPower() float64 { return f.GlowVoltage() * f.GlowCurrent() }

// ActualPump returns the pump rate the heater is running at in Hz
func (f *Frame) ActualPump() float64 { return float64(f[stsActualPump]) / 10 }

// SetActualPump sets the running pump rate in Hz
func (f *Frame) SetActualPump(hz float64) { f[stsActualPump] = tenths(hz) }

// StoredError returns the last error code the heater latched
func (f *Frame) StoredError() uint8 { return f[stsStoredError] }

// SetStoredError sets the stored error code
func (f *Frame) SetStoredError(v uint8) { f[stsStoredError] = v }

// FixedPump returns the pump rate used in fixed Hz mode
func (f *Frame) FixedPump() float64 { return float64(f[stsFixedPump]) / 10 }

// SetFixedPump sets the fixed mode pump rate in Hz
func (f *Frame) SetFixedPump(hz float64) { f[stsFixedPump] = tenths(hz) }

// StatusUnknowns returns the three constant bytes of a status frame
func (f *Frame) StatusUnknowns() (uint8, uint8, uint8) {
	return f[stsUnknown1], f[stsUnknown2], f[stsUnknown3]
}
