// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package frame

// Frame geometry
const (
	Size      = 24
	CRCOffset = 22
	Length    = 0x16 // byte 1 of every frame: payload length excluding CRC
)

// Wire settings of the blue wire UART
const (
	BaudRate    = 25000
	BitsPerByte = 10 // 8N1
)

// Control frame mode byte (byte 0)
const (
	ModeActive  = 0x76 // heater may persist parameters
	ModePassive = 0x78
)

// Control frame command byte (byte 2)
const (
	CmdNone  = 0x00
	CmdStart = 0xA0
	CmdStop  = 0x05
)

// Operating mode byte (byte 13)
const (
	OperatingThermostat = 0x32
	OperatingFixedHz    = 0xCD
)

// Prime byte (byte 17)
const PrimeOn = 0x5A

// Unknown1 (bytes 18-19), tracks whether an altitude is being reported
const (
	Unknown1Default  = 0x012C
	Unknown1Altitude = 0xEB47
)

// DefaultAltitude is reported when no altitude sensor is fitted.
const DefaultAltitude = 3500

// Control frame offsets
const (
	ctlMode          = 0
	ctlLength        = 1
	ctlCommand       = 2
	ctlActualTemp    = 3
	ctlDemand        = 4
	ctlPumpMin       = 5
	ctlPumpMax       = 6
	ctlFanMin        = 7
	ctlFanMax        = 9
	ctlVoltage       = 11
	ctlFanSensor     = 12
	ctlOperatingMode = 13
	ctlTempMin       = 14
	ctlTempMax       = 15
	ctlGlowDrive     = 16
	ctlPrime         = 17
	ctlUnknown1      = 18
	ctlAltitude      = 20
)

// Status frame offsets
const (
	stsRunState    = 2
	stsErrState    = 3
	stsSupplyV     = 4
	stsFanRPM      = 6
	stsFanVoltage  = 8
	stsBodyTemp    = 10
	stsGlowVoltage = 12
	stsGlowCurrent = 14
	stsActualPump  = 16
	stsStoredError = 17
	stsUnknown1    = 18
	stsFixedPump   = 19
	stsUnknown2    = 20
	stsUnknown3    = 21
)

// Supply voltage sensing sits behind a protection diode.
const diodeDrop = 0.6

// Highest run state a heater reports on the wire.
const MaxRunState = 8
