// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package frame

import (
	"fmt"
	"strings"
)

// FormatCaptured formats a sniffed frame into a human-readable string
func FormatCaptured(c *Captured) string {
	timestamp := c.Timestamp.Format("15:04:05.000")
	crc := "OK"
	if !c.Frame.Verify(nil) {
		crc = fmt.Sprintf("BAD (calc 0x%04X)", c.Frame.CalculatedCRC())
	}

	result := fmt.Sprintf("[%s] %s crc=0x%04X %s\n", timestamp, c.Direction, c.Frame.CRC(), crc)
	result += "  " + FormatHex(&c.Frame) + "\n"
	if c.Direction == DirStatus {
		result += FormatStatus(&c.Frame)
	} else {
		result += FormatControl(&c.Frame)
	}
	return result
}

// FormatHex renders the frame as space separated hex bytes
func FormatHex(f *Frame) string {
	var sb strings.Builder
	for i, b := range f {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}

// FormatCommand returns the name of a control command byte
func FormatCommand(cmd uint8) string {
	switch cmd {
	case CmdNone:
		return "NONE"
	case CmdStart:
		return "START"
	case CmdStop:
		return "STOP"
	default:
		return fmt.Sprintf("RAW(0x%02X)", cmd)
	}
}

// FormatControl formats the fields of a control frame
func FormatControl(f *Frame) string {
	mode := "passive"
	if f.IsActive() {
		mode = "active"
	} else if f.Mode() != ModePassive {
		mode = fmt.Sprintf("unknown(0x%02X)", f.Mode())
	}

	demand := fmt.Sprintf("%d°C", f.Demand())
	operating := "thermostat"
	if !f.IsThermostat() {
		demand = fmt.Sprintf("%.1fHz", float64(uint8(f.Demand()))/10)
		operating = "fixed Hz"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "  mode=%s cmd=%s actual=%d°C demand=%s (%s)\n",
		mode, FormatCommand(f.Command()), f.ActualTemp(), demand, operating)
	fmt.Fprintf(&sb, "  pump=%.1f-%.1fHz fan=%d-%dRPM temp=%d-%d°C\n",
		f.PumpMin(), f.PumpMax(), f.FanMin(), f.FanMax(), f.TempMin(), f.TempMax())
	fmt.Fprintf(&sb, "  system=%.0fV sensor=SN-%d glow=%d prime=%t altitude=%d (0x%04X)\n",
		f.OperatingVoltage(), f.FanSensor(), f.GlowDrive(), f.Priming(), f.Altitude(), f.Unknown1())
	return sb.String()
}

// FormatStatus formats the fields of a status frame
func FormatStatus(f *Frame) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "  run=%d err=%d supply=%.1fV body=%d°C\n",
		f.RunState(), f.ErrState(), f.SupplyVoltage(), f.BodyTemp())
	fmt.Fprintf(&sb, "  fan=%dRPM %.1fV glow=%.1fV %.2fA pump=%.1fHz fixed=%.1fHz stored_err=%d\n",
		f.FanRPM(), f.FanVoltage(), f.GlowVoltage(), f.GlowCurrent(), f.ActualPump(), f.FixedPump(), f.StoredError())
	return sb.String()
}
