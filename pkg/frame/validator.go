// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package frame

import "fmt"

// AnomalyType represents different types of frame anomalies
type AnomalyType int

const (
	AnomalyLengthMismatch AnomalyType = iota
	AnomalyInvalidMode
	AnomalyInvalidRange
	AnomalyInvalidVoltage
	AnomalyInvalidState
	AnomalyInvalidTemp
	AnomalySupplyVoltage
)

// Plausibility limits for status frames
const (
	maxErrState    = 13
	minSupplyVolts = 8.0
	maxSupplyVolts = 32.0
	minBodyTemp    = -50
	maxBodyTemp    = 350
)

// ValidationError represents a frame validation failure
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// Validate checks the frame for anomalies according to its direction.
// Returns a slice of validation errors (empty if frame is valid)
func Validate(f *Frame, dir Direction) []ValidationError {
	errors := []ValidationError{}
	if f[1] != Length {
		errors = append(errors, ValidationError{
			Type:    AnomalyLengthMismatch,
			Message: fmt.Sprintf("Length byte 0x%02X (expected 0x%02X)", f[1], Length),
			Details: map[string]interface{}{"received": f[1], "expected": Length},
		})
	}

	if dir == DirStatus {
		return append(errors, validateStatus(f)...)
	}
	return append(errors, validateControl(f)...)
}

// validateControl validates a controller to heater frame
func validateControl(f *Frame) []ValidationError {
	errors := []ValidationError{}

	if f.Mode() != ModeActive && f.Mode() != ModePassive {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidMode,
			Message: fmt.Sprintf("Invalid mode byte 0x%02X", f.Mode()),
			Details: map[string]interface{}{"mode": f.Mode()},
		})
	}

	if f.PumpMin() > f.PumpMax() {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidRange,
			Message: fmt.Sprintf("Pump min %.1fHz above max %.1fHz", f.PumpMin(), f.PumpMax()),
			Details: map[string]interface{}{"min": f.PumpMin(), "max": f.PumpMax()},
		})
	}

	if f.FanMin() > f.FanMax() {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidRange,
			Message: fmt.Sprintf("Fan min %dRPM above max %dRPM", f.FanMin(), f.FanMax()),
			Details: map[string]interface{}{"min": f.FanMin(), "max": f.FanMax()},
		})
	}

	if f.TempMin() > f.TempMax() {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidRange,
			Message: fmt.Sprintf("Thermostat min %d°C above max %d°C", f.TempMin(), f.TempMax()),
			Details: map[string]interface{}{"min": f.TempMin(), "max": f.TempMax()},
		})
	}

	if v := f[ctlVoltage]; v != 120 && v != 240 {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidVoltage,
			Message: fmt.Sprintf("Invalid system voltage %.1fV", f.OperatingVoltage()),
			Details: map[string]interface{}{"value": v},
		})
	}

	return errors
}

// validateStatus validates a heater to controller frame
func validateStatus(f *Frame) []ValidationError {
	errors := []ValidationError{}

	if f.RunState() > MaxRunState {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidState,
			Message: fmt.Sprintf("Invalid run state=%d (max %d)", f.RunState(), MaxRunState),
			Details: map[string]interface{}{"run_state": f.RunState(), "max": MaxRunState},
		})
	}

	if f.ErrState() > maxErrState {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidState,
			Message: fmt.Sprintf("Invalid error state=%d (max %d)", f.ErrState(), maxErrState),
			Details: map[string]interface{}{"err_state": f.ErrState(), "max": maxErrState},
		})
	}

	if v := f.SupplyVoltage(); v < minSupplyVolts || v > maxSupplyVolts {
		errors = append(errors, ValidationError{
			Type:    AnomalySupplyVoltage,
			Message: fmt.Sprintf("Supply voltage %.1fV out of range", v),
			Details: map[string]interface{}{"value": v},
		})
	}

	if t := f.BodyTemp(); t < minBodyTemp || t > maxBodyTemp {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidTemp,
			Message: fmt.Sprintf("Heat exchanger temperature %d°C out of range", t),
			Details: map[string]interface{}{"value": t},
		})
	}

	return errors
}
