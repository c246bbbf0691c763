// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package runstate

import "testing"

func TestRunStateString(t *testing.T) {
	tests := []struct {
		state int
		want  string
	}{
		{Stopped, "Stopped/Ready"},
		{Running, "Running"},
		{GlowHeating, "Heating glow plug"},
		{SuspendCooling, "Suspend cooling"},
		{42, "Unknown run state"},
		{-1, "Unknown run state"},
	}
	for _, tt := range tests {
		if got := RunStateString(tt.state); got != tt.want {
			t.Errorf("RunStateString(%d) = %q, expected %q", tt.state, got, tt.want)
		}
	}
}

func TestErrStateStrings(t *testing.T) {
	if got := ErrStateStringEx(ErrComms); got != "E-07: No heater comms" {
		t.Errorf("comms = %q", got)
	}
	if got := ErrStateStringEx(ErrExcessFuel); got != "E-12: Excess fuel shutdown" {
		t.Errorf("excess fuel = %q", got)
	}
	if got := ErrStateString(ErrLowVoltage); got != "Low voltage" {
		t.Errorf("low voltage = %q", got)
	}
	if got := ErrStateStringEx(99); got != "E-??: Unknown error" {
		t.Errorf("unknown = %q", got)
	}
}

func TestECode(t *testing.T) {
	tests := []struct {
		state int
		want  string
	}{
		{ErrNone, "E-00"},
		{ErrOK, "E-00"},
		{ErrLowVoltage, "E-01"},
		{ErrIgnition, "E-10"},
		{ErrFirstIgnite, "E-11"},
		{UnknownErrState, "E-??"},
	}
	for _, tt := range tests {
		if got := ECode(tt.state); got != tt.want {
			t.Errorf("ECode(%d) = %q, expected %q", tt.state, got, tt.want)
		}
	}
}

func TestExtended(t *testing.T) {
	tests := []struct {
		name      string
		state     int
		suspended bool
		pump      float64
		want      int
	}{
		{"plain running", Running, false, 3.2, Running},
		{"suspended idle", Stopped, true, 0, Suspended},
		{"suspending", ShuttingDn, true, 0, Suspending},
		{"suspend cooling", Cooling, true, 0, SuspendCooling},
		{"glow heating", Igniting, false, 0, GlowHeating},
		{"igniting with fuel", Igniting, false, 1.6, Igniting},
		{"running ignores suspend", Running, true, 2.0, Running},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Extended(tt.state, tt.suspended, tt.pump); got != tt.want {
				t.Errorf("Extended() = %d, expected %d", got, tt.want)
			}
		})
	}
}

func TestTelemetry_GlowPower(t *testing.T) {
	tel := Telemetry{GlowVoltage: 10, GlowCurrent: 8}
	if tel.GlowPower() != 80 {
		t.Errorf("glow power = %.1f", tel.GlowPower())
	}
	tel.GlowCurrent = -1
	if tel.GlowPower() != -1 {
		t.Error("unknown current should give unknown power")
	}
}
