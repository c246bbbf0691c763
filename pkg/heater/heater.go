// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package heater selects and supervises the link to whichever heater is
// fitted, and presents one query and command surface for it.
package heater

import (
	"context"
	"errors"

	"github.com/Thermoquad/bluewire/pkg/config"
	"github.com/Thermoquad/bluewire/pkg/frame"
	"github.com/Thermoquad/bluewire/pkg/runstate"
)

// Errors returned by the Manager
var (
	ErrNotDetected = errors.New("no heater detected")
	ErrNoLink      = errors.New("no heater link running")
	ErrNoOEM       = errors.New("no OEM controller on the bus")
	ErrUnsupported = errors.New("not supported by this heater style")
)

// Link is a running connection to one heater
type Link interface {
	Run(ctx context.Context) error
	Online() bool
	Telemetry() runstate.Telemetry
	RequestOn()
	RequestOff()
}

// Reconfigurer is a Link that accepts new tuning and settings while running
type Reconfigurer interface {
	Reconfigure(cfg config.Config)
}

// Primer is a Link that can prime the fuel pump
type Primer interface {
	Prime(on bool)
}

// OEMObserver is a Link that can see another controller on the bus
type OEMObserver interface {
	ForeignFrame() (frame.Frame, bool)
}

// Factory builds a Link for one heater style using the configuration in
// force when the link starts
type Factory func(cfg config.Config) Link

// StyleStore persists the detected heater style
type StyleStore interface {
	LoadStyle() (config.Style, error)
	SaveStyle(style config.Style) error
}

// ConfigStore persists tuning and settings
type ConfigStore interface {
	SaveConfig(cfg config.Config) error
}

// StartResult is the outcome of a start request
type StartResult int

// Start request outcomes
const (
	StartOK StartResult = iota
	StartTooWarm
	StartSuspend
	StartLowVoltage
	StartLowFuel
	StartNoHeater
)

var startResultNames = []string{
	"OK",
	"Ignored - too warm",
	"Suspended - too warm",
	"Ignored - low voltage",
	"Ignored - fuel empty",
	"Ignored - no heater",
}

// String returns the message shown to the user
func (r StartResult) String() string {
	if r < 0 || int(r) >= len(startResultNames) {
		return "Unknown"
	}
	return startResultNames[r]
}

// TuningFromFrame reads the heater tuning carried by a controller's frame
func TuningFromFrame(f *frame.Frame, base config.Tuning) config.Tuning {
	t := base
	t.PumpMin = f.PumpMin()
	t.PumpMax = f.PumpMax()
	t.FanMin = f.FanMin()
	t.FanMax = f.FanMax()
	t.TempMin = f.TempMin()
	t.TempMax = f.TempMax()
	t.SystemVoltage = f.OperatingVoltage()
	t.FanSensor = f.FanSensor()
	t.GlowDrive = f.GlowDrive()
	return t
}
