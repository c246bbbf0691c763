// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package fault

import "time"

// strokesPerSave is how much pump activity accumulates between saves
const strokesPerSave = 10

// maxIntegrationGap bounds a single integration step so a stalled link does
// not credit a long outage at the last pump rate
const maxIntegrationGap = 5 * time.Second

// FuelGauge integrates pump strokes to estimate fuel used
type FuelGauge struct {
	strokes    float64
	lastStored float64
	lastTime   time.Time
	lastHz     float64
	cal        float64
	save       func(strokes float64)
}

// NewFuelGauge creates a gauge starting from a persisted stroke count. cal
// is the pump calibration in mL per stroke. save, which may be nil, is called
// every 10 strokes and whenever the pump stops.
func NewFuelGauge(strokes, cal float64, save func(strokes float64)) *FuelGauge {
	return &FuelGauge{strokes: strokes, lastStored: strokes, cal: cal, save: save}
}

// Integrate accounts for pump activity since the previous call
func (g *FuelGauge) Integrate(now time.Time, hz float64) {
	if !g.lastTime.IsZero() {
		dt := now.Sub(g.lastTime)
		if dt > maxIntegrationGap {
			dt = maxIntegrationGap
		}
		if dt > 0 && g.lastHz > 0 {
			g.strokes += g.lastHz * dt.Seconds()
		}
	}
	stopped := hz == 0 && g.lastHz != 0
	g.lastTime = now
	g.lastHz = hz

	if g.strokes-g.lastStored > strokesPerSave || (stopped && g.strokes != g.lastStored) {
		g.lastStored = g.strokes
		if g.save != nil {
			g.save(g.strokes)
		}
	}
}

// SetCalibration changes the mL per stroke figure
func (g *FuelGauge) SetCalibration(cal float64) {
	g.cal = cal
}

// Strokes returns the accumulated pump strokes
func (g *FuelGauge) Strokes() float64 {
	return g.strokes
}

// Used returns the fuel used in mL
func (g *FuelGauge) Used() float64 {
	return g.strokes * g.cal
}

// Reset zeroes the gauge after a refill
func (g *FuelGauge) Reset() {
	g.strokes = 0
	g.lastStored = 0
	if g.save != nil {
		g.save(0)
	}
}
