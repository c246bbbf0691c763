// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package fault

import (
	"testing"
	"time"

	"github.com/Thermoquad/bluewire/pkg/runstate"
)

// recorder captures the commands a Monitor issues
type recorder struct {
	on, off     bool
	offRequests int
	onCancels   int
	offCancels  int
}

func (r *recorder) QueueOn(on bool) {
	r.on = on
	if !on {
		r.onCancels++
	}
}

func (r *recorder) QueueOff(off bool) {
	r.off = off
	if off {
		r.offRequests++
	} else {
		r.offCancels++
	}
}

func newTestMonitor() (*Monitor, *recorder) {
	r := &recorder{}
	return NewMonitor(r, Limits{LowVoltCutout: 11.5, SystemVoltage: 12, FuelLimit: 500, FuelWarn: 400}), r
}

func observeAll(m *Monitor, states ...uint8) {
	for _, s := range states {
		m.Observe(s)
	}
}

// ============================================================
// Run State Transition Tests
// ============================================================

func TestObserve_IgnitionOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		states []uint8
		want   uint8
	}{
		{"clean start", []uint8{0, 1, 2, 4, 5}, 0},
		{"first ignite failed", []uint8{0, 1, 2, 3}, runstate.ErrFirstIgnite},
		{"retry then success", []uint8{0, 1, 2, 3, 2, 4}, 0},
		{"ignition failed", []uint8{0, 1, 2, 7}, runstate.ErrIgnition},
		{"error survives return to idle", []uint8{0, 1, 2, 7, 8, 0}, runstate.ErrIgnition},
		{"cleared by next start", []uint8{0, 1, 2, 7, 8, 0, 1}, 0},
		{"cleared by later ignition", []uint8{0, 1, 2, 7, 2, 4, 2, 4}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestMonitor()
			observeAll(m, tt.states...)
			if m.Error() != tt.want {
				t.Errorf("Error() = %d, expected %d", m.Error(), tt.want)
			}
		})
	}
}

func TestObserve_FaultStaysClearAfterIgnition(t *testing.T) {
	m, _ := newTestMonitor()
	observeAll(m, 0, 1, 2, 7)
	if m.Error() != runstate.ErrIgnition {
		t.Fatalf("Error() = %d, expected %d", m.Error(), runstate.ErrIgnition)
	}
	observeAll(m, 2, 4)
	for i, s := range []uint8{2, 4, 2, 4, 5} {
		m.Observe(s)
		if m.Error() != 0 {
			t.Errorf("step %d (state %d): Error() = %d, expected 0", i, s, m.Error())
		}
	}
}

func TestObserve_InhibitSuppressesInference(t *testing.T) {
	tests := []struct {
		name   string
		before []uint8
		after  []uint8
		want   uint8
	}{
		{"stop during preheat", []uint8{0, 1, 2}, []uint8{7}, 0},
		{"stop before preheat", []uint8{0, 1}, []uint8{2, 7}, 0},
		{"stop before retry", []uint8{0, 1}, []uint8{2, 3}, 0},
		{"next start lifts inhibit", []uint8{0, 1, 2}, []uint8{7, 0, 1, 2, 7}, runstate.ErrIgnition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestMonitor()
			observeAll(m, tt.before...)
			m.Inhibit()
			observeAll(m, tt.after...)
			if m.Error() != tt.want {
				t.Errorf("Error() = %d, expected %d", m.Error(), tt.want)
			}
		})
	}
}

func TestObserve_CancelsPendingCommands(t *testing.T) {
	m, r := newTestMonitor()
	r.on = true
	observeAll(m, 0, 1)
	if !r.on {
		t.Error("on request should survive until preheat")
	}
	observeAll(m, 2)
	if r.on {
		t.Error("on request should be cancelled once heater reaches preheat")
	}

	r.off = true
	observeAll(m, 5, 6)
	if !r.off {
		t.Error("off request should survive run state 6")
	}
	observeAll(m, 7)
	if r.off {
		t.Error("off request should be cancelled at shutdown")
	}

	// No cancellation without a transition
	r.off = true
	observeAll(m, 7)
	if !r.off {
		t.Error("repeated run state must not cancel requests")
	}
}

// ============================================================
// Low Voltage Tests
// ============================================================

func TestCheckVolts_Levels(t *testing.T) {
	tests := []struct {
		name  string
		volts float64
		glowA float64
		want  Level
	}{
		{"healthy", 13.2, 0, LevelOK},
		{"warning band", 11.8, 0, LevelWarn},
		{"below cutout", 11.4, 0, LevelTrip},
		{"cable drop compensated", 11.0, 8, LevelWarn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestMonitor()
			if got := m.CheckVolts(time.Now(), tt.volts, tt.glowA, false); got != tt.want {
				t.Errorf("CheckVolts() = %s, expected %s", got, tt.want)
			}
		})
	}
}

func TestCheckVolts_Disabled(t *testing.T) {
	m, _ := newTestMonitor()
	m.SetLimits(Limits{SystemVoltage: 12})
	if m.CheckVolts(time.Now(), 9.0, 0, true) != LevelOK {
		t.Error("disabled cutout should always be OK")
	}
}

func TestCheckVolts_HoldoffAndSingleStop(t *testing.T) {
	m, r := newTestMonitor()
	observeAll(m, 0, 1, 2, 4, 5)
	start := time.Now()

	// 11 s of continuous 11.4 V, sampled every 500 ms
	for ms := 0; ms <= 11000; ms += 500 {
		m.CheckVolts(start.Add(time.Duration(ms)*time.Millisecond), 11.4, 0, true)
		if ms < 10000 && r.offRequests != 0 {
			t.Fatalf("stop commanded after only %dms", ms)
		}
	}
	if r.offRequests != 1 {
		t.Fatalf("expected one stop, got %d", r.offRequests)
	}
	if m.Error() != runstate.ErrLowVoltage {
		t.Errorf("Error() = %d, expected E-01", m.Error())
	}

	// Heater shuts down; voltage still low, no repeat
	observeAll(m, 7, 8, 0)
	m.CheckVolts(start.Add(30*time.Second), 11.4, 0, true)
	if r.offRequests != 1 {
		t.Errorf("stop repeated: %d", r.offRequests)
	}
	if m.Error() != runstate.ErrLowVoltage {
		t.Error("trip should stay latched while idle")
	}

	// Fresh start re-arms the cutout
	m.Reset()
	observeAll(m, 1)
	m.CheckVolts(start.Add(40*time.Second), 11.4, 0, true)
	m.CheckVolts(start.Add(51*time.Second), 11.4, 0, true)
	if r.offRequests != 2 {
		t.Errorf("expected a second stop after restart, got %d", r.offRequests)
	}
}

func TestCheckVolts_RearmWithoutRunStates(t *testing.T) {
	m, r := newTestMonitor()
	start := time.Now()
	m.CheckVolts(start, 11.4, 0, true)
	m.CheckVolts(start.Add(11*time.Second), 11.4, 0, true)
	m.CheckVolts(start.Add(22*time.Second), 11.4, 0, true)
	if r.offRequests != 1 {
		t.Fatalf("expected one stop, got %d", r.offRequests)
	}

	m.Rearm()
	if m.Error() != 0 {
		t.Errorf("Error() = %d after Rearm, expected 0", m.Error())
	}
	m.CheckVolts(start.Add(33*time.Second), 11.4, 0, true)
	if r.offRequests != 2 {
		t.Errorf("expected a second stop after Rearm, got %d", r.offRequests)
	}
}

func TestCheckVolts_TransientIgnored(t *testing.T) {
	m, r := newTestMonitor()
	start := time.Now()
	m.CheckVolts(start, 11.0, 0, true)
	m.CheckVolts(start.Add(9*time.Second), 11.0, 0, true)
	m.CheckVolts(start.Add(9500*time.Millisecond), 12.5, 0, true) // recovered
	m.CheckVolts(start.Add(15*time.Second), 11.0, 0, true)
	if r.offRequests != 0 {
		t.Error("interrupted low voltage must restart the holdoff")
	}
}

// ============================================================
// Fuel Tests
// ============================================================

func TestCheckFuelUsage(t *testing.T) {
	m, r := newTestMonitor()
	if m.CheckFuelUsage(100, true) != LevelOK {
		t.Error("100mL should be OK")
	}
	if m.CheckFuelUsage(450, true) != LevelWarn {
		t.Error("450mL should warn")
	}
	if m.CheckFuelUsage(500, true) != LevelTrip {
		t.Error("500mL should trip")
	}
	if m.Error() != runstate.ErrExcessFuel || r.offRequests != 1 {
		t.Errorf("err=%d stops=%d", m.Error(), r.offRequests)
	}
	m.CheckFuelUsage(510, true)
	if r.offRequests != 1 {
		t.Error("fuel trip must stop only once")
	}
}

func TestFuelGauge(t *testing.T) {
	var saved []float64
	g := NewFuelGauge(0, 0.02, func(s float64) { saved = append(saved, s) })
	start := time.Now()

	// 4 Hz for 5 s in 1 s steps = 20 strokes
	for i := 0; i <= 5; i++ {
		g.Integrate(start.Add(time.Duration(i)*time.Second), 4)
	}
	if g.Strokes() < 19.99 || g.Strokes() > 20.01 {
		t.Fatalf("strokes = %.2f, expected 20", g.Strokes())
	}
	if got := g.Used(); got < 0.399 || got > 0.401 {
		t.Errorf("used = %.3fmL, expected 0.4", got)
	}
	if len(saved) != 1 {
		t.Errorf("expected one save after 10 strokes, got %v", saved)
	}

	g.Integrate(start.Add(6*time.Second), 0) // pump stops
	if len(saved) != 2 || saved[1] != g.Strokes() {
		t.Errorf("stop should save the gauge, got %v", saved)
	}

	g.Reset()
	if g.Strokes() != 0 || saved[len(saved)-1] != 0 {
		t.Error("Reset should zero and save")
	}
}

func TestFuelGauge_GapLimited(t *testing.T) {
	g := NewFuelGauge(0, 0.02, nil)
	start := time.Now()
	g.Integrate(start, 5)
	g.Integrate(start.Add(time.Hour), 5)
	if g.Strokes() > 25.01 {
		t.Errorf("outage credited %.0f strokes", g.Strokes())
	}
}

// ============================================================
// Comms and Merge Tests
// ============================================================

func TestCommsWatch(t *testing.T) {
	c := NewCommsWatch(DefaultCommsHoldoff)
	for i := 0; i < DefaultCommsHoldoff; i++ {
		c.Update(false)
		if c.Lost() {
			t.Fatalf("lost after %d missed cycles", i+1)
		}
	}
	c.Update(false)
	if !c.Lost() {
		t.Fatal("expected comms loss after holdoff")
	}
	c.Update(true)
	if c.Lost() {
		t.Error("one good cycle should restore comms")
	}
}

func TestMerge(t *testing.T) {
	tests := []struct {
		lost     bool
		inferred uint8
		heater   uint8
		want     int
	}{
		{false, 0, 1, 1},
		{false, 12, 1, 12},
		{true, 12, 5, runstate.ErrComms},
		{false, 0, 5, 5},
	}
	for _, tt := range tests {
		if got := Merge(tt.lost, tt.inferred, tt.heater); got != tt.want {
			t.Errorf("Merge(%t,%d,%d) = %d, expected %d", tt.lost, tt.inferred, tt.heater, got, tt.want)
		}
	}
}

func TestExpMean(t *testing.T) {
	e := NewExpMean(0.5)
	if e.Update(10) != 10 {
		t.Error("first sample should be taken as is")
	}
	if e.Update(20) != 15 {
		t.Errorf("value = %.1f, expected 15", e.Value())
	}
	e.Reset()
	if e.Update(4) != 4 {
		t.Error("Reset should forget history")
	}
}
