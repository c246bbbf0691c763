// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bluewire

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/bluewire/pkg/config"
	"github.com/Thermoquad/bluewire/pkg/frame"
	"github.com/Thermoquad/bluewire/pkg/thermostat"
)

// fakeWire records gate changes and written frames
type fakeWire struct {
	gate    bool
	toggles int
	written [][]byte
}

func (w *fakeWire) Write(p []byte) (int, error) {
	w.written = append(w.written, append([]byte(nil), p...))
	return len(p), nil
}

func (w *fakeWire) SetGate(on bool) error {
	if on != w.gate {
		w.toggles++
	}
	w.gate = on
	return nil
}

// countingLock tracks whether the write guard is held
type countingLock struct {
	held  bool
	locks int
}

func (l *countingLock) Lock() {
	l.held = true
	l.locks++
}

func (l *countingLock) Unlock() {
	l.held = false
}

func testDemand() thermostat.Demand {
	return thermostat.Demand{
		Thermostat: true,
		DegC:       22,
		PumpHz:     20,
		Method:     thermostat.MethodStandard,
		Window:     1,
		Ambient:    19.6,
		HasAmbient: true,
	}
}

func newTestScheduler() (*Scheduler, *fakeWire, *countingLock, *[]time.Duration) {
	w := &fakeWire{}
	l := &countingLock{}
	armed := &[]time.Duration{}
	s := NewScheduler(w, func(d time.Duration) { *armed = append(*armed, d) }, l, config.DefaultTuning(), zerolog.Nop())
	return s, w, l, armed
}

// ============================================================
// Frame Content Tests
// ============================================================

func TestPrepare_MasterOverlaysTuning(t *testing.T) {
	s, _, _, _ := newTestScheduler()
	tuning := config.DefaultTuning()
	tuning.PumpMax = 5.2
	tuning.FanMin = 1680
	tuning.SystemVoltage = 24
	tuning.GlowDrive = 7
	s.SetTuning(tuning)

	s.Prepare(frame.NewControlFrame(), true, testDemand())
	f := s.Frame()

	if !f.Verify(nil) {
		t.Fatal("prepared frame must carry a valid CRC")
	}
	if f.IsActive() {
		t.Error("self-mastered frame should be passive without a sys update")
	}
	if f.Command() != frame.CmdNone {
		t.Errorf("command = 0x%02X, expected none", f.Command())
	}
	if f.PumpMax() != 5.2 || f.FanMin() != 1680 || f.GlowDrive() != 7 {
		t.Errorf("tuning not applied: pump max %.1f fan min %d glow %d", f.PumpMax(), f.FanMin(), f.GlowDrive())
	}
	if f.OperatingVoltage() != 24 {
		t.Errorf("voltage = %.1f, expected 24", f.OperatingVoltage())
	}
	if f.Demand() != 22 || f.ActualTemp() != 20 || !f.IsThermostat() {
		t.Errorf("demand %d actual %d thermostat %v", f.Demand(), f.ActualTemp(), f.IsThermostat())
	}
	if f.Altitude() != frame.DefaultAltitude || f.Unknown1() != frame.Unknown1Default {
		t.Errorf("altitude encoding = 0x%04X/%d", f.Unknown1(), f.Altitude())
	}
}

func TestPrepare_FixedHzAndAltitude(t *testing.T) {
	s, _, _, _ := newTestScheduler()
	d := testDemand()
	d.Thermostat = false
	d.PumpHz = 30
	d.Altitude = 1200
	d.HasAltitude = true

	s.Prepare(frame.NewControlFrame(), true, d)
	f := s.Frame()
	if f.IsThermostat() || f.Demand() != 30 || f.ActualTemp() != 0 {
		t.Errorf("fixed Hz demand wrong: thermostat %v demand %d actual %d", f.IsThermostat(), f.Demand(), f.ActualTemp())
	}
	if f.Altitude() != 1200 || f.Unknown1() != frame.Unknown1Altitude {
		t.Errorf("altitude = %d unknown1 = 0x%04X", f.Altitude(), f.Unknown1())
	}
}

func TestPrepare_ParrotKeepsForeignSettings(t *testing.T) {
	s, _, _, _ := newTestScheduler()
	oem := frame.NewControlFrame()
	oem.SetPumpMax(5.0)
	oem.SetDemand(30)
	oem.SetCRC()

	s.QueueOff(true)
	s.Prepare(oem, false, testDemand())
	f := s.Frame()

	for i := 0; i < frame.CRCOffset; i++ {
		switch i {
		case 0:
			if f[i] != frame.ModePassive {
				t.Errorf("parrot mode byte = 0x%02X, expected passive", f[i])
			}
		case 2:
			if f[i] != frame.CmdStop {
				t.Errorf("parrot command = 0x%02X, expected stop", f[i])
			}
		default:
			if f[i] != oem[i] {
				t.Errorf("byte %d changed: 0x%02X -> 0x%02X", i, oem[i], f[i])
			}
		}
	}
	if !f.Verify(nil) {
		t.Error("parrot frame must carry a valid CRC")
	}
}

func TestPrepare_Commands(t *testing.T) {
	s, _, _, _ := newTestScheduler()
	basis := frame.NewControlFrame()

	s.QueueOn(true)
	s.Prepare(basis, true, testDemand())
	f := s.Frame()
	if got := f.Command(); got != frame.CmdStart {
		t.Errorf("command = 0x%02X, expected start", got)
	}
	s.Prepare(basis, true, testDemand())
	f = s.Frame()
	if got := f.Command(); got != frame.CmdStart {
		t.Error("start request should repeat until withdrawn")
	}

	s.QueueOff(true)
	if on, off := s.Pending(); on || !off {
		t.Errorf("stop should replace start: on=%v off=%v", on, off)
	}
	s.Prepare(basis, true, testDemand())
	f = s.Frame()
	if got := f.Command(); got != frame.CmdStop {
		t.Errorf("command = 0x%02X, expected stop", got)
	}

	s.QueueOff(false)
	s.QueueRaw(0x37)
	s.Prepare(basis, true, testDemand())
	f = s.Frame()
	if got := f.Command(); got != 0x37 {
		t.Errorf("raw command = 0x%02X, expected 0x37", got)
	}
	s.Prepare(basis, true, testDemand())
	f = s.Frame()
	if got := f.Command(); got != frame.CmdNone {
		t.Errorf("raw command should be sent once, got 0x%02X", got)
	}
}

func TestPrepare_SysUpdateAndPrime(t *testing.T) {
	s, _, _, _ := newTestScheduler()
	basis := frame.NewControlFrame()

	s.QueueSysUpdate()
	s.QueuePrime(true)
	for i := 0; i < SysUpdateFrames; i++ {
		s.Prepare(basis, true, testDemand())
		f := s.Frame()
		if !f.IsActive() {
			t.Fatalf("frame %d should be active during sys update", i)
		}
		if !f.Priming() {
			t.Fatalf("frame %d should request priming", i)
		}
	}
	s.Prepare(basis, true, testDemand())
	f := s.Frame()
	if f.IsActive() {
		t.Error("sys update should end after its frame count")
	}

	s.QueueSysUpdate()
	s.Prepare(basis, false, testDemand())
	f = s.Frame()
	if f.IsActive() {
		t.Error("parrot frames are always passive")
	}
}

// ============================================================
// Transmit Timing Tests
// ============================================================

func TestGateTime(t *testing.T) {
	tests := []struct {
		baud int
		want time.Duration
	}{
		{frame.BaudRate, 9700 * time.Microsecond},
		{0, 9700 * time.Microsecond},
		{9600, 25100 * time.Microsecond},
	}

	for _, tt := range tests {
		if got := GateTime(tt.baud); got != tt.want {
			t.Errorf("GateTime(%d) = %v, expected %v", tt.baud, got, tt.want)
		}
	}
}

func TestScheduler_GateSequence(t *testing.T) {
	s, w, l, armed := newTestScheduler()
	s.Prepare(frame.NewControlFrame(), true, testDemand())

	t0 := time.Unix(1000, 0)
	s.Start(t0)

	if s.Check(t0.Add(DefaultStartDelay - time.Millisecond)) {
		t.Fatal("transmission should not be complete before the start delay")
	}
	if w.gate || l.held {
		t.Fatal("gate must stay released during the start delay")
	}

	if s.Check(t0.Add(DefaultStartDelay)) {
		t.Fatal("transmission should not be complete while the gate is up")
	}
	if !w.gate || !l.held {
		t.Fatal("gate and guard should be held once the start delay has passed")
	}
	if len(w.written) != 1 || len(w.written[0]) != frame.Size {
		t.Fatalf("expected one %d byte write, got %d writes", frame.Size, len(w.written))
	}
	if len(*armed) != 1 || (*armed)[0] != GateTime(frame.BaudRate) {
		t.Fatalf("gate timer armed with %v", *armed)
	}

	// Further checks must not resend
	s.Check(t0.Add(DefaultStartDelay + 5*time.Millisecond))
	if len(w.written) != 1 {
		t.Errorf("frame written %d times", len(w.written))
	}

	s.GateExpired()
	if w.gate || l.held {
		t.Error("gate and guard should be released by the timer")
	}
	if !s.Check(t0.Add(DefaultStartDelay + 10*time.Millisecond)) {
		t.Error("Check should report completion after the gate is released")
	}
	if w.toggles != 2 || l.locks != 1 {
		t.Errorf("gate toggled %d times, guard locked %d times", w.toggles, l.locks)
	}
}

func TestScheduler_FrontPorch(t *testing.T) {
	s, w, _, _ := newTestScheduler()
	s.FrontPorch = 2 * time.Millisecond
	s.Prepare(frame.NewControlFrame(), true, testDemand())

	t0 := time.Unix(1000, 0)
	s.Start(t0)
	s.Check(t0.Add(DefaultStartDelay))
	if !w.gate || len(w.written) != 0 {
		t.Fatalf("gate should be up with nothing written yet: gate=%v writes=%d", w.gate, len(w.written))
	}
	s.Check(t0.Add(DefaultStartDelay + 2*time.Millisecond))
	if len(w.written) != 1 {
		t.Fatalf("frame should be written after the front porch, writes=%d", len(w.written))
	}
}

func TestScheduler_AbortReleasesGuard(t *testing.T) {
	s, w, l, _ := newTestScheduler()
	s.Prepare(frame.NewControlFrame(), true, testDemand())
	t0 := time.Unix(1000, 0)
	s.Start(t0)
	s.Check(t0.Add(DefaultStartDelay))

	s.Abort()
	if w.gate || l.held {
		t.Error("abort should release gate and guard")
	}
	s.Abort()
	if l.held {
		t.Error("second abort must not disturb the guard")
	}
}
