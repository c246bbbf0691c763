// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package altlink

import (
	"errors"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/Thermoquad/bluewire/pkg/runstate"
	"github.com/Thermoquad/bluewire/pkg/thermostat"
)

// ============================================================
// Pulse Encoding Tests
// ============================================================

func TestEncodeCommand_Shape(t *testing.T) {
	p := EncodeCommand(CmdStatus)
	if len(p) != 2+2*CommandBits {
		t.Fatalf("expected %d pulses, got %d", 2+2*CommandBits, len(p))
	}
	if p[0].High || p[0].Duration != SyncDuration {
		t.Errorf("first pulse should be 30ms low, got %s", p[0])
	}
	last := p[len(p)-1]
	if !last.High || last.Duration != TailDuration {
		t.Errorf("last pulse should be 250us high, got %s", last)
	}

	// 0xA6 = 1010 0110
	want := []bool{true, false, true, false, false, true, true, false}
	for i, one := range want {
		hi := p[1+2*i]
		expected := ShortPulse
		if one {
			expected = LongPulse
		}
		if !hi.High || hi.Duration != expected {
			t.Errorf("bit %d: expected high %v, got %s", i, expected, hi)
		}
	}
}

func TestDecodeReply_RoundTrip(t *testing.T) {
	for _, word := range []uint16{0x0000, 0xFFFF, 0x6C45, 0x3016, 0xA00C} {
		got, err := DecodeReply(EncodeReply(word))
		if err != nil {
			t.Fatalf("0x%04X: %v", word, err)
		}
		if got != word {
			t.Errorf("expected 0x%04X, got 0x%04X", word, got)
		}
	}
}

func TestDecodeCommand_RoundTrip(t *testing.T) {
	for c := 0; c < 256; c++ {
		got, err := DecodeCommand(EncodeCommand(byte(c)))
		if err != nil {
			t.Fatalf("0x%02X: %v", c, err)
		}
		if got != byte(c) {
			t.Errorf("expected 0x%02X, got 0x%02X", c, got)
		}
	}
}

func TestDecodeReply_TolerantOfJitter(t *testing.T) {
	p := EncodeReply(0x6C45)
	p[0].Duration = 29600 * time.Microsecond
	p[1].Duration += 300 * time.Microsecond
	p[4].Duration -= 400 * time.Microsecond

	got, err := DecodeReply(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0x6C45 {
		t.Errorf("expected 0x6C45, got 0x%04X", got)
	}
}

func TestDecodeReply_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mangle func(p []Pulse) []Pulse
		pulse  int
	}{
		{
			name:   "start pulse 31ms",
			mangle: func(p []Pulse) []Pulse { p[0].Duration = 31 * time.Millisecond; return p },
			pulse:  0,
		},
		{
			name:   "start pulse 29ms",
			mangle: func(p []Pulse) []Pulse { p[0].Duration = 29 * time.Millisecond; return p },
			pulse:  0,
		},
		{
			name:   "start pulse high",
			mangle: func(p []Pulse) []Pulse { p[0].High = true; return p },
			pulse:  0,
		},
		{
			name:   "short capture",
			mangle: func(p []Pulse) []Pulse { return p[:17] },
			pulse:  17,
		},
		{
			name:   "bit too long",
			mangle: func(p []Pulse) []Pulse { p[6].Duration += time.Millisecond; return p },
			pulse:  5,
		},
		{
			name:   "bit levels swapped",
			mangle: func(p []Pulse) []Pulse { p[3].High = false; p[4].High = true; return p },
			pulse:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.mangle(EncodeReply(0x6C45))
			_, err := DecodeReply(p)
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected *DecodeError, got %v", err)
			}
			if de.Pulse != tt.pulse {
				t.Errorf("expected failure at pulse %d, got %d (%v)", tt.pulse, de.Pulse, err)
			}
		})
	}
}

func TestFormatPulses(t *testing.T) {
	got := FormatPulses([]Pulse{{false, SyncDuration}, {true, LongPulse}})
	if got != "0:30000 1:8000" {
		t.Errorf("unexpected format %q", got)
	}
}

// ============================================================
// Heater Data Tests
// ============================================================

func TestHeaterData_Decode(t *testing.T) {
	now := time.Unix(1000, 0)
	h := NewHeaterData()

	if h.IsActive(now) {
		t.Fatal("fresh data should not be active")
	}

	// running, fan, pump, demand 5
	h.Decode(0x6C45, now)
	if !h.On || !h.Fan || !h.Pump || h.Glow || h.Stopping {
		t.Errorf("unexpected status flags: %s", h.String())
	}
	if h.Demand != 5 || h.ThermoMode {
		t.Errorf("expected demand 5 without thermostat, got %d %v", h.Demand, h.ThermoMode)
	}
	if !h.IsActive(now.Add(4 * time.Second)) {
		t.Error("should be active within 5s of a reply")
	}
	if h.IsActive(now.Add(ActiveTimeout)) {
		t.Error("should be inactive 5s after the last reply")
	}

	h.Decode(0x6C46, now)
	if !h.ThermoMode || h.Demand != 5 {
		t.Errorf("demand field 6 should select thermostat mode keeping demand, got %d %v", h.Demand, h.ThermoMode)
	}

	h.Decode(0x302A, now)
	if h.PumpRates[0] != 0x2A {
		t.Errorf("expected pump rate 42 at step 0, got %d", h.PumpRates[0])
	}
	h.Decode(0x4123, now)
	if h.BodyTemp != 0x123 {
		t.Errorf("expected body temp 0x123, got %d", h.BodyTemp)
	}
	h.Decode(0xA00D, now)
	if h.Volts != 13 {
		t.Errorf("expected 13V, got %d", h.Volts)
	}
	h.Decode(0x8007, now)
	if h.ErrState() != runstate.ErrIgnition {
		t.Errorf("expected ignition error, got %d", h.ErrState())
	}

	// heater off resets the run flags and carries the supply voltage
	h.Decode(0x600C, now)
	if h.On || h.Fan || h.Pump || h.Error != 0 || h.Volts != 12 {
		t.Errorf("off status should clear flags, got %s", h.String())
	}
}

func TestHeaterData_RunState(t *testing.T) {
	tests := []struct {
		name string
		word uint16
		want int
	}{
		{"off", 0x600C, runstate.Stopped},
		{"glow only", 0x6945, runstate.GlowHeating},
		{"glow and pump", 0x6D45, runstate.Igniting},
		{"running", 0x6C45, runstate.Running},
		{"stopping", 0x68C5, runstate.ShuttingDn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHeaterData()
			h.Decode(tt.word, time.Now())
			if got := h.RunState(); got != tt.want {
				t.Errorf("expected run state %d, got %d", tt.want, got)
			}
		})
	}
}

func TestHeaterData_PumpRate(t *testing.T) {
	h := NewHeaterData()
	h.Decode(0x6845, time.Now())
	if h.PumpRate() != 0 {
		t.Errorf("pump off should report 0Hz, got %v", h.PumpRate())
	}

	h.Decode(0x6C45, time.Now())
	if h.PumpRate() != -1 {
		t.Errorf("unknown rate should report -1, got %v", h.PumpRate())
	}

	h.Decode(0x352D, time.Now())
	if h.PumpRate() != 4.5 {
		t.Errorf("expected 4.5Hz, got %v", h.PumpRate())
	}
}

func TestCaptureRejectedLeavesStateAlone(t *testing.T) {
	h := NewHeaterData()
	now := time.Now()
	h.Decode(0x6C45, now)
	before := h

	p := EncodeReply(0x3110)
	p[0].Duration = 31 * time.Millisecond
	if word, err := DecodeReply(p); err == nil {
		h.Decode(word, now)
	}

	if h != before {
		t.Errorf("rejected capture changed heater data: %s", h.String())
	}
	if h.RunState() != runstate.Running {
		t.Errorf("run state changed to %d", h.RunState())
	}
}

// ============================================================
// Probe Tests
// ============================================================

func TestProber_ReadsTable(t *testing.T) {
	now := time.Unix(0, 0)
	h := NewHeaterData()
	var p Prober

	cmds, done := p.Step(now, &h)
	if done || len(cmds) != 1 || cmds[0] != CmdEditMode {
		t.Fatalf("probe should open with edit mode, got % X", cmds)
	}

	rates := []int{14, 20, 26, 32, 38, 45}
	for i, r := range rates {
		// waiting for the reply
		if cmds, _ := p.Step(now, &h); cmds != nil {
			t.Fatalf("step %d: unexpected commands % X while waiting", i, cmds)
		}
		h.Decode(uint16(TagPumpRate<<12|i<<8|r), now)

		if cmds, _ := p.Step(now, &h); cmds != nil {
			t.Fatalf("step %d: unexpected commands % X after reply", i, cmds)
		}
		cmds, done = p.Step(now, &h)
		if i < len(rates)-1 {
			if done || len(cmds) != 1 || cmds[0] != CmdEditStep {
				t.Fatalf("step %d: expected edit step, got % X done=%v", i, cmds, done)
			}
			if p.Index() != i+1 {
				t.Errorf("expected index %d, got %d", i+1, p.Index())
			}
		}
	}

	if !done || len(cmds) != 1 || cmds[0] != CmdEditMode {
		t.Fatalf("probe should finish by leaving edit mode, got % X done=%v", cmds, done)
	}
	if !h.PumpRates.Complete() {
		t.Errorf("table incomplete: %v", h.PumpRates)
	}
	if h.PumpRates.Rate(5) != 4.5 {
		t.Errorf("expected 4.5Hz at step 5, got %v", h.PumpRates.Rate(5))
	}
}

func TestProber_RestartsOnTimeout(t *testing.T) {
	now := time.Unix(0, 0)
	h := NewHeaterData()
	var p Prober

	p.Step(now, &h)
	if cmds, _ := p.Step(now.Add(ProbeDelay-time.Millisecond), &h); cmds != nil {
		t.Fatalf("should still be waiting, got % X", cmds)
	}
	p.Step(now.Add(ProbeDelay), &h)

	h.PumpRates[2] = 30
	cmds, done := p.Step(now.Add(ProbeDelay), &h)
	if done || len(cmds) != 1 || cmds[0] != CmdEditMode {
		t.Fatalf("timeout should restart with edit mode, got % X", cmds)
	}
	if h.PumpRates.Known(2) {
		t.Error("restart should forget partial table")
	}
}

// ============================================================
// Poll Tests
// ============================================================

func TestMatchDemand(t *testing.T) {
	tests := []struct {
		name    string
		demand  int
		thermo  bool
		desired int
		want    []byte
	}{
		{"at level", 3, false, 3, []byte{CmdStatus}},
		{"too high", 4, false, 2, []byte{CmdDemandDown}},
		{"too low", 1, false, 5, []byte{CmdDemandUp}},
		{"leave thermostat mode", 3, true, 3, []byte{CmdThermoToggle, CmdStatus}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHeaterData()
			h.Demand = tt.demand
			h.ThermoMode = tt.thermo
			got := MatchDemand(&h, tt.desired)
			if string(got) != string(tt.want) {
				t.Errorf("expected % X, got % X", tt.want, got)
			}
		})
	}
}

func TestPoller_Cadence(t *testing.T) {
	start := time.Unix(0, 0)
	p := NewPoller(start)
	h := NewHeaterData()
	h.Decode(0x6C43, start)

	// fixed demand at the top of the range asks for level 5
	d := thermostat.Demand{PumpHz: 35}

	if cmds := p.Step(start.Add(-time.Millisecond), d, 8, 35, &h); cmds != nil {
		t.Fatalf("poll before due should be empty, got % X", cmds)
	}

	cmds := p.Step(start, d, 8, 35, &h)
	if string(cmds) != string([]byte{CmdDemandUp, CmdVolts}) {
		t.Errorf("first poll: got % X", cmds)
	}
	if p.Desired() != 5 {
		t.Errorf("expected desired level 5, got %d", p.Desired())
	}

	if cmds := p.Step(start.Add(500*time.Millisecond), d, 8, 35, &h); cmds != nil {
		t.Errorf("second poll early: got % X", cmds)
	}

	cmds = p.Step(start.Add(PollInterval), d, 8, 35, &h)
	if string(cmds) != string([]byte{CmdDemandUp, CmdBodyTemp}) {
		t.Errorf("second poll: got % X", cmds)
	}

	h.Decode(0x600C, start)
	cmds = p.Step(start.Add(2*PollInterval), d, 8, 35, &h)
	if string(cmds) != string([]byte{CmdDemandUp}) {
		t.Errorf("heater off should skip queries, got % X", cmds)
	}
}

// ============================================================
// Fuzz Tests
// ============================================================

func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

func newFuzzRng(t *testing.T) *rand.Rand {
	seed := time.Now().UnixNano()
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if s, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			seed = s
		}
	}
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

func TestFuzz_JitteredRepliesDecode(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()

	for i := 0; i < rounds; i++ {
		word := uint16(rng.Intn(0x10000))
		p := EncodeReply(word)
		p[0].Duration += time.Duration(rng.Intn(800)-400) * time.Microsecond
		for j := 1; j < len(p)-1; j += 2 {
			shift := time.Duration(rng.Intn(800)-400) * time.Microsecond
			p[j].Duration += shift
		}
		got, err := DecodeReply(p)
		if err != nil {
			t.Fatalf("round %d: 0x%04X: %v (%s)", i, word, err, FormatPulses(p))
		}
		if got != word {
			t.Fatalf("round %d: expected 0x%04X, got 0x%04X", i, word, got)
		}
	}
}

func TestFuzz_RandomCapturesNeverPanic(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()

	for i := 0; i < rounds; i++ {
		p := make([]Pulse, rng.Intn(40))
		for j := range p {
			p[j] = Pulse{High: rng.Intn(2) == 1, Duration: time.Duration(rng.Intn(40000)) * time.Microsecond}
		}
		_, _ = DecodeReply(p)
	}
}
