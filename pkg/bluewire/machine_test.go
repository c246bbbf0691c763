// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bluewire

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/bluewire/pkg/config"
	"github.com/Thermoquad/bluewire/pkg/frame"
	"github.com/Thermoquad/bluewire/pkg/thermostat"
)

type staticDemand thermostat.Demand

func (d staticDemand) Demand() thermostat.Demand { return thermostat.Demand(d) }

type primaryEvent struct {
	status, control frame.Frame
	foreign         bool
}

// recordedEvents captures everything the machine reports
type recordedEvents struct {
	primary   []primaryEvent
	received  []frame.Frame
	sent      []frame.Frame
	completed []bool
	faults    []error
}

func (r *recordedEvents) Primary(status, control frame.Frame, foreign bool) {
	r.primary = append(r.primary, primaryEvent{status, control, foreign})
}

func (r *recordedEvents) Received(status frame.Frame) { r.received = append(r.received, status) }
func (r *recordedEvents) Sent(control frame.Frame)    { r.sent = append(r.sent, control) }
func (r *recordedEvents) Complete(got bool)           { r.completed = append(r.completed, got) }
func (r *recordedEvents) Fault(_ State, err error)    { r.faults = append(r.faults, err) }

// harness drives a Machine on a synthetic clock
type harness struct {
	t     *testing.T
	now   time.Time
	wire  *fakeWire
	guard *countingLock
	ev    *recordedEvents
	sched *Scheduler
	m     *Machine
	armed []time.Duration
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		t:     t,
		now:   time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		wire:  &fakeWire{},
		guard: &countingLock{},
		ev:    &recordedEvents{},
	}
	h.sched = NewScheduler(h.wire, func(d time.Duration) { h.armed = append(h.armed, d) }, h.guard, config.DefaultTuning(), zerolog.Nop())
	h.m = NewMachine(h.sched, staticDemand(testDemand()), h.ev, time.Second)
	h.m.Step(h.now, 0, false)
	return h
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
	h.m.Step(h.now, 0, false)
}

// feed delivers bytes 1ms apart, the first one after gap
func (h *harness) feed(b []byte, gap time.Duration) {
	h.now = h.now.Add(gap)
	for i, v := range b {
		if i > 0 {
			h.now = h.now.Add(time.Millisecond)
		}
		h.m.Step(h.now, v, true)
	}
}

// transmit runs the gate sequence of a started transmission
func (h *harness) transmit() {
	h.t.Helper()
	if h.m.State() != StateTxInterval {
		h.t.Fatalf("expected TxInterval, got %s", h.m.State())
	}
	h.advance(DefaultStartDelay)
	if len(h.armed) == 0 {
		h.t.Fatal("gate timer was not armed")
	}
	h.now = h.now.Add(h.armed[len(h.armed)-1])
	h.sched.GateExpired()
	h.m.Step(h.now, 0, false)
	if h.m.State() != StateHeaterRx2 {
		h.t.Fatalf("expected HeaterRx2 after the gate, got %s", h.m.State())
	}
}

func heaterReply(run uint8) frame.Frame {
	f := frame.NewStatusFrame()
	f.SetRunState(run)
	f.SetErrState(1)
	f.SetCRC()
	return f
}

// ============================================================
// Self-Mastering Tests
// ============================================================

func TestMachine_MastersQuietBus(t *testing.T) {
	h := newHarness(t)

	h.advance(939 * time.Millisecond)
	if h.m.State() != StateIdle {
		t.Fatalf("should still be idle, got %s", h.m.State())
	}

	h.advance(time.Millisecond)
	if h.m.State() != StateTxInterval {
		t.Fatalf("should take the bus at period-60ms, got %s", h.m.State())
	}
	if len(h.ev.sent) != 1 {
		t.Fatalf("expected one frame queued for transmit, got %d", len(h.ev.sent))
	}

	h.transmit()
	reply := heaterReply(5)
	h.feed(reply[:], 3*time.Millisecond)

	if h.m.State() != StateIdle {
		t.Fatalf("cycle should end in Idle, got %s", h.m.State())
	}
	if len(h.ev.received) != 1 || h.ev.received[0] != reply {
		t.Fatal("heater reply should be delivered")
	}
	if len(h.ev.primary) != 1 || h.ev.primary[0].foreign {
		t.Fatal("reply to our frame should be primary data when no other controller is present")
	}
	if h.ev.primary[0].control != h.ev.sent[0] {
		t.Error("primary control frame should be the frame we sent")
	}
	if len(h.ev.completed) != 1 || !h.ev.completed[0] {
		t.Errorf("completed = %v", h.ev.completed)
	}
	if h.m.StatusString() != "BTC,Htr" {
		t.Errorf("status = %q", h.m.StatusString())
	}
}

func TestMachine_LivenessWithoutHeater(t *testing.T) {
	h := newHarness(t)

	for cycle := 0; cycle < 3; cycle++ {
		deadline := h.now.Add(2 * time.Second)
		for h.m.State() != StateTxInterval {
			if h.now.After(deadline) {
				t.Fatalf("cycle %d: never took the bus", cycle)
			}
			h.advance(time.Millisecond)
		}
		h.transmit()

		for h.m.State() != StateIdle {
			if h.now.After(deadline) {
				t.Fatalf("cycle %d: stuck in %s", cycle, h.m.State())
			}
			h.advance(time.Millisecond)
		}
	}

	if len(h.ev.completed) != 3 {
		t.Fatalf("expected 3 completed cycles, got %d", len(h.ev.completed))
	}
	for i, got := range h.ev.completed {
		if got {
			t.Errorf("cycle %d reported heater data", i)
		}
	}
	if h.m.Status()&StatusNoHeaterData == 0 {
		t.Error("status should report no heater data")
	}
	if h.guard.held || h.wire.gate {
		t.Error("gate left asserted")
	}
}

// ============================================================
// Foreign Controller Tests
// ============================================================

func TestMachine_ParrotsForeignController(t *testing.T) {
	h := newHarness(t)
	h.sched.QueueOn(true)

	oem := frame.NewControlFrame()
	oem.SetDemand(28)
	oem.SetPumpMax(5.0)
	oem.SetCRC()

	h.feed(oem[:], 200*time.Millisecond)
	if h.m.State() != StateHeaterRx1 {
		t.Fatalf("expected HeaterRx1, got %s", h.m.State())
	}
	if !h.m.HasForeign() || !h.m.HasLCD() {
		t.Error("active mode foreign frame should flag an LCD controller")
	}

	reply := heaterReply(0)
	h.feed(reply[:], 5*time.Millisecond)
	if len(h.ev.primary) != 1 || !h.ev.primary[0].foreign || h.ev.primary[0].control != oem {
		t.Fatal("heater reply to the foreign frame should be primary data")
	}

	h.transmit()
	if len(h.wire.written) != 1 {
		t.Fatalf("expected one transmitted frame, got %d", len(h.wire.written))
	}
	sent, err := frame.FromBytes(h.wire.written[0])
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < frame.CRCOffset; i++ {
		if i == 0 || i == 2 {
			continue
		}
		if sent[i] != oem[i] {
			t.Errorf("parrot byte %d = 0x%02X, expected 0x%02X", i, sent[i], oem[i])
		}
	}
	if sent.Mode() != frame.ModePassive || sent.Command() != frame.CmdStart {
		t.Errorf("parrot mode 0x%02X command 0x%02X", sent.Mode(), sent.Command())
	}

	h.feed(reply[:], 3*time.Millisecond)
	if h.m.State() != StateIdle {
		t.Fatalf("expected Idle, got %s", h.m.State())
	}
	if len(h.ev.primary) != 1 {
		t.Error("reply to a parrot frame must not replace the primary data")
	}
	if len(h.ev.received) != 1 {
		t.Error("reply to a parrot frame should still be delivered")
	}
	if h.m.StatusString() != "OEM,Htr" {
		t.Errorf("status = %q", h.m.StatusString())
	}
}

func TestMachine_ShortSilenceIsNotForeign(t *testing.T) {
	h := newHarness(t)
	h.feed([]byte{0x78}, 50*time.Millisecond)
	if h.m.State() != StateIdle {
		t.Errorf("byte after 50ms silence should be ignored, got %s", h.m.State())
	}
	h.feed([]byte{0x78}, 111*time.Millisecond)
	if h.m.State() != StateOEMCtrlRx {
		t.Errorf("byte after 111ms silence should start a foreign frame, got %s", h.m.State())
	}
}

// ============================================================
// Recovery Tests
// ============================================================

func TestMachine_StallInHeaterRx1(t *testing.T) {
	h := newHarness(t)
	oem := frame.NewControlFrame()
	h.feed(oem[:], 200*time.Millisecond)

	reply := heaterReply(5)
	h.feed(reply[:10], 5*time.Millisecond)
	if h.m.State() != StateHeaterRx1 {
		t.Fatalf("expected HeaterRx1, got %s", h.m.State())
	}

	h.advance(60 * time.Millisecond)
	if h.m.State() != StateIdle {
		t.Fatalf("stall should return to Idle, got %s", h.m.State())
	}
	if h.m.HasHeaterData() {
		t.Error("has-heater-data should be cleared")
	}
	var timeout *TimeoutError
	if len(h.ev.faults) != 1 || !errors.As(h.ev.faults[0], &timeout) {
		t.Fatalf("expected a timeout fault, got %v", h.ev.faults)
	}
	if timeout.State != StateHeaterRx1 || timeout.Bytes != 10 {
		t.Errorf("timeout = %+v", timeout)
	}
	if len(h.wire.written) != 0 {
		t.Error("nothing should be transmitted for an abandoned cycle")
	}
}

func TestMachine_StallInOEMCtrlRx(t *testing.T) {
	h := newHarness(t)
	oem := frame.NewControlFrame()
	h.feed(oem[:12], 200*time.Millisecond)
	h.advance(51 * time.Millisecond)
	if h.m.State() != StateIdle || h.m.HasForeign() {
		t.Errorf("state %s foreign %v", h.m.State(), h.m.HasForeign())
	}
}

func TestMachine_BadForeignCRC(t *testing.T) {
	h := newHarness(t)
	oem := frame.NewControlFrame()
	oem[5] ^= 0x01

	h.feed(oem[:], 200*time.Millisecond)
	if h.m.State() != StateIdle {
		t.Fatalf("bad CRC should abandon the cycle, got %s", h.m.State())
	}
	var crcErr *frame.CRCError
	if len(h.ev.faults) != 1 || !errors.As(h.ev.faults[0], &crcErr) {
		t.Fatalf("expected a CRC fault, got %v", h.ev.faults)
	}
	if len(h.ev.completed) != 1 {
		t.Error("abandoned cycle should still complete")
	}
}

func TestMachine_BadHeaterReplyStillParrots(t *testing.T) {
	h := newHarness(t)
	oem := frame.NewControlFrame()
	h.feed(oem[:], 200*time.Millisecond)

	reply := heaterReply(5)
	reply[4] ^= 0x80
	h.feed(reply[:], 5*time.Millisecond)

	if h.m.State() != StateTxInterval {
		t.Fatalf("expected TxInterval, got %s", h.m.State())
	}
	if h.m.HasHeaterData() {
		t.Error("corrupt reply must not count as heater data")
	}
	if len(h.ev.primary) != 0 {
		t.Error("corrupt reply must not become primary data")
	}
}

func TestMachine_BadReplyToOurFrame(t *testing.T) {
	h := newHarness(t)
	h.advance(940 * time.Millisecond)
	h.transmit()

	reply := heaterReply(5)
	reply[frame.CRCOffset] ^= 0xFF
	h.feed(reply[:], 3*time.Millisecond)

	if h.m.State() != StateIdle {
		t.Fatalf("expected Idle, got %s", h.m.State())
	}
	if len(h.ev.received) != 0 || len(h.ev.primary) != 0 {
		t.Error("corrupt reply must not be delivered")
	}
	if len(h.ev.completed) != 1 || h.ev.completed[0] {
		t.Errorf("completed = %v", h.ev.completed)
	}
}

func TestState_String(t *testing.T) {
	if StateHeaterValidate2.String() != "HeaterValidate2" {
		t.Errorf("got %q", StateHeaterValidate2.String())
	}
	if State(42).String() != "State(42)" {
		t.Errorf("got %q", State(42).String())
	}
}
