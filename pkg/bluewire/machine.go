// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bluewire

import (
	"fmt"
	"time"

	"github.com/Thermoquad/bluewire/pkg/frame"
	"github.com/Thermoquad/bluewire/pkg/thermostat"
)

// State is a bus cycle state
type State int

const (
	StateIdle State = iota
	StateOEMCtrlRx
	StateOEMCtrlValidate
	StateHeaterRx1
	StateHeaterValidate1
	StateTxStart
	StateTxInterval
	StateHeaterRx2
	StateHeaterValidate2
	StateExchangeComplete
)

var stateNames = [...]string{
	"Idle",
	"OEMCtrlRx",
	"OEMCtrlValidate",
	"HeaterRx1",
	"HeaterValidate1",
	"TxStart",
	"TxInterval",
	"HeaterRx2",
	"HeaterValidate2",
	"ExchangeComplete",
}

// String returns the name of the state
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) collecting() bool {
	return s == StateOEMCtrlRx || s == StateHeaterRx1 || s == StateHeaterRx2
}

// Bus timing
const (
	// ForeignSilence is the quiet time that must precede a byte for it to be
	// taken as the start of a foreign controller's frame
	ForeignSilence = 110 * time.Millisecond

	// MasterMargin is subtracted from the frame period to decide when to
	// take over as bus master
	MasterMargin = 60 * time.Millisecond
)

// Bus status bits
const (
	StatusNoHeaterData = 0x01
	StatusForeign      = 0x02
)

var statusNames = [...]string{"BTC,Htr", "BTC", "OEM,Htr", "OEM"}

// TimeoutError reports a frame abandoned because the bus went quiet
type TimeoutError struct {
	State   State
	Silence time.Duration
	Bytes   int
}

// Error implements the error interface
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout in %s after %dms with %d/%d bytes", e.State, e.Silence.Milliseconds(), e.Bytes, frame.Size)
}

// Events receives the results of bus cycles. Calls are made on the link
// task.
type Events interface {
	// Primary delivers the heater's status together with the control frame
	// it answered. foreign is true when the control frame came from another
	// controller.
	Primary(status, control frame.Frame, foreign bool)

	// Received delivers the heater's reply to our own frame
	Received(status frame.Frame)

	// Sent delivers each frame we are about to transmit
	Sent(control frame.Frame)

	// Complete ends a cycle
	Complete(gotHeaterData bool)

	// Fault reports a CRC error or timeout. The cycle has been abandoned.
	Fault(state State, err error)
}

// Machine is the blue wire bus cycle state machine. It either listens to a
// foreign controller's exchange and then parrots it with our commands
// overlaid, or masters the bus itself when no other controller is active.
type Machine struct {
	state  State
	sched  *Scheduler
	demand thermostat.Source
	events Events
	period time.Duration

	buf [frame.Size]byte
	n   int

	lastActivity time.Time

	oem frame.Frame

	hasForeign    bool
	hasLCD        bool
	hasHeaterData bool
}

// NewMachine creates a Machine in the Idle state
func NewMachine(sched *Scheduler, demand thermostat.Source, events Events, period time.Duration) *Machine {
	return &Machine{
		state:  StateIdle,
		sched:  sched,
		demand: demand,
		events: events,
		period: period,
	}
}

// State returns the current state
func (m *Machine) State() State {
	return m.state
}

// SetPeriod changes the self-mastered frame period
func (m *Machine) SetPeriod(d time.Duration) {
	m.period = d
}

// HasForeign reports whether another controller drove the current cycle
func (m *Machine) HasForeign() bool {
	return m.hasForeign
}

// HasLCD reports whether the foreign controller is an LCD model
func (m *Machine) HasLCD() bool {
	return m.hasLCD
}

// HasHeaterData reports whether the heater answered in the current cycle
func (m *Machine) HasHeaterData() bool {
	return m.hasHeaterData
}

// ForeignFrame returns the last validated foreign controller frame
func (m *Machine) ForeignFrame() frame.Frame {
	return m.oem
}

// Status returns the bus status bits
func (m *Machine) Status() int {
	s := 0
	if !m.hasHeaterData {
		s |= StatusNoHeaterData
	}
	if m.hasForeign {
		s |= StatusForeign
	}
	return s
}

// StatusString describes who is mastering the bus and whether the heater
// is answering
func (m *Machine) StatusString() string {
	return statusNames[m.Status()]
}

// Step advances the machine. ok reports whether b is a freshly received
// byte; Step is also called without one so timers can run.
func (m *Machine) Step(now time.Time, b byte, ok bool) {
	if m.lastActivity.IsZero() {
		m.lastActivity = now
	}
	elapsed := now.Sub(m.lastActivity)
	if ok {
		m.lastActivity = now
	}

	if m.state.collecting() && elapsed > frame.ByteTimeout {
		m.timeout(elapsed)
	}

	for {
		prev := m.state
		if m.handle(now, elapsed, b, ok) {
			ok = false
		}
		if m.state == prev || m.state.collecting() {
			return
		}
	}
}

func (m *Machine) timeout(elapsed time.Duration) {
	switch m.state {
	case StateOEMCtrlRx:
		m.hasForeign = false
		m.hasLCD = false
	case StateHeaterRx1, StateHeaterRx2:
		m.hasHeaterData = false
	}
	m.events.Fault(m.state, &TimeoutError{State: m.state, Silence: elapsed, Bytes: m.n})
	m.state = StateExchangeComplete
}

// handle runs the current state once and reports whether it used the byte
func (m *Machine) handle(now time.Time, elapsed time.Duration, b byte, ok bool) bool {
	switch m.state {
	case StateIdle:
		if elapsed >= m.period-MasterMargin {
			m.hasHeaterData = false
			m.hasForeign = false
			m.hasLCD = false
			m.sched.Prepare(frame.NewControlFrame(), true, m.demand.Demand())
			m.state = StateTxStart
			return false
		}
		if ok && elapsed > ForeignSilence {
			m.hasHeaterData = false
			m.hasForeign = true
			m.n = 0
			m.state = StateOEMCtrlRx
			m.collect(b, StateOEMCtrlValidate)
			return true
		}
		return ok

	case StateOEMCtrlRx:
		if ok {
			m.collect(b, StateOEMCtrlValidate)
		}
		return ok

	case StateOEMCtrlValidate:
		f := frame.Frame(m.buf)
		if !m.verify(&f) {
			m.state = StateExchangeComplete
			return false
		}
		m.oem = f
		m.hasLCD = f.Mode() != frame.ModePassive
		m.n = 0
		m.state = StateHeaterRx1
		return false

	case StateHeaterRx1:
		if ok {
			m.collect(b, StateHeaterValidate1)
		}
		return ok

	case StateHeaterValidate1:
		f := frame.Frame(m.buf)
		if m.verify(&f) {
			m.hasHeaterData = true
			m.events.Primary(f, m.oem, true)
		} else {
			m.hasHeaterData = false
		}
		m.sched.Prepare(m.oem, false, m.demand.Demand())
		m.state = StateTxStart
		return false

	case StateTxStart:
		m.events.Sent(m.sched.Frame())
		m.sched.Start(now)
		m.state = StateTxInterval
		return false

	case StateTxInterval:
		m.lastActivity = now
		if m.sched.Check(now) {
			m.n = 0
			m.state = StateHeaterRx2
		}
		return ok

	case StateHeaterRx2:
		if ok {
			m.collect(b, StateHeaterValidate2)
		}
		return ok

	case StateHeaterValidate2:
		f := frame.Frame(m.buf)
		if !m.verify(&f) {
			m.hasHeaterData = false
			m.state = StateExchangeComplete
			return false
		}
		m.hasHeaterData = true
		m.events.Received(f)
		if !m.hasForeign {
			m.events.Primary(f, m.sched.Frame(), false)
		}
		m.state = StateExchangeComplete
		return false

	case StateExchangeComplete:
		m.events.Complete(m.hasHeaterData)
		m.n = 0
		m.state = StateIdle
		return false
	}
	return false
}

func (m *Machine) collect(b byte, next State) {
	m.buf[m.n] = b
	m.n++
	if m.n == frame.Size {
		m.state = next
	}
}

func (m *Machine) verify(f *frame.Frame) bool {
	return f.Verify(func(err error) {
		m.events.Fault(m.state, err)
	})
}
