// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bluewire

import (
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/bluewire/pkg/config"
	"github.com/Thermoquad/bluewire/pkg/frame"
	"github.com/Thermoquad/bluewire/pkg/thermostat"
)

// Transmit timing defaults
const (
	DefaultStartDelay = 20 * time.Millisecond // dwell after a foreign exchange
	DefaultFrontPorch = 0
	gateTail          = 100 * time.Microsecond // gate held past the last stop bit
)

// SysUpdateFrames is how many self-mastered frames are sent in active mode
// after a tuning change, giving the heater a chance to persist it.
const SysUpdateFrames = 10

// Transmitter is the write side of the bus with its transmit enable gate
type Transmitter interface {
	io.Writer
	SetGate(on bool) error
}

// GateTime returns how long the gate stays asserted for one frame at baud:
// the frame's bit times plus gateTail
func GateTime(baud int) time.Duration {
	if baud <= 0 {
		baud = frame.BaudRate
	}
	bits := frame.Size * frame.BitsPerByte
	return time.Duration(bits)*time.Second/time.Duration(baud) + gateTail
}

// Scheduler builds our control frames and times their transmission. It is
// owned by the link task; only the gate timer callback runs elsewhere and it
// must do nothing but hand GateExpired back to the task.
type Scheduler struct {
	tx    Transmitter
	guard sync.Locker
	arm   func(d time.Duration)
	log   zerolog.Logger

	StartDelay time.Duration
	FrontPorch time.Duration
	Baud       int

	tuning config.Tuning
	frame  frame.Frame

	onReq     bool
	offReq    bool
	raw       uint8
	prime     bool
	sysUpdate int

	pending  bool
	gateOnAt time.Time
	gateOn   bool
	sent     bool
}

// NewScheduler creates a Scheduler writing to tx. arm starts the one-shot
// gate timer. guard, which may be nil, is held while the gate is asserted.
func NewScheduler(tx Transmitter, arm func(d time.Duration), guard sync.Locker, tuning config.Tuning, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		tx:         tx,
		guard:      guard,
		arm:        arm,
		log:        log,
		StartDelay: DefaultStartDelay,
		FrontPorch: DefaultFrontPorch,
		Baud:       frame.BaudRate,
		tuning:     tuning,
		frame:      frame.NewControlFrame(),
	}
}

// SetTuning replaces the heater tuning overlaid on self-mastered frames
func (s *Scheduler) SetTuning(t config.Tuning) {
	s.tuning = t
}

// Frame returns the most recently prepared frame
func (s *Scheduler) Frame() frame.Frame {
	return s.frame
}

// QueueOn requests (or withdraws a request for) a heater start. It stays
// set until the heater is seen to respond.
func (s *Scheduler) QueueOn(on bool) {
	s.onReq = on
	if on {
		s.offReq = false
	}
}

// QueueOff requests (or withdraws a request for) a heater stop
func (s *Scheduler) QueueOff(off bool) {
	s.offReq = off
	if off {
		s.onReq = false
	}
}

// Pending reports the outstanding start and stop requests
func (s *Scheduler) Pending() (on, off bool) {
	return s.onReq, s.offReq
}

// QueueRaw sends cmd in the command byte of the next frame only
func (s *Scheduler) QueueRaw(cmd uint8) {
	s.raw = cmd
}

// QueuePrime requests or cancels fuel priming
func (s *Scheduler) QueuePrime(on bool) {
	s.prime = on
}

// QueueSysUpdate sends the next SysUpdateFrames self-mastered frames in
// active mode
func (s *Scheduler) QueueSysUpdate() {
	s.sysUpdate = SysUpdateFrames
}

// Prepare builds the next frame from basis. When master is false basis is a
// foreign controller's frame that we parrot with our command overlaid.
func (s *Scheduler) Prepare(basis frame.Frame, master bool, d thermostat.Demand) {
	f := basis
	f.ResetCommand()

	if s.raw != 0 {
		f.SetCommand(s.raw)
		s.raw = 0
	} else {
		if s.onReq {
			f.SetCommand(frame.CmdStart)
		}
		if s.offReq {
			f.SetCommand(frame.CmdStop)
		}
	}

	if master {
		if s.sysUpdate > 0 {
			s.sysUpdate--
			f.SetActive(true)
		} else {
			f.SetActive(false)
		}
		s.overlayTuning(&f, d)
	} else {
		f.SetActive(false)
	}

	f.SetCRC()
	s.frame = f
}

func (s *Scheduler) overlayTuning(f *frame.Frame, d thermostat.Demand) {
	t := s.tuning
	f.SetFanMin(t.FanMin)
	f.SetFanMax(t.FanMax)
	f.SetPumpMin(t.PumpMin)
	f.SetPumpMax(t.PumpMax)
	f.SetTempMin(t.TempMin)
	f.SetTempMax(t.TempMax)
	f.SetAltitude(d.Altitude, d.HasAltitude)
	f.SetPriming(s.prime)

	set := thermostat.Synthesize(d, f.TempMin(), f.TempMax())
	f.SetThermostat(set.Thermostat)
	f.SetDemand(set.Demand)
	f.SetActualTemp(set.Actual)

	if err := f.SetOperatingVoltage(t.SystemVoltage); err != nil {
		s.log.Warn().Err(err).Msg("keeping previous voltage class")
	}
	f.SetFanSensor(t.FanSensor)
	f.SetGlowDrive(t.GlowDrive)
}

// Start begins a transmission. The gate is asserted StartDelay after now.
func (s *Scheduler) Start(now time.Time) {
	s.pending = true
	s.gateOnAt = now.Add(s.StartDelay)
	s.sent = false
}

// Check drives a started transmission. It returns true once the gate has
// been released and the bus can be listened to again.
func (s *Scheduler) Check(now time.Time) bool {
	if !s.pending {
		return true
	}

	if !s.gateOn && !now.Before(s.gateOnAt) {
		if s.guard != nil {
			s.guard.Lock()
		}
		if err := s.tx.SetGate(true); err != nil {
			s.log.Warn().Err(err).Msg("gate assert failed")
		}
		s.gateOn = true
	}

	if s.gateOn && !s.sent && now.Sub(s.gateOnAt) >= s.FrontPorch {
		if _, err := s.tx.Write(s.frame.Bytes()); err != nil {
			s.log.Warn().Err(err).Msg("frame write failed")
		}
		s.sent = true
		s.arm(GateTime(s.Baud))
	}
	return false
}

// GateExpired releases the gate at the end of the transmission. The task
// calls it when the timer armed by Check fires.
func (s *Scheduler) GateExpired() {
	if s.gateOn {
		if err := s.tx.SetGate(false); err != nil {
			s.log.Warn().Err(err).Msg("gate release failed")
		}
		s.gateOn = false
		if s.guard != nil {
			s.guard.Unlock()
		}
	}
	s.pending = false
}

// Abort releases the gate immediately, used when the task shuts down
func (s *Scheduler) Abort() {
	s.GateExpired()
}
