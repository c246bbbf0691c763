// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bluewire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/bluewire/pkg/config"
	"github.com/Thermoquad/bluewire/pkg/fault"
	"github.com/Thermoquad/bluewire/pkg/frame"
	"github.com/Thermoquad/bluewire/pkg/runstate"
	"github.com/Thermoquad/bluewire/pkg/thermostat"
)

// Queue sizes
const (
	QueueSize  = 4
	intentSize = 8
	rxBacklog  = 256
)

// tickInterval is how often the machine runs when the bus is quiet
const tickInterval = time.Millisecond

// filterAlpha smooths supply voltage and glow current before the low voltage
// check
const filterAlpha = 0.7

// Port is the blue wire serial line
type Port interface {
	io.Reader
	Transmitter
}

// Options configure a Task
type Options struct {
	Config config.Config
	Demand thermostat.Source

	// Guard is held while our frame is on the wire. Writers of persistent
	// settings take it so a slow write cannot stall a transmission.
	Guard sync.Locker

	// FuelStrokes is the persisted fuel gauge reading. SaveFuel, if set, is
	// called off the link task with updated readings.
	FuelStrokes float64
	SaveFuel    func(strokes float64)

	Stats  *frame.Statistics
	Logger zerolog.Logger
}

type intentKind int

const (
	intentOn intentKind = iota
	intentOff
	intentPrime
	intentRaw
	intentSysUpdate
	intentConfig
	intentResetFuel
)

type intent struct {
	kind intentKind
	on   bool
	raw  uint8
	cfg  config.Config
}

type rxByte struct {
	b  byte
	at time.Time
}

// Task runs a blue wire link. All protocol state is owned by the goroutine
// in Run; other goroutines talk to it through the request methods and read
// published snapshots.
type Task struct {
	port  Port
	opts  Options
	log   zerolog.Logger
	stats *frame.Statistics

	machine *Machine
	sched   *Scheduler
	monitor *fault.Monitor
	comms   *fault.CommsWatch
	fuel    *fault.FuelGauge
	volts   *fault.ExpMean
	amps    *fault.ExpMean
	cfg     config.Config

	status     frame.Frame
	control    frame.Frame
	hasPrimary bool
	voltsLevel fault.Level
	fuelLevel  fault.Level

	timer    *time.Timer
	gate     chan struct{}
	intents  chan intent
	rxQueue  chan frame.Frame
	txQueue  chan frame.Frame
	exchange chan struct{}
	fuelSave chan float64

	telemetry atomic.Pointer[runstate.Telemetry]
	foreign   atomic.Pointer[frame.Frame]
	pending   atomic.Uint32
	online    atomic.Bool
}

// Pending request bits
const (
	pendingOn  = 1 << 0
	pendingOff = 1 << 1
)

// NewTask creates a Task on port
func NewTask(port Port, opts Options) *Task {
	if opts.Stats == nil {
		opts.Stats = frame.NewStatistics()
	}
	if opts.Demand == nil {
		opts.Demand = thermostat.NewSetpoint(opts.Config.Demand(), opts.Config.Tuning.TempMin, opts.Config.Tuning.TempMax)
	}

	t := &Task{
		port:     port,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "bluewire").Logger(),
		stats:    opts.Stats,
		comms:    fault.NewCommsWatch(fault.DefaultCommsHoldoff),
		volts:    fault.NewExpMean(filterAlpha),
		amps:     fault.NewExpMean(filterAlpha),
		cfg:      opts.Config,
		gate:     make(chan struct{}, 1),
		intents:  make(chan intent, intentSize),
		rxQueue:  make(chan frame.Frame, QueueSize),
		txQueue:  make(chan frame.Frame, QueueSize),
		exchange: make(chan struct{}, 1),
		fuelSave: make(chan float64, 1),
	}

	t.sched = NewScheduler(port, t.armGate, opts.Guard, opts.Config.Tuning, t.log)
	t.machine = NewMachine(t.sched, opts.Demand, (*taskEvents)(t), opts.Config.Settings.FramePeriod())
	t.monitor = fault.NewMonitor(t.sched, fault.LimitsFor(opts.Config))
	t.fuel = fault.NewFuelGauge(opts.FuelStrokes, opts.Config.Tuning.PumpCal, t.queueFuelSave)

	tel := runstate.Unknown()
	tel.BusStatus = t.machine.StatusString()
	t.telemetry.Store(&tel)
	return t
}

// Run drives the link until ctx is cancelled or the port fails
func (t *Task) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rx := make(chan rxByte, rxBacklog)
	readErr := make(chan error, 1)
	go t.read(ctx, rx, readErr)

	var savers sync.WaitGroup
	if t.opts.SaveFuel != nil {
		savers.Add(1)
		go func() {
			defer savers.Done()
			t.saveFuel(ctx)
		}()
	}

	ticker := time.NewTicker(tickInterval)
	defer func() {
		ticker.Stop()
		if t.timer != nil {
			t.timer.Stop()
		}
		t.sched.Abort()
		cancel()
		savers.Wait()
	}()

	t.log.Info().Dur("period", t.cfg.Settings.FramePeriod()).Msg("blue wire link started")

	for {
		select {
		case <-ctx.Done():
			t.log.Info().Msg("blue wire link stopped")
			return nil

		case err := <-readErr:
			return fmt.Errorf("blue wire read: %w", err)

		case rb := <-rx:
			t.machine.Step(rb.at, rb.b, true)

		case <-t.gate:
			t.sched.GateExpired()
			t.machine.Step(time.Now(), 0, false)

		case in := <-t.intents:
			t.apply(in)

		case now := <-ticker.C:
			t.machine.Step(now, 0, false)
		}
	}
}

func (t *Task) read(ctx context.Context, out chan<- rxByte, errc chan<- error) {
	buf := make([]byte, 64)
	for {
		n, err := t.port.Read(buf)
		at := time.Now()
		for i := 0; i < n; i++ {
			select {
			case out <- rxByte{b: buf[i], at: at}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && ctx.Err() == nil {
				err = io.ErrUnexpectedEOF
			}
			select {
			case errc <- err:
			case <-ctx.Done():
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (t *Task) armGate(d time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, func() {
		select {
		case t.gate <- struct{}{}:
		default:
		}
	})
}

func (t *Task) queueFuelSave(strokes float64) {
	select {
	case <-t.fuelSave:
	default:
	}
	t.fuelSave <- strokes
}

func (t *Task) saveFuel(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			select {
			case s := <-t.fuelSave:
				t.opts.SaveFuel(s)
			default:
			}
			return
		case s := <-t.fuelSave:
			t.opts.SaveFuel(s)
		}
	}
}

func (t *Task) apply(in intent) {
	switch in.kind {
	case intentOn:
		t.sched.QueueOn(true)
		t.monitor.Reset()
		t.log.Info().Msg("start requested")
	case intentOff:
		t.sched.QueueOff(true)
		t.monitor.Inhibit()
		t.log.Info().Msg("stop requested")
	case intentPrime:
		t.sched.QueuePrime(in.on)
	case intentRaw:
		t.sched.QueueRaw(in.raw)
		t.log.Debug().Uint8("command", in.raw).Msg("raw command queued")
	case intentSysUpdate:
		t.sched.QueueSysUpdate()
	case intentConfig:
		if in.cfg.Tuning != t.cfg.Tuning {
			t.sched.QueueSysUpdate()
		}
		t.cfg = in.cfg
		t.sched.SetTuning(in.cfg.Tuning)
		t.monitor.SetLimits(fault.LimitsFor(in.cfg))
		t.machine.SetPeriod(in.cfg.Settings.FramePeriod())
		t.fuel.SetCalibration(in.cfg.Tuning.PumpCal)
	case intentResetFuel:
		t.fuel.Reset()
	}
	t.storePending()
	t.publish()
}

func (t *Task) send(in intent) {
	select {
	case t.intents <- in:
	default:
		t.log.Warn().Int("kind", int(in.kind)).Msg("request dropped, link task busy")
	}
}

// RequestOn asks the heater to start
func (t *Task) RequestOn() { t.send(intent{kind: intentOn}) }

// RequestOff asks the heater to stop
func (t *Task) RequestOff() { t.send(intent{kind: intentOff}) }

// Prime starts or stops fuel priming
func (t *Task) Prime(on bool) { t.send(intent{kind: intentPrime, on: on}) }

// SendRaw puts cmd in the command byte of the next frame we send
func (t *Task) SendRaw(cmd uint8) { t.send(intent{kind: intentRaw, raw: cmd}) }

// SysUpdate lets the heater persist our tuning over the next few frames
func (t *Task) SysUpdate() { t.send(intent{kind: intentSysUpdate}) }

// Reconfigure applies new tuning and settings
func (t *Task) Reconfigure(cfg config.Config) { t.send(intent{kind: intentConfig, cfg: cfg}) }

// ResetFuelGauge zeroes the fuel used after a refill
func (t *Task) ResetFuelGauge() { t.send(intent{kind: intentResetFuel}) }

// Online reports whether the heater is answering
func (t *Task) Online() bool { return t.online.Load() }

// Telemetry returns the latest heater snapshot
func (t *Task) Telemetry() runstate.Telemetry { return *t.telemetry.Load() }

// Statistics returns the frame counters
func (t *Task) Statistics() *frame.Statistics { return t.stats }

// PendingCommands reports start and stop requests not yet acted on by the
// heater
func (t *Task) PendingCommands() (on, off bool) {
	p := t.pending.Load()
	return p&pendingOn != 0, p&pendingOff != 0
}

// ForeignFrame returns the latest frame from another controller on the bus
func (t *Task) ForeignFrame() (frame.Frame, bool) {
	f := t.foreign.Load()
	if f == nil {
		return frame.Frame{}, false
	}
	return *f, true
}

// Received delivers the heater's replies to our frames, oldest first. Frames
// are dropped while the queue is full.
func (t *Task) Received() <-chan frame.Frame { return t.rxQueue }

// Sent delivers the frames we transmit
func (t *Task) Sent() <-chan frame.Frame { return t.txQueue }

// Exchanges signals the end of each bus cycle
func (t *Task) Exchanges() <-chan struct{} { return t.exchange }

func (t *Task) storePending() {
	on, off := t.sched.Pending()
	var p uint32
	if on {
		p |= pendingOn
	}
	if off {
		p |= pendingOff
	}
	t.pending.Store(p)
}

func (t *Task) publish() {
	tel := runstate.Unknown()
	if t.hasPrimary {
		s, c := &t.status, &t.control
		tel.RunState = int(s.RunState())
		tel.SupplyVoltage = s.SupplyVoltage()
		tel.FanRPM = float64(s.FanRPM())
		tel.FanVoltage = s.FanVoltage()
		tel.BodyTemp = float64(s.BodyTemp())
		tel.GlowVoltage = s.GlowVoltage()
		tel.GlowCurrent = s.GlowCurrent()
		tel.PumpActual = s.ActualPump()
		tel.PumpFixed = s.FixedPump()
		tel.Demand = int(c.Demand())
		tel.Thermostat = c.IsThermostat()
		tel.ErrState = fault.Merge(t.comms.Lost(), t.monitor.Error(), s.ErrState())
	} else {
		tel.ErrState = fault.Merge(t.comms.Lost(), t.monitor.Error(), 0)
	}
	tel.Online = t.online.Load()
	tel.LowVoltage = t.voltsLevel != fault.LevelOK
	tel.FuelExhausted = t.fuelLevel == fault.LevelTrip
	tel.FuelUsed = t.fuel.Used()
	tel.ForeignController = t.machine.HasForeign()
	tel.LCDController = t.machine.HasLCD()
	tel.BusStatus = t.machine.StatusString()
	t.telemetry.Store(&tel)
}

// taskEvents receives machine events on behalf of the Task
type taskEvents Task

func (e *taskEvents) Primary(status, control frame.Frame, foreign bool) {
	t := (*Task)(e)
	now := time.Now()

	if foreign {
		c := control
		t.foreign.Store(&c)
		t.stats.Update(frame.DirControl, nil, frame.Validate(&control, frame.DirControl))
		t.stats.Update(frame.DirStatus, nil, frame.Validate(&status, frame.DirStatus))
	}

	t.status = status
	t.control = control
	t.hasPrimary = true

	run := status.RunState()
	t.monitor.Observe(run)

	volts := t.volts.Update(status.SupplyVoltage())
	amps := t.amps.Update(status.GlowCurrent())
	t.fuel.Integrate(now, status.ActualPump())

	arm := run >= runstate.Starting && run <= runstate.Running
	t.voltsLevel = t.monitor.CheckVolts(now, volts, amps, arm)
	t.fuelLevel = t.monitor.CheckFuelUsage(t.fuel.Used(), arm)
	if t.voltsLevel == fault.LevelTrip && arm {
		t.log.Warn().Float64("volts", volts).Float64("glow_amps", amps).Msg("supply below low voltage cutout")
	}

	t.storePending()
	t.publish()
}

func (e *taskEvents) Received(status frame.Frame) {
	t := (*Task)(e)
	t.stats.Update(frame.DirStatus, nil, frame.Validate(&status, frame.DirStatus))
	t.online.Store(true)
	select {
	case t.rxQueue <- status:
	default:
	}
}

func (e *taskEvents) Sent(control frame.Frame) {
	t := (*Task)(e)
	select {
	case t.txQueue <- control:
	default:
	}
}

func (e *taskEvents) Complete(gotHeaterData bool) {
	t := (*Task)(e)
	t.stats.RecordExchange(t.machine.HasForeign())
	t.comms.Update(gotHeaterData)
	if t.comms.Lost() && t.online.Load() {
		t.online.Store(false)
		t.log.Warn().Msg("heater not responding")
	}
	t.publish()

	select {
	case t.exchange <- struct{}{}:
	default:
	}
}

func (e *taskEvents) Fault(state State, err error) {
	t := (*Task)(e)
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		t.stats.RecordTimeout()
		t.log.Debug().Err(err).Msg("bus cycle abandoned")
		return
	}

	dir := frame.DirStatus
	if state == StateOEMCtrlValidate {
		dir = frame.DirControl
	}
	t.stats.Update(dir, err, nil)
	t.log.Warn().Err(err).Str("state", state.String()).Msg("bad frame")
}
