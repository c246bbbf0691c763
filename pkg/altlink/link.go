// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package altlink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/bluewire/pkg/config"
	"github.com/Thermoquad/bluewire/pkg/fault"
	"github.com/Thermoquad/bluewire/pkg/runstate"
	"github.com/Thermoquad/bluewire/pkg/thermostat"
)

// ErrNoReply is returned by Capture when the heater stays silent
var ErrNoReply = errors.New("no reply")

// Transceiver drives and samples the heater line
type Transceiver interface {
	SetGate(on bool) error

	// Transmit drives the pulses and returns once the last has ended
	Transmit(p []Pulse) error

	// Capture records the next burst of transitions, returning ErrNoReply
	// if none starts within timeout
	Capture(ctx context.Context, timeout time.Duration) ([]Pulse, error)
}

// Link timing
const (
	ReplyTimeout  = 500 * time.Millisecond
	PowerHoldoff  = 3 * time.Second // between power toggles
	manageTick    = 10 * time.Millisecond
	QueueSize     = 4
	intentBacklog = 8
)

// Options configure a Link
type Options struct {
	Config config.Config
	Demand thermostat.Source

	// Guard is held while a command is being transmitted
	Guard sync.Locker

	Logger zerolog.Logger
}

// power tracks outstanding start and stop requests. The heater only offers
// a power toggle, so a request is acted on only when the heater is in the
// opposite state.
type power struct {
	on, off bool
}

func (p *power) QueueOn(on bool) {
	p.on = on
	if on {
		p.off = false
	}
}

func (p *power) QueueOff(off bool) {
	p.off = off
	if off {
		p.on = false
	}
}

type intentKind int

const (
	intentOn intentKind = iota
	intentOff
	intentPrime
	intentConfig
)

type intent struct {
	kind intentKind
	cfg  config.Config
}

// Link runs an alt protocol heater. Protocol state is owned by the
// goroutine in Run.
type Link struct {
	tr   Transceiver
	opts Options
	log  zerolog.Logger
	cfg  config.Config

	data      HeaterData
	prober    Prober
	poller    *Poller
	probing   bool
	monitor   *fault.Monitor
	power     power
	powerHold time.Time
	prevRun   int
	wasOnline bool

	voltsLevel fault.Level

	commands chan byte
	intents  chan intent
	replies  chan uint16
	exchange chan struct{}

	telemetry atomic.Pointer[runstate.Telemetry]
	online    atomic.Bool
	pumpTable atomic.Pointer[PumpRateTable]
}

// NewLink creates a Link on tr
func NewLink(tr Transceiver, opts Options) *Link {
	if opts.Demand == nil {
		opts.Demand = thermostat.NewSetpoint(opts.Config.Demand(), opts.Config.Tuning.TempMin, opts.Config.Tuning.TempMax)
	}
	l := &Link{
		tr:       tr,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "altlink").Logger(),
		cfg:      opts.Config,
		data:     NewHeaterData(),
		probing:  true,
		commands: make(chan byte, QueueSize),
		intents:  make(chan intent, intentBacklog),
		replies:  make(chan uint16, QueueSize),
		exchange: make(chan struct{}, 1),
	}
	l.monitor = fault.NewMonitor(&l.power, fault.LimitsFor(opts.Config))
	l.publish(time.Now())
	return l
}

// Run drives the link until ctx is cancelled or the transceiver fails
func (l *Link) Run(ctx context.Context) error {
	ticker := time.NewTicker(manageTick)
	defer ticker.Stop()

	l.log.Info().Msg("alt link started")
	l.queue(CmdStatus)

	for {
		select {
		case <-ctx.Done():
			l.log.Info().Msg("alt link stopped")
			return nil

		case in := <-l.intents:
			l.apply(in)

		case cmd := <-l.commands:
			if err := l.exchangeCommand(ctx, cmd); err != nil {
				return err
			}

		case now := <-ticker.C:
			l.manage(now)
		}
	}
}

func (l *Link) queue(cmds ...byte) {
	for _, c := range cmds {
		select {
		case l.commands <- c:
		default:
			l.log.Debug().Uint8("command", c).Msg("command queue full, dropped")
		}
	}
}

func (l *Link) exchangeCommand(ctx context.Context, cmd byte) error {
	if err := l.tr.SetGate(true); err != nil {
		return fmt.Errorf("alt gate: %w", err)
	}
	if l.opts.Guard != nil {
		l.opts.Guard.Lock()
	}
	err := l.tr.Transmit(EncodeCommand(cmd))
	gateErr := l.tr.SetGate(false)
	if l.opts.Guard != nil {
		l.opts.Guard.Unlock()
	}
	if err != nil {
		return fmt.Errorf("alt transmit 0x%02X: %w", cmd, err)
	}
	if gateErr != nil {
		return fmt.Errorf("alt gate: %w", gateErr)
	}

	pulses, err := l.tr.Capture(ctx, ReplyTimeout)
	switch {
	case errors.Is(err, ErrNoReply):
		l.log.Debug().Uint8("command", cmd).Msg("no reply")
		return nil
	case ctx.Err() != nil:
		return nil
	case err != nil:
		return fmt.Errorf("alt capture: %w", err)
	}

	word, err := DecodeReply(pulses)
	if err != nil {
		l.log.Debug().Err(err).Str("pulses", FormatPulses(pulses)).Msg("reply discarded")
		return nil
	}

	now := time.Now()
	l.data.Decode(word, now)
	l.log.Trace().Uint8("command", cmd).Uint16("reply", word).Str("data", l.data.String()).Msg("exchange")

	// The status bits alternate glow and pump while lighting, so ignition
	// faults are left to the heater's own alarm.
	run := l.data.RunState()
	if l.prevRun == runstate.Stopped && run != runstate.Stopped {
		l.monitor.Rearm()
	}
	l.prevRun = run
	if l.data.On && !l.data.Stopping {
		l.power.QueueOn(false)
	}
	if !l.data.On || l.data.Stopping {
		l.power.QueueOff(false)
	}
	arm := run >= runstate.Starting && run <= runstate.Running
	if l.data.Volts > 0 {
		l.voltsLevel = l.monitor.CheckVolts(now, float64(l.data.Volts), 0, arm)
	}

	l.publish(now)
	select {
	case l.replies <- word:
	default:
	}
	select {
	case l.exchange <- struct{}{}:
	default:
	}
	return nil
}

func (l *Link) manage(now time.Time) {
	if l.probing {
		cmds, done := l.prober.Step(now, &l.data)
		l.queue(cmds...)
		if done {
			l.probing = false
			l.poller = NewPoller(now.Add(ProbeDelay))
			table := l.data.PumpRates
			l.pumpTable.Store(&table)
			l.log.Info().Ints("pump_rates", table[:]).Msg("pump rate table read")
		}
	} else {
		d := l.opts.Demand.Demand()
		l.queue(l.poller.Step(now, d, l.cfg.Tuning.TempMin, l.cfg.Tuning.TempMax, &l.data)...)
	}

	if !now.Before(l.powerHold) && l.data.IsActive(now) {
		if (l.power.on && !l.data.On) || (l.power.off && l.data.On && !l.data.Stopping) {
			l.queue(CmdPower)
			l.powerHold = now.Add(PowerHoldoff)
		}
	}
	l.publish(now)
}

func (l *Link) apply(in intent) {
	switch in.kind {
	case intentOn:
		l.power.QueueOn(true)
		l.monitor.Reset()
		l.powerHold = time.Time{}
		l.log.Info().Msg("start requested")
	case intentOff:
		l.power.QueueOff(true)
		l.monitor.Inhibit()
		l.powerHold = time.Time{}
		l.log.Info().Msg("stop requested")
	case intentPrime:
		l.queue(CmdPrime)
	case intentConfig:
		l.cfg = in.cfg
		l.monitor.SetLimits(fault.LimitsFor(in.cfg))
	}
}

func (l *Link) send(in intent) {
	select {
	case l.intents <- in:
	default:
		l.log.Warn().Int("kind", int(in.kind)).Msg("request dropped, link task busy")
	}
}

// RequestOn asks the heater to start
func (l *Link) RequestOn() { l.send(intent{kind: intentOn}) }

// RequestOff asks the heater to stop
func (l *Link) RequestOff() { l.send(intent{kind: intentOff}) }

// Prime asks the heater to prime its fuel pump. The heater ends priming by
// itself, so a request to stop is ignored.
func (l *Link) Prime(on bool) {
	if on {
		l.send(intent{kind: intentPrime})
	}
}

// Reconfigure applies new tuning and settings
func (l *Link) Reconfigure(cfg config.Config) { l.send(intent{kind: intentConfig, cfg: cfg}) }

// Online reports whether the heater has replied within ActiveTimeout
func (l *Link) Online() bool { return l.online.Load() }

// Telemetry returns the latest heater snapshot
func (l *Link) Telemetry() runstate.Telemetry { return *l.telemetry.Load() }

// PumpRates returns the table read at startup, false until it is complete
func (l *Link) PumpRates() (PumpRateTable, bool) {
	t := l.pumpTable.Load()
	if t == nil {
		return NewPumpRateTable(), false
	}
	return *t, true
}

// Replies delivers decoded reply words, oldest first. Words are dropped
// while the queue is full.
func (l *Link) Replies() <-chan uint16 { return l.replies }

// Exchanges signals each successful command and reply
func (l *Link) Exchanges() <-chan struct{} { return l.exchange }

func (l *Link) publish(now time.Time) {
	active := l.data.IsActive(now)
	if active {
		l.wasOnline = true
	}
	if l.online.Swap(active) && !active {
		l.log.Warn().Msg("heater not responding")
	}

	d := &l.data
	tel := runstate.Unknown()
	tel.Online = active
	tel.RunState = d.RunState()
	tel.ErrState = fault.Merge(l.wasOnline && !active, l.monitor.Error(), uint8(d.ErrState()))
	if d.Volts > 0 {
		tel.SupplyVoltage = float64(d.Volts)
	}
	if !d.Fan {
		tel.FanRPM = 0
	}
	if !d.Glow {
		tel.GlowVoltage = 0
		tel.GlowCurrent = 0
	}
	if d.BodyTemp >= 0 {
		tel.BodyTemp = float64(d.BodyTemp)
	}
	tel.PumpActual = d.PumpRate()
	if l.poller != nil {
		tel.PumpFixed = d.PumpRates.Rate(l.poller.Desired())
	}
	tel.Demand = d.Demand
	tel.Thermostat = d.ThermoMode
	tel.LowVoltage = l.voltsLevel != fault.LevelOK
	tel.BusStatus = "Alt"
	if active {
		tel.BusStatus = "Alt,Htr"
	}
	l.telemetry.Store(&tel)
}
