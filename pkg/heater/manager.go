// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package heater

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/bluewire/pkg/config"
	"github.com/Thermoquad/bluewire/pkg/runstate"
	"github.com/Thermoquad/bluewire/pkg/thermostat"
)

// Detection timing
const (
	DetectTimeout = 1500 * time.Millisecond
	detectPoll    = 10 * time.Millisecond
)

// detectTimeout is how long a style is given to answer. A self-mastered
// link needs a couple of cycles before its first reply.
func detectTimeout(period time.Duration) time.Duration {
	return max(DetectTimeout, 2*period)
}

// SuperviseInterval is how often cyclic mode is evaluated
const SuperviseInterval = time.Second

// Options configure a Manager
type Options struct {
	Factories map[config.Style]Factory
	Styles    StyleStore
	Configs   ConfigStore
	Config    config.Config
	Setpoint  *thermostat.Setpoint
	Logger    zerolog.Logger
}

// Manager owns the active heater link. At most one link runs at a time:
// switching style stops and waits for the old link before starting the new.
type Manager struct {
	opts     Options
	log      zerolog.Logger
	setpoint *thermostat.Setpoint

	mu     sync.Mutex
	parent context.Context
	style  config.Style
	link   Link
	cancel context.CancelFunc
	done   chan struct{}
	cfg    config.Config

	// cyclic mode
	userOn    bool
	suspended bool

	errMu   sync.Mutex
	lastErr error
}

// NewManager creates a Manager. No link runs until Start.
func NewManager(opts Options) *Manager {
	if opts.Setpoint == nil {
		opts.Setpoint = thermostat.NewSetpoint(opts.Config.Demand(), opts.Config.Tuning.TempMin, opts.Config.Tuning.TempMax)
	}
	return &Manager{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "heater").Logger(),
		setpoint: opts.Setpoint,
		parent:   context.Background(),
		style:    opts.Config.Settings.Style,
		cfg:      opts.Config,
	}
}

// Start runs the link for the persisted style. Links stop when ctx ends.
func (m *Manager) Start(ctx context.Context) error {
	style := m.opts.Config.Settings.Style
	if m.opts.Styles != nil {
		if s, err := m.opts.Styles.LoadStyle(); err == nil {
			style = s
		} else {
			m.log.Debug().Err(err).Msg("no saved heater style, using settings")
		}
	}

	m.mu.Lock()
	m.parent = ctx
	m.mu.Unlock()
	return m.SetStyle(style)
}

// Stop stops the running link and waits for it to exit
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
	m.link = nil
}

// SetStyle switches to the link for style
func (m *Manager) SetStyle(style config.Style) error {
	factory, ok := m.opts.Factories[style]
	if !ok {
		return fmt.Errorf("heater style %s: %w", style, ErrUnsupported)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()

	link := factory(m.cfg)
	ctx, cancel := context.WithCancel(m.parent)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := link.Run(ctx); err != nil {
			m.log.Error().Err(err).Str("style", style.String()).Msg("heater link failed")
			m.errMu.Lock()
			m.lastErr = err
			m.errMu.Unlock()
		}
	}()

	m.style = style
	m.link = link
	m.cancel = cancel
	m.done = done
	m.log.Info().Str("style", style.String()).Msg("heater link started")
	return nil
}

// Style returns the style of the running link
func (m *Manager) Style() config.Style {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.style
}

// Link returns the running link, or nil
func (m *Manager) Link() Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link
}

// Err returns the last error a link failed with
func (m *Manager) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.lastErr
}

// Detect tries each heater style in turn, starting with the current one,
// until a heater answers. The style found is persisted. If none answers the
// original style is restored and ErrNotDetected returned.
func (m *Manager) Detect(ctx context.Context) (config.Style, error) {
	saved := m.Style()
	cfg := m.Config()
	timeout := detectTimeout(cfg.Settings.FramePeriod())
	order := []config.Style{saved}
	for _, s := range []config.Style{config.StyleBlueWire, config.StyleAlt} {
		if s != saved {
			order = append(order, s)
		}
	}

	for _, style := range order {
		if _, ok := m.opts.Factories[style]; !ok {
			continue
		}
		if err := m.SetStyle(style); err != nil {
			return saved, err
		}
		m.log.Info().Str("style", style.String()).Msg("probing for heater")

		found, err := m.waitOnline(ctx, timeout)
		if err != nil {
			return saved, err
		}
		if !found {
			continue
		}

		if style != saved && m.opts.Styles != nil {
			if err := m.opts.Styles.SaveStyle(style); err != nil {
				return style, fmt.Errorf("save heater style: %w", err)
			}
		}
		m.log.Info().Str("style", style.String()).Msg("heater detected")
		return style, nil
	}

	if err := m.SetStyle(saved); err != nil {
		return saved, err
	}
	return saved, ErrNotDetected
}

func (m *Manager) waitOnline(ctx context.Context, timeout time.Duration) (bool, error) {
	link := m.Link()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(detectPoll)
	defer poll.Stop()

	for {
		if link.Online() {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-poll.C:
		}
	}
}

// Telemetry returns the running link's snapshot, or unknown values
func (m *Manager) Telemetry() runstate.Telemetry {
	link := m.Link()
	if link == nil {
		tel := runstate.Unknown()
		tel.RunState = runstate.UnknownRunState
		tel.ErrState = runstate.UnknownErrState
		return tel
	}
	return link.Telemetry()
}

// RunState returns the heater's raw run state
func (m *Manager) RunState() int {
	return m.Telemetry().RunState
}

// RunStateEx returns the run state with cyclic suspension, frost standby
// and glow-only preheat layered on
func (m *Manager) RunStateEx() int {
	tel := m.Telemetry()
	m.mu.Lock()
	suspended := m.suspended
	m.mu.Unlock()
	suspended = suspended || m.setpoint.Demand().FrostStandby
	return runstate.Extended(tel.RunState, suspended, tel.PumpActual)
}

// ErrState returns the merged error state
func (m *Manager) ErrState() int {
	return m.Telemetry().ErrState
}

// RunStateString describes the extended run state
func (m *Manager) RunStateString() string {
	return runstate.RunStateString(m.RunStateEx())
}

// ErrStateString describes the error state
func (m *Manager) ErrStateString() string {
	return runstate.ErrStateString(m.ErrState())
}

// ErrStateStringEx describes the error state with its E-code
func (m *Manager) ErrStateStringEx() string {
	return runstate.ErrStateStringEx(m.ErrState())
}

// Demand returns the demand the heater is working to
func (m *Manager) Demand() int {
	return m.Telemetry().Demand
}

// Setpoint returns the user demand handed to the links
func (m *Manager) Setpoint() *thermostat.Setpoint {
	return m.setpoint
}

// SetAmbient feeds the room temperature to the thermostat
func (m *Manager) SetAmbient(degC float64) {
	m.setpoint.SetAmbient(degC)
}

// RequestOn asks the heater to start, unless the supply, the fuel or the
// room temperature forbid it. A start refused for cyclic mode still
// engages it, so the heater starts once the room cools.
func (m *Manager) RequestOn() StartResult {
	link := m.Link()
	if link == nil || !link.Online() {
		return StartNoHeater
	}
	tel := link.Telemetry()
	if tel.LowVoltage {
		return StartLowVoltage
	}
	if tel.FuelExhausted {
		return StartLowFuel
	}

	m.mu.Lock()
	m.userOn = true
	res := m.checkStart(tel)
	m.suspended = res == StartSuspend
	m.mu.Unlock()
	m.setpoint.SetCyclic(res == StartSuspend)

	switch res {
	case StartOK:
		link.RequestOn()
	case StartTooWarm:
		m.mu.Lock()
		m.userOn = false
		m.mu.Unlock()
	}
	m.log.Info().Str("result", res.String()).Msg("start requested")
	return res
}

// RequestOff stops the heater and disengages cyclic mode
func (m *Manager) RequestOff() {
	m.mu.Lock()
	m.userOn = false
	m.suspended = false
	link := m.link
	m.mu.Unlock()
	m.setpoint.SetCyclic(false)

	if link != nil {
		link.RequestOff()
	}
	m.log.Info().Msg("stop requested")
}

// checkStart decides whether the room allows a start. Fixed rate demand is
// never refused, but cyclic suspension may still engage.
func (m *Manager) checkStart(tel runstate.Telemetry) StartResult {
	d := m.setpoint.Demand()
	if !d.HasAmbient {
		return StartOK
	}
	deltaT := d.Ambient - float64(d.DegC)

	stopDelta := 0.0
	if stop := m.cfg.Settings.CyclicStop; stop > 0 {
		stopDelta = float64(stop + 1)
		if deltaT > stopDelta {
			return StartSuspend
		}
	}

	thermo := d.Thermostat
	if tel.ForeignController {
		thermo = tel.Thermostat
	}
	if !d.ExtThermostat && thermo && deltaT > stopDelta {
		return StartTooWarm
	}
	return StartOK
}

// Supervise runs cyclic mode and tracks the bus owner until ctx ends
func (m *Manager) Supervise(ctx context.Context) {
	ticker := time.NewTicker(SuperviseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.supervise()
		}
	}
}

func (m *Manager) supervise() {
	link := m.Link()
	if link == nil {
		return
	}
	tel := link.Telemetry()
	m.setpoint.Lock(tel.ForeignController)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.userOn {
		return
	}

	// a heater that stopped on a fault cancels the user's start
	if tel.Online && tel.ErrState > runstate.ErrOK && tel.ErrState != runstate.ErrComms &&
		tel.ErrState < runstate.ErrFirstIgnite && tel.RunState == runstate.Stopped {
		m.log.Warn().Str("error", runstate.ErrStateStringEx(tel.ErrState)).Msg("heater stopped on fault, cancelling start")
		m.userOn = false
		m.suspended = false
		m.setpoint.SetCyclic(false)
		return
	}

	stop := m.cfg.Settings.CyclicStop
	d := m.setpoint.Demand()
	if stop == 0 || !d.HasAmbient {
		return
	}
	deltaT := d.Ambient - float64(d.DegC)

	if deltaT > float64(stop+1) && tel.RunState > runstate.Stopped && tel.RunState <= runstate.Running {
		m.log.Info().Float64("delta_t", deltaT).Msg("cyclic mode suspending heater")
		m.suspended = true
		m.setpoint.SetCyclic(true)
		link.RequestOff()
		return
	}
	if deltaT < float64(m.cfg.Settings.CyclicStart) && tel.RunState == runstate.Stopped {
		m.log.Info().Float64("delta_t", deltaT).Msg("cyclic mode restarting heater")
		m.suspended = false
		m.setpoint.SetCyclic(false)
		link.RequestOn()
	}
}

// Config returns the tuning and settings in force
func (m *Manager) Config() config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Reconfigure validates and applies new tuning and settings, persisting
// them and passing them to the running link
func (m *Manager) Reconfigure(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if m.opts.Configs != nil {
		if err := m.opts.Configs.SaveConfig(cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
	}

	m.mu.Lock()
	m.cfg = cfg
	link := m.link
	m.mu.Unlock()

	s := cfg.Settings
	m.setpoint.SetLimits(cfg.Tuning.TempMin, cfg.Tuning.TempMax)
	m.setpoint.SetMethod(s.ThermostatMethod, s.ThermostatWindow)
	if r, ok := link.(Reconfigurer); ok {
		r.Reconfigure(cfg)
	}
	return nil
}

// InheritOEMSettings adopts the tuning an OEM controller is sending to the
// heater, so it is kept once that controller is removed
func (m *Manager) InheritOEMSettings() (config.Tuning, error) {
	obs, ok := m.Link().(OEMObserver)
	if !ok {
		return config.Tuning{}, ErrUnsupported
	}
	f, ok := obs.ForeignFrame()
	if !ok {
		return config.Tuning{}, ErrNoOEM
	}

	cfg := m.Config()
	cfg.Tuning = TuningFromFrame(&f, cfg.Tuning)
	if err := m.Reconfigure(cfg); err != nil {
		return config.Tuning{}, err
	}
	m.log.Info().Float64("pump_min", cfg.Tuning.PumpMin).Float64("pump_max", cfg.Tuning.PumpMax).
		Uint16("fan_min", cfg.Tuning.FanMin).Uint16("fan_max", cfg.Tuning.FanMax).Msg("inherited OEM tuning")
	return cfg.Tuning, nil
}

// Prime starts or stops fuel priming
func (m *Manager) Prime(on bool) error {
	p, ok := m.Link().(Primer)
	if !ok {
		return ErrUnsupported
	}
	p.Prime(on)
	return nil
}
