// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/bluewire/pkg/altlink"
	"github.com/Thermoquad/bluewire/pkg/bluewire"
	"github.com/Thermoquad/bluewire/pkg/config"
	"github.com/Thermoquad/bluewire/pkg/frame"
	"github.com/Thermoquad/bluewire/pkg/heater"
	"github.com/Thermoquad/bluewire/pkg/sim"
	"github.com/Thermoquad/bluewire/pkg/store"
	"github.com/Thermoquad/bluewire/pkg/thermostat"
)

// heaterStack is everything an active command needs to drive a heater: the
// settings database, the connection and a Manager with a link factory for
// each heater style the connection can carry
type heaterStack struct {
	mgr      *heater.Manager
	store    *store.Store
	stats    *frame.Statistics
	connInfo string
	closers  []func() error
}

// openHeaterStack opens the database and connection named by the flags.
// Serial and WebSocket connections carry blue wire only. A simulated
// connection has a heater of each style, with the one not chosen by --sim
// left silent so detection has something to find.
func openHeaterStack(logger zerolog.Logger) (*heaterStack, error) {
	// Shared by the links and the database: a settings write never
	// overlaps a transmission
	guard := &sync.Mutex{}

	st, err := store.Open(dbPath, guard)
	if err != nil {
		return nil, err
	}
	s := &heaterStack{store: st, stats: frame.NewStatistics()}
	s.closers = append(s.closers, st.Close)

	cfg, err := st.LoadConfig()
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn().Err(err).Msg("using default configuration")
	}
	setpoint := thermostat.NewSetpoint(cfg.Demand(), cfg.Tuning.TempMin, cfg.Tuning.TempMax)

	var port bluewire.Port
	var alt altlink.Transceiver
	switch simStyle {
	case "":
		conn, info, err := openConnection(false)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, conn.Close)
		port = conn
		s.connInfo = info

	case "bluewire", "alt":
		bus := sim.NewBus(sim.NewHeater())
		line := sim.NewAltLine(sim.NewAltHeater())
		if simStyle == "alt" {
			bus.SetResponding(false)
		} else {
			line.SetSilent(true)
		}
		s.closers = append(s.closers, bus.Close)
		port = bus
		alt = line
		s.connInfo = fmt.Sprintf("Simulated %s heater", simStyle)

	default:
		s.Close()
		return nil, fmt.Errorf("unknown --sim style %q (use bluewire or alt)", simStyle)
	}

	saveFuel := func(strokes float64) {
		if err := st.SaveFuel(strokes); err != nil {
			logger.Warn().Err(err).Msg("fuel gauge not saved")
		}
	}

	factories := map[config.Style]heater.Factory{
		config.StyleBlueWire: func(cfg config.Config) heater.Link {
			strokes, err := st.LoadFuel()
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				logger.Warn().Err(err).Msg("fuel gauge reading lost")
			}
			return bluewire.NewTask(port, bluewire.Options{
				Config:      cfg,
				Demand:      setpoint,
				Guard:       guard,
				FuelStrokes: strokes,
				SaveFuel:    saveFuel,
				Stats:       s.stats,
				Logger:      logger,
			})
		},
	}
	if alt != nil {
		factories[config.StyleAlt] = func(cfg config.Config) heater.Link {
			return altlink.NewLink(alt, altlink.Options{
				Config: cfg,
				Demand: setpoint,
				Guard:  guard,
				Logger: logger,
			})
		}
	}

	s.mgr = heater.NewManager(heater.Options{
		Factories: factories,
		Styles:    st,
		Configs:   st,
		Config:    cfg,
		Setpoint:  setpoint,
		Logger:    logger,
	})
	return s, nil
}

// Close stops the heater link and releases the connection and database
func (s *heaterStack) Close() error {
	if s.mgr != nil {
		s.mgr.Stop()
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// fuelResetter is a link with a resettable fuel gauge
type fuelResetter interface {
	ResetFuelGauge()
}

// persistDemand saves the demand the user has set so it survives a restart
func (s *heaterStack) persistDemand() error {
	d := s.mgr.Setpoint().Demand()
	cfg := s.mgr.Config()
	cfg.Settings.Thermostat = d.Thermostat
	cfg.Settings.DegC = d.DegC
	cfg.Settings.PumpHz = d.PumpHz
	return s.mgr.Reconfigure(cfg)
}
