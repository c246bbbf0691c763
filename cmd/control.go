// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/bluewire/pkg/config"
	"github.com/Thermoquad/bluewire/pkg/heater"
	"github.com/Thermoquad/bluewire/pkg/runstate"
)

const heaterPollInterval = 250 * time.Millisecond

var controlLogFile string

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Interactive TUI for controlling the heater",
	Long: `Control the heater via an interactive terminal UI.

This command masters the bus (or follows an OEM controller) and provides:
  - Start and stop, with the reason a start was refused
  - Demand adjustment in thermostat or fixed rate mode
  - Room temperature entry for thermostat regulation
  - Fuel pump priming and fuel gauge reset
  - Heater style detection
  - Adoption of an OEM controller's tuning
  - Real-time telemetry, bus statistics and an event log

Tab switches between the action list and the value input. '+' and '-'
nudge the demand.

Log lines are written to --log-file, if given, so they do not corrupt the
display.`,
	RunE: runControl,
}

func init() {
	rootCmd.AddCommand(controlCmd)
	controlCmd.Flags().StringVar(&controlLogFile, "log-file", "", "Write log output to this file")
}

func runControl(cmd *cobra.Command, args []string) error {
	logger, closeLog, err := tuiLogger(controlLogFile)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer closeLog()

	stack, err := openHeaterStack(logger)
	if err != nil {
		return err
	}
	defer stack.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := stack.mgr.Start(ctx); err != nil {
		return err
	}
	go stack.mgr.Supervise(ctx)

	m := initialControlModel(ctx, stack)
	p := tea.NewProgram(m, tea.WithAltScreen())

	w := newHeaterWatcher(stack.mgr)
	go w.run(ctx, p.Send)

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// heaterSource is the part of the Manager the watcher polls
type heaterSource interface {
	Telemetry() runstate.Telemetry
	RunStateEx() int
	Style() config.Style
	Err() error
}

// heaterWatcher polls the heater and turns changes into log events
type heaterWatcher struct {
	src heaterSource

	polled   bool
	online   bool
	runState int
	errState int
	style    config.Style
	lowFuel  bool
	lastErr  error
}

func newHeaterWatcher(src heaterSource) *heaterWatcher {
	return &heaterWatcher{src: src}
}

// run sends a status message every poll until ctx is cancelled
func (w *heaterWatcher) run(ctx context.Context, send func(tea.Msg)) {
	ticker := time.NewTicker(heaterPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send(w.poll())
		}
	}
}

// poll takes a snapshot of the heater and notes what changed since the last
func (w *heaterWatcher) poll() heaterStatusMsg {
	msg := heaterStatusMsg{
		telemetry: w.src.Telemetry(),
		runState:  w.src.RunStateEx(),
		style:     w.src.Style(),
	}
	tel := msg.telemetry

	if !w.polled {
		w.polled = true
		w.online = tel.Online
		w.runState = msg.runState
		w.errState = tel.ErrState
		w.style = msg.style
		w.lowFuel = tel.FuelExhausted
		msg.events = append(msg.events, heaterEvent{message: fmt.Sprintf("Using %s link", msg.style)})
		return msg
	}

	if msg.style != w.style {
		w.style = msg.style
		msg.events = append(msg.events, heaterEvent{message: fmt.Sprintf("Switched to %s link", msg.style)})
	}
	if tel.Online != w.online {
		w.online = tel.Online
		if tel.Online {
			msg.events = append(msg.events, heaterEvent{message: "Heater online"})
		} else {
			msg.events = append(msg.events, heaterEvent{message: "Heater not responding", isError: true})
		}
	}
	if tel.Online && msg.runState != w.runState {
		msg.events = append(msg.events, heaterEvent{message: fmt.Sprintf("%s -> %s",
			runstate.RunStateString(w.runState), runstate.RunStateString(msg.runState))})
		w.runState = msg.runState
	}
	if tel.ErrState != w.errState {
		w.errState = tel.ErrState
		if tel.ErrState > runstate.ErrOK && tel.ErrState != runstate.UnknownErrState {
			msg.events = append(msg.events, heaterEvent{
				message: "Heater error: " + runstate.ErrStateStringEx(tel.ErrState),
				isError: true,
			})
		}
	}
	if tel.FuelExhausted && !w.lowFuel {
		msg.events = append(msg.events, heaterEvent{message: "Fuel limit reached", isError: true})
	}
	w.lowFuel = tel.FuelExhausted

	if err := w.src.Err(); err != nil && err != w.lastErr {
		msg.events = append(msg.events, heaterEvent{message: "Link failed: " + err.Error(), isError: true})
	}
	w.lastErr = w.src.Err()

	return msg
}

// startMessage describes a start request outcome for the event log
func startMessage(r heater.StartResult) heaterEvent {
	if r == heater.StartOK {
		return heaterEvent{message: "Start requested"}
	}
	if r == heater.StartSuspend {
		return heaterEvent{message: "Start deferred: cyclic mode engaged, heater starts when the room cools"}
	}
	return heaterEvent{message: "Start refused: " + r.String(), isError: true}
}
