// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/bluewire/pkg/config"
	"github.com/Thermoquad/bluewire/pkg/heater"
	"github.com/Thermoquad/bluewire/pkg/runstate"
	"github.com/Thermoquad/bluewire/pkg/thermostat"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const (
	detectAllowance = 30 * time.Second // both styles, with margin
	minAmbient      = -40.0
	maxAmbient      = 60.0
)

// Focus states
const (
	focusActions = iota
	focusValueInput
)

// Actions offered in the list
const (
	actStart = iota
	actStop
	actDemand
	actThermostat
	actAmbient
	actPrime
	actResetFuel
	actDetect
	actInherit
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// action is one entry in the action list
type action struct {
	kind  int
	title string
	desc  string
}

// Implement list.Item interface
func (a action) Title() string       { return a.title }
func (a action) Description() string { return a.desc }
func (a action) FilterValue() string { return a.title }

var controlActions = []action{
	{actStart, "Start", "Request heater start"},
	{actStop, "Stop", "Request heater shutdown"},
	{actDemand, "Set demand", "Enter °C or fixed rate"},
	{actThermostat, "Thermostat mode", "Toggle °C / fixed rate"},
	{actAmbient, "Room temperature", "Enter measured °C"},
	{actPrime, "Prime pump", "Toggle fuel priming"},
	{actResetFuel, "Reset fuel gauge", "After refuelling"},
	{actDetect, "Detect heater", "Probe each heater style"},
	{actInherit, "Inherit OEM settings", "Adopt OEM controller tuning"},
}

// heaterEvent is a line for the event log
type heaterEvent struct {
	message string
	isError bool
}

// controlModel is the Bubble Tea model for the control TUI
type controlModel struct {
	ctx   context.Context
	stack *heaterStack

	// Latest poll of the heater
	status heaterStatusMsg
	polled bool

	// Actions
	actionList list.Model
	valueInput textinput.Model
	inputFor   int // action the value input applies to
	focused    int

	// Operations in flight
	detecting bool
	priming   bool

	// Monitoring
	errorLog      []errorLogEntry
	maxLogEntries int

	// UI state
	width    int
	height   int
	quitting bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type controlTickMsg time.Time

type heaterStatusMsg struct {
	telemetry runstate.Telemetry
	runState  int
	style     config.Style
	events    []heaterEvent
}

type detectDoneMsg struct {
	style config.Style
	err   error
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialControlModel(ctx context.Context, stack *heaterStack) controlModel {
	ti := textinput.New()
	ti.CharLimit = 6
	ti.Width = 10

	items := make([]list.Item, len(controlActions))
	for i, a := range controlActions {
		items[i] = a
	}
	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	actionList := list.New(items, delegate, 30, 20)
	actionList.Title = "Actions"
	actionList.SetShowStatusBar(false)
	actionList.SetShowHelp(false)
	actionList.SetFilteringEnabled(false)

	return controlModel{
		ctx:           ctx,
		stack:         stack,
		actionList:    actionList,
		valueInput:    ti,
		inputFor:      actDemand,
		focused:       focusActions,
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m controlModel) Init() tea.Cmd {
	return controlTickCmd()
}

func controlTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return controlTickMsg(t)
	})
}

func (m controlModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateListSize()

	case controlTickMsg:
		// Redraw for the statistics rates
		return m, controlTickCmd()

	case heaterStatusMsg:
		m.status = msg
		m.polled = true
		for _, ev := range msg.events {
			m.addLogEntry(ev.message, ev.isError)
		}

	case detectDoneMsg:
		m.detecting = false
		switch {
		case errors.Is(msg.err, heater.ErrNotDetected):
			m.addLogEntry(fmt.Sprintf("No heater found, staying with %s", msg.style), true)
		case msg.err != nil:
			m.addLogEntry(fmt.Sprintf("Detection failed: %v", msg.err), true)
		default:
			m.addLogEntry(fmt.Sprintf("Detected %s heater", msg.style), false)
		}
	}

	var cmd tea.Cmd
	if m.focused == focusValueInput {
		m.valueInput, cmd = m.valueInput.Update(msg)
	} else {
		m.actionList, cmd = m.actionList.Update(msg)
	}
	return m, cmd
}

func (m controlModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "q":
		if m.focused == focusActions {
			m.quitting = true
			return m, tea.Quit
		}

	case "tab", "shift+tab":
		m.setFocus(1 - m.focused)
		return m, nil

	case "esc":
		m.valueInput.SetValue("")
		m.setFocus(focusActions)
		return m, nil

	case "enter":
		if m.focused == focusValueInput {
			return m.applyValue()
		}
		return m.runAction()

	case "+", "=":
		if m.focused == focusActions {
			m.adjustDemand(1)
			return m, nil
		}

	case "-":
		if m.focused == focusActions {
			m.adjustDemand(-1)
			return m, nil
		}

	case "r":
		if m.focused == focusActions {
			m.stack.stats.Reset()
			m.addLogEntry("Statistics reset", false)
			return m, nil
		}
	}

	var cmd tea.Cmd
	if m.focused == focusValueInput {
		m.valueInput, cmd = m.valueInput.Update(msg)
	} else {
		m.actionList, cmd = m.actionList.Update(msg)
	}
	return m, cmd
}

func (m *controlModel) setFocus(f int) {
	m.focused = f
	if f == focusValueInput {
		m.valueInput.Placeholder = m.inputPlaceholder()
		m.valueInput.Focus()
	} else {
		m.valueInput.Blur()
	}
}

func (m controlModel) inputPlaceholder() string {
	if m.inputFor == actAmbient {
		return "20.5"
	}
	d := m.stack.mgr.Setpoint().Demand()
	if d.Thermostat {
		return strconv.Itoa(int(d.DegC))
	}
	return strconv.Itoa(int(d.PumpHz))
}

func (m controlModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	focusedBoxStyle := boxStyle.
		BorderForeground(lipgloss.Color("12"))

	// Header
	s.WriteString(titleStyle.Render("BLUEWIRE CONTROL"))
	s.WriteString(" ")
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | q=quit Tab=switch +/-=demand r=reset stats",
		m.stack.connInfo)))
	s.WriteString("\n\n")

	// Layout: left panel (actions) | right panel (heater)
	leftWidth := 32
	rightWidth := m.width - leftWidth - 6
	if rightWidth < 30 {
		rightWidth = 30
	}

	listStyle := boxStyle.Width(leftWidth)
	if m.focused == focusActions {
		listStyle = focusedBoxStyle.Width(leftWidth)
	}
	actionPanel := listStyle.Render(m.actionList.View())

	heaterPanel := boxStyle.Width(rightWidth).Render(
		m.renderHeaterPanel(statsLabelStyle, statsValueStyle, errorStyle, warningStyle, headerStyle))

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, actionPanel, " ", heaterPanel))
	s.WriteString("\n")

	// Telemetry
	s.WriteString(m.renderTelemetry(statsLabelStyle, statsValueStyle, headerStyle, boxStyle))
	s.WriteString("\n")

	// Statistics bar
	s.WriteString(m.renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle))
	s.WriteString("\n")

	// Event log
	s.WriteString(m.renderEventLog(statsLabelStyle, warningStyle, boxStyle))

	return s.String()
}

//////////////////////////////////////////////////////////////
// View Helpers
//////////////////////////////////////////////////////////////

func (m controlModel) renderHeaterPanel(statsLabelStyle, statsValueStyle, errorStyle, warningStyle, headerStyle lipgloss.Style) string {
	var s strings.Builder
	tel := m.status.telemetry

	s.WriteString(fmt.Sprintf("%s %s\n", statsLabelStyle.Render("Link:"), statsValueStyle.Render(m.status.style.String())))

	switch {
	case !m.polled:
		s.WriteString(warningStyle.Render("Waiting for heater..."))
		s.WriteString("\n")
	case !tel.Online:
		s.WriteString(errorStyle.Render("Heater not responding"))
		s.WriteString("\n")
	default:
		s.WriteString(fmt.Sprintf("%s %s\n", statsLabelStyle.Render("State:"),
			statsValueStyle.Render(runstate.RunStateString(m.status.runState))))
		errText := statsValueStyle.Render(runstate.ErrStateStringEx(tel.ErrState))
		if tel.ErrState > runstate.ErrOK {
			errText = errorStyle.Render(runstate.ErrStateStringEx(tel.ErrState))
		}
		s.WriteString(fmt.Sprintf("%s %s\n", statsLabelStyle.Render("Error:"), errText))
	}

	d := m.stack.mgr.Setpoint().Demand()
	mode := "fixed rate"
	setting := fmt.Sprintf("%d", d.PumpHz)
	if d.Thermostat {
		mode = "thermostat (" + d.Method.String() + ")"
		setting = fmt.Sprintf("%d°C", d.DegC)
	}
	s.WriteString(fmt.Sprintf("%s %s  %s %s\n",
		statsLabelStyle.Render("Mode:"), statsValueStyle.Render(mode),
		statsLabelStyle.Render("Setting:"), statsValueStyle.Render(setting)))
	if tel.Online {
		s.WriteString(fmt.Sprintf("%s %s\n", statsLabelStyle.Render("Heater demand:"),
			statsValueStyle.Render(strconv.Itoa(tel.Demand))))
	}
	if d.HasAmbient {
		s.WriteString(fmt.Sprintf("%s %s\n", statsLabelStyle.Render("Room:"),
			statsValueStyle.Render(fmt.Sprintf("%.1f°C", d.Ambient))))
	}

	var flags []string
	if tel.ForeignController {
		flags = append(flags, "OEM controller")
	}
	if tel.LCDController {
		flags = append(flags, "LCD")
	}
	if m.priming {
		flags = append(flags, "priming")
	}
	if m.detecting {
		flags = append(flags, "detecting")
	}
	if len(flags) > 0 {
		s.WriteString(warningStyle.Render(strings.Join(flags, ", ")))
		s.WriteString("\n")
	}
	if tel.BusStatus != "" {
		s.WriteString(headerStyle.Render(tel.BusStatus))
		s.WriteString("\n")
	}

	// Value entry
	s.WriteString("\n")
	label := "Demand: "
	if m.inputFor == actAmbient {
		label = "Room °C: "
	}
	s.WriteString(statsLabelStyle.Render(label))
	if m.focused == focusValueInput {
		s.WriteString(m.valueInput.View())
	} else {
		s.WriteString(headerStyle.Render("[Tab to enter]"))
	}

	return s.String()
}

func (m controlModel) renderTelemetry(statsLabelStyle, statsValueStyle, headerStyle, boxStyle lipgloss.Style) string {
	tel := m.status.telemetry

	var content strings.Builder
	content.WriteString(statsLabelStyle.Render("TELEMETRY"))
	content.WriteString(" | ")

	if !tel.Online {
		content.WriteString(headerStyle.Render("No telemetry data"))
		return boxStyle.Width(m.width - 4).Render(content.String())
	}

	reading := func(label string, v float64, format string) {
		if v < 0 {
			return
		}
		content.WriteString(fmt.Sprintf("%s %s  ", statsLabelStyle.Render(label), statsValueStyle.Render(fmt.Sprintf(format, v))))
	}
	reading("Supply:", tel.SupplyVoltage, "%.1fV")
	reading("Body:", tel.BodyTemp, "%.0f°C")
	reading("Fan:", tel.FanRPM, "%.0f RPM")
	reading("Fan V:", tel.FanVoltage, "%.1fV")
	reading("Pump:", tel.PumpActual, "%.1fHz")
	reading("Glow:", tel.GlowPower(), "%.0fW")
	reading("Fuel:", tel.FuelUsed, "%.1fmL")
	if tel.LowVoltage {
		content.WriteString(statsValueStyle.Render("LVC"))
	}

	return boxStyle.Width(m.width - 4).Render(content.String())
}

func (m controlModel) renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle lipgloss.Style) string {
	c := m.stack.stats.Snapshot()
	var validPercent, errorPercent float64
	if c.TotalFrames > 0 {
		validPercent = float64(c.ValidFrames) * 100.0 / float64(c.TotalFrames)
		errorPercent = float64(c.Errors()) * 100.0 / float64(c.TotalFrames)
	}

	content := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s  %s %s",
		statsLabelStyle.Render("Frames:"), statsValueStyle.Render(fmt.Sprintf("%d", c.TotalFrames)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%.1f%%", validPercent)),
		statsLabelStyle.Render("Errors:"), func() string {
			if errorPercent > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f%%", errorPercent))
			}
			return statsValueStyle.Render("0.0%")
		}(),
		statsLabelStyle.Render("Cycles:"), statsValueStyle.Render(fmt.Sprintf("%d", c.Exchanges)),
		statsLabelStyle.Render("Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f frames/s", c.FrameRate)),
	)

	return boxStyle.Width(m.width - 4).Render(content)
}

func (m controlModel) renderEventLog(statsLabelStyle, warningStyle, boxStyle lipgloss.Style) string {
	var s strings.Builder
	s.WriteString(statsLabelStyle.Render("EVENTS"))
	s.WriteString("\n")

	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyleLocal := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

	logHeight := 8
	if len(m.errorLog) < logHeight {
		logHeight = len(m.errorLog)
	}
	startIdx := len(m.errorLog) - logHeight

	if len(m.errorLog) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.errorLog); i++ {
			entry := m.errorLog[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			icon := "i"
			style := warningStyle
			if entry.isError {
				icon = "x"
				style = errorStyleLocal
			}
			s.WriteString(fmt.Sprintf("%s %s %s\n",
				headerStyle.Render(timestamp),
				style.Render(icon),
				entry.message))
		}
	}

	return boxStyle.Width(m.width - 4).Render(s.String())
}

//////////////////////////////////////////////////////////////
// Commands
//////////////////////////////////////////////////////////////

func (m controlModel) runAction() (tea.Model, tea.Cmd) {
	a, ok := m.actionList.SelectedItem().(action)
	if !ok {
		return m, nil
	}
	mgr := m.stack.mgr

	switch a.kind {
	case actStart:
		ev := startMessage(mgr.RequestOn())
		m.addLogEntry(ev.message, ev.isError)

	case actStop:
		mgr.RequestOff()
		m.addLogEntry("Stop requested", false)

	case actDemand, actAmbient:
		m.inputFor = a.kind
		m.valueInput.SetValue("")
		m.setFocus(focusValueInput)

	case actThermostat:
		on := !mgr.Setpoint().Demand().Thermostat
		if err := mgr.Setpoint().SetThermostat(on); err != nil {
			m.addLogEntry(fmt.Sprintf("Mode not changed: %v", err), true)
			return m, nil
		}
		m.saveDemand()
		if on {
			m.addLogEntry("Thermostat mode", false)
		} else {
			m.addLogEntry("Fixed rate mode", false)
		}

	case actPrime:
		on := !m.priming
		if err := mgr.Prime(on); err != nil {
			m.addLogEntry(fmt.Sprintf("Cannot prime: %v", err), true)
			return m, nil
		}
		m.priming = on
		if on {
			m.addLogEntry("Priming fuel pump", false)
		} else {
			m.addLogEntry("Priming stopped", false)
		}

	case actResetFuel:
		r, ok := mgr.Link().(fuelResetter)
		if !ok {
			m.addLogEntry("This heater has no fuel gauge", true)
			return m, nil
		}
		r.ResetFuelGauge()
		m.addLogEntry("Fuel gauge reset", false)

	case actDetect:
		if m.detecting {
			return m, nil
		}
		m.detecting = true
		m.priming = false
		m.addLogEntry("Detecting heater...", false)
		return m, m.detectCmd()

	case actInherit:
		tuning, err := mgr.InheritOEMSettings()
		if err != nil {
			m.addLogEntry(fmt.Sprintf("Cannot inherit settings: %v", err), true)
			return m, nil
		}
		m.addLogEntry(fmt.Sprintf("Inherited OEM settings: pump %.1f-%.1fHz, fan %d-%d RPM",
			tuning.PumpMin, tuning.PumpMax, tuning.FanMin, tuning.FanMax), false)
	}
	return m, nil
}

func (m controlModel) detectCmd() tea.Cmd {
	mgr := m.stack.mgr
	parent := m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, detectAllowance)
		defer cancel()
		style, err := mgr.Detect(ctx)
		return detectDoneMsg{style: style, err: err}
	}
}

func (m controlModel) applyValue() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.valueInput.Value())
	if text == "" {
		text = m.valueInput.Placeholder
	}

	if m.inputFor == actAmbient {
		degC, err := strconv.ParseFloat(text, 64)
		if err != nil || degC < minAmbient || degC > maxAmbient {
			m.addLogEntry(fmt.Sprintf("Room temperature must be %.0f to %.0f°C", minAmbient, maxAmbient), true)
			return m, nil
		}
		m.stack.mgr.SetAmbient(degC)
		m.addLogEntry(fmt.Sprintf("Room temperature %.1f°C", degC), false)
	} else {
		v, err := strconv.Atoi(text)
		if err != nil {
			m.addLogEntry(fmt.Sprintf("Invalid demand: %s", text), true)
			return m, nil
		}
		if err := m.stack.mgr.Setpoint().SetDemand(v); err != nil {
			m.addLogEntry(fmt.Sprintf("Demand not changed: %v", err), true)
			return m, nil
		}
		m.saveDemand()
		m.addLogEntry(fmt.Sprintf("Demand set to %s", m.inputPlaceholder()), false)
	}

	m.valueInput.SetValue("")
	m.setFocus(focusActions)
	return m, nil
}

func (m *controlModel) adjustDemand(delta int) {
	if err := m.stack.mgr.Setpoint().AdjustDemand(delta); err != nil {
		if errors.Is(err, thermostat.ErrLocked) {
			m.addLogEntry("Demand is set by the OEM controller", true)
		} else {
			m.addLogEntry(fmt.Sprintf("Demand not changed: %v", err), true)
		}
		return
	}
	m.saveDemand()
}

func (m *controlModel) saveDemand() {
	if err := m.stack.persistDemand(); err != nil {
		m.addLogEntry(fmt.Sprintf("Demand not saved: %v", err), true)
	}
}

//////////////////////////////////////////////////////////////
// Helpers
//////////////////////////////////////////////////////////////

func (m *controlModel) addLogEntry(message string, isError bool) {
	entry := errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.errorLog = append(m.errorLog, entry)

	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

func (m *controlModel) updateListSize() {
	listHeight := m.height / 2
	if listHeight < 10 {
		listHeight = 10
	}
	m.actionList.SetSize(30, listHeight)
}
