// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/bluewire/pkg/frame"
	"github.com/Thermoquad/bluewire/pkg/runstate"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
)

var errorDetectionCmd = &cobra.Command{
	Use:   "error_detection",
	Short: "Detect and analyze malformed frames and errors",
	Long: `Track frame errors, malformed data, and anomalous values with statistics.

This command validates each frame and detects:
  - CRC errors and partial frames dropped by the byte watchdog
  - Malformed frames (bad length byte, unknown mode)
  - Anomalous values (inverted limits, implausible voltage or temperature)
  - Statistics and trends (frame rate, error rate, success rate)

By default, only errors are displayed. Use --show-all to display valid frames too.

Frames are validated in real-time, with errors highlighted immediately and
periodic statistics summaries displayed at configurable intervals.`,
	RunE: runErrorDetection,
}

func init() {
	rootCmd.AddCommand(errorDetectionCmd)
	errorDetectionCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all frames (not just errors)")
	errorDetectionCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	errorDetectionCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
}

func runErrorDetection(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	if useTUI {
		return runTUIMode(conn, connInfo)
	}
	return runTextMode(conn, connInfo)
}

// analyzed is one unit of sniffer output: a frame with its checks, or a
// watchdog error
type analyzed struct {
	captured         *frame.Captured
	decodeErr        error
	validationErrors []frame.ValidationError
}

// analyze checks a captured frame's CRC and, if that passes, its contents
func analyze(c *frame.Captured) analyzed {
	a := analyzed{captured: c}
	if !c.Frame.Verify(func(err error) { a.decodeErr = err }) {
		return a
	}
	a.validationErrors = frame.Validate(&c.Frame, c.Direction)
	return a
}

// record adds the result to stats
func (a analyzed) record(stats *frame.Statistics) {
	if a.captured == nil {
		if errors.Is(a.decodeErr, frame.ErrIncompleteFrame) {
			stats.RecordTimeout()
		}
		return
	}
	dir := a.captured.Direction
	stats.Update(dir, a.decodeErr, a.validationErrors)
	if dir == frame.DirStatus && a.decodeErr == nil {
		stats.RecordExchange(false)
	}
}

// sniff reads conn and calls emit for every frame and watchdog error until
// the connection closes. Errors before the first complete frame are counted
// as sync noise rather than reported.
func sniff(conn Connection, emit func(analyzed), synced func(invalid int)) {
	sniffer := frame.NewSniffer()
	synchronized := false
	invalidBeforeSync := 0
	buf := make([]byte, 128)

	for {
		n, err := conn.Read(buf)
		now := time.Now()
		for i := 0; i < n; i++ {
			captured, decodeErr := sniffer.DecodeByte(buf[i], now)
			if decodeErr != nil {
				if synchronized {
					emit(analyzed{decodeErr: decodeErr})
				} else {
					invalidBeforeSync++
				}
			}
			if captured == nil {
				continue
			}
			a := analyze(captured)
			if !synchronized {
				if a.decodeErr != nil {
					invalidBeforeSync += frame.Size
					continue
				}
				synchronized = true
				synced(invalidBeforeSync)
			}
			emit(a)
		}
		if err != nil {
			if isClosed(err) {
				log.Info().Msg("connection closed")
				return
			}
			log.Warn().Err(err).Msg("read error")
		}
	}
}

// printDecodeError prints a decode error in highlighted format
func printDecodeError(ts time.Time, err error) {
	timestamp := ts.Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;31mDECODE ERROR:\033[0m %v\n", timestamp, err)
	fmt.Printf("  >>> FRAME DISCARDED <<<\n\n")
}

// printValidationErrors prints validation errors for a frame
func printValidationErrors(c *frame.Captured, errs []frame.ValidationError) {
	timestamp := c.Timestamp.Format("15:04:05.000")

	fmt.Printf("[%s] \033[1;33mVALIDATION ERROR:\033[0m %s frame\n", timestamp, c.Direction)
	fmt.Printf("  CRC: \033[1;32mOK\033[0m\n")
	fmt.Printf("  %s\n", frame.FormatHex(&c.Frame))

	for i, err := range errs {
		switch err.Type {
		case frame.AnomalyLengthMismatch, frame.AnomalyInvalidMode:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, err.Message)

		case frame.AnomalyInvalidState:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, err.Message)
			if rs, ok := err.Details["run_state"].(uint8); ok {
				fmt.Printf("    run_state=%d (%s)\n", rs, runstate.RunStateString(int(rs)))
			}

		case frame.AnomalyInvalidRange:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, err.Message)
			fmt.Printf("    min=%v max=%v\n", err.Details["min"], err.Details["max"])

		case frame.AnomalySupplyVoltage, frame.AnomalyInvalidVoltage, frame.AnomalyInvalidTemp:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, err.Message)

		default:
			fmt.Printf("  Issue %d: %s\n", i+1, err.Message)
		}
	}

	if c.Direction == frame.DirStatus {
		fmt.Printf("  State: %s (%d), Error: %s\n",
			runstate.RunStateString(int(c.Frame.RunState())), c.Frame.RunState(),
			runstate.ErrStateString(int(c.Frame.ErrState())))
	}

	fmt.Printf("  >>> FRAME REJECTED <<<\n\n")
}

// runTUIMode runs error detection in TUI mode
func runTUIMode(conn Connection, connInfo string) error {
	m := initialModel(connInfo, statsInterval, showAll)
	p := tea.NewProgram(m)

	go sniff(conn,
		func(a analyzed) { p.Send(frameDataMsg(a)) },
		func(invalid int) { p.Send(syncMsg{invalidBytes: invalid}) })

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// runTextMode runs error detection in text mode
func runTextMode(conn Connection, connInfo string) error {
	fmt.Printf("Bluewire - Error Detection Mode\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All frames\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	stats := frame.NewStatistics()

	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	// Non-blocking hand-off from the reader
	results := make(chan analyzed, 16)
	syncs := make(chan int, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sniff(conn,
			func(a analyzed) { results <- a },
			func(invalid int) { syncs <- invalid })
	}()

	for {
		select {
		case <-done:
			fmt.Println()
			fmt.Print(stats.String())
			return nil

		case invalid := <-syncs:
			if invalid > 0 {
				fmt.Printf("[SYNC] Synchronized after skipping %d invalid bytes\n\n", invalid)
			} else {
				fmt.Printf("[SYNC] Synchronized\n\n")
			}

		case a := <-results:
			a.record(stats)
			switch {
			case a.captured == nil:
				printDecodeError(time.Now(), a.decodeErr)
			case a.decodeErr != nil:
				printDecodeError(a.captured.Timestamp, a.decodeErr)
			case len(a.validationErrors) > 0:
				printValidationErrors(a.captured, a.validationErrors)
			case showAll:
				fmt.Print(frame.FormatCaptured(a.captured))
			}

		case <-statsTicker.C:
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Println()
		}
	}
}
