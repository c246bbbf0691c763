// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/bluewire/pkg/heater"
	"github.com/Thermoquad/bluewire/pkg/runstate"
)

var (
	detectTimeout int
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Find out which kind of heater is connected",
	Long: `Probe for a heater with each supported link style in turn.

The last detected style is tried first. Each style is given a short window to
get an answer from the heater; the first one that does is saved in the
settings database and used by control and run from then on.

A heater already run by an OEM controller is detected too: the link follows
the OEM controller rather than fighting it.

Examples:
  # Serial detection
  bluewire detect --port /dev/ttyUSB0

  # Try against a simulated pulse coded heater
  bluewire detect --sim alt

Exit codes:
  0 - Heater detected
  1 - No heater answered
  2 - Connection error`,
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)
	detectCmd.Flags().IntVar(&detectTimeout, "timeout", 10, "Timeout in seconds for detection")
}

func runDetect(cmd *cobra.Command, args []string) error {
	stack, err := openHeaterStack(log.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer stack.Close()

	fmt.Printf("Bluewire - Heater Detection\n")
	fmt.Printf("Connection: %s\n", stack.connInfo)
	fmt.Printf("Timeout: %d seconds\n\n", detectTimeout)

	if err := stack.mgr.Start(cmd.Context()); err != nil {
		fmt.Fprintf(os.Stderr, "Start failed: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(detectTimeout)*time.Second)
	defer cancel()

	style, err := stack.mgr.Detect(ctx)
	switch {
	case errors.Is(err, heater.ErrNotDetected):
		fmt.Printf("No heater detected. Check wiring and heater power.\n")
		os.Exit(1)
	case errors.Is(err, context.DeadlineExceeded):
		fmt.Printf("TIMEOUT: No heater answered in %ds\n", detectTimeout)
		os.Exit(1)
	case err != nil:
		return err
	}

	// Let a few exchanges complete so the telemetry is filled in
	time.Sleep(time.Second)
	tel := stack.mgr.Telemetry()

	fmt.Printf("\n--- Detection summary ---\n")
	fmt.Printf("Style: %s\n", style)
	fmt.Printf("Bus: %s\n", tel.BusStatus)
	fmt.Printf("State: %s\n", runstate.RunStateString(tel.RunState))
	fmt.Printf("Error: %s\n", runstate.ErrStateStringEx(tel.ErrState))
	if tel.SupplyVoltage >= 0 {
		fmt.Printf("Supply: %.1fV\n", tel.SupplyVoltage)
	}
	if tel.ForeignController {
		fmt.Printf("An OEM controller is running this heater.\n")
	}
	return nil
}
