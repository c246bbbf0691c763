// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Simulated heater instead of a connection
	simStyle string

	// Settings database
	dbPath string

	// Logging flags
	logLevel string
	logJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "bluewire",
	Short: "Diesel heater blue wire controller",
	Long: `Bluewire - control and monitor Chinese diesel heaters over the single
wire "blue wire" serial bus.

Provides passive bus analysis (raw_log, error_detection, packet_test) and an
active controller (detect, control, run) that masters the bus or follows an
existing OEM controller.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 25000]
  WebSocket: --url ws://host/path [--username user]
  Simulated: --sim bluewire|alt

On serial ports RTS drives the transmit gate of the bus transceiver.

For WebSocket authentication, the password is read from the BLUEWIRE_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:      "1.0.0",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(logLevel, logJSON)
	},
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 25000, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().StringVar(&simStyle, "sim", "", "Use a simulated heater of this style (bluewire or alt)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "bluewire.db", "Settings database file")

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log as JSON instead of console text")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
