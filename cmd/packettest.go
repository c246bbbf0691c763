// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/bluewire/pkg/frame"
)

var (
	packetTestTimeout int
)

var packetTestCmd = &cobra.Command{
	Use:   "packet_test",
	Short: "Test connection by waiting for a valid blue wire frame",
	Long: `Wait for a valid blue wire frame on the connection until timeout.

This command connects to a serial port or WebSocket and waits for any frame
with a correct CRC. Partial frames and frames with a bad CRC are skipped.

Exit codes:
  0 - Frame received before timeout
  1 - Timeout reached without receiving a valid frame
  2 - Connection error

Useful for checking the wiring of a bus tap before running the controller.`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().IntVar(&packetTestTimeout, "timeout", 10, "Timeout in seconds to wait for a frame")
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	// Open connection (serial, WebSocket or simulated)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Bluewire - Frame Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", packetTestTimeout)
	fmt.Printf("Waiting for valid blue wire frame...\n\n")

	sniffer := frame.NewSniffer()
	buf := make([]byte, 128)

	// Channel for frame reception
	frameChan := make(chan *frame.Captured, 1)
	errChan := make(chan error, 1)

	// Reader goroutine
	go func() {
		skipped := 0
		for {
			n, err := conn.Read(buf)
			now := time.Now()
			for i := 0; i < n; i++ {
				captured, _ := sniffer.DecodeByte(buf[i], now)
				if captured == nil {
					continue
				}
				if !captured.Frame.Verify(nil) {
					skipped++
					continue
				}
				if skipped > 0 {
					fmt.Printf("(skipped %d frames with a bad CRC)\n", skipped)
				}
				frameChan <- captured
				return
			}
			if err != nil {
				errChan <- err
				return
			}
		}
	}()

	// Wait for frame or timeout
	select {
	case captured := <-frameChan:
		fmt.Printf("SUCCESS: Received valid frame\n")
		fmt.Printf("  Direction: %s\n", captured.Direction)
		fmt.Printf("  Bytes: %s\n", frame.FormatHex(&captured.Frame))
		fmt.Printf("  CRC: 0x%04X\n", captured.Frame.CRC())
		os.Exit(0)

	case err := <-errChan:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case <-time.After(time.Duration(packetTestTimeout) * time.Second):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid frame received within %d seconds\n", packetTestTimeout)
		os.Exit(1)
	}

	return nil
}
