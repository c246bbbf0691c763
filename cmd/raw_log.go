// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/bluewire/pkg/frame"
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw frame log in human-readable format",
	Long: `Continuously decode and display blue wire frames as they arrive.

Frames are delimited by bus silence: the first frame after a quiet period is
the controller's and the next is the heater's reply. Each frame is shown with
timestamp, direction, checksum result, hex bytes and decoded fields.

This command only listens. Supports serial, WebSocket and simulated
connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
}

// isClosed reports whether a read error means the connection is gone for good
func isClosed(err error) bool {
	return errors.Is(err, ErrConnectionClosed) || errors.Is(err, io.EOF)
}

func runRawLog(cmd *cobra.Command, args []string) error {
	// Open connection (serial, WebSocket or simulated)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Bluewire - Raw Frame Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	sniffer := frame.NewSniffer()
	buf := make([]byte, 128)

	for {
		n, err := conn.Read(buf)
		now := time.Now()
		for i := 0; i < n; i++ {
			captured, err := sniffer.DecodeByte(buf[i], now)
			if err != nil {
				fmt.Printf("[ERROR] %v\n", err)
			}
			if captured != nil {
				fmt.Print(frame.FormatCaptured(captured))
			}
		}
		if err != nil {
			if isClosed(err) {
				log.Info().Msg("connection closed")
				return nil
			}
			log.Warn().Err(err).Msg("read error")
		}
	}
}
