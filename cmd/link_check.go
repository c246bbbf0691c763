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

var linkCheckCmd = &cobra.Command{
	Use:   "link_check",
	Short: "Test raw connection stability and bus timing",
	Long: `Listen to the connection without decoding frames.

Bytes are grouped into bursts separated by the bus cycle gap. A healthy bus
with a controller and a heater shows one 48 byte burst per cycle: a control
frame and its status reply. A 24 byte burst is a control frame the heater
did not answer. Useful for debugging wiring and WebSocket bridge stability.

Exit codes:
  0 - Test completed normally
  1 - Test failed
  2 - Connection error`,
	RunE: runLinkCheck,
}

var linkCheckDuration int

func init() {
	rootCmd.AddCommand(linkCheckCmd)
	linkCheckCmd.Flags().IntVar(&linkCheckDuration, "duration", 30, "Test duration in seconds")
}

// burstCounter groups timestamped reads into bus cycles
type burstCounter struct {
	last    time.Time
	current int

	bursts     int
	exchanges  int // control and status
	unanswered int // control only
	odd        int
	bytes      int
}

// add records n bytes read at ts, returning the size of the burst it closed,
// if any
func (b *burstCounter) add(n int, ts time.Time) (closed int) {
	if b.current > 0 && ts.Sub(b.last) > frame.CycleTimeout {
		closed = b.flush()
	}
	b.current += n
	b.bytes += n
	b.last = ts
	return closed
}

// flush ends the current burst
func (b *burstCounter) flush() int {
	n := b.current
	if n == 0 {
		return 0
	}
	b.current = 0
	b.bursts++
	switch n {
	case 2 * frame.Size:
		b.exchanges++
	case frame.Size:
		b.unanswered++
	default:
		b.odd++
	}
	return n
}

func (b *burstCounter) report(duration string) {
	fmt.Printf("\n--- Test Results ---\n")
	fmt.Printf("Duration: %s\n", duration)
	fmt.Printf("Bytes received: %d\n", b.bytes)
	fmt.Printf("Bursts: %d (exchanges %d, unanswered %d, irregular %d)\n",
		b.bursts, b.exchanges, b.unanswered, b.odd)
}

func runLinkCheck(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := openConnection(false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Connection Stability Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Duration: %d seconds\n\n", linkCheckDuration)

	type chunk struct {
		n  int
		ts time.Time
	}
	readChan := make(chan chunk, 100)
	errChan := make(chan error, 1)

	go func() {
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				readChan <- chunk{n: n, ts: time.Now()}
			}
			if err != nil {
				if isClosed(err) {
					errChan <- err
					return
				}
				time.Sleep(10 * time.Millisecond)
			}
		}
	}()

	start := time.Now()
	endTime := start.Add(time.Duration(linkCheckDuration) * time.Second)
	var bursts burstCounter

	fmt.Printf("Listening for data...\n\n")

	heartbeat := time.NewTicker(time.Second)
	defer heartbeat.Stop()

	for time.Now().Before(endTime) {
		select {
		case c := <-readChan:
			if n := bursts.add(c.n, c.ts); n > 0 && n != 2*frame.Size {
				fmt.Printf("[%s] Irregular burst of %d bytes\n", c.ts.Format("15:04:05.000"), n)
			}

		case err := <-errChan:
			fmt.Printf("\n[%s] Connection error: %v\n",
				time.Now().Format("15:04:05.000"), err)
			bursts.flush()
			bursts.report(time.Since(start).Round(time.Millisecond).String())
			fmt.Printf("Result: FAILED (connection error)\n")
			os.Exit(1)

		case <-heartbeat.C:
			remaining := time.Until(endTime).Seconds()
			fmt.Printf("[%s] Still connected... %d cycles (%.0fs remaining)\n",
				time.Now().Format("15:04:05.000"), bursts.exchanges, remaining)
		}
	}

	bursts.flush()
	bursts.report(fmt.Sprintf("%d seconds", linkCheckDuration))
	if bursts.bytes == 0 {
		fmt.Printf("Result: FAILED (no data)\n")
		os.Exit(1)
	}
	fmt.Printf("Result: PASSED (connection stable)\n")

	return nil
}
