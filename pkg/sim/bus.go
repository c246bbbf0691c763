// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sim

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Thermoquad/bluewire/pkg/frame"
)

// ReplyDelay is how long after a control frame the simulated heater answers
const ReplyDelay = 20 * time.Millisecond

// ErrClosed is returned by a Bus after Close
var ErrClosed = errors.New("bus closed")

// Bus is a simulated blue wire line with a heater attached. It satisfies
// the blue wire link's Port. Written bytes are echoed back, as on the real
// single wire bus, and a valid control frame is answered after ReplyDelay.
type Bus struct {
	heater *Heater

	mu         sync.Mutex
	cond       *sync.Cond
	rx         []byte
	closed     bool
	responding bool
	gate       bool
	gateCount  int
	written    []frame.Frame

	stopOEM chan struct{}
	oemDone sync.WaitGroup
}

// NewBus attaches h to a new simulated line
func NewBus(h *Heater) *Bus {
	b := &Bus{heater: h, responding: true}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Heater returns the attached heater
func (b *Bus) Heater() *Heater {
	return b.heater
}

// SetResponding connects or disconnects the heater from the line
func (b *Bus) SetResponding(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responding = on
}

// Read blocks until bytes are on the line
func (b *Bus) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.rx) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.rx) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.rx)
	b.rx = b.rx[n:]
	return n, nil
}

// Write puts bytes on the line
func (b *Bus) Write(p []byte) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrClosed
	}
	b.push(p)
	b.mu.Unlock()

	if f, err := frame.FromBytes(p); err == nil && f.Check() == nil {
		b.mu.Lock()
		b.written = append(b.written, f)
		b.mu.Unlock()
		b.reply(f)
	}
	return len(p), nil
}

// SetGate records the transmit gate level
func (b *Bus) SetGate(on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if on && !b.gate {
		b.gateCount++
	}
	b.gate = on
	return nil
}

// Gate returns the gate level and how many times it has been asserted
func (b *Bus) Gate() (on bool, asserted int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gate, b.gateCount
}

// Written returns the valid frames written to the line so far
func (b *Bus) Written() []frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]frame.Frame(nil), b.written...)
}

// Inject puts raw bytes on the line as if another device sent them
func (b *Bus) Inject(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.push(p)
}

// StartOEM attaches a foreign controller that sends ctl every period. The
// heater answers it like any other controller.
func (b *Bus) StartOEM(ctl frame.Frame, period time.Duration) {
	b.StopOEM()
	stop := make(chan struct{})
	b.stopOEM = stop
	b.oemDone.Add(1)
	go func() {
		defer b.oemDone.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				b.Inject(ctl.Bytes())
				b.reply(ctl)
			}
		}
	}()
}

// StopOEM detaches the foreign controller
func (b *Bus) StopOEM() {
	if b.stopOEM != nil {
		close(b.stopOEM)
		b.oemDone.Wait()
		b.stopOEM = nil
	}
}

// Close releases blocked readers and stops the foreign controller
func (b *Bus) Close() error {
	b.StopOEM()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
	return nil
}

func (b *Bus) reply(ctl frame.Frame) {
	time.AfterFunc(ReplyDelay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed || !b.responding {
			return
		}
		sts := b.heater.Respond(ctl, time.Now())
		b.push(sts.Bytes())
	})
}

func (b *Bus) push(p []byte) {
	b.rx = append(b.rx, p...)
	b.cond.Broadcast()
}
