// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package altlink talks to heaters that use pulse width coded single byte
// commands instead of blue wire frames.
//
// Every transmission starts with a 30ms low sync pulse. Each bit follows as
// a high then low pulse pair totalling 12ms: 8ms high for a 1, 4ms high for
// a 0. Commands carry 8 bits, replies 16.
package altlink

import (
	"fmt"
	"strings"
	"time"
)

// Pulse is one level held on the line
type Pulse struct {
	High     bool
	Duration time.Duration
}

// String returns the pulse as level:microseconds
func (p Pulse) String() string {
	lvl := 0
	if p.High {
		lvl = 1
	}
	return fmt.Sprintf("%d:%d", lvl, p.Duration.Microseconds())
}

// Line timing
const (
	SyncDuration = 30 * time.Millisecond
	LongPulse    = 8 * time.Millisecond
	ShortPulse   = 4 * time.Millisecond
	BitDuration  = LongPulse + ShortPulse
	TailDuration = 250 * time.Microsecond

	syncMin      = 29500 * time.Microsecond
	syncMax      = 30500 * time.Microsecond
	bitMin       = 11500 * time.Microsecond
	bitMax       = 12500 * time.Microsecond
	oneThreshold = 6 * time.Millisecond
)

// Frame sizes
const (
	CommandBits = 8
	ReplyBits   = 16

	// ReplyPulses is the shortest capture that can hold a reply
	ReplyPulses = 1 + 2*ReplyBits
)

// DecodeError describes why a capture was discarded
type DecodeError struct {
	Pulse  int
	Reason string
}

// Error implements the error interface
func (e *DecodeError) Error() string {
	return fmt.Sprintf("pulse %d: %s", e.Pulse, e.Reason)
}

func encode(v uint32, bits int) []Pulse {
	out := make([]Pulse, 0, 2+2*bits)
	out = append(out, Pulse{High: false, Duration: SyncDuration})
	for i := bits - 1; i >= 0; i-- {
		if v&(1<<uint(i)) != 0 {
			out = append(out, Pulse{true, LongPulse}, Pulse{false, ShortPulse})
		} else {
			out = append(out, Pulse{true, ShortPulse}, Pulse{false, LongPulse})
		}
	}
	return append(out, Pulse{High: true, Duration: TailDuration})
}

// EncodeCommand returns the pulse train for a command byte
func EncodeCommand(cmd byte) []Pulse {
	return encode(uint32(cmd), CommandBits)
}

// EncodeReply returns the pulse train a heater sends for a reply word
func EncodeReply(word uint16) []Pulse {
	return encode(uint32(word), ReplyBits)
}

func decode(p []Pulse, bits int) (uint32, error) {
	need := 1 + 2*bits
	if len(p) < need {
		return 0, &DecodeError{Pulse: len(p), Reason: fmt.Sprintf("capture too short: %d pulses (need %d)", len(p), need)}
	}
	if p[0].High || p[0].Duration < syncMin || p[0].Duration > syncMax {
		return 0, &DecodeError{Pulse: 0, Reason: fmt.Sprintf("invalid start pulse %s", p[0])}
	}

	var v uint32
	for i := 0; i < bits; i++ {
		hi, lo := p[1+2*i], p[2+2*i]
		total := hi.Duration + lo.Duration
		if !hi.High || lo.High || total < bitMin || total > bitMax {
			return 0, &DecodeError{Pulse: 1 + 2*i, Reason: fmt.Sprintf("bit %d malformed %s %s", i, hi, lo)}
		}
		v <<= 1
		if hi.Duration > oneThreshold {
			v |= 1
		}
	}
	return v, nil
}

// DecodeReply recovers a reply word. Any pulse outside the timing tolerance
// discards the whole capture.
func DecodeReply(p []Pulse) (uint16, error) {
	v, err := decode(p, ReplyBits)
	return uint16(v), err
}

// DecodeCommand recovers a command byte
func DecodeCommand(p []Pulse) (byte, error) {
	v, err := decode(p, CommandBits)
	return byte(v), err
}

// FormatPulses renders a capture for diagnostics
func FormatPulses(p []Pulse) string {
	var sb strings.Builder
	for i, pulse := range p {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(pulse.String())
	}
	return sb.String()
}
