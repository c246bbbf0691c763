// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package frame

import (
	"errors"
	"time"
)

// Direction tells which end of the bus sent a frame
type Direction int

const (
	DirControl Direction = iota // controller to heater
	DirStatus                   // heater to controller
)

// String returns a short name for the direction
func (d Direction) String() string {
	if d == DirStatus {
		return "STATUS"
	}
	return "CONTROL"
}

// Silence thresholds used to find frame boundaries on a passive tap
const (
	ByteTimeout  = 50 * time.Millisecond  // partial frame abandoned after this gap
	CycleTimeout = 100 * time.Millisecond // a new exchange starts after this gap
)

// ErrIncompleteFrame reports bytes abandoned by the inter-byte watchdog
var ErrIncompleteFrame = errors.New("incomplete frame discarded")

// Captured is a frame seen by the Sniffer
type Captured struct {
	Frame     Frame
	Direction Direction
	Timestamp time.Time
}

// Sniffer reassembles frames from a passive tap of the bus. Exchanges are
// delimited by silence: the first frame after a quiet period is a control
// frame and the heater's reply follows it.
type Sniffer struct {
	buf      [Size]byte
	n        int
	lastByte time.Time
	next     Direction
}

// NewSniffer creates a new Sniffer
func NewSniffer() *Sniffer {
	return &Sniffer{}
}

// DecodeByte feeds one byte received at ts. It returns a captured frame
// once 24 bytes have been collected, or ErrIncompleteFrame when a partial
// frame was dropped by the watchdog. The frame's checksum is not checked.
func (s *Sniffer) DecodeByte(b byte, ts time.Time) (*Captured, error) {
	var err error
	if !s.lastByte.IsZero() {
		gap := ts.Sub(s.lastByte)
		if gap > ByteTimeout && s.n > 0 {
			s.n = 0
			err = ErrIncompleteFrame
		}
		if gap > CycleTimeout {
			s.next = DirControl
		}
	}
	s.lastByte = ts

	s.buf[s.n] = b
	s.n++
	if s.n < Size {
		return nil, err
	}

	c := &Captured{Frame: Frame(s.buf), Direction: s.next, Timestamp: ts}
	s.n = 0
	if s.next == DirControl {
		s.next = DirStatus
	} else {
		s.next = DirControl
	}
	return c, err
}

// Reset discards any partial frame
func (s *Sniffer) Reset() {
	s.n = 0
	s.next = DirControl
	s.lastByte = time.Time{}
}
