// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package frame

import (
	"encoding/binary"
	"fmt"
)

// Frame is one 24-byte blue wire frame. The same array is read as a control
// frame (controller to heater) or a status frame (heater to controller)
// depending on the direction it travelled.
type Frame [Size]byte

// CRCError reports a frame whose stored checksum does not match its contents
type CRCError struct {
	Calculated uint16
	Received   uint16
}

// Error implements the error interface
func (e *CRCError) Error() string {
	return fmt.Sprintf("CRC mismatch: calculated=0x%04X received=0x%04X", e.Calculated, e.Received)
}

// FromBytes copies b into a frame. b must hold at least Size bytes.
func FromBytes(b []byte) (Frame, error) {
	var f Frame
	if len(b) < Size {
		return f, fmt.Errorf("frame too short: %d bytes (expected %d)", len(b), Size)
	}
	copy(f[:], b[:Size])
	return f, nil
}

// Bytes returns the frame as a byte slice
func (f *Frame) Bytes() []byte {
	return f[:]
}

// CalculatedCRC computes the checksum over the 22 payload bytes
func (f *Frame) CalculatedCRC() uint16 {
	return CalculateCRC(f[:CRCOffset])
}

// CRC returns the checksum stored in the frame (MSB first)
func (f *Frame) CRC() uint16 {
	return binary.BigEndian.Uint16(f[CRCOffset:])
}

// SetCRC computes the checksum and stores it MSB first in bytes 22-23
func (f *Frame) SetCRC() {
	binary.BigEndian.PutUint16(f[CRCOffset:], f.CalculatedCRC())
}

// Verify recomputes the checksum and compares it with the stored value.
// On mismatch the error is handed to sink (which may be nil) and false is
// returned.
func (f *Frame) Verify(sink func(error)) bool {
	calc := f.CalculatedCRC()
	stored := f.CRC()
	if calc == stored {
		return true
	}
	if sink != nil {
		sink(&CRCError{Calculated: calc, Received: stored})
	}
	return false
}

// Check is Verify returning the mismatch as an error
func (f *Frame) Check() error {
	var err error
	f.Verify(func(e error) { err = e })
	return err
}

func (f *Frame) u16(off int) uint16 {
	return binary.BigEndian.Uint16(f[off:])
}

func (f *Frame) putU16(off int, v uint16) {
	binary.BigEndian.PutUint16(f[off:], v)
}

// tenths converts a physical value to a 0.1 unit byte, rounding half up
func tenths(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	r := v*10 + 0.5
	if r > 255 {
		return 255
	}
	return uint8(r)
}
