// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package frame

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Counters is a point-in-time copy of Statistics
type Counters struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	TotalFrames     uint64
	ValidFrames     uint64
	ControlFrames   uint64
	StatusFrames    uint64
	CRCErrors       uint64
	Timeouts        uint64
	MalformedFrames uint64
	AnomalousValues uint64

	Exchanges        uint64 // completed bus cycles
	ForeignExchanges uint64 // cycles led by another controller

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// Statistics tracks frame statistics and error rates. It is safe for
// concurrent use: the link task updates it while the UI and metrics read it.
type Statistics struct {
	mu sync.Mutex
	c  Counters
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{c: Counters{StartTime: now, LastUpdateTime: now}}
}

// Update updates statistics based on a received frame and its errors
func (s *Statistics) Update(dir Direction, decodeErr error, validationErrors []ValidationError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.c.TotalFrames++
	if dir == DirStatus {
		s.c.StatusFrames++
	} else {
		s.c.ControlFrames++
	}

	if decodeErr != nil {
		var crcErr *CRCError
		if errors.As(decodeErr, &crcErr) {
			s.c.CRCErrors++
		} else {
			s.c.MalformedFrames++
		}
		return
	}

	if len(validationErrors) > 0 {
		for _, err := range validationErrors {
			switch err.Type {
			case AnomalyLengthMismatch, AnomalyInvalidMode:
				s.c.MalformedFrames++
			default:
				s.c.AnomalousValues++
			}
		}
	} else {
		s.c.ValidFrames++
	}

	s.c.LastUpdateTime = time.Now()
}

// RecordTimeout counts a frame abandoned by the inter-byte watchdog
func (s *Statistics) RecordTimeout() {
	s.mu.Lock()
	s.c.Timeouts++
	s.mu.Unlock()
}

// RecordExchange counts a completed bus cycle
func (s *Statistics) RecordExchange(foreign bool) {
	s.mu.Lock()
	s.c.Exchanges++
	if foreign {
		s.c.ForeignExchanges++
	}
	s.mu.Unlock()
}

// Snapshot returns a copy of the counters with rates calculated
func (s *Statistics) Snapshot() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.c
	elapsed := time.Since(c.StartTime).Seconds()
	if elapsed > 0 {
		c.FrameRate = float64(c.TotalFrames) / elapsed
		c.ErrorRate = float64(c.Errors()) / elapsed
	}
	return c
}

// Errors returns the total of all error counters
func (c Counters) Errors() uint64 {
	return c.CRCErrors + c.Timeouts + c.MalformedFrames + c.AnomalousValues
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	c := s.Snapshot()

	var validPercent, crcErrorPercent, malformedPercent, anomalousPercent float64
	if c.TotalFrames > 0 {
		validPercent = float64(c.ValidFrames) * 100.0 / float64(c.TotalFrames)
		crcErrorPercent = float64(c.CRCErrors) * 100.0 / float64(c.TotalFrames)
		malformedPercent = float64(c.MalformedFrames) * 100.0 / float64(c.TotalFrames)
		anomalousPercent = float64(c.AnomalousValues) * 100.0 / float64(c.TotalFrames)
	}

	elapsed := time.Since(c.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Frames:    %8d (%d control, %d status)\n", c.TotalFrames, c.ControlFrames, c.StatusFrames)
	result += fmt.Sprintf("Valid Frames:    %8d (%.1f%%)\n", c.ValidFrames, validPercent)

	if c.CRCErrors > 0 {
		result += fmt.Sprintf("CRC Errors:      %8d (%.1f%%)\n", c.CRCErrors, crcErrorPercent)
	}
	if c.Timeouts > 0 {
		result += fmt.Sprintf("Timeouts:        %8d\n", c.Timeouts)
	}
	if c.MalformedFrames > 0 {
		result += fmt.Sprintf("Malformed:       %8d (%.1f%%)\n", c.MalformedFrames, malformedPercent)
	}
	if c.AnomalousValues > 0 {
		result += fmt.Sprintf("Anomalous Values:%8d (%.1f%%)\n", c.AnomalousValues, anomalousPercent)
	}
	if c.Exchanges > 0 {
		result += fmt.Sprintf("Exchanges:       %8d (%d foreign)\n", c.Exchanges, c.ForeignExchanges)
	}

	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", c.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", c.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	now := time.Now()
	s.mu.Lock()
	s.c = Counters{StartTime: now, LastUpdateTime: now}
	s.mu.Unlock()
}
