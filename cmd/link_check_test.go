// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"testing"
	"time"
)

func TestBurstCounter(t *testing.T) {
	var b burstCounter
	t0 := time.Unix(0, 0)
	at := func(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

	// A control and status frame split over several reads
	b.add(10, at(0))
	b.add(14, at(9))
	b.add(24, at(60))

	// Next cycle closes the exchange
	if closed := b.add(24, at(1000)); closed != 48 {
		t.Errorf("closed = %d, want 48", closed)
	}

	// Unanswered control frame
	if closed := b.add(5, at(2000)); closed != 24 {
		t.Errorf("closed = %d, want 24", closed)
	}
	b.flush()

	if b.bursts != 3 {
		t.Errorf("bursts = %d, want 3", b.bursts)
	}
	if b.exchanges != 1 || b.unanswered != 1 || b.odd != 1 {
		t.Errorf("exchanges/unanswered/odd = %d/%d/%d, want 1/1/1", b.exchanges, b.unanswered, b.odd)
	}
	if b.bytes != 77 {
		t.Errorf("bytes = %d, want 77", b.bytes)
	}
	if b.flush() != 0 {
		t.Error("flush of empty burst should report nothing")
	}
}
