// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package fault

// DefaultCommsHoldoff is the number of consecutive cycles without heater
// data tolerated before comms loss is reported.
const DefaultCommsHoldoff = 5

// CommsWatch debounces loss of heater data across bus cycles
type CommsWatch struct {
	holdoff int
	missed  int
}

// NewCommsWatch creates a CommsWatch with the given holdoff
func NewCommsWatch(holdoff int) *CommsWatch {
	return &CommsWatch{holdoff: holdoff}
}

// Update records the outcome of one bus cycle
func (c *CommsWatch) Update(gotHeaterData bool) {
	if gotHeaterData {
		c.missed = 0
		return
	}
	if c.missed <= c.holdoff {
		c.missed++
	}
}

// Lost reports whether more than holdoff consecutive cycles have passed
// without heater data
func (c *CommsWatch) Lost() bool {
	return c.missed > c.holdoff
}
