// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package fault

// ExpMean is an exponential moving average used to steady analogue
// readings before they are compared against cutoffs
type ExpMean struct {
	alpha float64
	value float64
	fresh bool
}

// NewExpMean creates a filter. Higher alpha gives a slower response.
func NewExpMean(alpha float64) *ExpMean {
	return &ExpMean{alpha: alpha, fresh: true}
}

// Update folds in a new sample and returns the filtered value
func (e *ExpMean) Update(v float64) float64 {
	if e.fresh {
		e.value = v
		e.fresh = false
	}
	e.value = e.value*e.alpha + v*(1-e.alpha)
	return e.value
}

// Value returns the filtered value
func (e *ExpMean) Value() float64 {
	return e.value
}

// Reset forgets history; the next sample is taken as is
func (e *ExpMean) Reset() {
	e.fresh = true
}
