// Package meter implements the meter stability filter: it tracks raw
// readings and reports when the value has settled.
package meter

import "time"

// Liters is a fixed-point decimal in milliliters, so "bit-exact equal"
// comparisons of fractional-liter readings (spec.md §4.2) are never at
// the mercy of floating-point rounding.
type Liters int64

// FromFloat converts whole+fractional liters (as parsed off the wire,
// e.g. "12.3") into the fixed-point representation.
func FromFloat(v float64) Liters {
	return Liters(v*1000 + 0.5)
}

// Float returns the value as liters.
func (l Liters) Float() float64 {
	return float64(l) / 1000
}

// Filter is the stability filter described in spec.md §4.2. It is a
// plain struct: Push never blocks and never spawns a goroutine.
type Filter struct {
	n           int
	minDuration time.Duration

	current       Liters
	lastStable    Liters
	lastSaved     Liters
	hasReading    bool
	hasStabilized bool

	// runValue/runStart/runCount track the current run of consecutive
	// identical readings: runStart is the timestamp of the run's first
	// reading, the anchor spec.md §3 requires for the stability-duration
	// check.
	runValue Liters
	runStart time.Time
	runCount int
}

// New returns a filter requiring n consecutive identical readings
// spanning at least minDuration before reporting stable. n must be >=1.
func New(n int, minDuration time.Duration) *Filter {
	if n < 1 {
		n = 1
	}
	return &Filter{n: n, minDuration: minDuration}
}

// Push records a new raw reading observed at "at" and reports whether
// this push produced a fresh stable value (an unstable->stable edge).
func (f *Filter) Push(value Liters, at time.Time) (stableEdge bool) {
	f.current = value
	f.hasReading = true

	if f.runCount == 0 || value != f.runValue {
		f.runValue = value
		f.runStart = at
		f.runCount = 1
	} else {
		f.runCount++
	}

	if value < f.lastStable {
		// Meters may wrap or glitch; never let a low reading pull
		// last_stable backwards.
		return false
	}

	if f.runCount < f.n {
		return false
	}
	if at.Sub(f.runStart) < f.minDuration {
		return false
	}

	edge := f.lastStable != value || !f.hasStabilized
	f.lastStable = value
	f.hasStabilized = true
	return edge
}

// Current returns the most recent raw reading.
func (f *Filter) Current() Liters { return f.current }

// LastStable returns the last value confirmed stable.
func (f *Filter) LastStable() Liters { return f.lastStable }

// LastSaved returns the last value persisted to the store.
func (f *Filter) LastSaved() Liters { return f.lastSaved }

// MarkSaved records that value has been persisted, satisfying I2
// (last_saved <= last_stable) as long as callers only save values they
// have already observed via Current/LastStable.
func (f *Filter) MarkSaved(value Liters) { f.lastSaved = value }

// HasReading reports whether any reading has been pushed since the
// last Reset.
func (f *Filter) HasReading() bool { return f.hasReading }

// Reset clears all filter state, as required on every re-entry into
// Idle (spec.md §4.4 Common properties).
func (f *Filter) Reset() {
	f.current = 0
	f.lastStable = 0
	f.lastSaved = 0
	f.hasReading = false
	f.hasStabilized = false
	f.runValue = 0
	f.runStart = time.Time{}
	f.runCount = 0
}
