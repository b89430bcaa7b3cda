// Package wave implements the Elliott-style structural analysis: pivot
// window validation, Fibonacci helpers, and scenario construction.
package wave

import "math"

// FibZones are the canonical retracement/extension levels recognized by
// zone matching.
var FibZones = []float64{0.236, 0.382, 0.5, 0.618, 0.786, 1.0, 1.618}

// FibZoneTolerance is the default matching tolerance around a level.
const FibZoneTolerance = 0.03

// Retracement measures how far current has pulled back past end of the
// start->end move, as a fraction of that move. Returns false when the
// move is degenerate, when the pullback exceeds the full move (price
// went beyond the wave start), or when price has not pulled back at all.
func Retracement(start, end, current float64) (float64, bool) {
	move := end - start
	if move == 0 {
		return 0, false
	}
	r := (current - end) / move
	if r > 1.0 || r < 0 {
		return 0, false
	}
	return r, true
}

// RetraceRatio is the unsigned pullback fraction |current-end| / |end-start|.
// Used where only the magnitude of the retrace matters.
func RetraceRatio(start, end, current float64) (float64, bool) {
	move := math.Abs(end - start)
	if move == 0 {
		return 0, false
	}
	return math.Abs(current-end) / move, true
}

// ExtensionTargets holds the standard projection multiples of a measured
// wave, anchored at the retrace point.
type ExtensionTargets struct {
	X100  float64
	X1618 float64
	X200  float64
}

// Extension projects the a->b move from c at 1.0, 1.618 and 2.0.
func Extension(a, b, c float64) ExtensionTargets {
	length := b - a
	return ExtensionTargets{
		X100:  c + length,
		X1618: c + length*1.618,
		X200:  c + length*2.0,
	}
}

// ZoneMatch returns the canonical Fibonacci levels within tolerance of
// value. Empty means the value sits in no recognized zone.
func ZoneMatch(value float64) []float64 {
	var matches []float64
	for _, z := range FibZones {
		if math.Abs(value-z) <= FibZoneTolerance {
			matches = append(matches, z)
		}
	}
	return matches
}

// InZone reports whether ratio falls within tol of any of the levels.
func InZone(ratio float64, levels []float64, tol float64) bool {
	for _, z := range levels {
		if math.Abs(ratio-z) <= tol {
			return true
		}
	}
	return false
}
