// Package indicator holds the hand-rolled technical indicators the
// analysis pipeline consumes. All functions return series aligned with
// the input, with NaN for warmup bars.
package indicator

import "math"

// Last returns the final value of a series, or def when the series is
// empty or the value is NaN.
func Last(series []float64, def float64) float64 {
	if len(series) == 0 {
		return def
	}
	v := series[len(series)-1]
	if math.IsNaN(v) {
		return def
	}
	return v
}

// At returns series[i], or def when out of range or NaN.
func At(series []float64, i int, def float64) float64 {
	if i < 0 || i >= len(series) {
		return def
	}
	v := series[i]
	if math.IsNaN(v) {
		return def
	}
	return v
}
