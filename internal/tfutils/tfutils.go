// Package tfutils maps timeframe labels to bar durations.
package tfutils

import "time"

var durations = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
	"1w":  7 * 24 * time.Hour,
}

// Duration returns the bar length for a timeframe label, or zero when
// the label is unknown.
func Duration(timeframe string) time.Duration {
	return durations[timeframe]
}

// Valid reports whether the timeframe label is supported.
func Valid(timeframe string) bool {
	return durations[timeframe] > 0
}
