// Package candle
package candle

import (
	"errors"
	"time"

	"github.com/tchaikit/wave-trader/internal/tfutils"
)

type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
}

// IsComplete checks if a candle is closed (its bar interval has fully elapsed)
func (c *Candle) IsComplete() bool {
	now := time.Now().UTC()
	candleEnd := c.Timestamp.Add(tfutils.Duration(c.Timeframe))
	return now.After(candleEnd) || now.Equal(candleEnd)
}

// Validate checks if a candle has valid data
func (c *Candle) Validate() error {
	if c.Timestamp.IsZero() {
		return errors.New("candle timestamp is zero")
	}
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return errors.New("candle prices must be positive")
	}
	if c.High < c.Low {
		return errors.New("candle high cannot be less than low")
	}
	if c.Open < c.Low || c.Open > c.High {
		return errors.New("candle open price must be between high and low")
	}
	if c.Close < c.Low || c.Close > c.High {
		return errors.New("candle close price must be between high and low")
	}
	if c.Volume < 0 {
		return errors.New("candle volume cannot be negative")
	}
	if c.Symbol == "" {
		return errors.New("candle symbol cannot be empty")
	}
	if c.Timeframe == "" {
		return errors.New("candle timeframe cannot be empty")
	}
	return nil
}

// DropUnclosed removes the last candle if its bar interval has not elapsed yet.
// Analysis must only ever see closed candles.
func DropUnclosed(candles []Candle) []Candle {
	if len(candles) < 2 {
		return candles
	}
	last := candles[len(candles)-1]
	prev := candles[len(candles)-2]
	interval := last.Timestamp.Sub(prev.Timestamp)
	if interval <= 0 {
		return candles
	}
	expectedClose := last.Timestamp.Add(interval)
	if time.Now().UTC().Before(expectedClose) {
		return candles[:len(candles)-1]
	}
	return candles
}

// Closes extracts close prices in series order.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Highs extracts high prices in series order.
func Highs(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.High
	}
	return out
}

// Lows extracts low prices in series order.
func Lows(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Low
	}
	return out
}

// Volumes extracts volumes in series order.
func Volumes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}
