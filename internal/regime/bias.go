package regime

import (
	"fmt"
	"math"
)

type BiasDirection string

const (
	BiasLong    BiasDirection = "LONG"
	BiasShort   BiasDirection = "SHORT"
	BiasNeutral BiasDirection = "NEUTRAL"
)

type MacroBias struct {
	Bias       BiasDirection `json:"bias"`
	Strength   float64       `json:"strength"`
	AllowLong  bool          `json:"allow_long"`
	AllowShort bool          `json:"allow_short"`
	Notes      string        `json:"notes"`
}

// ComputeMacroBias turns a market regime plus the latest RSI into a
// directional bias with allow gates. A confident bias (strength >= 60)
// shuts the opposing side.
func ComputeMacroBias(mr MarketRegime, rsi14 float64) MacroBias {
	if rsi14 == 0 {
		rsi14 = 50
	}

	bias := BiasNeutral
	strength := 0.0

	switch mr.Regime {
	case TrendRegime:
		switch mr.Trend {
		case Bull:
			bias = BiasLong
			strength = 55 + mr.TrendStrength*0.35
			if rsi14 >= 55 {
				strength += 5
			}
		case Bear:
			bias = BiasShort
			strength = 55 + mr.TrendStrength*0.35
			if rsi14 <= 45 {
				strength += 5
			}
		default:
			strength = 35
		}
	case RangeRegime:
		strength = 35
		if rsi14 >= 60 {
			bias = BiasLong
			strength = 45
		} else if rsi14 <= 40 {
			bias = BiasShort
			strength = 45
		}
	default: // chop
		strength = 25
		if mr.Vol == VolHigh {
			strength -= 5
		}
	}

	if mr.VolScore >= 75 {
		strength -= 8
	} else if mr.VolScore <= 30 {
		strength += 3
	}
	strength = math.Max(0, math.Min(strength, 100))

	allowLong := true
	allowShort := true
	if bias == BiasLong && strength >= 60 {
		allowShort = false
	}
	if bias == BiasShort && strength >= 60 {
		allowLong = false
	}

	return MacroBias{
		Bias:       bias,
		Strength:   math.Round(strength*100) / 100,
		AllowLong:  allowLong,
		AllowShort: allowShort,
		Notes: fmt.Sprintf("rg=%s tr=%s vol=%s rsi=%.1f ts=%.1f vs=%.1f",
			mr.Regime, mr.Trend, mr.Vol, rsi14, mr.TrendStrength, mr.VolScore),
	}
}
