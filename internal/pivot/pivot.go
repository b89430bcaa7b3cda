// Package pivot detects alternating swing extrema in a candle series.
//
// Detection runs in passes: raw fractal marks, a zigzag merge so types
// strictly alternate, an ATR swing-size filter, and a percentage-move
// filter. Swings that fail a filter are merged into the neighboring
// extreme instead of being dropped, so the alternation invariant holds
// at every stage.
package pivot

import (
	"math"
	"sort"

	"github.com/tchaikit/wave-trader/internal/candle"
	"github.com/tchaikit/wave-trader/internal/indicator"
)

type Type string

const (
	High Type = "H"
	Low  Type = "L"
)

type Degree string

const (
	Minor        Degree = "minor"
	Intermediate Degree = "intermediate"
)

type Pivot struct {
	Index      int     `json:"index"`
	Price      float64 `json:"price"`
	Type       Type    `json:"type"`
	Degree     Degree  `json:"degree"`
	ATRAtPivot float64 `json:"atr_at_pivot"`
}

type Config struct {
	Left       int
	Right      int
	ATRLength  int
	ATRMult    float64
	MinPctMove float64
}

func DefaultConfig() Config {
	return Config{
		Left:       2,
		Right:      2,
		ATRLength:  14,
		ATRMult:    1.5,
		MinPctMove: 1.5,
	}
}

type Detector struct {
	cfg Config
}

func NewDetector(cfg Config) *Detector {
	if cfg.Left <= 0 {
		cfg.Left = 2
	}
	if cfg.Right <= 0 {
		cfg.Right = 2
	}
	if cfg.ATRLength <= 0 {
		cfg.ATRLength = 14
	}
	return &Detector{cfg: cfg}
}

// Detect returns the filtered, strictly alternating pivot chain for the
// candle series. Fewer than left+right+1 bars yields an empty result.
func (d *Detector) Detect(candles []candle.Candle) []Pivot {
	cfg := d.cfg
	if len(candles) < cfg.Left+cfg.Right+1 {
		return nil
	}

	highs := candle.Highs(candles)
	lows := candle.Lows(candles)
	closes := candle.Closes(candles)
	atr := indicator.CalculateATR(highs, lows, closes, cfg.ATRLength)

	raw := d.findRawPivots(candles, highs, lows, closes, atr)
	if len(raw) == 0 {
		return nil
	}

	zigzag := mergeToAlternating(raw)
	filtered := d.filterByATR(zigzag)
	filtered = FilterByPctMove(filtered, cfg.MinPctMove)
	assignDegrees(filtered)
	return filtered
}

func (d *Detector) findRawPivots(candles []candle.Candle, highs, lows, closes, atr []float64) []Pivot {
	cfg := d.cfg
	var raw []Pivot

	for i := cfg.Left; i < len(candles)-cfg.Right; i++ {
		atrVal := indicator.At(atr, i, 0)

		isHigh := true
		isLow := true
		for j := i - cfg.Left; j <= i+cfg.Right; j++ {
			if highs[j] > highs[i] {
				isHigh = false
			}
			if lows[j] < lows[i] {
				isLow = false
			}
		}

		// A bar qualifying as both goes to the side farther from the
		// previous close; ties go to the high.
		if isHigh && isLow {
			prevClose := closes[i-1]
			if math.Abs(highs[i]-prevClose) >= math.Abs(lows[i]-prevClose) {
				isLow = false
			} else {
				isHigh = false
			}
		}

		switch {
		case isHigh:
			raw = append(raw, Pivot{Index: i, Price: highs[i], Type: High, ATRAtPivot: atrVal})
		case isLow:
			raw = append(raw, Pivot{Index: i, Price: lows[i], Type: Low, ATRAtPivot: atrVal})
		}
	}
	return raw
}

// mergeToAlternating keeps only type changes, resolving runs of the same
// type to the more extreme price.
func mergeToAlternating(raw []Pivot) []Pivot {
	out := []Pivot{raw[0]}
	for _, pv := range raw[1:] {
		last := &out[len(out)-1]
		if pv.Type == last.Type {
			if pv.Type == High && pv.Price > last.Price {
				*last = pv
			} else if pv.Type == Low && pv.Price < last.Price {
				*last = pv
			}
			continue
		}
		out = append(out, pv)
	}
	return out
}

// filterByATR drops swings smaller than ATRMult x ATR-at-pivot, merging
// the losing pivot into the adjacent extreme. Zero-ATR bars never filter.
func (d *Detector) filterByATR(zigzag []Pivot) []Pivot {
	if len(zigzag) == 0 {
		return zigzag
	}
	out := []Pivot{zigzag[0]}
	for _, pv := range zigzag[1:] {
		prev := &out[len(out)-1]
		swing := math.Abs(pv.Price - prev.Price)
		minSwing := 0.0
		if pv.ATRAtPivot > 0 {
			minSwing = d.cfg.ATRMult * pv.ATRAtPivot
		}
		if swing >= minSwing {
			out = append(out, pv)
			continue
		}
		if pv.Type == High && pv.Price > prev.Price {
			*prev = pv
		} else if pv.Type == Low && pv.Price < prev.Price {
			*prev = pv
		}
	}
	return out
}

// FilterByPctMove removes swings below minPctMove percent of the prior
// pivot price, merging into the extreme. A second de-noising pass run
// after the ATR filter.
func FilterByPctMove(pivots []Pivot, minPctMove float64) []Pivot {
	if len(pivots) == 0 {
		return pivots
	}
	out := []Pivot{pivots[0]}
	for _, pv := range pivots[1:] {
		last := &out[len(out)-1]
		movePct := math.Abs((pv.Price-last.Price)/last.Price) * 100
		if movePct >= minPctMove {
			out = append(out, pv)
			continue
		}
		if pv.Type == High && pv.Price > last.Price {
			*last = pv
		} else if pv.Type == Low && pv.Price < last.Price {
			*last = pv
		}
	}
	return out
}

// assignDegrees tags each pivot by comparing its swing size to the
// chain's median swing.
func assignDegrees(pivots []Pivot) {
	if len(pivots) < 2 {
		for i := range pivots {
			pivots[i].Degree = Minor
		}
		return
	}
	swings := make([]float64, 0, len(pivots)-1)
	for i := 1; i < len(pivots); i++ {
		swings = append(swings, math.Abs(pivots[i].Price-pivots[i-1].Price))
	}
	median := medianOf(swings)

	pivots[0].Degree = Minor
	for i := 1; i < len(pivots); i++ {
		swing := math.Abs(pivots[i].Price - pivots[i-1].Price)
		if swing >= median {
			pivots[i].Degree = Intermediate
		} else {
			pivots[i].Degree = Minor
		}
	}
}

func medianOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// Alternating reports whether the chain strictly alternates H/L.
func Alternating(pivots []Pivot) bool {
	for i := 1; i < len(pivots); i++ {
		if pivots[i].Type == pivots[i-1].Type {
			return false
		}
	}
	return true
}
