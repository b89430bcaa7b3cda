// Package zones clusters pivot prices into support/resistance zones.
package zones

import (
	"math"
	"sort"

	"github.com/tchaikit/wave-trader/internal/pivot"
)

type Side string

const (
	Support Side = "SUPPORT"
	Resist  Side = "RESIST"
)

type Zone struct {
	Level   float64 `json:"level"`
	Low     float64 `json:"low"`
	High    float64 `json:"high"`
	Touches int     `json:"touches"`
	Side    Side    `json:"side"`
}

type Config struct {
	TolPct     float64
	MinTouches int
	MaxZones   int
}

func DefaultConfig() Config {
	return Config{TolPct: 0.35, MinTouches: 2, MaxZones: 8}
}

// mergeClusters groups sorted prices within tolPct of the cluster's
// anchor (its first member, fixed to prevent cluster drift).
func mergeClusters(levels []float64, tolPct float64) [][]float64 {
	if len(levels) == 0 {
		return nil
	}
	sorted := make([]float64, len(levels))
	copy(sorted, levels)
	sort.Float64s(sorted)

	clusters := [][]float64{{sorted[0]}}
	anchors := []float64{sorted[0]}
	for _, v := range sorted[1:] {
		anchor := anchors[len(anchors)-1]
		tol := math.Abs(anchor) * tolPct / 100
		if math.Abs(v-anchor) <= tol {
			clusters[len(clusters)-1] = append(clusters[len(clusters)-1], v)
			continue
		}
		clusters = append(clusters, []float64{v})
		anchors = append(anchors, v)
	}
	return clusters
}

func clusterToZone(cluster []float64, side Side, minTouches int) (Zone, bool) {
	if len(cluster) < minTouches {
		return Zone{}, false
	}
	sum := 0.0
	lo, hi := cluster[0], cluster[0]
	for _, v := range cluster {
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	center := sum / float64(len(cluster))
	if hi == lo {
		margin := math.Abs(center) * 0.0005
		lo, hi = center-margin, center+margin
	}
	return Zone{Level: center, Low: lo, High: hi, Touches: len(cluster), Side: side}, true
}

// BuildFromPivots clusters pivot highs into resistance zones and pivot
// lows into support zones, keeping the most-touched zones nearest the
// current price.
func BuildFromPivots(pivots []pivot.Pivot, currentPrice float64, cfg Config) []Zone {
	if len(pivots) == 0 {
		return nil
	}
	if cfg.MaxZones <= 0 {
		cfg.MaxZones = 8
	}
	if cfg.MinTouches <= 0 {
		cfg.MinTouches = 2
	}

	var highs, lows []float64
	for _, p := range pivots {
		if p.Type == pivot.High {
			highs = append(highs, p.Price)
		} else {
			lows = append(lows, p.Price)
		}
	}

	var out []Zone
	for _, c := range mergeClusters(highs, cfg.TolPct) {
		if z, ok := clusterToZone(c, Resist, cfg.MinTouches); ok {
			out = append(out, z)
		}
	}
	for _, c := range mergeClusters(lows, cfg.TolPct) {
		if z, ok := clusterToZone(c, Support, cfg.MinTouches); ok {
			out = append(out, z)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Touches != out[j].Touches {
			return out[i].Touches > out[j].Touches
		}
		return math.Abs(out[i].Level-currentPrice) < math.Abs(out[j].Level-currentPrice)
	})
	if len(out) > cfg.MaxZones {
		out = out[:cfg.MaxZones]
	}
	return out
}

// Nearest returns the closest zone strictly below and strictly above
// price, re-labeled by position rather than trusting the stored side.
func Nearest(zones []Zone, price float64) (support, resist *Zone) {
	for i := range zones {
		z := zones[i]
		switch {
		case z.Level < price:
			if support == nil || math.Abs(z.Level-price) < math.Abs(support.Level-price) {
				c := z
				c.Side = Support
				support = &c
			}
		case z.Level > price:
			if resist == nil || math.Abs(z.Level-price) < math.Abs(resist.Level-price) {
				c := z
				c.Side = Resist
				resist = &c
			}
		}
	}
	return support, resist
}
