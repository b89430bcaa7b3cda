package indicator

import "math"

// trueRange computes the per-bar true range series. The first bar has no
// previous close, so its TR is simply high-low.
func trueRange(highs, lows, closes []float64) []float64 {
	n := len(closes)
	tr := make([]float64, n)
	for i := 0; i < n; i++ {
		hl := highs[i] - lows[i]
		if i == 0 {
			tr[i] = hl
			continue
		}
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	return tr
}

// CalculateATR computes a rolling simple-mean ATR. This is the variant
// the pivot detector filters swings with; warmup bars are NaN.
func CalculateATR(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	if n == 0 || period <= 0 || len(highs) != n || len(lows) != n {
		return nil
	}
	tr := trueRange(highs, lows, closes)
	out := make([]float64, n)
	var sum float64
	for i := 0; i < n; i++ {
		sum += tr[i]
		if i >= period {
			sum -= tr[i-period]
		}
		if i < period-1 {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(period)
	}
	return out
}

// CalculateWilderATR computes the Wilder-smoothed ATR
// (alpha = 1/period), seeded from the first true range.
func CalculateWilderATR(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	if n == 0 || period <= 0 || len(highs) != n || len(lows) != n {
		return nil
	}
	tr := trueRange(highs, lows, closes)
	alpha := 1.0 / float64(period)
	out := make([]float64, n)
	out[0] = tr[0]
	for i := 1; i < n; i++ {
		out[i] = alpha*tr[i] + (1-alpha)*out[i-1]
	}
	return out
}
