package indicator

import "math"

// CalculateVolumeMA computes a rolling simple moving average of volume.
// Warmup bars are NaN.
func CalculateVolumeMA(volumes []float64, period int) []float64 {
	n := len(volumes)
	if n == 0 || period <= 0 {
		return nil
	}
	out := make([]float64, n)
	var sum float64
	for i := 0; i < n; i++ {
		sum += volumes[i]
		if i >= period {
			sum -= volumes[i-period]
		}
		if i < period-1 {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(period)
	}
	return out
}

// VolumeSpike reports whether the latest volume exceeds multiplier times
// its moving average.
func VolumeSpike(volumes []float64, period int, multiplier float64) bool {
	if len(volumes) < period+1 {
		return false
	}
	ma := CalculateVolumeMA(volumes, period)
	last := ma[len(ma)-1]
	if math.IsNaN(last) {
		return false
	}
	return volumes[len(volumes)-1] > last*multiplier
}
