package indicator

// CalculateEMA computes an exponential moving average with the standard
// span smoothing (alpha = 2/(period+1)), seeded from the first value.
func CalculateEMA(prices []float64, period int) []float64 {
	if len(prices) == 0 || period <= 0 {
		return nil
	}
	alpha := 2.0 / (float64(period) + 1.0)
	out := make([]float64, len(prices))
	out[0] = prices[0]
	for i := 1; i < len(prices); i++ {
		out[i] = alpha*prices[i] + (1-alpha)*out[i-1]
	}
	return out
}
