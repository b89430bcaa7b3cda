package indicator

import "math"

// CalculateRSI computes the Wilder RSI. Warmup bars are NaN; a series
// with no losses over the window saturates to 100.
func CalculateRSI(prices []float64, period int) []float64 {
	if len(prices) < period || period <= 0 {
		return nil
	}

	out := make([]float64, len(prices))
	for i := 0; i < period-1; i++ {
		out[i] = math.NaN()
	}

	var avgGain, avgLoss float64
	for i := 1; i < period; i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period-1] = rsiValue(avgGain, avgLoss)

	k := float64(period - 1)
	for i := period; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*k + gain) / float64(period)
		avgLoss = (avgLoss*k + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}
