package regime

import (
	"math"
	"testing"
	"time"

	"github.com/tchaikit/wave-trader/internal/candle"
	"github.com/tchaikit/wave-trader/internal/indicator"
)

func trendingCandles(n int, start, step float64) []candle.Candle {
	out := make([]candle.Candle, n)
	ts := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	price := start
	for i := range out {
		out[i] = candle.Candle{
			Timestamp: ts,
			Open:      price, High: price * 1.01, Low: price * 0.99, Close: price + step,
			Volume: 1000, Symbol: "BTCUSDT", Timeframe: "1d",
		}
		price += step
		ts = ts.Add(24 * time.Hour)
	}
	return out
}

func seriesFor(candles []candle.Candle) (ema50, ema200, atr, rsi []float64) {
	closes := candle.Closes(candles)
	highs := candle.Highs(candles)
	lows := candle.Lows(candles)
	ema50 = indicator.CalculateEMA(closes, 50)
	ema200 = indicator.CalculateEMA(closes, 200)
	atr = indicator.CalculateWilderATR(highs, lows, closes, 14)
	rsi = indicator.CalculateRSI(closes, 14)
	return
}

func TestDetect(t *testing.T) {
	t.Run("short history is chop", func(t *testing.T) {
		candles := trendingCandles(100, 100, 1)
		ema50, ema200, atr, rsi := seriesFor(candles)
		mr := Detect(candles, ema50, ema200, atr, rsi)
		if mr.Regime != ChopRegime || mr.Trend != Neutral {
			t.Fatalf("expected CHOP/NEUTRAL, got %s/%s", mr.Regime, mr.Trend)
		}
	})

	t.Run("steady uptrend is bull trend", func(t *testing.T) {
		candles := trendingCandles(300, 100, 2)
		ema50, ema200, atr, rsi := seriesFor(candles)
		mr := Detect(candles, ema50, ema200, atr, rsi)
		if mr.Trend != Bull {
			t.Fatalf("expected BULL, got %s", mr.Trend)
		}
		if mr.Regime != TrendRegime {
			t.Fatalf("expected TREND, got %s", mr.Regime)
		}
		if mr.TrendStrength <= 0 || mr.TrendStrength > 100 {
			t.Fatalf("trend strength out of band: %v", mr.TrendStrength)
		}
	})

	t.Run("steady downtrend is bear", func(t *testing.T) {
		candles := trendingCandles(300, 1000, -2)
		ema50, ema200, atr, rsi := seriesFor(candles)
		mr := Detect(candles, ema50, ema200, atr, rsi)
		if mr.Trend != Bear {
			t.Fatalf("expected BEAR, got %s", mr.Trend)
		}
	})
}

func TestTrendFilterEMA(t *testing.T) {
	candles := trendingCandles(300, 100, 2)
	closes := candle.Closes(candles)
	ema50 := indicator.CalculateEMA(closes, 50)
	ema200 := indicator.CalculateEMA(closes, 200)

	if got := TrendFilterEMA(candles, ema50, ema200); got != Bull {
		t.Fatalf("expected BULL, got %s", got)
	}

	t.Run("nan EMA is neutral", func(t *testing.T) {
		bad := make([]float64, len(closes))
		for i := range bad {
			bad[i] = math.NaN()
		}
		if got := TrendFilterEMA(candles, bad, ema200); got != Neutral {
			t.Fatalf("expected NEUTRAL, got %s", got)
		}
	})
}

func TestComputeMacroBias(t *testing.T) {
	t.Run("strong bull trend shuts shorts", func(t *testing.T) {
		mr := MarketRegime{Regime: TrendRegime, Trend: Bull, Vol: VolMid, TrendStrength: 80, VolScore: 55}
		mb := ComputeMacroBias(mr, 60)
		if mb.Bias != BiasLong {
			t.Fatalf("expected LONG bias, got %s", mb.Bias)
		}
		if mb.AllowShort {
			t.Fatal("expected shorts blocked")
		}
		if !mb.AllowLong {
			t.Fatal("expected longs allowed")
		}
	})

	t.Run("chop is neutral and permissive", func(t *testing.T) {
		mr := MarketRegime{Regime: ChopRegime, Trend: Neutral, Vol: VolMid, VolScore: 55}
		mb := ComputeMacroBias(mr, 50)
		if mb.Bias != BiasNeutral || !mb.AllowLong || !mb.AllowShort {
			t.Fatalf("expected permissive neutral, got %+v", mb)
		}
	})

	t.Run("high vol penalizes strength", func(t *testing.T) {
		mr := MarketRegime{Regime: TrendRegime, Trend: Bull, Vol: VolHigh, TrendStrength: 40, VolScore: 80}
		low := ComputeMacroBias(mr, 60)
		mr.Vol = VolLow
		mr.VolScore = 25
		high := ComputeMacroBias(mr, 60)
		if low.Strength >= high.Strength {
			t.Fatalf("high vol should reduce strength: %v vs %v", low.Strength, high.Strength)
		}
	})
}

func TestDetectMode(t *testing.T) {
	t.Run("trending market", func(t *testing.T) {
		candles := trendingCandles(300, 100, 2)
		ema50, ema200, atr, _ := seriesFor(candles)
		if got := DetectMode(candles, ema50, ema200, atr); got != ModeTrend {
			t.Fatalf("expected TREND, got %s", got)
		}
	})

	t.Run("flat market is sideway", func(t *testing.T) {
		candles := trendingCandles(300, 100, 0)
		for i := range candles {
			candles[i].High = candles[i].Close * 1.0005
			candles[i].Low = candles[i].Close * 0.9995
		}
		ema50, ema200, atr, _ := seriesFor(candles)
		if got := DetectMode(candles, ema50, ema200, atr); got != ModeSideway {
			t.Fatalf("expected SIDEWAY, got %s", got)
		}
	})
}
