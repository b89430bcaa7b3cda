// Package regime classifies market context: trend direction, volatility
// band, and an overall trend/range/chop regime, plus the macro bias
// derived from them.
package regime

import (
	"fmt"
	"math"

	"github.com/tchaikit/wave-trader/internal/candle"
	"github.com/tchaikit/wave-trader/internal/indicator"
)

type Trend string

const (
	Bull    Trend = "BULL"
	Bear    Trend = "BEAR"
	Neutral Trend = "NEUTRAL"
)

type RegimeKind string

const (
	TrendRegime RegimeKind = "TREND"
	RangeRegime RegimeKind = "RANGE"
	ChopRegime  RegimeKind = "CHOP"
)

type Volatility string

const (
	VolLow  Volatility = "LOW"
	VolMid  Volatility = "MID"
	VolHigh Volatility = "HIGH"
)

type MarketRegime struct {
	Regime        RegimeKind `json:"regime"`
	Trend         Trend      `json:"trend"`
	Vol           Volatility `json:"vol"`
	TrendStrength float64    `json:"trend_strength"`
	VolScore      float64    `json:"vol_score"`
	Notes         string     `json:"notes"`
}

// minBars is the history needed for a meaningful EMA200 read.
const minBars = 250

// Detect derives the market regime from precomputed EMA50/EMA200, ATR
// and RSI series aligned with the candle series.
func Detect(candles []candle.Candle, ema50, ema200, atr, rsi []float64) MarketRegime {
	if len(candles) < minBars {
		return MarketRegime{
			Regime: ChopRegime, Trend: Neutral, Vol: VolMid,
			Notes: fmt.Sprintf("len<%d", minBars),
		}
	}

	n := len(candles)
	close_ := candles[n-1].Close
	emaFast := indicator.At(ema50, n-1, 0)
	emaSlow := indicator.At(ema200, n-1, 0)
	atrVal := indicator.At(atr, n-1, 0)
	rsiVal := indicator.At(rsi, n-1, 50)

	emaFastPrev := indicator.At(ema50, n-2, emaFast)
	emaSlowPrev := indicator.At(ema200, n-2, emaSlow)
	fastSlope := emaFast - emaFastPrev
	slowSlope := emaSlow - emaSlowPrev

	emaGapPct := 0.0
	if emaSlow != 0 {
		emaGapPct = math.Abs((emaFast-emaSlow)/emaSlow) * 100
	}

	trend := Neutral
	if emaFast > emaSlow && fastSlope >= 0 {
		trend = Bull
	} else if emaFast < emaSlow && fastSlope <= 0 {
		trend = Bear
	}

	atrPct := 0.0
	if close_ != 0 {
		atrPct = atrVal / close_ * 100
	}

	var vol Volatility
	var volScore float64
	switch {
	case atrPct <= 1.2:
		vol, volScore = VolLow, 25
	case atrPct <= 2.8:
		vol, volScore = VolMid, 55
	default:
		vol, volScore = VolHigh, 80
	}

	sameSlopeDir := (fastSlope >= 0 && slowSlope >= 0) || (fastSlope <= 0 && slowSlope <= 0)

	trendStrength := math.Min(emaGapPct*10, 60)
	if sameSlopeDir {
		trendStrength += 20
	}
	if trend == Bull && rsiVal >= 55 {
		trendStrength += 10
	} else if trend == Bear && rsiVal <= 45 {
		trendStrength += 10
	}
	trendStrength = math.Max(0, math.Min(trendStrength, 100))

	regime := ChopRegime
	if emaGapPct >= 1.0 && sameSlopeDir {
		regime = TrendRegime
	} else if emaGapPct <= 0.5 && rsiVal >= 45 && rsiVal <= 55 {
		regime = RangeRegime
	}

	return MarketRegime{
		Regime:        regime,
		Trend:         trend,
		Vol:           vol,
		TrendStrength: math.Round(trendStrength*100) / 100,
		VolScore:      volScore,
		Notes:         fmt.Sprintf("ema_gap=%.2f%% atr%%=%.2f rsi=%.1f", emaGapPct, atrPct, rsiVal),
	}
}

// TrendFilterEMA gives the simple macro trend read: close above both
// EMAs with EMA50 over EMA200 is BULL, the mirror is BEAR.
func TrendFilterEMA(candles []candle.Candle, ema50, ema200 []float64) Trend {
	n := len(candles)
	if n == 0 || len(ema50) < n || len(ema200) < n {
		return Neutral
	}
	close_ := candles[n-1].Close
	fast := ema50[n-1]
	slow := ema200[n-1]
	if math.IsNaN(fast) || math.IsNaN(slow) {
		return Neutral
	}
	if close_ > fast && fast > slow {
		return Bull
	}
	if close_ < fast && fast < slow {
		return Bear
	}
	return Neutral
}

type MarketMode string

const (
	ModeTrend   MarketMode = "TREND"
	ModeSideway MarketMode = "SIDEWAY"
)

// DetectMode splits the market into trending vs sideway using EMA gap
// and ATR relative to price.
func DetectMode(candles []candle.Candle, ema50, ema200, atr []float64) MarketMode {
	n := len(candles)
	if n == 0 || len(ema50) < n || len(ema200) < n {
		return ModeTrend
	}
	price := candles[n-1].Close
	if price == 0 {
		return ModeTrend
	}
	fast := indicator.At(ema50, n-1, 0)
	slow := indicator.At(ema200, n-1, 0)
	atrVal := indicator.At(atr, n-1, 0)

	emaGapPct := math.Abs(fast-slow) / price * 100
	if emaGapPct < 0.5 && atrVal/price < 0.02 {
		return ModeSideway
	}
	return ModeTrend
}
