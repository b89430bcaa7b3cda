package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tchaikit/wave-trader/internal/candle"
	"github.com/tchaikit/wave-trader/internal/exchange"
	"github.com/tchaikit/wave-trader/internal/indicator"
	"github.com/tchaikit/wave-trader/internal/pivot"
	"github.com/tchaikit/wave-trader/internal/regime"
)

// MTFSummary is the higher/lower timeframe context for one symbol: the
// weekly trend permits a direction, the 4h structure confirms an entry.
type MTFSummary struct {
	Symbol            string       `json:"symbol"`
	WeeklyTrend       regime.Trend `json:"weekly_trend"`
	H4Trend           regime.Trend `json:"h4_trend"`
	WeeklyPermitLong  bool         `json:"weekly_permit_long"`
	WeeklyPermitShort bool         `json:"weekly_permit_short"`
	H4ConfirmLong     bool         `json:"h4_confirm_long"`
	H4ConfirmShort    bool         `json:"h4_confirm_short"`
	Notes             string       `json:"notes,omitempty"`
}

type MTFProvider interface {
	Summary(ctx context.Context, symbol string) (MTFSummary, error)
}

// PermissiveMTF permits and confirms both sides. The default when no
// multi-timeframe data source is wired.
type PermissiveMTF struct{}

func (PermissiveMTF) Summary(ctx context.Context, symbol string) (MTFSummary, error) {
	return MTFSummary{
		Symbol:            symbol,
		WeeklyTrend:       regime.Neutral,
		H4Trend:           regime.Neutral,
		WeeklyPermitLong:  true,
		WeeklyPermitShort: true,
		H4ConfirmLong:     true,
		H4ConfirmShort:    true,
		Notes:             "permissive",
	}, nil
}

type ExchangeMTFConfig struct {
	WeeklyBars int
	H4Bars     int
	// H4MinPctMove relaxes the pivot filter on the 4h chart so the
	// structure read does not go empty.
	H4MinPctMove float64
}

func DefaultExchangeMTFConfig() ExchangeMTFConfig {
	return ExchangeMTFConfig{WeeklyBars: 300, H4Bars: 800, H4MinPctMove: 0.8}
}

// ExchangeMTF derives the summary from exchange candles: a strict weekly
// permit (BULL shuts shorts, BEAR shuts longs) and a 4h breakout confirm
// (close beyond the last 4h pivot high or low).
type ExchangeMTF struct {
	ex  exchange.Exchange
	cfg ExchangeMTFConfig
	log zerolog.Logger
}

func NewExchangeMTF(ex exchange.Exchange, cfg ExchangeMTFConfig, log zerolog.Logger) *ExchangeMTF {
	def := DefaultExchangeMTFConfig()
	if cfg.WeeklyBars <= 0 {
		cfg.WeeklyBars = def.WeeklyBars
	}
	if cfg.H4Bars <= 0 {
		cfg.H4Bars = def.H4Bars
	}
	if cfg.H4MinPctMove <= 0 {
		cfg.H4MinPctMove = def.H4MinPctMove
	}
	return &ExchangeMTF{ex: ex, cfg: cfg, log: log.With().Str("component", "mtf").Logger()}
}

func (m *ExchangeMTF) trendOf(ctx context.Context, symbol, timeframe string, limit int) (regime.Trend, []candle.Candle, error) {
	candles, err := m.ex.FetchCandles(ctx, symbol, timeframe, limit)
	if err != nil {
		return regime.Neutral, nil, fmt.Errorf("%s candles for %s: %w", timeframe, symbol, err)
	}
	candles = candle.DropUnclosed(candles)
	if len(candles) < minBars {
		return regime.Neutral, candles, nil
	}
	closes := candle.Closes(candles)
	ema50 := indicator.CalculateEMA(closes, 50)
	ema200 := indicator.CalculateEMA(closes, 200)
	return regime.TrendFilterEMA(candles, ema50, ema200), candles, nil
}

func (m *ExchangeMTF) Summary(ctx context.Context, symbol string) (MTFSummary, error) {
	weeklyTrend, weekly, err := m.trendOf(ctx, symbol, "1w", m.cfg.WeeklyBars)
	if err != nil {
		return MTFSummary{}, err
	}
	if len(weekly) < minBars {
		// too little weekly history to forbid anything
		s, _ := PermissiveMTF{}.Summary(ctx, symbol)
		s.H4ConfirmLong = false
		s.H4ConfirmShort = false
		s.Notes = fmt.Sprintf("weekly len<%d", minBars)
		return s, nil
	}

	h4Trend, h4, err := m.trendOf(ctx, symbol, "4h", m.cfg.H4Bars)
	if err != nil {
		return MTFSummary{}, err
	}

	s := MTFSummary{
		Symbol:            symbol,
		WeeklyTrend:       weeklyTrend,
		H4Trend:           h4Trend,
		WeeklyPermitLong:  weeklyTrend != regime.Bear,
		WeeklyPermitShort: weeklyTrend != regime.Bull,
	}
	s.H4ConfirmLong, s.H4ConfirmShort, s.Notes = m.h4Confirm(h4)
	return s, nil
}

// h4Confirm reads the 4h structure: a close above the last pivot high
// confirms longs, below the last pivot low confirms shorts.
func (m *ExchangeMTF) h4Confirm(candles []candle.Candle) (confirmLong, confirmShort bool, note string) {
	if len(candles) < minBars {
		return false, false, fmt.Sprintf("4h len<%d", minBars)
	}

	cfg := pivot.DefaultConfig()
	cfg.MinPctMove = m.cfg.H4MinPctMove
	pivots := pivot.NewDetector(cfg).Detect(candles)

	var lastHigh, lastLow float64
	for i := len(pivots) - 1; i >= 0; i-- {
		p := pivots[i]
		if lastHigh == 0 && p.Type == pivot.High {
			lastHigh = p.Price
		}
		if lastLow == 0 && p.Type == pivot.Low {
			lastLow = p.Price
		}
		if lastHigh != 0 && lastLow != 0 {
			break
		}
	}
	if lastHigh == 0 || lastLow == 0 {
		return false, false, "4h pivots not enough"
	}

	close_ := candles[len(candles)-1].Close
	return close_ > lastHigh, close_ < lastLow,
		fmt.Sprintf("4h close=%.6g lastH=%.6g lastL=%.6g", close_, lastHigh, lastLow)
}
