// Package engine runs the per-symbol analysis pipeline: candles to
// indicators to pivots to scenarios, then gates and a trade plan per
// surviving scenario. Rejections annotate the candidate instead of
// silently dropping it, so every decision is inspectable downstream.
package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/tchaikit/wave-trader/internal/candle"
	"github.com/tchaikit/wave-trader/internal/exchange"
	"github.com/tchaikit/wave-trader/internal/indicator"
	"github.com/tchaikit/wave-trader/internal/pivot"
	"github.com/tchaikit/wave-trader/internal/regime"
	"github.com/tchaikit/wave-trader/internal/risk"
	"github.com/tchaikit/wave-trader/internal/wave"
	"github.com/tchaikit/wave-trader/internal/zones"
)

type Status string

const (
	StatusReady   Status = "READY"
	StatusBlocked Status = "BLOCKED"
)

// Candidate is one scenario carried through every filter stage with its
// plan and the reasons it was blocked, if any.
type Candidate struct {
	Scenario       wave.Scenario  `json:"scenario"`
	Plan           risk.TradePlan `json:"plan"`
	Status         Status         `json:"status"`
	BlockedReasons []string       `json:"blocked_reasons,omitempty"`
	MTFOK          bool           `json:"mtf_ok"`
	// Triggered means the last close already confirms the entry level.
	Triggered bool `json:"triggered"`
	VolumeOK  bool `json:"volume_ok"`
}

type SidewayLevels struct {
	RangeLow  float64 `json:"range_low"`
	RangeHigh float64 `json:"range_high"`
	ATR       float64 `json:"atr"`
	Lookback  int     `json:"lookback"`
}

type AnalysisResult struct {
	Symbol         string               `json:"symbol"`
	Timeframe      string               `json:"timeframe"`
	Price          float64              `json:"price"`
	CloseYesterday float64              `json:"close_yesterday,omitempty"`
	MacroTrend     regime.Trend         `json:"macro_trend"`
	RSI14          float64              `json:"rsi14"`
	VolumeSpike    bool                 `json:"volume_spike"`
	Mode           regime.MarketMode    `json:"mode"`
	SizeMult       float64              `json:"size_mult"`
	Regime         regime.MarketRegime  `json:"regime"`
	MacroBias      regime.MacroBias     `json:"macro_bias"`
	MTF            MTFSummary           `json:"mtf"`
	Candidates     []Candidate          `json:"candidates"`
	Sideway        *SidewayLevels       `json:"sideway,omitempty"`
	Message        string               `json:"message,omitempty"`
}

// Ready returns the executable candidates: status READY with a valid,
// close-confirmed plan.
func (r *AnalysisResult) Ready() []Candidate {
	var out []Candidate
	for _, c := range r.Candidates {
		if c.Status == StatusReady && c.Plan.Valid && c.Triggered {
			out = append(out, c)
		}
	}
	return out
}

type Config struct {
	Timeframe string
	Bars      int
	// MinConfidence feeds the context gate; SniperConfidence is the
	// stricter floor for the executable path.
	MinConfidence    float64
	SniperConfidence float64
	// SidewayMinRR overrides the plan minimum inside the range engine,
	// where targets are structural rather than projected.
	SidewayMinRR    float64
	SidewayLookback int
	VolumePeriod    int
	VolumeSpikeMult float64
	Pivot           pivot.Config
	Zones           zones.Config
	Risk            risk.Config
}

func DefaultConfig() Config {
	return Config{
		Timeframe:        "1d",
		Bars:             1000,
		MinConfidence:    55,
		SniperConfidence: 70,
		SidewayMinRR:     2.0,
		SidewayLookback:  60,
		VolumePeriod:     20,
		VolumeSpikeMult:  1.5,
		Pivot:            pivot.DefaultConfig(),
		Zones:            zones.DefaultConfig(),
		Risk:             risk.DefaultConfig(),
	}
}

// minBars is the history needed for a meaningful EMA200 read.
const minBars = 250

type Engine struct {
	ex             exchange.Exchange
	detector       *pivot.Detector
	builder        *wave.Builder
	gate           wave.Gate
	planner        *risk.Planner
	sidewayPlanner *risk.Planner
	mtf            MTFProvider
	cfg            Config
	log            zerolog.Logger
}

func New(ex exchange.Exchange, primary wave.PrimaryBiasProvider, mtf MTFProvider, cfg Config, log zerolog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Timeframe == "" {
		cfg.Timeframe = def.Timeframe
	}
	if cfg.Bars <= 0 {
		cfg.Bars = def.Bars
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.SniperConfidence <= 0 {
		cfg.SniperConfidence = def.SniperConfidence
	}
	if cfg.SidewayMinRR <= 0 {
		cfg.SidewayMinRR = def.SidewayMinRR
	}
	if cfg.SidewayLookback <= 0 {
		cfg.SidewayLookback = def.SidewayLookback
	}
	if cfg.VolumePeriod <= 0 {
		cfg.VolumePeriod = def.VolumePeriod
	}
	if cfg.VolumeSpikeMult <= 0 {
		cfg.VolumeSpikeMult = def.VolumeSpikeMult
	}
	if mtf == nil {
		mtf = PermissiveMTF{}
	}

	sidewayRisk := cfg.Risk
	sidewayRisk.MinRR = cfg.SidewayMinRR

	return &Engine{
		ex:             ex,
		detector:       pivot.NewDetector(cfg.Pivot),
		builder:        wave.NewBuilder(primary, log),
		gate:           wave.NewGate(cfg.MinConfidence),
		planner:        risk.NewPlanner(cfg.Risk, log),
		sidewayPlanner: risk.NewPlanner(sidewayRisk, log),
		mtf:            mtf,
		cfg:            cfg,
		log:            log.With().Str("component", "engine").Logger(),
	}
}

// Analyze runs the full pipeline for one symbol. A nil result with nil
// error means not enough closed history for the EMA200 context read.
func (e *Engine) Analyze(ctx context.Context, symbol string) (*AnalysisResult, error) {
	candles, err := e.ex.FetchCandles(ctx, symbol, e.cfg.Timeframe, e.cfg.Bars)
	if err != nil {
		return nil, fmt.Errorf("candle fetch for %s failed: %w", symbol, err)
	}
	candles = candle.DropUnclosed(candles)
	if len(candles) < minBars {
		e.log.Debug().Str("symbol", symbol).Int("bars", len(candles)).Msg("not enough history")
		return nil, nil
	}

	closes := candle.Closes(candles)
	highs := candle.Highs(candles)
	lows := candle.Lows(candles)
	volumes := candle.Volumes(candles)

	ema50 := indicator.CalculateEMA(closes, 50)
	ema200 := indicator.CalculateEMA(closes, 200)
	atr := indicator.CalculateATR(highs, lows, closes, 14)
	rsi := indicator.CalculateRSI(closes, 14)

	n := len(candles)
	price := closes[n-1]
	rsi14 := indicator.Last(rsi, 50)
	atr14 := indicator.Last(atr, 0)
	volSpike := indicator.VolumeSpike(volumes, e.cfg.VolumePeriod, e.cfg.VolumeSpikeMult)

	macroTrend := regime.TrendFilterEMA(candles, ema50, ema200)
	mode := regime.DetectMode(candles, ema50, ema200, atr)
	sizeMult := 1.0
	if mode == regime.ModeSideway {
		sizeMult = 0.5
	}

	mr := regime.Detect(candles, ema50, ema200, atr, rsi)
	mb := regime.ComputeMacroBias(mr, rsi14)

	mtf, err := e.mtf.Summary(ctx, symbol)
	if err != nil {
		e.log.Warn().Err(err).Str("symbol", symbol).Msg("mtf summary failed, using permissive default")
		mtf, _ = PermissiveMTF{}.Summary(ctx, symbol)
		mtf.Notes = "mtf unavailable"
	}

	res := &AnalysisResult{
		Symbol:         symbol,
		Timeframe:      e.cfg.Timeframe,
		Price:          price,
		CloseYesterday: closes[n-2],
		MacroTrend:     macroTrend,
		RSI14:          rsi14,
		VolumeSpike:    volSpike,
		Mode:           mode,
		SizeMult:       sizeMult,
		Regime:         mr,
		MacroBias:      mb,
		MTF:            mtf,
	}

	if mode == regime.ModeSideway {
		e.runSideway(res, candles, rsi14, atr14)
		return res, nil
	}

	pivots := e.detector.Detect(candles)
	if len(pivots) < 4 {
		res.Message = "structure unclear"
		return res, nil
	}

	scenarios := e.builder.Build(pivots, wave.ScoreInputs{
		MacroTrend:  macroTrend,
		RSI14:       rsi14,
		VolumeSpike: volSpike,
	})

	srZones := zones.BuildFromPivots(pivots, price, e.cfg.Zones)
	support, resist := zones.Nearest(srZones, price)

	for _, sc := range scenarios {
		res.Candidates = append(res.Candidates, e.evaluate(sc, mb, mtf, macroTrend, rsi14, price, volSpike, support, resist))
	}
	if len(res.Candidates) > 0 && len(res.Ready()) == 0 {
		res.Message = fmt.Sprintf("all candidates blocked (trend=%s rsi=%.1f)", macroTrend, rsi14)
	}
	return res, nil
}

// evaluate runs one scenario through the gate and filter chain. Filters
// never drop a candidate; they append a blocked reason.
func (e *Engine) evaluate(sc wave.Scenario, mb regime.MacroBias, mtf MTFSummary, macroTrend regime.Trend, rsi14, price float64, volSpike bool, support, resist *zones.Zone) Candidate {
	var blocked []string

	gated, ok := e.gate.Apply(sc, mb)
	if !ok {
		blocked = append(blocked, gated.GateReason)
	}

	dir := gated.Direction
	if dir == wave.Long && !mtf.WeeklyPermitLong || dir == wave.Short && !mtf.WeeklyPermitShort {
		blocked = append(blocked, fmt.Sprintf("weekly trend forbids %s", dir))
	}
	mtfOK := dir == wave.Long && mtf.H4ConfirmLong || dir == wave.Short && mtf.H4ConfirmShort
	if !mtfOK {
		blocked = append(blocked, "4h structure unconfirmed")
	}
	if !allowDirection(macroTrend, dir) {
		blocked = append(blocked, fmt.Sprintf("macro trend %s forbids %s", macroTrend, dir))
	}
	if dir == wave.Long && rsi14 < 50 {
		blocked = append(blocked, fmt.Sprintf("rsi %.1f below 50", rsi14))
	}
	if dir == wave.Short && rsi14 > 50 {
		blocked = append(blocked, fmt.Sprintf("rsi %.1f above 50", rsi14))
	}
	if gated.Confidence < e.cfg.SniperConfidence {
		blocked = append(blocked, fmt.Sprintf("confidence %.1f below %.1f", gated.Confidence, e.cfg.SniperConfidence))
	}

	plan := e.planner.Plan(gated, price, support, resist)
	if !plan.Valid {
		blocked = append(blocked, plan.Reason)
	}

	c := Candidate{
		Scenario:       gated,
		Plan:           plan,
		MTFOK:          mtfOK,
		Triggered:      closeConfirmed(dir, price, plan),
		VolumeOK:       volSpike,
		Status:         StatusReady,
		BlockedReasons: blocked,
	}
	if len(blocked) > 0 {
		c.Status = StatusBlocked
	}
	return c
}

// runSideway is the mean-reversion path: trade back toward the middle of
// a recent range when price sits at an edge with stretched RSI.
func (e *Engine) runSideway(res *AnalysisResult, candles []candle.Candle, rsi14, atr14 float64) {
	lv := rangeLevels(candles, e.cfg.SidewayLookback, atr14)
	res.Sideway = &lv

	if lv.RangeLow <= 0 || lv.RangeHigh <= lv.RangeLow {
		res.Message = "sideway: range not established"
		return
	}

	price := res.Price
	buffer := lv.ATR * 0.5
	if buffer <= 0 {
		buffer = price * 0.005
	}

	nearSupport := price <= lv.RangeLow+buffer
	nearResist := price >= lv.RangeHigh-buffer

	emit := func(dir wave.Direction, reasons []string) {
		sc := wave.Scenario{
			Type:       wave.SidewayRange,
			Phase:      "MEAN_REVERT",
			Direction:  dir,
			Confidence: 65,
			Reasons:    reasons,
			RangeLow:   lv.RangeLow,
			RangeHigh:  lv.RangeHigh,
			ATR:        lv.ATR,
		}
		plan := e.sidewayPlanner.Plan(sc, price, nil, nil)
		c := Candidate{
			Scenario:  sc,
			Plan:      plan,
			MTFOK:     true,
			Triggered: true,
			VolumeOK:  res.VolumeSpike,
			Status:    StatusReady,
		}
		if !plan.Valid {
			c.Status = StatusBlocked
			c.BlockedReasons = []string{plan.Reason}
		}
		res.Candidates = append(res.Candidates, c)
	}

	if nearSupport && rsi14 <= 45 {
		emit(wave.Long, []string{
			fmt.Sprintf("near range low (%.6g)", lv.RangeLow),
			fmt.Sprintf("rsi14 low (%.1f)", rsi14),
		})
	}
	if nearResist && rsi14 >= 55 {
		emit(wave.Short, []string{
			fmt.Sprintf("near range high (%.6g)", lv.RangeHigh),
			fmt.Sprintf("rsi14 high (%.1f)", rsi14),
		})
	}

	if len(res.Candidates) == 0 {
		res.Message = fmt.Sprintf("sideway: no edge setup (%.6g - %.6g)", lv.RangeLow, lv.RangeHigh)
	}
}

func rangeLevels(candles []candle.Candle, lookback int, atr14 float64) SidewayLevels {
	if lookback < 20 {
		lookback = 20
	}
	if len(candles) < lookback {
		return SidewayLevels{Lookback: lookback}
	}

	sub := candles[len(candles)-lookback:]
	low := math.Inf(1)
	high := math.Inf(-1)
	for _, c := range sub {
		low = math.Min(low, c.Low)
		high = math.Max(high, c.High)
	}
	return SidewayLevels{RangeLow: low, RangeHigh: high, ATR: atr14, Lookback: lookback}
}

func allowDirection(trend regime.Trend, dir wave.Direction) bool {
	switch trend {
	case regime.Bull:
		return dir == wave.Long
	case regime.Bear:
		return dir == wave.Short
	}
	return true
}

// closeConfirmed reports whether the last close already sits beyond the
// plan's entry in the trade direction.
func closeConfirmed(dir wave.Direction, lastClose float64, plan risk.TradePlan) bool {
	if plan.Entry <= 0 {
		return false
	}
	if dir == wave.Long {
		return lastClose > plan.Entry
	}
	return lastClose < plan.Entry
}
