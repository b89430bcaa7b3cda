// Package risk converts accepted scenarios into executable trade plans.
package risk

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/tchaikit/wave-trader/internal/wave"
	"github.com/tchaikit/wave-trader/internal/zones"
)

// TradePlan is the concrete entry/stop/targets output of the planner.
// Reason is always populated, for audit on both valid and rejected plans.
type TradePlan struct {
	Direction wave.Direction `json:"direction"`
	Entry     float64        `json:"entry"`
	StopLoss  float64        `json:"sl"`
	TP1       float64        `json:"tp1"`
	TP2       float64        `json:"tp2"`
	TP3       float64        `json:"tp3"`
	Valid     bool           `json:"valid"`
	Reason    string         `json:"reason"`
}

type Config struct {
	// MinRR is checked against tp2, the authoritative target.
	MinRR float64
	// Stop distance as percent of entry must fall inside this band.
	StopMinPct float64
	StopMaxPct float64
	// MaxRewardMult caps the tp3 reward at this multiple of risk.
	// Zero disables the cap.
	MaxRewardMult float64
}

func DefaultConfig() Config {
	return Config{MinRR: 1.5, StopMinPct: 0.2, StopMaxPct: 10.0, MaxRewardMult: 0}
}

type Planner struct {
	cfg Config
	log zerolog.Logger
}

func NewPlanner(cfg Config, log zerolog.Logger) *Planner {
	if cfg.MinRR <= 0 {
		cfg.MinRR = DefaultConfig().MinRR
	}
	return &Planner{cfg: cfg, log: log.With().Str("component", "risk").Logger()}
}

func rejected(dir wave.Direction, reason string) TradePlan {
	return TradePlan{Direction: dir, Reason: reason}
}

// Plan builds a trade plan for the scenario's pattern family and runs it
// through the safety invariants. Nearby support/resistance levels, when
// provided, tighten ABC stops.
func (p *Planner) Plan(sc wave.Scenario, currentPrice float64, support, resist *zones.Zone) TradePlan {
	if sc.IsFallback {
		return rejected(sc.Direction, "fallback scenario is watch-only")
	}
	if currentPrice <= 0 {
		return rejected(sc.Direction, "invalid current price")
	}

	var plan TradePlan
	switch sc.Type.Family() {
	case wave.FamilyRange:
		plan = p.rangePlan(sc, currentPrice)
	case wave.FamilyABC:
		plan = p.abcPlan(sc, currentPrice, support, resist)
	default:
		plan = p.impulsePlan(sc)
	}
	if plan.Reason != "" {
		return plan
	}
	return p.finalize(plan)
}

// rangePlan trades mean reversion inside an established range: entry at
// market, stop a half-ATR beyond the edge, targets at internal
// retracements plus one near the opposite edge.
func (p *Planner) rangePlan(sc wave.Scenario, currentPrice float64) TradePlan {
	low, high, atr := sc.RangeLow, sc.RangeHigh, sc.ATR
	if low <= 0 || high <= low {
		return rejected(sc.Direction, "range bounds unresolved")
	}
	if atr <= 0 {
		atr = currentPrice * 0.01
	}
	span := high - low

	plan := TradePlan{Direction: sc.Direction, Entry: currentPrice}
	switch sc.Direction {
	case wave.Long:
		plan.StopLoss = low - atr*0.5
		plan.TP1 = low + span*0.382
		plan.TP2 = low + span*0.618
		plan.TP3 = high - atr*0.3
	case wave.Short:
		plan.StopLoss = high + atr*0.5
		plan.TP1 = high - span*0.382
		plan.TP2 = high - span*0.618
		plan.TP3 = low + atr*0.3
	default:
		return rejected(sc.Direction, "range plan requires a direction")
	}
	return plan
}

// abcPlan trades the reversal off a completed correction: entry at
// market, stop at the wave-C extreme, targets projected from entry by
// extensions of wave A. A support/resistance level between the stop and
// entry tightens the stop to that level.
func (p *Planner) abcPlan(sc wave.Scenario, currentPrice float64, support, resist *zones.Zone) TradePlan {
	w := sc.Window
	if len(w) < 4 {
		return rejected(sc.Direction, "ABC window incomplete")
	}
	aLen := math.Abs(w[1].Price - w[0].Price)
	if aLen <= 0 {
		return rejected(sc.Direction, "degenerate wave A")
	}

	plan := TradePlan{Direction: sc.Direction, Entry: currentPrice, StopLoss: w[3].Price}
	switch sc.Direction {
	case wave.Long:
		plan.TP1 = plan.Entry + aLen*1.0
		plan.TP2 = plan.Entry + aLen*1.618
		plan.TP3 = plan.Entry + aLen*2.0
		if support != nil && support.Level > plan.StopLoss && support.Level < plan.Entry {
			plan.StopLoss = support.Level
		}
	case wave.Short:
		plan.TP1 = plan.Entry - aLen*1.0
		plan.TP2 = plan.Entry - aLen*1.618
		plan.TP3 = plan.Entry - aLen*2.0
		if resist != nil && resist.Level < plan.StopLoss && resist.Level > plan.Entry {
			plan.StopLoss = resist.Level
		}
	default:
		return rejected(sc.Direction, "ABC plan requires a direction")
	}
	return plan
}

// impulsePlan trades the breakout of the latest pivot: entry at the
// breakout level, stop at the prior pivot, targets by extensions of the
// measured first wave.
func (p *Planner) impulsePlan(sc wave.Scenario) TradePlan {
	w := sc.Window
	if len(w) < 2 {
		return rejected(sc.Direction, "impulse window incomplete")
	}

	entry := w[len(w)-1].Price
	sl := w[len(w)-2].Price

	baseLen := math.Abs(sc.Wave1End - sc.Wave1Start)
	if baseLen <= 0 {
		baseLen = math.Abs(w[1].Price - w[0].Price)
	}
	if baseLen <= 0 {
		return rejected(sc.Direction, "degenerate measured wave")
	}

	plan := TradePlan{Direction: sc.Direction, Entry: entry, StopLoss: sl}
	switch sc.Direction {
	case wave.Long:
		plan.TP1 = entry + baseLen*1.0
		plan.TP2 = entry + baseLen*1.618
		plan.TP3 = entry + baseLen*2.0
	case wave.Short:
		plan.TP1 = entry - baseLen*1.0
		plan.TP2 = entry - baseLen*1.618
		plan.TP3 = entry - baseLen*2.0
	default:
		return rejected(sc.Direction, "impulse plan requires a direction")
	}
	return plan
}

// finalize applies the uniform safety checks, in order: stop side and
// distance band, strict target ordering, optional tp3 reward cap, and
// the authoritative reward/risk gate against tp2.
func (p *Planner) finalize(plan TradePlan) TradePlan {
	if plan.Entry <= 0 {
		plan.Reason = "non-positive entry"
		return plan
	}

	switch plan.Direction {
	case wave.Long:
		if plan.StopLoss >= plan.Entry {
			plan.Reason = "stop on wrong side of entry"
			return plan
		}
	case wave.Short:
		if plan.StopLoss <= plan.Entry {
			plan.Reason = "stop on wrong side of entry"
			return plan
		}
	}

	risk := math.Abs(plan.Entry - plan.StopLoss)
	stopPct := risk / plan.Entry * 100
	if p.cfg.StopMinPct > 0 && stopPct < p.cfg.StopMinPct {
		plan.Reason = fmt.Sprintf("stop too tight (%.2f%% < %.2f%%)", stopPct, p.cfg.StopMinPct)
		return plan
	}
	if p.cfg.StopMaxPct > 0 && stopPct > p.cfg.StopMaxPct {
		plan.Reason = fmt.Sprintf("stop too wide (%.2f%% > %.2f%%)", stopPct, p.cfg.StopMaxPct)
		return plan
	}

	ordered := plan.TP1 > 0 && plan.TP2 > 0 && plan.TP3 > 0
	if ordered {
		if plan.Direction == wave.Long {
			ordered = plan.Entry < plan.TP1 && plan.TP1 < plan.TP2 && plan.TP2 < plan.TP3
		} else {
			ordered = plan.Entry > plan.TP1 && plan.TP1 > plan.TP2 && plan.TP2 > plan.TP3
		}
	}
	if !ordered {
		plan.Reason = "targets not strictly ordered away from entry"
		return plan
	}

	if p.cfg.MaxRewardMult > 0 {
		maxReward := risk * p.cfg.MaxRewardMult
		if math.Abs(plan.TP3-plan.Entry) > maxReward {
			if plan.Direction == wave.Long {
				plan.TP3 = plan.Entry + maxReward
			} else {
				plan.TP3 = plan.Entry - maxReward
			}
		}
		// the cap must not push tp3 back inside tp2
		if (plan.Direction == wave.Long && plan.TP3 <= plan.TP2) ||
			(plan.Direction == wave.Short && plan.TP3 >= plan.TP2) {
			plan.Reason = "reward cap conflicts with target ordering"
			return plan
		}
	}

	rr := math.Abs(plan.TP2-plan.Entry) / risk
	if rr < p.cfg.MinRR {
		plan.Reason = fmt.Sprintf("RR %.2f below minimum %.2f", rr, p.cfg.MinRR)
		return plan
	}

	plan.Valid = true
	plan.Reason = fmt.Sprintf("RR=%.2f >= %.2f", rr, p.cfg.MinRR)
	return plan
}

// RewardRisk reports reward/risk of a target against the plan's stop.
func RewardRisk(entry, sl, tp float64) float64 {
	risk := math.Abs(entry - sl)
	if risk == 0 {
		return 0
	}
	return math.Abs(tp-entry) / risk
}
