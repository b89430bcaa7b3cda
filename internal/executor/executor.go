// Package executor turns validated trade plans into live orders.
package executor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/tchaikit/wave-trader/internal/exchange"
	"github.com/tchaikit/wave-trader/internal/notifier"
	"github.com/tchaikit/wave-trader/internal/position"
	"github.com/tchaikit/wave-trader/internal/risk"
	"github.com/tchaikit/wave-trader/internal/wave"
)

type Config struct {
	// RiskPct is the fraction of balance risked per trade.
	RiskPct float64
	// MinRRAfterFill re-validates reward/risk against the actual fill.
	MinRRAfterFill float64
	Leverage       int
	MarginType     exchange.MarginType
	// DefaultNotional, when positive, sizes by fixed notional instead of
	// risk. NotionalOverrides adjusts it per symbol.
	DefaultNotional   float64
	NotionalOverrides map[string]float64
}

func DefaultConfig() Config {
	return Config{
		RiskPct:        0.05,
		MinRRAfterFill: 1.6,
		Leverage:       10,
		MarginType:     exchange.MarginIsolated,
	}
}

// Coordinator owns the open-order lifecycle: size, fill, re-validate,
// attach stop and targets, and lock the position. Anything that fails
// after the fill unwinds the exposure instead of leaving it naked.
type Coordinator struct {
	ex    exchange.Exchange
	store position.Store
	ntf   notifier.Notifier
	cfg   Config
	log   zerolog.Logger
}

func New(ex exchange.Exchange, store position.Store, ntf notifier.Notifier, cfg Config, log zerolog.Logger) *Coordinator {
	if cfg.MinRRAfterFill <= 0 {
		cfg.MinRRAfterFill = DefaultConfig().MinRRAfterFill
	}
	if ntf == nil {
		ntf = notifier.Noop{}
	}
	return &Coordinator{
		ex:    ex,
		store: store,
		ntf:   ntf,
		cfg:   cfg,
		log:   log.With().Str("component", "executor").Logger(),
	}
}

func openSideFor(dir wave.Direction) exchange.Side {
	if dir == wave.Long {
		return exchange.Buy
	}
	return exchange.Sell
}

// sizeQuantity derives the order size. A configured notional takes
// precedence; otherwise size is the risk budget over the stop distance.
func (c *Coordinator) sizeQuantity(balance float64, symbol string, plan risk.TradePlan) float64 {
	if notional, ok := c.cfg.NotionalOverrides[symbol]; ok && notional > 0 {
		return notional / plan.Entry
	}
	if c.cfg.DefaultNotional > 0 {
		return c.cfg.DefaultNotional / plan.Entry
	}

	slDistance := math.Abs(plan.Entry - plan.StopLoss)
	if slDistance <= 0 {
		return 0
	}
	return balance * c.cfg.RiskPct / slDistance
}

// Execute runs the full entry sequence for a validated plan. It returns
// true only when the position is filled, protected, and locked.
func (c *Coordinator) Execute(ctx context.Context, symbol, timeframe string, dir wave.Direction, plan risk.TradePlan) (bool, error) {
	log := c.log.With().Str("symbol", symbol).Str("timeframe", timeframe).Str("direction", string(dir)).Logger()

	if !plan.Valid {
		return false, fmt.Errorf("refusing invalid plan for %s: %s", symbol, plan.Reason)
	}

	// defense in depth: the store lock is the real gate, but skip the
	// whole sequence when a position is already known
	active, err := c.store.GetActive(ctx, symbol, timeframe)
	if err != nil {
		return false, fmt.Errorf("active-position check failed for %s: %w", symbol, err)
	}
	if active != nil {
		log.Info().Msg("position already active, skipping")
		return false, nil
	}

	balance, err := c.ex.Balance(ctx)
	if err != nil {
		return false, fmt.Errorf("balance fetch failed: %w", err)
	}

	rawQty := c.sizeQuantity(balance, symbol, plan)
	qty, err := c.ex.AdjustQuantity(ctx, symbol, rawQty)
	if err != nil {
		return false, fmt.Errorf("quantity adjust failed for %s: %w", symbol, err)
	}
	if qty <= 0 {
		log.Warn().Float64("raw_qty", rawQty).Msg("quantity rounds to zero, rejecting")
		return false, nil
	}

	if err := c.ex.SetMarginType(ctx, symbol, c.cfg.MarginType); err != nil {
		return false, fmt.Errorf("margin setup failed for %s: %w", symbol, err)
	}
	if c.cfg.Leverage > 0 {
		if err := c.ex.SetLeverage(ctx, symbol, c.cfg.Leverage); err != nil {
			return false, fmt.Errorf("leverage setup failed for %s: %w", symbol, err)
		}
	}

	openSide := openSideFor(dir)
	order, err := c.ex.MarketOrder(ctx, symbol, openSide, qty)
	if err != nil {
		return false, fmt.Errorf("entry order failed for %s: %w", symbol, err)
	}
	if order.OrderID == 0 {
		return false, fmt.Errorf("entry order for %s not acknowledged", symbol)
	}

	filledQty := order.ExecutedQty
	if filledQty <= 0 {
		filledQty = qty
	}

	// actual fill price: avgPrice, then fill-weighted mean, then the
	// estimate as last resort
	actualEntry := order.AvgFillPrice()
	if actualEntry <= 0 {
		actualEntry = plan.Entry
	}
	slip := 0.0
	if plan.Entry > 0 {
		slip = math.Abs(actualEntry-plan.Entry) / plan.Entry * 100
	}
	log.Info().Float64("fill", actualEntry).Float64("estimate", plan.Entry).Float64("slip_pct", slip).Msg("entry filled")

	// re-project targets from the actual fill, holding the stop's
	// technical level fixed and reusing the plan's tp2 reward ratio
	estRisk := math.Abs(plan.Entry - plan.StopLoss)
	tpRR := 1.618
	if estRisk > 0 {
		tpRR = math.Abs(plan.TP2-plan.Entry) / estRisk
	}

	actualRisk := math.Abs(actualEntry - plan.StopLoss)
	if actualRisk <= 0 {
		return false, c.unwind(ctx, log, symbol, openSide, filledQty, "fill landed on the stop")
	}

	final := risk.TradePlan{Direction: dir, Entry: actualEntry, StopLoss: plan.StopLoss, Valid: true}
	if dir == wave.Long {
		final.TP1 = actualEntry + actualRisk*1.0
		final.TP2 = actualEntry + actualRisk*tpRR
		final.TP3 = actualEntry + actualRisk*2.0
	} else {
		final.TP1 = actualEntry - actualRisk*1.0
		final.TP2 = actualEntry - actualRisk*tpRR
		final.TP3 = actualEntry - actualRisk*2.0
	}

	if tpRR < c.cfg.MinRRAfterFill {
		reason := fmt.Sprintf("post-fill RR %.2f below %.2f (slip %.3f%%)", tpRR, c.cfg.MinRRAfterFill, slip)
		return false, c.unwind(ctx, log, symbol, openSide, filledQty, reason)
	}

	if _, err := c.ex.StopMarket(ctx, symbol, openSide, final.StopLoss); err != nil {
		return false, c.unwind(ctx, log, symbol, openSide, filledQty, fmt.Sprintf("stop placement failed: %v", err))
	}
	if _, err := c.ex.TakeProfitMarket(ctx, symbol, openSide, final.TP3); err != nil {
		return false, c.unwind(ctx, log, symbol, openSide, filledQty, fmt.Sprintf("take-profit placement failed: %v", err))
	}

	pos := position.FromPlan(symbol, timeframe, dir, final, filledQty, time.Now().UTC())
	locked, err := c.store.LockNew(ctx, pos)
	if err != nil {
		return false, c.unwind(ctx, log, symbol, openSide, filledQty, fmt.Sprintf("position lock failed: %v", err))
	}
	if !locked {
		return false, c.unwind(ctx, log, symbol, openSide, filledQty, "position lock lost to a concurrent entry")
	}

	log.Info().Float64("qty", filledQty).Float64("sl", final.StopLoss).Float64("tp3", final.TP3).Msg("position opened and protected")
	return true, nil
}

// unwind closes the freshly filled exposure with a reduce-only market
// order. An unwind failure is the one condition escalated for human
// intervention instead of retried.
func (c *Coordinator) unwind(ctx context.Context, log zerolog.Logger, symbol string, openSide exchange.Side, qty float64, reason string) error {
	log.Warn().Str("reason", reason).Msg("unwinding position")

	if _, err := c.ex.CloseReduceOnly(ctx, symbol, openSide.Opposite(), qty); err != nil {
		msg := fmt.Sprintf("UNWIND FAILED for %s qty %.6f: %v (original reason: %s) - close manually now", symbol, qty, err, reason)
		log.Error().Err(err).Msg("emergency close failed, manual intervention required")
		if sendErr := c.ntf.Send(msg); sendErr != nil {
			log.Error().Err(sendErr).Msg("failed to send unwind alert")
		}
		return fmt.Errorf("unwind failed for %s: %v (after: %s)", symbol, err, reason)
	}

	log.Info().Msg("position unwound")
	return fmt.Errorf("entry aborted for %s: %s", symbol, reason)
}
