// Package watcher reconciles stored positions against the live exchange.
package watcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tchaikit/wave-trader/internal/exchange"
	"github.com/tchaikit/wave-trader/internal/notifier"
	"github.com/tchaikit/wave-trader/internal/position"
	"github.com/tchaikit/wave-trader/internal/wave"
)

type Config struct {
	PollInterval time.Duration
	// TPWeights is the fraction of original quantity closed at tp1, tp2
	// and tp3. The tp3 weight is nominal: tp3 and the stop always close
	// whatever remains.
	TPWeights [3]float64
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 30 * time.Second,
		TPWeights:    [3]float64{0.30, 0.30, 0.40},
	}
}

// Reconciler is the single long-lived loop that contends with the
// executor on the position store. Each sweep pulls live exchange
// positions, advances stored hit flags from mark price, takes the
// partial exits, and closes records that disappeared externally.
type Reconciler struct {
	ex    exchange.Exchange
	store position.Store
	ntf   notifier.Notifier
	cfg   Config
	log   zerolog.Logger
}

func New(ex exchange.Exchange, store position.Store, ntf notifier.Notifier, cfg Config, log zerolog.Logger) *Reconciler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.TPWeights == [3]float64{} {
		cfg.TPWeights = DefaultConfig().TPWeights
	}
	if ntf == nil {
		ntf = notifier.Noop{}
	}
	return &Reconciler{
		ex:    ex,
		store: store,
		ntf:   ntf,
		cfg:   cfg,
		log:   log.With().Str("component", "watcher").Logger(),
	}
}

// Run polls until the context is canceled. A failed sweep is retried on
// the next tick, never escalated.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", r.cfg.PollInterval).Msg("reconciler started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reconciler stopped")
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

// Sweep runs one reconciliation pass over every active position.
// Per-position failures are logged and skipped so one bad symbol cannot
// stall the rest.
func (r *Reconciler) Sweep(ctx context.Context) error {
	active, err := r.store.ActivePositions(ctx)
	if err != nil {
		return fmt.Errorf("active positions: %w", err)
	}
	if len(active) == 0 {
		return nil
	}

	livePositions, err := r.ex.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("live positions: %w", err)
	}
	liveBySymbol := make(map[string]exchange.LivePosition, len(livePositions))
	for _, lp := range livePositions {
		liveBySymbol[strings.ToUpper(lp.Symbol)] = lp
	}

	for i := range active {
		pos := active[i]
		log := r.log.With().Str("symbol", pos.Symbol).Str("timeframe", pos.Timeframe).Logger()

		live, found := liveBySymbol[strings.ToUpper(pos.Symbol)]
		if !found {
			if err := r.closeVanished(ctx, log, pos); err != nil {
				log.Error().Err(err).Msg("failed to close vanished position")
			}
			continue
		}

		if err := r.advance(ctx, log, pos, live.MarkPrice); err != nil {
			log.Error().Err(err).Msg("failed to advance position")
		}
	}
	return nil
}

// closeVanished reconciles a stored position the exchange no longer
// reports. The close reason is inferred from the current mark price
// against the stored levels; when that is ambiguous the close is
// recorded as external.
func (r *Reconciler) closeVanished(ctx context.Context, log zerolog.Logger, pos position.Position) error {
	reason := position.CloseExternal
	if mark, err := r.ex.MarkPrice(ctx, pos.Symbol); err == nil && mark > 0 {
		// let the store's atomic update arbitrate: a mark beyond SL or
		// TP3 closes the record with that reason
		updated, _, err := r.store.UpdateFromPrice(ctx, pos.Symbol, pos.Timeframe, mark)
		if err != nil {
			return fmt.Errorf("update from mark: %w", err)
		}
		if updated != nil && updated.Status == position.StatusClosed {
			reason = updated.ClosedReason
			log.Warn().Str("reason", string(reason)).Msg("position gone on exchange, local record closed")
			r.notify(log, fmt.Sprintf("%s %s position closed on exchange (%s)", pos.Symbol, pos.Timeframe, reason))
			return nil
		}
	}

	if err := r.store.CloseExternal(ctx, pos.Symbol, pos.Timeframe, reason); err != nil {
		return err
	}
	log.Warn().Str("reason", string(reason)).Msg("position gone on exchange, local record closed")
	r.notify(log, fmt.Sprintf("%s %s position closed on exchange (%s)", pos.Symbol, pos.Timeframe, reason))
	return nil
}

func closeSideFor(pos position.Position) exchange.Side {
	if pos.Direction == wave.Long {
		return exchange.Sell
	}
	return exchange.Buy
}

// advance detects newly crossed levels with the same monotonic-flag
// rule the store applies, then for each one takes the exit on the
// exchange first and records it only once the close went through: a
// weighted partial at tp1 and tp2, the remainder at tp3, and the full
// remainder on a stop regardless of partials already taken. A failed
// close leaves its flag unrecorded, so the next sweep re-detects the
// crossing and retries the exit.
func (r *Reconciler) advance(ctx context.Context, log zerolog.Logger, pos position.Position, mark float64) error {
	if mark <= 0 {
		return fmt.Errorf("non-positive mark price %v", mark)
	}

	cp := pos
	events := cp.ApplyPrice(mark, time.Now().UTC())
	if len(events) == 0 {
		return nil
	}

	remaining := pos.RemainingQty
	closeSide := closeSideFor(pos)

	for _, ev := range events {
		var closeQty float64
		switch ev {
		case position.EventTP1:
			closeQty = min(remaining, pos.Quantity*r.cfg.TPWeights[0])
		case position.EventTP2:
			closeQty = min(remaining, pos.Quantity*r.cfg.TPWeights[1])
		case position.EventTP3, position.EventSL:
			closeQty = remaining
		}

		if closeQty > 0 {
			qty, err := r.ex.AdjustQuantity(ctx, pos.Symbol, closeQty)
			if err != nil {
				return fmt.Errorf("adjust close quantity: %w", err)
			}
			if qty > 0 {
				if _, err := r.ex.CloseReduceOnly(ctx, pos.Symbol, closeSide, qty); err != nil {
					return fmt.Errorf("reduce-only close for %s: %w", ev, err)
				}
				remaining -= qty
				if remaining < 0 {
					remaining = 0
				}
			} else {
				// dust below the exchange step: nothing to close, still
				// record the crossing so the sweep does not wedge on it
				log.Warn().Str("event", string(ev)).Float64("qty", closeQty).Msg("close quantity rounds to zero")
			}
		}

		if err := r.store.RecordExit(ctx, pos.Symbol, pos.Timeframe, ev, remaining); err != nil {
			return fmt.Errorf("record %s exit: %w", ev, err)
		}

		log.Info().Str("event", string(ev)).Float64("remaining", remaining).Float64("mark", mark).Msg("level crossed")
		r.notify(log, fmt.Sprintf("%s %s %s at %.6g, remaining %.6g", pos.Symbol, pos.Timeframe, ev, mark, remaining))
	}
	return nil
}

func (r *Reconciler) notify(log zerolog.Logger, msg string) {
	if err := r.ntf.Send(msg); err != nil {
		log.Warn().Err(err).Msg("notification failed")
	}
}
