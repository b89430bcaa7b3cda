package position

import (
	"context"
	"time"

	"github.com/tchaikit/wave-trader/internal/risk"
	"github.com/tchaikit/wave-trader/internal/wave"
)

// Store persists positions. One Active position per key at most;
// LockNew is the sole gate against double entry and must hold under
// concurrent callers.
type Store interface {
	// GetActive returns the Active position for the key, or nil.
	GetActive(ctx context.Context, symbol, timeframe string) (*Position, error)

	// ActivePositions returns every Active position.
	ActivePositions(ctx context.Context) ([]Position, error)

	// LockNew atomically persists a new Active position unless one
	// already exists for the key. Returns false, without side effects,
	// when the key is taken.
	LockNew(ctx context.Context, p Position) (bool, error)

	// UpdateFromPrice advances the stored position's flags for a price
	// and returns the updated position plus newly crossed events.
	UpdateFromPrice(ctx context.Context, symbol, timeframe string, price float64) (*Position, []Event, error)

	// RecordExit durably marks a crossed level only after its exchange
	// exit succeeded, recording the open quantity left. TP3 and SL
	// exits perform the single Active to Closed transition. A failed
	// exit is never recorded, so the caller retries it on its next
	// pass. No-op when no Active position exists for the key.
	RecordExit(ctx context.Context, symbol, timeframe string, ev Event, remaining float64) error

	// CloseExternal closes the Active position for the key with the
	// given reason, when no level crossing was observed locally.
	CloseExternal(ctx context.Context, symbol, timeframe string, reason CloseReason) error
}

// FromPlan builds an Active position from a validated trade plan.
func FromPlan(symbol, timeframe string, dir wave.Direction, plan risk.TradePlan, qty float64, now time.Time) Position {
	return Position{
		Symbol:       symbol,
		Timeframe:    timeframe,
		Direction:    dir,
		Entry:        plan.Entry,
		StopLoss:     plan.StopLoss,
		TP1:          plan.TP1,
		TP2:          plan.TP2,
		TP3:          plan.TP3,
		Quantity:     qty,
		RemainingQty: qty,
		Status:       StatusActive,
		OpenedAt:     now,
	}
}
