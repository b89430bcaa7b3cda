// Package exchange talks to the futures venue.
package exchange

import (
	"context"

	"github.com/tchaikit/wave-trader/internal/candle"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// PositionSide is the hedge-mode side label.
func (s Side) PositionSide() string {
	if s == Buy {
		return "LONG"
	}
	return "SHORT"
}

type MarginType string

const (
	MarginIsolated MarginType = "ISOLATED"
	MarginCrossed  MarginType = "CROSSED"
)

// Fill is one partial execution of an order.
type Fill struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// OrderResult is the venue's acknowledgement of an order.
type OrderResult struct {
	OrderID     int64   `json:"orderId"`
	Status      string  `json:"status"`
	AvgPrice    float64 `json:"avgPrice"`
	ExecutedQty float64 `json:"executedQty"`
	Fills       []Fill  `json:"fills,omitempty"`
}

// AvgFillPrice resolves the real fill price: the reported average when
// present, else the fill-weighted mean, else zero.
func (r OrderResult) AvgFillPrice() float64 {
	if r.AvgPrice > 0 {
		return r.AvgPrice
	}
	var notional, qty float64
	for _, f := range r.Fills {
		notional += f.Price * f.Qty
		qty += f.Qty
	}
	if qty > 0 {
		return notional / qty
	}
	return 0
}

// LivePosition is an open position as reported by the venue.
type LivePosition struct {
	Symbol        string  `json:"symbol"`
	PositionAmt   float64 `json:"positionAmt"`
	EntryPrice    float64 `json:"entryPrice"`
	MarkPrice     float64 `json:"markPrice"`
	PositionSide  string  `json:"positionSide"`
	UnrealizedPnL float64 `json:"unRealizedProfit"`
}

type Exchange interface {
	Name() string

	// FetchCandles returns up to limit closed-or-forming candles, oldest
	// first.
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]candle.Candle, error)

	// Balance returns the available USDT balance.
	Balance(ctx context.Context) (float64, error)

	MarkPrice(ctx context.Context, symbol string) (float64, error)

	// MarketOrder opens a position at market.
	MarketOrder(ctx context.Context, symbol string, side Side, quantity float64) (OrderResult, error)

	// StopMarket attaches a close-position stop for a position opened
	// with openSide.
	StopMarket(ctx context.Context, symbol string, openSide Side, triggerPrice float64) (OrderResult, error)

	// TakeProfitMarket attaches a close-position take-profit for a
	// position opened with openSide.
	TakeProfitMarket(ctx context.Context, symbol string, openSide Side, triggerPrice float64) (OrderResult, error)

	// CloseReduceOnly closes quantity at market without ever increasing
	// exposure. closeSide is the closing side, not the opening one.
	CloseReduceOnly(ctx context.Context, symbol string, closeSide Side, quantity float64) (OrderResult, error)

	// OpenPositions returns positions with nonzero size.
	OpenPositions(ctx context.Context) ([]LivePosition, error)

	CancelOrder(ctx context.Context, symbol string, orderID int64) error

	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol string, marginType MarginType) error

	// AdjustQuantity rounds quantity down to the symbol's lot step,
	// returning zero when the result falls under the minimum.
	AdjustQuantity(ctx context.Context, symbol string, quantity float64) (float64, error)

	// AdjustPrice rounds price down to the symbol's tick size.
	AdjustPrice(ctx context.Context, symbol string, price float64) (float64, error)
}
