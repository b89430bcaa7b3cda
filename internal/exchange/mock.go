package exchange

import (
	"context"

	"github.com/tchaikit/wave-trader/internal/candle"
)

// MockExchange is a scriptable Exchange for tests and dry runs. Unset
// hooks fall back to benign defaults.
type MockExchange struct {
	FetchCandlesFn     func(ctx context.Context, symbol, timeframe string, limit int) ([]candle.Candle, error)
	BalanceFn          func(ctx context.Context) (float64, error)
	MarkPriceFn        func(ctx context.Context, symbol string) (float64, error)
	MarketOrderFn      func(ctx context.Context, symbol string, side Side, quantity float64) (OrderResult, error)
	StopMarketFn       func(ctx context.Context, symbol string, openSide Side, triggerPrice float64) (OrderResult, error)
	TakeProfitFn       func(ctx context.Context, symbol string, openSide Side, triggerPrice float64) (OrderResult, error)
	CloseReduceOnlyFn  func(ctx context.Context, symbol string, closeSide Side, quantity float64) (OrderResult, error)
	OpenPositionsFn    func(ctx context.Context) ([]LivePosition, error)
	CancelOrderFn      func(ctx context.Context, symbol string, orderID int64) error
	SetLeverageFn      func(ctx context.Context, symbol string, leverage int) error
	SetMarginTypeFn    func(ctx context.Context, symbol string, marginType MarginType) error
	AdjustQuantityFn   func(ctx context.Context, symbol string, quantity float64) (float64, error)
	AdjustPriceFn      func(ctx context.Context, symbol string, price float64) (float64, error)
}

func (m *MockExchange) Name() string { return "mock" }

func (m *MockExchange) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]candle.Candle, error) {
	if m.FetchCandlesFn != nil {
		return m.FetchCandlesFn(ctx, symbol, timeframe, limit)
	}
	return nil, nil
}

func (m *MockExchange) Balance(ctx context.Context) (float64, error) {
	if m.BalanceFn != nil {
		return m.BalanceFn(ctx)
	}
	return 10000, nil
}

func (m *MockExchange) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	if m.MarkPriceFn != nil {
		return m.MarkPriceFn(ctx, symbol)
	}
	return 0, nil
}

func (m *MockExchange) MarketOrder(ctx context.Context, symbol string, side Side, quantity float64) (OrderResult, error) {
	if m.MarketOrderFn != nil {
		return m.MarketOrderFn(ctx, symbol, side, quantity)
	}
	return OrderResult{OrderID: 1, Status: "FILLED", ExecutedQty: quantity}, nil
}

func (m *MockExchange) StopMarket(ctx context.Context, symbol string, openSide Side, triggerPrice float64) (OrderResult, error) {
	if m.StopMarketFn != nil {
		return m.StopMarketFn(ctx, symbol, openSide, triggerPrice)
	}
	return OrderResult{OrderID: 2, Status: "NEW"}, nil
}

func (m *MockExchange) TakeProfitMarket(ctx context.Context, symbol string, openSide Side, triggerPrice float64) (OrderResult, error) {
	if m.TakeProfitFn != nil {
		return m.TakeProfitFn(ctx, symbol, openSide, triggerPrice)
	}
	return OrderResult{OrderID: 3, Status: "NEW"}, nil
}

func (m *MockExchange) CloseReduceOnly(ctx context.Context, symbol string, closeSide Side, quantity float64) (OrderResult, error) {
	if m.CloseReduceOnlyFn != nil {
		return m.CloseReduceOnlyFn(ctx, symbol, closeSide, quantity)
	}
	return OrderResult{OrderID: 4, Status: "FILLED", ExecutedQty: quantity}, nil
}

func (m *MockExchange) OpenPositions(ctx context.Context) ([]LivePosition, error) {
	if m.OpenPositionsFn != nil {
		return m.OpenPositionsFn(ctx)
	}
	return nil, nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if m.CancelOrderFn != nil {
		return m.CancelOrderFn(ctx, symbol, orderID)
	}
	return nil
}

func (m *MockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if m.SetLeverageFn != nil {
		return m.SetLeverageFn(ctx, symbol, leverage)
	}
	return nil
}

func (m *MockExchange) SetMarginType(ctx context.Context, symbol string, marginType MarginType) error {
	if m.SetMarginTypeFn != nil {
		return m.SetMarginTypeFn(ctx, symbol, marginType)
	}
	return nil
}

func (m *MockExchange) AdjustQuantity(ctx context.Context, symbol string, quantity float64) (float64, error) {
	if m.AdjustQuantityFn != nil {
		return m.AdjustQuantityFn(ctx, symbol, quantity)
	}
	return quantity, nil
}

func (m *MockExchange) AdjustPrice(ctx context.Context, symbol string, price float64) (float64, error) {
	if m.AdjustPriceFn != nil {
		return m.AdjustPriceFn(ctx, symbol, price)
	}
	return price, nil
}
