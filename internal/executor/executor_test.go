package executor

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tchaikit/wave-trader/internal/exchange"
	"github.com/tchaikit/wave-trader/internal/position"
	"github.com/tchaikit/wave-trader/internal/risk"
	"github.com/tchaikit/wave-trader/internal/wave"
)

type recordingNotifier struct {
	messages []string
}

func (r *recordingNotifier) Send(msg string) error          { r.messages = append(r.messages, msg); return nil }
func (r *recordingNotifier) SendWithRetry(msg string) error { return r.Send(msg) }

func validLongPlan() risk.TradePlan {
	// risk 5, tp2 ratio 1.618
	return risk.TradePlan{
		Direction: wave.Long, Entry: 100, StopLoss: 95,
		TP1: 105, TP2: 108.09, TP3: 110,
		Valid: true, Reason: "RR=1.62 >= 1.5",
	}
}

func newCoordinator(ex exchange.Exchange, store position.Store, ntf *recordingNotifier) *Coordinator {
	cfg := DefaultConfig()
	return New(ex, store, ntf, cfg, zerolog.Nop())
}

func TestExecuteHappyPath(t *testing.T) {
	ctx := context.Background()
	store := position.NewMemoryStore()
	ntf := &recordingNotifier{}

	var stopTrigger, tpTrigger float64
	ex := &exchange.MockExchange{
		BalanceFn: func(ctx context.Context) (float64, error) { return 10000, nil },
		MarketOrderFn: func(ctx context.Context, symbol string, side exchange.Side, qty float64) (exchange.OrderResult, error) {
			if side != exchange.Buy {
				t.Fatalf("side = %s, want BUY", side)
			}
			return exchange.OrderResult{OrderID: 11, Status: "FILLED", AvgPrice: 100.5, ExecutedQty: qty}, nil
		},
		StopMarketFn: func(ctx context.Context, symbol string, openSide exchange.Side, trigger float64) (exchange.OrderResult, error) {
			stopTrigger = trigger
			return exchange.OrderResult{OrderID: 12, Status: "NEW"}, nil
		},
		TakeProfitFn: func(ctx context.Context, symbol string, openSide exchange.Side, trigger float64) (exchange.OrderResult, error) {
			tpTrigger = trigger
			return exchange.OrderResult{OrderID: 13, Status: "NEW"}, nil
		},
	}

	ok, err := newCoordinator(ex, store, ntf).Execute(ctx, "BTCUSDT", "4h", wave.Long, validLongPlan())
	if err != nil || !ok {
		t.Fatalf("execute: ok=%v err=%v", ok, err)
	}

	// stop holds the technical level, tp3 re-projects from the fill
	if stopTrigger != 95 {
		t.Fatalf("stop trigger = %v, want 95", stopTrigger)
	}
	wantTP3 := 100.5 + (100.5-95)*2.0
	if math.Abs(tpTrigger-wantTP3) > 1e-9 {
		t.Fatalf("tp trigger = %v, want %v", tpTrigger, wantTP3)
	}

	pos, err := store.GetActive(ctx, "BTCUSDT", "4h")
	if err != nil || pos == nil {
		t.Fatalf("expected locked position, got %v err=%v", pos, err)
	}
	if pos.Entry != 100.5 {
		t.Fatalf("locked entry = %v, want actual fill 100.5", pos.Entry)
	}
	// sizing: 10000 * 0.05 / 5 = 100
	if pos.Quantity != 100 {
		t.Fatalf("qty = %v, want 100", pos.Quantity)
	}
}

func TestExecuteRefusesWhenActive(t *testing.T) {
	ctx := context.Background()
	store := position.NewMemoryStore()
	plan := validLongPlan()
	existing := position.FromPlan("BTCUSDT", "4h", wave.Long, plan, 1, time.Now().UTC())
	if ok, _ := store.LockNew(ctx, existing); !ok {
		t.Fatal("seed lock refused")
	}

	ordered := false
	ex := &exchange.MockExchange{
		MarketOrderFn: func(ctx context.Context, symbol string, side exchange.Side, qty float64) (exchange.OrderResult, error) {
			ordered = true
			return exchange.OrderResult{OrderID: 1}, nil
		},
	}

	ok, err := newCoordinator(ex, store, &recordingNotifier{}).Execute(ctx, "BTCUSDT", "4h", wave.Long, plan)
	if err != nil || ok {
		t.Fatalf("expected quiet refusal, got ok=%v err=%v", ok, err)
	}
	if ordered {
		t.Fatal("order placed despite active position")
	}
}

func TestExecuteRejectsInvalidPlan(t *testing.T) {
	plan := validLongPlan()
	plan.Valid = false
	ok, err := newCoordinator(&exchange.MockExchange{}, position.NewMemoryStore(), &recordingNotifier{}).
		Execute(context.Background(), "BTCUSDT", "4h", wave.Long, plan)
	if ok || err == nil {
		t.Fatalf("expected rejection, got ok=%v err=%v", ok, err)
	}
}

func TestExecuteZeroQuantity(t *testing.T) {
	ex := &exchange.MockExchange{
		AdjustQuantityFn: func(ctx context.Context, symbol string, qty float64) (float64, error) {
			return 0, nil
		},
	}
	ok, err := newCoordinator(ex, position.NewMemoryStore(), &recordingNotifier{}).
		Execute(context.Background(), "BTCUSDT", "4h", wave.Long, validLongPlan())
	if ok || err != nil {
		t.Fatalf("zero quantity should reject without error, got ok=%v err=%v", ok, err)
	}
}

func TestExecuteUnwindOnLowPostFillRR(t *testing.T) {
	ctx := context.Background()
	store := position.NewMemoryStore()

	closed := 0.0
	ex := &exchange.MockExchange{
		MarketOrderFn: func(ctx context.Context, symbol string, side exchange.Side, qty float64) (exchange.OrderResult, error) {
			return exchange.OrderResult{OrderID: 21, AvgPrice: 100, ExecutedQty: qty}, nil
		},
		CloseReduceOnlyFn: func(ctx context.Context, symbol string, closeSide exchange.Side, qty float64) (exchange.OrderResult, error) {
			if closeSide != exchange.Sell {
				t.Fatalf("close side = %s, want SELL", closeSide)
			}
			closed = qty
			return exchange.OrderResult{OrderID: 22, ExecutedQty: qty}, nil
		},
	}

	// tp2 only one risk unit out: ratio 1.0 < 1.6
	plan := validLongPlan()
	plan.TP2 = 105

	ok, err := newCoordinator(ex, store, &recordingNotifier{}).Execute(ctx, "BTCUSDT", "4h", wave.Long, plan)
	if ok || err == nil {
		t.Fatalf("expected unwound failure, got ok=%v err=%v", ok, err)
	}
	if closed == 0 {
		t.Fatal("filled quantity was not unwound")
	}
	if pos, _ := store.GetActive(ctx, "BTCUSDT", "4h"); pos != nil {
		t.Fatal("no position should be locked after unwind")
	}
}

func TestExecuteUnwindOnAttachedOrderFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("stop failure", func(t *testing.T) {
		closed := false
		ex := &exchange.MockExchange{
			StopMarketFn: func(ctx context.Context, symbol string, openSide exchange.Side, trigger float64) (exchange.OrderResult, error) {
				return exchange.OrderResult{}, errors.New("rejected")
			},
			CloseReduceOnlyFn: func(ctx context.Context, symbol string, closeSide exchange.Side, qty float64) (exchange.OrderResult, error) {
				closed = true
				return exchange.OrderResult{}, nil
			},
		}
		ok, err := newCoordinator(ex, position.NewMemoryStore(), &recordingNotifier{}).
			Execute(ctx, "BTCUSDT", "4h", wave.Long, validLongPlan())
		if ok || err == nil || !closed {
			t.Fatalf("expected unwind on stop failure: ok=%v err=%v closed=%v", ok, err, closed)
		}
	})

	t.Run("take-profit failure also unwinds", func(t *testing.T) {
		closed := false
		ex := &exchange.MockExchange{
			TakeProfitFn: func(ctx context.Context, symbol string, openSide exchange.Side, trigger float64) (exchange.OrderResult, error) {
				return exchange.OrderResult{}, errors.New("rejected")
			},
			CloseReduceOnlyFn: func(ctx context.Context, symbol string, closeSide exchange.Side, qty float64) (exchange.OrderResult, error) {
				closed = true
				return exchange.OrderResult{}, nil
			},
		}
		ok, err := newCoordinator(ex, position.NewMemoryStore(), &recordingNotifier{}).
			Execute(ctx, "BTCUSDT", "4h", wave.Long, validLongPlan())
		if ok || err == nil || !closed {
			t.Fatalf("expected unwind on tp failure: ok=%v err=%v closed=%v", ok, err, closed)
		}
	})
}

func TestExecuteUnwindFailureAlertsLoudly(t *testing.T) {
	ntf := &recordingNotifier{}
	ex := &exchange.MockExchange{
		StopMarketFn: func(ctx context.Context, symbol string, openSide exchange.Side, trigger float64) (exchange.OrderResult, error) {
			return exchange.OrderResult{}, errors.New("rejected")
		},
		CloseReduceOnlyFn: func(ctx context.Context, symbol string, closeSide exchange.Side, qty float64) (exchange.OrderResult, error) {
			return exchange.OrderResult{}, errors.New("venue down")
		},
	}

	ok, err := newCoordinator(ex, position.NewMemoryStore(), ntf).
		Execute(context.Background(), "BTCUSDT", "4h", wave.Long, validLongPlan())
	if ok || err == nil {
		t.Fatalf("expected failure, got ok=%v err=%v", ok, err)
	}
	if len(ntf.messages) != 1 || !strings.Contains(ntf.messages[0], "UNWIND FAILED") {
		t.Fatalf("expected one loud unwind alert, got %v", ntf.messages)
	}
}

func TestExecuteFillWeightedEntry(t *testing.T) {
	ctx := context.Background()
	store := position.NewMemoryStore()
	ex := &exchange.MockExchange{
		MarketOrderFn: func(ctx context.Context, symbol string, side exchange.Side, qty float64) (exchange.OrderResult, error) {
			return exchange.OrderResult{
				OrderID:     31,
				ExecutedQty: qty,
				Fills: []exchange.Fill{
					{Price: 100, Qty: 1},
					{Price: 102, Qty: 1},
				},
			}, nil
		},
	}

	ok, err := newCoordinator(ex, store, &recordingNotifier{}).
		Execute(ctx, "ETHUSDT", "1h", wave.Long, validLongPlan())
	if err != nil || !ok {
		t.Fatalf("execute: ok=%v err=%v", ok, err)
	}
	pos, _ := store.GetActive(ctx, "ETHUSDT", "1h")
	if pos == nil || pos.Entry != 101 {
		t.Fatalf("entry = %+v, want fill-weighted 101", pos)
	}
}

func TestSizeQuantityNotionalOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultNotional = 3.5
	cfg.NotionalOverrides = map[string]float64{"BTCUSDT": 70}
	c := New(&exchange.MockExchange{}, position.NewMemoryStore(), nil, cfg, zerolog.Nop())

	plan := validLongPlan()
	if got := c.sizeQuantity(10000, "BTCUSDT", plan); got != 0.7 {
		t.Fatalf("override qty = %v, want 0.7", got)
	}
	if got := c.sizeQuantity(10000, "DOGEUSDT", plan); got != 0.035 {
		t.Fatalf("default notional qty = %v, want 0.035", got)
	}
}
