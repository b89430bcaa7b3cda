package watcher

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tchaikit/wave-trader/internal/exchange"
	"github.com/tchaikit/wave-trader/internal/position"
	"github.com/tchaikit/wave-trader/internal/wave"
)

type closeCall struct {
	symbol string
	side   exchange.Side
	qty    float64
}

func seedLong(t *testing.T, store position.Store, symbol string) position.Position {
	t.Helper()
	p := position.Position{
		Symbol: symbol, Timeframe: "4h", Direction: wave.Long,
		Entry: 100, StopLoss: 95, TP1: 105, TP2: 108.09, TP3: 110,
		Quantity: 10, RemainingQty: 10,
		Status: position.StatusActive, OpenedAt: time.Now().UTC(),
	}
	if ok, err := store.LockNew(context.Background(), p); err != nil || !ok {
		t.Fatalf("seed lock: ok=%v err=%v", ok, err)
	}
	return p
}

func liveAt(symbol string, mark float64) []exchange.LivePosition {
	return []exchange.LivePosition{{Symbol: symbol, PositionAmt: 10, MarkPrice: mark}}
}

func newReconciler(ex exchange.Exchange, store position.Store) *Reconciler {
	return New(ex, store, nil, DefaultConfig(), zerolog.Nop())
}

func TestSweepPartialExits(t *testing.T) {
	ctx := context.Background()
	store := position.NewMemoryStore()
	seedLong(t, store, "BTCUSDT")

	var closes []closeCall
	mark := 106.0
	ex := &exchange.MockExchange{
		OpenPositionsFn: func(ctx context.Context) ([]exchange.LivePosition, error) {
			return liveAt("BTCUSDT", mark), nil
		},
		CloseReduceOnlyFn: func(ctx context.Context, symbol string, closeSide exchange.Side, qty float64) (exchange.OrderResult, error) {
			closes = append(closes, closeCall{symbol, closeSide, qty})
			return exchange.OrderResult{OrderID: 1, ExecutedQty: qty}, nil
		},
	}
	r := newReconciler(ex, store)

	// tp1 crossing takes 30% off
	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(closes) != 1 || closes[0].qty != 3 || closes[0].side != exchange.Sell {
		t.Fatalf("tp1 closes = %+v, want one SELL of 3", closes)
	}
	p, _ := store.GetActive(ctx, "BTCUSDT", "4h")
	if p == nil || !p.TP1Hit || p.RemainingQty != 7 {
		t.Fatalf("after tp1: %+v", p)
	}

	// same price again is a no-op: the flag is already set
	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("repeat sweep: %v", err)
	}
	if len(closes) != 1 {
		t.Fatalf("repeated sweep re-closed: %+v", closes)
	}

	// tp2 takes another 30%
	mark = 108.5
	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("tp2 sweep: %v", err)
	}
	if len(closes) != 2 || closes[1].qty != 3 {
		t.Fatalf("tp2 closes = %+v", closes)
	}

	// tp3 closes the remainder and the record
	mark = 110.5
	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("tp3 sweep: %v", err)
	}
	if len(closes) != 3 || closes[2].qty != 4 {
		t.Fatalf("tp3 closes = %+v, want remainder 4", closes)
	}
	if p, _ := store.GetActive(ctx, "BTCUSDT", "4h"); p != nil {
		t.Fatalf("position still active after tp3: %+v", p)
	}
}

func TestSweepGapThroughTwoTargets(t *testing.T) {
	ctx := context.Background()
	store := position.NewMemoryStore()
	seedLong(t, store, "ETHUSDT")

	var closes []closeCall
	ex := &exchange.MockExchange{
		OpenPositionsFn: func(ctx context.Context) ([]exchange.LivePosition, error) {
			return liveAt("ETHUSDT", 109), nil
		},
		CloseReduceOnlyFn: func(ctx context.Context, symbol string, closeSide exchange.Side, qty float64) (exchange.OrderResult, error) {
			closes = append(closes, closeCall{symbol, closeSide, qty})
			return exchange.OrderResult{}, nil
		},
	}

	if err := newReconciler(ex, store).Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(closes) != 2 || closes[0].qty != 3 || closes[1].qty != 3 {
		t.Fatalf("closes = %+v, want two partials of 3", closes)
	}
	p, _ := store.GetActive(ctx, "ETHUSDT", "4h")
	if p == nil || p.RemainingQty != 4 {
		t.Fatalf("after gap: %+v", p)
	}
}

func TestSweepStopClosesRemainderAfterPartials(t *testing.T) {
	ctx := context.Background()
	store := position.NewMemoryStore()
	seedLong(t, store, "BTCUSDT")

	var closes []closeCall
	mark := 106.0
	ex := &exchange.MockExchange{
		OpenPositionsFn: func(ctx context.Context) ([]exchange.LivePosition, error) {
			return liveAt("BTCUSDT", mark), nil
		},
		CloseReduceOnlyFn: func(ctx context.Context, symbol string, closeSide exchange.Side, qty float64) (exchange.OrderResult, error) {
			closes = append(closes, closeCall{symbol, closeSide, qty})
			return exchange.OrderResult{}, nil
		},
	}
	r := newReconciler(ex, store)

	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("tp1 sweep: %v", err)
	}

	mark = 94
	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("stop sweep: %v", err)
	}
	if len(closes) != 2 || closes[1].qty != 7 {
		t.Fatalf("closes = %+v, want stop remainder 7", closes)
	}

	if p, _ := store.GetActive(ctx, "BTCUSDT", "4h"); p != nil {
		t.Fatalf("position still active after stop: %+v", p)
	}
}

func TestSweepVanishedPosition(t *testing.T) {
	ctx := context.Background()

	t.Run("stop inferred from mark", func(t *testing.T) {
		store := position.NewMemoryStore()
		seedLong(t, store, "BTCUSDT")
		ex := &exchange.MockExchange{
			OpenPositionsFn: func(ctx context.Context) ([]exchange.LivePosition, error) { return nil, nil },
			MarkPriceFn:     func(ctx context.Context, symbol string) (float64, error) { return 94, nil },
		}
		if err := newReconciler(ex, store).Sweep(ctx); err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if p, _ := store.GetActive(ctx, "BTCUSDT", "4h"); p != nil {
			t.Fatal("vanished position still active")
		}
	})

	t.Run("ambiguous mark defaults to external", func(t *testing.T) {
		store := position.NewMemoryStore()
		seedLong(t, store, "BTCUSDT")
		closed := false
		ex := &exchange.MockExchange{
			OpenPositionsFn: func(ctx context.Context) ([]exchange.LivePosition, error) { return nil, nil },
			MarkPriceFn:     func(ctx context.Context, symbol string) (float64, error) { return 101, nil },
			CloseReduceOnlyFn: func(ctx context.Context, symbol string, closeSide exchange.Side, qty float64) (exchange.OrderResult, error) {
				closed = true
				return exchange.OrderResult{}, nil
			},
		}
		if err := newReconciler(ex, store).Sweep(ctx); err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if closed {
			t.Fatal("no exchange close should be sent for a vanished position")
		}
		if p, _ := store.GetActive(ctx, "BTCUSDT", "4h"); p != nil {
			t.Fatal("vanished position still active")
		}
	})
}

func TestSweepFailedCloseRetriedNextSweep(t *testing.T) {
	ctx := context.Background()
	store := position.NewMemoryStore()
	seedLong(t, store, "BTCUSDT")

	var closes []closeCall
	failures := 1
	ex := &exchange.MockExchange{
		OpenPositionsFn: func(ctx context.Context) ([]exchange.LivePosition, error) {
			return liveAt("BTCUSDT", 106), nil
		},
		CloseReduceOnlyFn: func(ctx context.Context, symbol string, closeSide exchange.Side, qty float64) (exchange.OrderResult, error) {
			if failures > 0 {
				failures--
				return exchange.OrderResult{}, errors.New("timeout")
			}
			closes = append(closes, closeCall{symbol, closeSide, qty})
			return exchange.OrderResult{}, nil
		},
	}
	r := newReconciler(ex, store)

	// the close failed: the sweep absorbs the error and must not record
	// the hit, or the exit would never be re-attempted
	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("sweep should absorb per-position errors, got %v", err)
	}
	p, _ := store.GetActive(ctx, "BTCUSDT", "4h")
	if p == nil || p.TP1Hit {
		t.Fatalf("hit recorded before the exchange close succeeded: %+v", p)
	}
	if p.RemainingQty != 10 {
		t.Fatalf("remaining changed despite failed close: %v", p.RemainingQty)
	}

	// healthy exchange on the next pass: the same crossing is re-detected
	// and the exit goes through
	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("retry sweep: %v", err)
	}
	if len(closes) != 1 || closes[0].qty != 3 {
		t.Fatalf("closes = %+v, want one SELL of 3 on retry", closes)
	}
	p, _ = store.GetActive(ctx, "BTCUSDT", "4h")
	if p == nil || !p.TP1Hit || p.RemainingQty != 7 {
		t.Fatalf("after retry: %+v", p)
	}
}

func TestSweepPartialFailureKeepsEarlierExits(t *testing.T) {
	ctx := context.Background()
	store := position.NewMemoryStore()
	seedLong(t, store, "BTCUSDT")

	// mark gaps through tp1 and tp2; the tp2 close fails once
	var closes []closeCall
	calls := 0
	ex := &exchange.MockExchange{
		OpenPositionsFn: func(ctx context.Context) ([]exchange.LivePosition, error) {
			return liveAt("BTCUSDT", 109), nil
		},
		CloseReduceOnlyFn: func(ctx context.Context, symbol string, closeSide exchange.Side, qty float64) (exchange.OrderResult, error) {
			calls++
			if calls == 2 {
				return exchange.OrderResult{}, errors.New("timeout")
			}
			closes = append(closes, closeCall{symbol, closeSide, qty})
			return exchange.OrderResult{}, nil
		},
	}
	r := newReconciler(ex, store)

	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	p, _ := store.GetActive(ctx, "BTCUSDT", "4h")
	if p == nil || !p.TP1Hit || p.TP2Hit {
		t.Fatalf("want tp1 kept and tp2 unrecorded after its close failed: %+v", p)
	}
	if p.RemainingQty != 7 {
		t.Fatalf("remaining = %v, want 7 after the tp1 partial", p.RemainingQty)
	}

	// next sweep retries only the tp2 exit
	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("retry sweep: %v", err)
	}
	if len(closes) != 2 || closes[1].qty != 3 {
		t.Fatalf("closes = %+v, want the tp2 partial of 3 on retry", closes)
	}
	p, _ = store.GetActive(ctx, "BTCUSDT", "4h")
	if p == nil || !p.TP2Hit || p.RemainingQty != 4 {
		t.Fatalf("after retry: %+v", p)
	}
}

func TestSweepShortSide(t *testing.T) {
	ctx := context.Background()
	store := position.NewMemoryStore()
	p := position.Position{
		Symbol: "SOLUSDT", Timeframe: "1h", Direction: wave.Short,
		Entry: 200, StopLoss: 210, TP1: 190, TP2: 183.82, TP3: 180,
		Quantity: 5, RemainingQty: 5,
		Status: position.StatusActive, OpenedAt: time.Now().UTC(),
	}
	if ok, err := store.LockNew(ctx, p); err != nil || !ok {
		t.Fatalf("seed: ok=%v err=%v", ok, err)
	}

	var closes []closeCall
	ex := &exchange.MockExchange{
		OpenPositionsFn: func(ctx context.Context) ([]exchange.LivePosition, error) {
			return []exchange.LivePosition{{Symbol: "SOLUSDT", PositionAmt: -5, MarkPrice: 189}}, nil
		},
		CloseReduceOnlyFn: func(ctx context.Context, symbol string, closeSide exchange.Side, qty float64) (exchange.OrderResult, error) {
			closes = append(closes, closeCall{symbol, closeSide, qty})
			return exchange.OrderResult{}, nil
		},
	}

	if err := newReconciler(ex, store).Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(closes) != 1 || closes[0].side != exchange.Buy {
		t.Fatalf("closes = %+v, want one BUY partial", closes)
	}
	if math.Abs(closes[0].qty-1.5) > 1e-9 {
		t.Fatalf("qty = %v, want 1.5", closes[0].qty)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	r := New(&exchange.MockExchange{}, position.NewMemoryStore(), nil, cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop on cancel")
	}
}
