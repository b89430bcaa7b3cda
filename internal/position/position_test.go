package position

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tchaikit/wave-trader/internal/risk"
	"github.com/tchaikit/wave-trader/internal/wave"
)

func longPosition() Position {
	return Position{
		Symbol: "BTCUSDT", Timeframe: "4h", Direction: wave.Long,
		Entry: 100, StopLoss: 95, TP1: 105, TP2: 108.09, TP3: 110,
		Quantity: 1, RemainingQty: 1,
		Status: StatusActive, OpenedAt: time.Now().UTC(),
	}
}

func TestApplyPrice(t *testing.T) {
	now := time.Now().UTC()

	t.Run("partial targets then stop", func(t *testing.T) {
		p := longPosition()

		events := p.ApplyPrice(106, now)
		if len(events) != 1 || events[0] != EventTP1 {
			t.Fatalf("events = %v, want TP1_HIT", events)
		}

		events = p.ApplyPrice(109, now)
		if len(events) != 1 || events[0] != EventTP2 {
			t.Fatalf("events = %v, want TP2_HIT", events)
		}

		events = p.ApplyPrice(94, now)
		if len(events) != 1 || events[0] != EventSL {
			t.Fatalf("events = %v, want SL_HIT", events)
		}
		if p.Status != StatusClosed || p.ClosedReason != CloseSL {
			t.Fatalf("expected Closed/SL, got %s/%s", p.Status, p.ClosedReason)
		}
		// partial hits stay recorded for PnL accounting
		if !p.TP1Hit || !p.TP2Hit {
			t.Fatal("earlier target flags must survive the stop close")
		}
	})

	t.Run("flags are monotonic", func(t *testing.T) {
		p := longPosition()
		p.ApplyPrice(106, now)
		p.ApplyPrice(99, now)
		if !p.TP1Hit {
			t.Fatal("tp1_hit reverted after price fell back")
		}
		if p.Status != StatusActive {
			t.Fatal("position closed without sl/tp3 crossing")
		}
	})

	t.Run("tp3 closes with reason", func(t *testing.T) {
		p := longPosition()
		events := p.ApplyPrice(111, now)
		if len(events) != 3 {
			t.Fatalf("expected TP1+TP2+TP3 in one sweep, got %v", events)
		}
		if p.Status != StatusClosed || p.ClosedReason != CloseTP3 {
			t.Fatalf("expected Closed/TP3, got %s/%s", p.Status, p.ClosedReason)
		}
	})

	t.Run("short direction mirrors", func(t *testing.T) {
		p := Position{
			Symbol: "ETHUSDT", Timeframe: "1h", Direction: wave.Short,
			Entry: 100, StopLoss: 105, TP1: 95, TP2: 92, TP3: 90,
			Quantity: 1, RemainingQty: 1, Status: StatusActive,
		}
		p.ApplyPrice(94, now)
		if !p.TP1Hit || p.TP2Hit {
			t.Fatalf("short tp1 crossing wrong: %+v", p)
		}
		p.ApplyPrice(106, now)
		if p.ClosedReason != CloseSL {
			t.Fatalf("expected SL close, got %s", p.ClosedReason)
		}
	})

	t.Run("closed position ignores updates", func(t *testing.T) {
		p := longPosition()
		p.ApplyPrice(94, now)
		if events := p.ApplyPrice(111, now); events != nil {
			t.Fatalf("closed position emitted events %v", events)
		}
		if p.ClosedReason != CloseSL {
			t.Fatal("closed reason must not change after the fact")
		}
	})
}

func TestKey(t *testing.T) {
	if Key("btcusdt", "4h") != "BTCUSDT:4H" {
		t.Fatalf("key = %q", Key("btcusdt", "4h"))
	}
}

func TestMemoryStoreLockNew(t *testing.T) {
	ctx := context.Background()

	t.Run("second lock refused", func(t *testing.T) {
		store := NewMemoryStore()
		ok, err := store.LockNew(ctx, longPosition())
		if err != nil || !ok {
			t.Fatalf("first lock: ok=%v err=%v", ok, err)
		}
		ok, err = store.LockNew(ctx, longPosition())
		if err != nil || ok {
			t.Fatalf("second lock: ok=%v err=%v", ok, err)
		}
	})

	t.Run("key is case-insensitive", func(t *testing.T) {
		store := NewMemoryStore()
		if ok, _ := store.LockNew(ctx, longPosition()); !ok {
			t.Fatal("first lock refused")
		}
		p := longPosition()
		p.Symbol, p.Timeframe = "btcusdt", "4H"
		if ok, _ := store.LockNew(ctx, p); ok {
			t.Fatal("case-variant key slipped past the lock")
		}
	})

	t.Run("exactly one concurrent winner", func(t *testing.T) {
		store := NewMemoryStore()
		const callers = 32

		var wg sync.WaitGroup
		wins := make(chan bool, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := store.LockNew(ctx, longPosition())
				if err != nil {
					t.Errorf("lock error: %v", err)
					return
				}
				wins <- ok
			}()
		}
		wg.Wait()
		close(wins)

		won := 0
		for ok := range wins {
			if ok {
				won++
			}
		}
		if won != 1 {
			t.Fatalf("expected exactly one winner, got %d", won)
		}
		active, err := store.ActivePositions(ctx)
		if err != nil || len(active) != 1 {
			t.Fatalf("active = %d err = %v, want exactly 1", len(active), err)
		}
	})

	t.Run("invalid position rejected", func(t *testing.T) {
		store := NewMemoryStore()
		if ok, err := store.LockNew(ctx, Position{}); ok || err == nil {
			t.Fatalf("expected validation error, got ok=%v err=%v", ok, err)
		}
	})
}

func TestMemoryStoreUpdateFromPrice(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if ok, _ := store.LockNew(ctx, longPosition()); !ok {
		t.Fatal("lock refused")
	}

	p, events, err := store.UpdateFromPrice(ctx, "BTCUSDT", "4h", 106)
	if err != nil || len(events) != 1 || events[0] != EventTP1 {
		t.Fatalf("update: p=%+v events=%v err=%v", p, events, err)
	}

	// the hit must be durable across reads
	p, err = store.GetActive(ctx, "BTCUSDT", "4h")
	if err != nil || p == nil || !p.TP1Hit {
		t.Fatalf("get after update: p=%+v err=%v", p, err)
	}

	_, events, err = store.UpdateFromPrice(ctx, "BTCUSDT", "4h", 94)
	if err != nil || len(events) != 1 || events[0] != EventSL {
		t.Fatalf("stop update: events=%v err=%v", events, err)
	}
	if p, _ := store.GetActive(ctx, "BTCUSDT", "4h"); p != nil {
		t.Fatal("closed position still reported active")
	}
}

func TestMemoryStoreRecordExit(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T) *MemoryStore {
		t.Helper()
		store := NewMemoryStore()
		pos := longPosition()
		pos.Quantity, pos.RemainingQty = 10, 10
		if ok, _ := store.LockNew(ctx, pos); !ok {
			t.Fatal("lock refused")
		}
		return store
	}

	t.Run("partial exit is durable", func(t *testing.T) {
		store := seed(t)
		if err := store.RecordExit(ctx, "BTCUSDT", "4h", EventTP1, 7); err != nil {
			t.Fatal(err)
		}
		p, _ := store.GetActive(ctx, "BTCUSDT", "4h")
		if p == nil || !p.TP1Hit || p.RemainingQty != 7 {
			t.Fatalf("after tp1 exit: %+v", p)
		}
		if p.TP2Hit || p.Status != StatusActive {
			t.Fatalf("tp1 exit touched more than its own flag: %+v", p)
		}
	})

	t.Run("terminal exits close the record", func(t *testing.T) {
		store := seed(t)
		if err := store.RecordExit(ctx, "BTCUSDT", "4h", EventSL, 0); err != nil {
			t.Fatal(err)
		}
		if p, _ := store.GetActive(ctx, "BTCUSDT", "4h"); p != nil {
			t.Fatalf("position still active after sl exit: %+v", p)
		}
	})

	t.Run("closed record ignores further exits", func(t *testing.T) {
		store := seed(t)
		if err := store.RecordExit(ctx, "BTCUSDT", "4h", EventTP3, 0); err != nil {
			t.Fatal(err)
		}
		// the closed reason must not change after the fact
		if err := store.RecordExit(ctx, "BTCUSDT", "4h", EventSL, 0); err != nil {
			t.Fatal(err)
		}
		p := store.positions[Key("BTCUSDT", "4h")]
		if p.Status != StatusClosed || p.ClosedReason != CloseTP3 || p.SLHit {
			t.Fatalf("closed record mutated: %+v", p)
		}
	})

	t.Run("closing zeroes remaining quantity", func(t *testing.T) {
		store := seed(t)
		if err := store.RecordExit(ctx, "BTCUSDT", "4h", EventTP1, 7); err != nil {
			t.Fatal(err)
		}
		if err := store.CloseExternal(ctx, "BTCUSDT", "4h", CloseExternal); err != nil {
			t.Fatal(err)
		}
		p := store.positions[Key("BTCUSDT", "4h")]
		if p.RemainingQty != 0 {
			t.Fatalf("remaining = %v on a closed record, want 0", p.RemainingQty)
		}
	})
}

func TestMemoryStoreCloseExternal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if ok, _ := store.LockNew(ctx, longPosition()); !ok {
		t.Fatal("lock refused")
	}
	if err := store.CloseExternal(ctx, "BTCUSDT", "4h", CloseExternal); err != nil {
		t.Fatal(err)
	}
	if p, _ := store.GetActive(ctx, "BTCUSDT", "4h"); p != nil {
		t.Fatal("externally closed position still active")
	}
	// key is free for a fresh lock afterwards
	if ok, _ := store.LockNew(ctx, longPosition()); !ok {
		t.Fatal("key not released after external close")
	}
}

func TestFromPlan(t *testing.T) {
	plan := risk.TradePlan{
		Direction: wave.Long, Entry: 100, StopLoss: 95,
		TP1: 105, TP2: 108.09, TP3: 110, Valid: true,
	}
	p := FromPlan("btcusdt", "4h", wave.Long, plan, 2, time.Now().UTC())
	if p.Status != StatusActive || p.RemainingQty != 2 {
		t.Fatalf("unexpected position %+v", p)
	}
	if err := p.Validate(); err != nil {
		t.Fatal(err)
	}
}
