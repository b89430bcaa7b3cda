package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tchaikit/wave-trader/internal/engine"
	"github.com/tchaikit/wave-trader/internal/position"
	"github.com/tchaikit/wave-trader/internal/risk"
	"github.com/tchaikit/wave-trader/internal/wave"
)

type stubAnalyzer struct {
	results map[string]*engine.AnalysisResult
	errs    map[string]error
	calls   map[string]int
}

func (s *stubAnalyzer) Analyze(ctx context.Context, symbol string) (*engine.AnalysisResult, error) {
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[symbol]++
	if err := s.errs[symbol]; err != nil {
		return nil, err
	}
	return s.results[symbol], nil
}

type stubTrader struct {
	executed []string
	ok       bool
	err      error
}

func (s *stubTrader) Execute(ctx context.Context, symbol, timeframe string, dir wave.Direction, plan risk.TradePlan) (bool, error) {
	s.executed = append(s.executed, symbol)
	return s.ok, s.err
}

type recordingNotifier struct {
	messages []string
}

func (r *recordingNotifier) Send(msg string) error          { r.messages = append(r.messages, msg); return nil }
func (r *recordingNotifier) SendWithRetry(msg string) error { return r.Send(msg) }

func readyResult(conf float64) *engine.AnalysisResult {
	return &engine.AnalysisResult{
		Price: 100,
		Candidates: []engine.Candidate{{
			Scenario:  wave.Scenario{Type: wave.ImpulseLong, Direction: wave.Long, Confidence: conf},
			Plan:      risk.TradePlan{Direction: wave.Long, Entry: 99, StopLoss: 95, TP1: 103, TP2: 105.5, TP3: 107, Valid: true},
			Status:    engine.StatusReady,
			Triggered: true,
		}},
	}
}

func blockedResult() *engine.AnalysisResult {
	return &engine.AnalysisResult{
		Price: 100,
		Candidates: []engine.Candidate{{
			Scenario:       wave.Scenario{Direction: wave.Short, Confidence: 80},
			Plan:           risk.TradePlan{Direction: wave.Short},
			Status:         engine.StatusBlocked,
			BlockedReasons: []string{"rsi 60.0 above 50"},
		}},
	}
}

func newScheduler(a Analyzer, tr Trader, store position.Store, ntf *recordingNotifier, symbols ...string) *Scheduler {
	cfg := DefaultConfig()
	cfg.Symbols = symbols
	cfg.RetryDelay = time.Millisecond
	return New(a, tr, store, ntf, cfg, zerolog.Nop())
}

func TestSweepExecutesReadyCandidates(t *testing.T) {
	a := &stubAnalyzer{results: map[string]*engine.AnalysisResult{
		"BTCUSDT": readyResult(80),
		"ETHUSDT": blockedResult(),
		"SOLUSDT": nil, // thin history
	}}
	tr := &stubTrader{ok: true}
	ntf := &recordingNotifier{}

	err := newScheduler(a, tr, position.NewMemoryStore(), ntf, "BTCUSDT", "ETHUSDT", "SOLUSDT").Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(tr.executed) != 1 || tr.executed[0] != "BTCUSDT" {
		t.Fatalf("executed = %v, want only BTCUSDT", tr.executed)
	}
	// one entry notification plus the summary
	if len(ntf.messages) != 2 {
		t.Fatalf("messages = %v", ntf.messages)
	}
	if !strings.Contains(ntf.messages[1], "entered 1") {
		t.Fatalf("summary wrong: %q", ntf.messages[1])
	}
}

func TestSweepSkipsActivePositions(t *testing.T) {
	store := position.NewMemoryStore()
	plan := risk.TradePlan{Direction: wave.Long, Entry: 100, StopLoss: 95, TP1: 105, TP2: 108, TP3: 110, Valid: true}
	p := position.FromPlan("BTCUSDT", "1d", wave.Long, plan, 1, time.Now().UTC())
	if ok, _ := store.LockNew(context.Background(), p); !ok {
		t.Fatal("seed lock refused")
	}

	a := &stubAnalyzer{results: map[string]*engine.AnalysisResult{"BTCUSDT": readyResult(80)}}
	tr := &stubTrader{ok: true}

	if err := newScheduler(a, tr, store, &recordingNotifier{}, "BTCUSDT").Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(tr.executed) != 0 {
		t.Fatalf("executed despite active position: %v", tr.executed)
	}
}

func TestSweepRetriesAnalysisErrors(t *testing.T) {
	a := &stubAnalyzer{errs: map[string]error{"BTCUSDT": errors.New("timeout")}}
	tr := &stubTrader{}
	ntf := &recordingNotifier{}

	if err := newScheduler(a, tr, position.NewMemoryStore(), ntf, "BTCUSDT").Sweep(context.Background()); err != nil {
		t.Fatalf("sweep should absorb symbol errors: %v", err)
	}
	if a.calls["BTCUSDT"] != 3 {
		t.Fatalf("analysis attempts = %d, want 3", a.calls["BTCUSDT"])
	}
	if len(ntf.messages) != 1 || !strings.Contains(ntf.messages[0], "Errors: BTCUSDT") {
		t.Fatalf("summary should record the failed symbol: %v", ntf.messages)
	}
}

func TestSweepExecutionFailureDoesNotStopSweep(t *testing.T) {
	a := &stubAnalyzer{results: map[string]*engine.AnalysisResult{
		"BTCUSDT": readyResult(80),
		"ETHUSDT": readyResult(75),
	}}
	tr := &stubTrader{err: errors.New("entry aborted")}

	if err := newScheduler(a, tr, position.NewMemoryStore(), &recordingNotifier{}, "BTCUSDT", "ETHUSDT").Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(tr.executed) != 2 {
		t.Fatalf("executed = %v, want both symbols attempted", tr.executed)
	}
}

func TestTrendWatchRanksPicks(t *testing.T) {
	a := &stubAnalyzer{results: map[string]*engine.AnalysisResult{
		"BTCUSDT": readyResult(72),
		"ETHUSDT": readyResult(88),
		"SOLUSDT": readyResult(40), // below floor
	}}
	ntf := &recordingNotifier{}

	err := newScheduler(a, &stubTrader{}, position.NewMemoryStore(), ntf, "BTCUSDT", "ETHUSDT", "SOLUSDT").
		TrendWatch(context.Background())
	if err != nil {
		t.Fatalf("trend watch: %v", err)
	}
	if len(ntf.messages) != 1 {
		t.Fatalf("messages = %v", ntf.messages)
	}
	report := ntf.messages[0]
	if !strings.Contains(report, "2 symbols") {
		t.Fatalf("pick count wrong: %q", report)
	}
	if strings.Index(report, "ETHUSDT") > strings.Index(report, "BTCUSDT") {
		t.Fatalf("higher confidence should rank first: %q", report)
	}
	if strings.Contains(report, "SOLUSDT") {
		t.Fatalf("below-floor pick leaked: %q", report)
	}
}

func TestSweepCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := &stubAnalyzer{results: map[string]*engine.AnalysisResult{"BTCUSDT": readyResult(80)}}
	err := newScheduler(a, &stubTrader{}, position.NewMemoryStore(), &recordingNotifier{}, "BTCUSDT").Sweep(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}
