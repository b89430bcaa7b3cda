// Package scheduler drives the daily analysis sweep over the configured
// symbols and hands READY setups to the execution coordinator.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tchaikit/wave-trader/internal/engine"
	"github.com/tchaikit/wave-trader/internal/notifier"
	"github.com/tchaikit/wave-trader/internal/position"
	"github.com/tchaikit/wave-trader/internal/risk"
	"github.com/tchaikit/wave-trader/internal/wave"
)

// Analyzer produces the per-symbol analysis. Satisfied by
// engine.Engine.
type Analyzer interface {
	Analyze(ctx context.Context, symbol string) (*engine.AnalysisResult, error)
}

// Trader turns a plan into a live position. Satisfied by
// executor.Coordinator.
type Trader interface {
	Execute(ctx context.Context, symbol, timeframe string, dir wave.Direction, plan risk.TradePlan) (bool, error)
}

type Config struct {
	Symbols   []string
	Timeframe string
	// RunHour/RunMinute schedule the daily sweep, in UTC.
	RunHour   int
	RunMinute int
	// MaxRetry bounds per-symbol analysis attempts within one sweep.
	MaxRetry   int
	RetryDelay time.Duration
	// WatchConfidence is the floor for the lighter trend-watch report.
	WatchConfidence float64
}

func DefaultConfig() Config {
	return Config{
		Timeframe:       "1d",
		RunHour:         7,
		RunMinute:       5,
		MaxRetry:        3,
		RetryDelay:      2 * time.Second,
		WatchConfidence: 65,
	}
}

type Scheduler struct {
	engine Analyzer
	exec   Trader
	store  position.Store
	ntf    notifier.Notifier
	cfg    Config
	log    zerolog.Logger
}

func New(eng Analyzer, exec Trader, store position.Store, ntf notifier.Notifier, cfg Config, log zerolog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = def.MaxRetry
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.WatchConfidence <= 0 {
		cfg.WatchConfidence = def.WatchConfidence
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = def.Timeframe
	}
	if ntf == nil {
		ntf = notifier.Noop{}
	}
	return &Scheduler{
		engine: eng,
		exec:   exec,
		store:  store,
		ntf:    ntf,
		cfg:    cfg,
		log:    log.With().Str("component", "scheduler").Logger(),
	}
}

// Run fires the daily sweep once per day at the configured UTC time,
// until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().Int("hour", s.cfg.RunHour).Int("minute", s.cfg.RunMinute).Msg("scheduler started")

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	var lastRun time.Time
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return
		case now := <-ticker.C:
			now = now.UTC()
			if now.Hour() != s.cfg.RunHour || now.Minute() != s.cfg.RunMinute {
				continue
			}
			if lastRun.Year() == now.Year() && lastRun.YearDay() == now.YearDay() {
				continue
			}
			lastRun = now
			if err := s.Sweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("daily sweep failed")
			}
		}
	}
}

func (s *Scheduler) analyzeWithRetry(ctx context.Context, symbol string) (*engine.AnalysisResult, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetry; attempt++ {
		res, err := s.engine.Analyze(ctx, symbol)
		if err == nil {
			return res, nil
		}
		lastErr = err
		s.log.Warn().Err(err).Str("symbol", symbol).Int("attempt", attempt).Msg("analysis failed")
		if attempt == s.cfg.MaxRetry {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.cfg.RetryDelay):
		}
	}
	return nil, lastErr
}

// Sweep analyzes every configured symbol once and executes the first
// READY candidate per symbol. One bad symbol never aborts the sweep.
func (s *Scheduler) Sweep(ctx context.Context) error {
	s.log.Info().Int("symbols", len(s.cfg.Symbols)).Str("timeframe", s.cfg.Timeframe).Msg("daily sweep started")

	var opened, errored []string
	for _, symbol := range s.cfg.Symbols {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res, err := s.analyzeWithRetry(ctx, symbol)
		if err != nil {
			errored = append(errored, symbol)
			continue
		}
		if res == nil {
			s.log.Debug().Str("symbol", symbol).Msg("no analysis, skipping")
			continue
		}

		active, err := s.store.GetActive(ctx, symbol, s.cfg.Timeframe)
		if err != nil {
			s.log.Error().Err(err).Str("symbol", symbol).Msg("active-position check failed")
			errored = append(errored, symbol)
			continue
		}
		if active != nil {
			s.log.Info().Str("symbol", symbol).Msg("position already active, skipping")
			continue
		}

		for _, c := range res.Ready() {
			ok, err := s.exec.Execute(ctx, symbol, s.cfg.Timeframe, c.Scenario.Direction, c.Plan)
			if err != nil {
				s.log.Error().Err(err).Str("symbol", symbol).Msg("execution failed")
				errored = append(errored, symbol)
				break
			}
			if ok {
				opened = append(opened, symbol)
				s.notify(fmt.Sprintf("%s %s %s entry %.6g sl %.6g tp %.6g/%.6g/%.6g (%s conf %.1f)",
					symbol, c.Scenario.Direction, c.Scenario.Type,
					c.Plan.Entry, c.Plan.StopLoss, c.Plan.TP1, c.Plan.TP2, c.Plan.TP3,
					res.Mode, c.Scenario.Confidence))
				break
			}
		}
	}

	s.notify(sweepSummary(s.cfg.Timeframe, len(s.cfg.Symbols), opened, errored))
	s.log.Info().Int("opened", len(opened)).Int("errors", len(errored)).Msg("daily sweep finished")
	return nil
}

func sweepSummary(timeframe string, scanned int, opened, errored []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily sweep (%s): scanned %d, entered %d", strings.ToUpper(timeframe), scanned, len(opened))
	if len(opened) > 0 {
		fmt.Fprintf(&b, "\nEntered: %s", strings.Join(opened, ", "))
	}
	if len(errored) > 0 {
		fmt.Fprintf(&b, "\nErrors: %s", strings.Join(errored, ", "))
	}
	return b.String()
}

type watchPick struct {
	Symbol     string
	Direction  string
	Confidence float64
	Price      float64
	Entry      float64
	DistPct    float64
}

// TrendWatch is the lighter report: the best candidate per symbol above
// the watch floor, ranked by confidence then distance to entry. Nothing
// is executed.
func (s *Scheduler) TrendWatch(ctx context.Context) error {
	var picks []watchPick
	errors := 0

	for _, symbol := range s.cfg.Symbols {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res, err := s.analyzeWithRetry(ctx, symbol)
		if err != nil {
			errors++
			continue
		}
		if res == nil || len(res.Candidates) == 0 {
			continue
		}

		c := res.Candidates[0]
		if c.Scenario.Confidence < s.cfg.WatchConfidence {
			continue
		}

		pick := watchPick{
			Symbol:     symbol,
			Direction:  string(c.Scenario.Direction),
			Confidence: c.Scenario.Confidence,
			Price:      res.Price,
			Entry:      c.Plan.Entry,
		}
		if pick.Entry > 0 && pick.Price > 0 {
			pick.DistPct = absPct(pick.Entry, pick.Price)
		}
		picks = append(picks, pick)
	}

	sort.Slice(picks, func(i, j int) bool {
		if picks[i].Confidence != picks[j].Confidence {
			return picks[i].Confidence > picks[j].Confidence
		}
		return picks[i].DistPct < picks[j].DistPct
	})

	s.notify(watchReport(picks, s.cfg.WatchConfidence, errors))
	return nil
}

func watchReport(picks []watchPick, minConf float64, errors int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Trend watch: %d symbols at confidence >= %.0f", len(picks), minConf)

	limit := len(picks)
	if limit > 10 {
		limit = 10
	}
	for i, p := range picks[:limit] {
		fmt.Fprintf(&b, "\n%d) %s %s | conf %.1f | price %.6g", i+1, p.Symbol, p.Direction, p.Confidence, p.Price)
		if p.Entry > 0 {
			fmt.Fprintf(&b, " | entry %.6g (%.2f%% away)", p.Entry, p.DistPct)
		}
	}
	if len(picks) > limit {
		fmt.Fprintf(&b, "\n...and %d more", len(picks)-limit)
	}
	if errors > 0 {
		fmt.Fprintf(&b, "\nerrors: %d", errors)
	}
	return b.String()
}

func absPct(a, b float64) float64 {
	d := (a - b) / b * 100
	if d < 0 {
		return -d
	}
	return d
}

func (s *Scheduler) notify(msg string) {
	if err := s.ntf.SendWithRetry(msg); err != nil {
		s.log.Warn().Err(err).Msg("notification failed")
	}
}
