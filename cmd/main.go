package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tchaikit/wave-trader/internal/config"
	"github.com/tchaikit/wave-trader/internal/engine"
	"github.com/tchaikit/wave-trader/internal/exchange"
	"github.com/tchaikit/wave-trader/internal/executor"
	"github.com/tchaikit/wave-trader/internal/notifier"
	"github.com/tchaikit/wave-trader/internal/position"
	"github.com/tchaikit/wave-trader/internal/scheduler"
	"github.com/tchaikit/wave-trader/internal/watcher"
	"github.com/tchaikit/wave-trader/internal/wave"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := buildLogger(cfg)
	logger.Info().Str("mode", cfg.Mode).Int("symbols", len(cfg.Symbols)).Msg("wave-trader starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("store init failed")
	}
	defer closeStore()

	ex := exchange.NewBinanceClient(cfg.BinanceConfig(), logger)

	var ntf notifier.Notifier = notifier.Noop{}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		ntf = notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID, logger)
	}

	var mtf engine.MTFProvider
	if cfg.UseMTF {
		mtf = engine.NewExchangeMTF(ex, engine.DefaultExchangeMTFConfig(), logger)
	}

	eng := engine.New(ex, wave.NeutralPrimaryBias{}, mtf, cfg.EngineConfig(), logger)
	exec := executor.New(ex, store, ntf, cfg.ExecutorConfig(), logger)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.Symbols = cfg.Symbols
	schedCfg.Timeframe = cfg.Timeframe
	schedCfg.RunHour = cfg.RunHour
	schedCfg.RunMinute = cfg.RunMinute
	schedCfg.WatchConfidence = cfg.WatchConfidence
	sched := scheduler.New(eng, exec, store, ntf, schedCfg, logger)

	switch cfg.Mode {
	case "serve":
		rec := watcher.New(ex, store, ntf, cfg.WatcherConfig(), logger)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			sched.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			rec.Run(ctx)
		}()
		wg.Wait()
		logger.Info().Msg("shutdown complete")
	case "sweep":
		if err := sched.Sweep(ctx); err != nil {
			logger.Fatal().Err(err).Msg("sweep failed")
		}
	case "watch":
		if err := sched.TrendWatch(ctx); err != nil {
			logger.Fatal().Err(err).Msg("trend watch failed")
		}
	}
}

func buildLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var w = os.Stderr
	logger := zerolog.New(w)
	if cfg.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// buildStore connects to Postgres when a DSN is configured and falls
// back to the in-memory store otherwise. Memory-only runs lose position
// state on restart, so the fallback warns loudly.
func buildStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (position.Store, func(), error) {
	if cfg.DBConnStr == "" {
		logger.Warn().Msg("no db_conn_str configured, positions held in memory only")
		return position.NewMemoryStore(), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.DBConnStr)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(cfg.DBMaxOpen)
	db.SetMaxIdleConns(cfg.DBMaxIdle)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, err
	}

	store := position.NewPostgresStore(db, logger)
	if err := store.Init(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	logger.Info().Msg("connected to postgres")
	return store, func() { db.Close() }, nil
}
