// Package config
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tchaikit/wave-trader/internal/engine"
	"github.com/tchaikit/wave-trader/internal/exchange"
	"github.com/tchaikit/wave-trader/internal/executor"
	"github.com/tchaikit/wave-trader/internal/pivot"
	"github.com/tchaikit/wave-trader/internal/risk"
	"github.com/tchaikit/wave-trader/internal/watcher"
	"github.com/tchaikit/wave-trader/internal/zones"
)

/*
YAML config example:

mode: "serve"
symbols: ["BTCUSDT", "ETHUSDT"]
timeframe: "1d"
bars: 1000
db_conn_str: "postgres://..."
min_rr: 1.5
min_confidence: 55
sniper_confidence: 70
stop_min_pct: 0.2
stop_max_pct: 10.0
risk_pct: 0.05
min_rr_after_fill: 1.6
leverage: 10
margin_type: "ISOLATED"
default_notional: 3.5
notional_map:
  BTCUSDT: 70.0
  BNBUSDT: 6.5
tp_weights: [0.30, 0.30, 0.40]
poll_interval: 30s
run_hour: 7
run_minute: 5
*/

type Config struct {
	// Mode is serve (scheduler + reconciler), sweep (one analysis pass)
	// or watch (trend watch report).
	Mode      string   `yaml:"mode"`
	Symbols   []string `yaml:"symbols"`
	Timeframe string   `yaml:"timeframe"`
	Bars      int      `yaml:"bars"`

	DBConnStr string `yaml:"db_conn_str"`
	DBMaxOpen int    `yaml:"db_max_open"`
	DBMaxIdle int    `yaml:"db_max_idle"`

	BinanceAPIKey    string `yaml:"binance_api_key"`
	BinanceSecretKey string `yaml:"binance_secret_key"`
	BinanceBaseURL   string `yaml:"binance_base_url"`
	HedgeMode        bool   `yaml:"hedge_mode"`

	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`

	// plan validation
	MinRR         float64 `yaml:"min_rr"`
	StopMinPct    float64 `yaml:"stop_min_pct"`
	StopMaxPct    float64 `yaml:"stop_max_pct"`
	MaxRewardMult float64 `yaml:"max_reward_mult"`
	SidewayMinRR  float64 `yaml:"sideway_min_rr"`

	// gating
	MinConfidence    float64 `yaml:"min_confidence"`
	SniperConfidence float64 `yaml:"sniper_confidence"`
	WatchConfidence  float64 `yaml:"watch_confidence"`
	UseMTF           bool    `yaml:"use_mtf"`

	// execution
	RiskPct         float64            `yaml:"risk_pct"`
	MinRRAfterFill  float64            `yaml:"min_rr_after_fill"`
	Leverage        int                `yaml:"leverage"`
	MarginType      string             `yaml:"margin_type"`
	DefaultNotional float64            `yaml:"default_notional"`
	NotionalMap     map[string]float64 `yaml:"notional_map"`

	// reconciliation
	TPWeights    []float64     `yaml:"tp_weights"`
	PollInterval time.Duration `yaml:"poll_interval"`

	// daily schedule (UTC)
	RunHour   int `yaml:"run_hour"`
	RunMinute int `yaml:"run_minute"`

	// pivots
	PivotLeft       int     `yaml:"pivot_left"`
	PivotRight      int     `yaml:"pivot_right"`
	PivotATRMult    float64 `yaml:"pivot_atr_mult"`
	PivotMinPctMove float64 `yaml:"pivot_min_pct_move"`

	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`
}

func Default() Config {
	return Config{
		Mode:      "serve",
		Symbols:   []string{"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT", "XRPUSDT", "ADAUSDT", "DOGEUSDT", "AVAXUSDT", "LINKUSDT", "DOTUSDT"},
		Timeframe: "1d",
		Bars:      1000,
		DBMaxOpen: 10,
		DBMaxIdle: 5,

		MinRR:        1.5,
		StopMinPct:   0.2,
		StopMaxPct:   10.0,
		SidewayMinRR: 2.0,

		MinConfidence:    55,
		SniperConfidence: 70,
		WatchConfidence:  65,

		RiskPct:         0.05,
		MinRRAfterFill:  1.6,
		Leverage:        10,
		MarginType:      "ISOLATED",
		DefaultNotional: 3.5,
		NotionalMap: map[string]float64{
			"BTCUSDT":  70.0,
			"BNBUSDT":  6.5,
			"AVAXUSDT": 10.0,
			"SOLUSDT":  8.0,
		},

		TPWeights:    []float64{0.30, 0.30, 0.40},
		PollInterval: 30 * time.Second,
		RunHour:      7,
		RunMinute:    5,

		PivotLeft:       2,
		PivotRight:      2,
		PivotATRMult:    1.5,
		PivotMinPctMove: 1.5,

		LogLevel: "info",
	}
}

// Load builds the config: defaults, then an optional YAML file, then
// environment variables (secrets), then command-line flags.
func Load() (Config, error) {
	// missing .env is fine, real env always wins
	_ = godotenv.Load()

	configFile := flag.String("config", "", "Path to YAML config file")
	mode := flag.String("mode", "", "Mode: serve, sweep or watch")
	symbolsFlag := flag.String("symbols", "", "Comma-separated list of trading symbols")
	timeframe := flag.String("timeframe", "", "Analysis timeframe (e.g., 1d)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	logPretty := flag.Bool("log-pretty", false, "Human-readable console log output")
	flag.Parse()

	cfg := Default()

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if *mode != "" {
		cfg.Mode = *mode
	}
	if *symbolsFlag != "" {
		cfg.Symbols = strings.Split(*symbolsFlag, ",")
	}
	if *timeframe != "" {
		cfg.Timeframe = *timeframe
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logPretty {
		cfg.LogPretty = true
	}

	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.BinanceAPIKey = v
	}
	if v := os.Getenv("BINANCE_SECRET_KEY"); v != "" {
		cfg.BinanceSecretKey = v
	}
	if v := os.Getenv("DB_CONN_STR"); v != "" {
		cfg.DBConnStr = v
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.TelegramToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.TelegramChatID = v
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case "serve", "sweep", "watch":
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("no symbols configured")
	}
	if c.Timeframe == "" {
		return fmt.Errorf("timeframe is empty")
	}
	switch strings.ToUpper(c.MarginType) {
	case "ISOLATED", "CROSSED":
	default:
		return fmt.Errorf("unknown margin type %q", c.MarginType)
	}
	if len(c.TPWeights) != 3 {
		return fmt.Errorf("tp_weights needs exactly 3 entries, got %d", len(c.TPWeights))
	}
	if c.RiskPct <= 0 && c.DefaultNotional <= 0 {
		return fmt.Errorf("either risk_pct or default_notional must be positive")
	}
	return nil
}

func (c Config) RiskConfig() risk.Config {
	return risk.Config{
		MinRR:         c.MinRR,
		StopMinPct:    c.StopMinPct,
		StopMaxPct:    c.StopMaxPct,
		MaxRewardMult: c.MaxRewardMult,
	}
}

func (c Config) PivotConfig() pivot.Config {
	return pivot.Config{
		Left:       c.PivotLeft,
		Right:      c.PivotRight,
		ATRLength:  14,
		ATRMult:    c.PivotATRMult,
		MinPctMove: c.PivotMinPctMove,
	}
}

func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		Timeframe:        c.Timeframe,
		Bars:             c.Bars,
		MinConfidence:    c.MinConfidence,
		SniperConfidence: c.SniperConfidence,
		SidewayMinRR:     c.SidewayMinRR,
		Pivot:            c.PivotConfig(),
		Zones:            zones.DefaultConfig(),
		Risk:             c.RiskConfig(),
	}
}

func (c Config) ExecutorConfig() executor.Config {
	return executor.Config{
		RiskPct:           c.RiskPct,
		MinRRAfterFill:    c.MinRRAfterFill,
		Leverage:          c.Leverage,
		MarginType:        exchange.MarginType(strings.ToUpper(c.MarginType)),
		DefaultNotional:   c.DefaultNotional,
		NotionalOverrides: c.NotionalMap,
	}
}

func (c Config) WatcherConfig() watcher.Config {
	return watcher.Config{
		PollInterval: c.PollInterval,
		TPWeights:    [3]float64{c.TPWeights[0], c.TPWeights[1], c.TPWeights[2]},
	}
}

func (c Config) BinanceConfig() exchange.BinanceConfig {
	return exchange.BinanceConfig{
		APIKey:    c.BinanceAPIKey,
		SecretKey: c.BinanceSecretKey,
		BaseURL:   c.BinanceBaseURL,
		HedgeMode: c.HedgeMode,
	}
}
