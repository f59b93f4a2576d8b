package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddslab/polysim/internal/signal"
)

// GatingMode controls how entries relate to the pipeline recommendation.
type GatingMode string

const (
	// GatingStrict requires the recommendation's action to be ENTER.
	GatingStrict GatingMode = "strict"
	// GatingLoose allows entry from probability/edge thresholds alone,
	// inferring a side when the recommendation abstains.
	GatingLoose GatingMode = "loose"
)

// Config holds every knob for the trader. Loaded and validated once at
// startup; consumers only ever read the validated struct and never
// re-derive defaults inline.
type Config struct {
	// Asset / loop
	Asset        string
	PollInterval time.Duration
	WindowLength time.Duration

	// Bar window
	WarmupBars int
	MaxBars    int

	// Indicator periods
	RSIPeriod     int
	MACDFast      int
	MACDSlow      int
	MACDSignal    int
	SlopeLookback int

	// Phase cutoffs (remaining time)
	PhaseEarlyMinRemaining time.Duration
	PhaseMidMinRemaining   time.Duration

	// Per-phase entry gates
	Gates signal.PhaseGates

	// Time decay
	DecaySharpness float64

	// Entry gating
	GatingMode   GatingMode
	MaxSpread    decimal.Decimal
	MinLiquidity decimal.Decimal
	EntryCutoff  time.Duration // no new entries inside this remaining window
	PriceMin     decimal.Decimal
	PriceMax     decimal.Decimal

	// Sizing
	StartingBalance decimal.Decimal
	StakePercent    decimal.Decimal
	MinTradeUSD     decimal.Decimal
	MaxTradeUSD     decimal.Decimal

	// Exits
	ExitFlipMinProb float64
	ExitFlipMargin  float64
	StopLossPercent decimal.Decimal // of the trade's notional
	EndOfWindowExit time.Duration

	// Flip-on-flip
	FlipOnFlip   bool
	FlipCooldown time.Duration

	// Persistence
	LedgerPath string
	ArchiveDSN string // optional gorm DSN; empty disables the archive

	// Feeds
	BinanceWSURL     string
	BinanceRESTURL   string
	PolygonRPC       string
	ChainlinkFeed    string // aggregator contract address for Asset/USD
	PolymarketAPIURL string

	// Surfaces
	StatusAddr     string
	TelegramToken  string
	TelegramChatID int64

	// Mode
	Debug bool
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Asset:        getEnv("TRADING_ASSET", "BTC"),
		PollInterval: getEnvDuration("POLL_INTERVAL", 5*time.Second),
		WindowLength: getEnvDuration("WINDOW_LENGTH", 15*time.Minute),

		WarmupBars: getEnvInt("WARMUP_BARS", 36),
		MaxBars:    getEnvInt("MAX_BARS", 120),

		RSIPeriod:     getEnvInt("RSI_PERIOD", 14),
		MACDFast:      getEnvInt("MACD_FAST", 12),
		MACDSlow:      getEnvInt("MACD_SLOW", 26),
		MACDSignal:    getEnvInt("MACD_SIGNAL", 9),
		SlopeLookback: getEnvInt("SLOPE_LOOKBACK", 3),

		PhaseEarlyMinRemaining: getEnvDuration("PHASE_EARLY_MIN_REMAINING", 10*time.Minute),
		PhaseMidMinRemaining:   getEnvDuration("PHASE_MID_MIN_REMAINING", 5*time.Minute),

		Gates: signal.PhaseGates{
			Early: signal.PhaseGate{
				MinProbability: getEnvFloat("EARLY_MIN_PROB", 0.55),
				MinEdge:        getEnvFloat("EARLY_MIN_EDGE", 0.03),
			},
			Mid: signal.PhaseGate{
				MinProbability: getEnvFloat("MID_MIN_PROB", 0.60),
				MinEdge:        getEnvFloat("MID_MIN_EDGE", 0.05),
			},
			Late: signal.PhaseGate{
				MinProbability: getEnvFloat("LATE_MIN_PROB", 0.65),
				MinEdge:        getEnvFloat("LATE_MIN_EDGE", 0.08),
			},
		},

		DecaySharpness: getEnvFloat("DECAY_SHARPNESS", signal.DefaultDecaySharpness),

		GatingMode:   GatingMode(strings.ToLower(getEnv("REC_GATING", string(GatingStrict)))),
		MaxSpread:    getEnvDecimal("MAX_SPREAD", decimal.NewFromFloat(0.05)),
		MinLiquidity: getEnvDecimal("MIN_LIQUIDITY", decimal.NewFromInt(500)),
		EntryCutoff:  getEnvDuration("ENTRY_CUTOFF", 2*time.Minute),
		PriceMin:     getEnvDecimal("PRICE_MIN", decimal.NewFromFloat(0.05)),
		PriceMax:     getEnvDecimal("PRICE_MAX", decimal.NewFromFloat(0.95)),

		StartingBalance: getEnvDecimal("STARTING_BALANCE", decimal.NewFromInt(1000)),
		StakePercent:    getEnvDecimal("STAKE_PERCENT", decimal.NewFromFloat(0.10)),
		MinTradeUSD:     getEnvDecimal("MIN_TRADE_USD", decimal.NewFromInt(10)),
		MaxTradeUSD:     getEnvDecimal("MAX_TRADE_USD", decimal.NewFromInt(250)),

		ExitFlipMinProb: getEnvFloat("EXIT_FLIP_MIN_PROB", 0.55),
		ExitFlipMargin:  getEnvFloat("EXIT_FLIP_MARGIN", 0.05),
		StopLossPercent: getEnvDecimal("STOP_LOSS_PERCENT", decimal.NewFromFloat(0.50)),
		EndOfWindowExit: getEnvDuration("END_OF_WINDOW_EXIT", 30*time.Second),

		FlipOnFlip:   getEnvBool("FLIP_ON_FLIP", false),
		FlipCooldown: getEnvDuration("FLIP_COOLDOWN", time.Minute),

		LedgerPath: getEnv("LEDGER_PATH", "data/ledger.json"),
		ArchiveDSN: os.Getenv("ARCHIVE_DSN"),

		BinanceWSURL:     getEnv("BINANCE_WS_URL", "wss://stream.binance.com:9443/ws"),
		BinanceRESTURL:   getEnv("BINANCE_REST_URL", "https://api.binance.com"),
		PolygonRPC:       getEnv("POLYGON_RPC", "https://polygon-rpc.com"),
		ChainlinkFeed:    getEnv("CHAINLINK_FEED", "0xc907E116054Ad103354f2D350FD2514433D57F6f"),
		PolymarketAPIURL: getEnv("POLYMARKET_API_URL", "https://gamma-api.polymarket.com"),

		StatusAddr:    getEnv("STATUS_ADDR", ":8080"),
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		Debug: getEnvBool("DEBUG", false),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration once at startup. Every consumer relies
// on these invariants holding.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.WindowLength <= 0 {
		return fmt.Errorf("window length must be positive")
	}
	if c.WarmupBars < c.MACDSlow+c.MACDSignal {
		return fmt.Errorf("warmup bars %d below indicator requirement %d", c.WarmupBars, c.MACDSlow+c.MACDSignal)
	}
	if c.MaxBars < c.WarmupBars {
		return fmt.Errorf("max bars %d below warmup %d", c.MaxBars, c.WarmupBars)
	}

	if c.GatingMode != GatingStrict && c.GatingMode != GatingLoose {
		return fmt.Errorf("rec gating must be %q or %q, got %q", GatingStrict, GatingLoose, c.GatingMode)
	}

	// Phase gates must get strictly harder to pass as time runs out.
	if err := validateGateOrder(c.Gates); err != nil {
		return err
	}
	if c.PhaseEarlyMinRemaining <= c.PhaseMidMinRemaining {
		return fmt.Errorf("early phase cutoff must exceed mid phase cutoff")
	}

	if !c.PriceMin.IsPositive() || c.PriceMax.GreaterThanOrEqual(decimal.NewFromInt(1)) || c.PriceMin.GreaterThanOrEqual(c.PriceMax) {
		return fmt.Errorf("price sanity bounds must satisfy 0 < min < max < 1")
	}
	if !c.StakePercent.IsPositive() || c.StakePercent.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("stake percent must be in (0, 1]")
	}
	if c.MinTradeUSD.GreaterThan(c.MaxTradeUSD) {
		return fmt.Errorf("min trade size exceeds max trade size")
	}
	if c.StartingBalance.IsNegative() {
		return fmt.Errorf("starting balance must not be negative")
	}

	if c.ExitFlipMinProb <= 0.5 || c.ExitFlipMinProb >= 1 {
		return fmt.Errorf("flip exit min probability must be in (0.5, 1)")
	}
	if c.ExitFlipMargin < 0 {
		return fmt.Errorf("flip exit margin must not be negative")
	}
	if !c.StopLossPercent.IsPositive() {
		return fmt.Errorf("stop loss percent must be positive")
	}
	if c.EndOfWindowExit <= 0 || c.EndOfWindowExit >= c.EntryCutoff {
		return fmt.Errorf("end-of-window exit must be positive and below the entry cutoff")
	}

	if c.DecaySharpness < 0 {
		return fmt.Errorf("decay sharpness must not be negative")
	}
	if c.LedgerPath == "" {
		return fmt.Errorf("ledger path is required")
	}
	return nil
}

// validateGateOrder rejects configurations where a later phase is easier to
// pass than an earlier one, for either threshold.
func validateGateOrder(g signal.PhaseGates) error {
	if g.Mid.MinProbability < g.Early.MinProbability || g.Late.MinProbability < g.Mid.MinProbability {
		return fmt.Errorf("phase min probability must be non-decreasing from EARLY to LATE")
	}
	if g.Mid.MinEdge < g.Early.MinEdge || g.Late.MinEdge < g.Mid.MinEdge {
		return fmt.Errorf("phase min edge must be non-decreasing from EARLY to LATE")
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
