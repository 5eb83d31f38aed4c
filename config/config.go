package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"cryptoAutoTrader/internal/domain"
)

// RiskConfig groups the parameters the risk manager evaluates against. It is
// separate from Config so the engine can swap it at runtime via the control
// surface.
type RiskConfig struct {
	RiskPercentPerTrade float64 // fraction of equity risked per trade (e.g., 0.01)
	MaxPositionPercent  float64 // cap on position notional as fraction of equity
	StopLossPercent     float64 // SL distance as fraction of entry price
	TakeProfitPercent   float64 // TP distance as fraction of entry price
	MaxDrawdownPercent  float64 // equity drawdown that halts trading
	MaxTradesPerDay     int
	ScoreThreshold      float64 // minimum signal score in [0,1]
	Leverage            int
}

// Validate checks the risk parameters for internal consistency.
func (rc RiskConfig) Validate() error {
	var errs []string
	if rc.RiskPercentPerTrade <= 0 || rc.RiskPercentPerTrade >= 1 {
		errs = append(errs, "RISK_PERCENT_PER_TRADE must be between 0 and 1 (exclusive)")
	}
	if rc.MaxPositionPercent <= 0 || rc.MaxPositionPercent > 1 {
		errs = append(errs, "MAX_POSITION_PERCENT must be between 0 and 1")
	}
	if rc.StopLossPercent <= 0 || rc.StopLossPercent >= 1 {
		errs = append(errs, "STOP_LOSS_PERCENT must be between 0 and 1 (exclusive)")
	}
	if rc.TakeProfitPercent <= 0 || rc.TakeProfitPercent >= 1 {
		errs = append(errs, "TAKE_PROFIT_PERCENT must be between 0 and 1 (exclusive)")
	}
	if rc.MaxDrawdownPercent <= 0 || rc.MaxDrawdownPercent >= 1 {
		errs = append(errs, "MAX_DRAWDOWN_PERCENT must be between 0 and 1 (exclusive)")
	}
	if rc.MaxTradesPerDay <= 0 {
		errs = append(errs, "MAX_TRADES_PER_DAY must be positive")
	}
	if rc.ScoreThreshold < 0 || rc.ScoreThreshold > 1 {
		errs = append(errs, "SCORE_THRESHOLD must be between 0 and 1")
	}
	if rc.Leverage <= 0 {
		errs = append(errs, "LEVERAGE must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("risk configuration invalid: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Config holds all application configuration.
type Config struct {
	// Exchange API
	APIKey      string
	SecretKey   string
	TradingMode domain.TradingMode // virtual, testnet, live

	// Universe
	Symbols    []string
	Timeframes []string
	QuoteAsset string

	// Risk
	Risk RiskConfig

	// Scheduling
	CycleIntervals  map[string]time.Duration // timeframe -> cycle cadence
	MonitorInterval time.Duration            // open-trade SL/TP check cadence
	Timezone        *time.Location           // day boundary for the daily trade counter
	TopNSignals     int                      // per cycle, 0 = unlimited

	// Execution
	OrderFillTimeout   time.Duration
	OrderPollInterval  time.Duration
	MaxSubmitAttempts  int
	BackoffMinInterval time.Duration
	BackoffMaxInterval time.Duration
	ExchangeTimeout    time.Duration // per-call deadline for exchange requests

	// Scorer pre-filters
	MinVolume float64
	MinATRPct float64

	// Virtual mode
	VirtualStartBalance float64

	// Database
	DBPath string

	// Logging
	LogLevel   string
	LogBackend string // "std" or "zap"

	// Notifications
	TelegramBotToken string
	TelegramChatID   string
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string

	cfg.APIKey = getEnv("EXCHANGE_API_KEY", "")
	cfg.SecretKey = getEnv("EXCHANGE_API_SECRET", "")

	mode := strings.ToLower(getEnv("TRADING_MODE", string(domain.ModeVirtual)))
	switch domain.TradingMode(mode) {
	case domain.ModeVirtual, domain.ModeTestnet, domain.ModeLive:
		cfg.TradingMode = domain.TradingMode(mode)
	default:
		errs = append(errs, fmt.Sprintf("TRADING_MODE must be one of virtual, testnet, live (got %q)", mode))
	}
	if cfg.TradingMode != domain.ModeVirtual && (cfg.APIKey == "" || cfg.SecretKey == "") {
		errs = append(errs, "EXCHANGE_API_KEY and EXCHANGE_API_SECRET must be set outside virtual mode")
	}

	cfg.Symbols = splitList(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT"))
	if len(cfg.Symbols) == 0 {
		errs = append(errs, "SYMBOLS must list at least one symbol")
	}
	cfg.Timeframes = splitList(getEnv("TIMEFRAMES", "1h"))
	if len(cfg.Timeframes) == 0 {
		errs = append(errs, "TIMEFRAMES must list at least one timeframe")
	}
	cfg.QuoteAsset = getEnv("QUOTE_ASSET", "USDT")

	cfg.Risk = RiskConfig{
		RiskPercentPerTrade: getEnvAsFloat("RISK_PERCENT_PER_TRADE", 0.01),
		MaxPositionPercent:  getEnvAsFloat("MAX_POSITION_PERCENT", 0.2),
		StopLossPercent:     getEnvAsFloat("STOP_LOSS_PERCENT", 0.015),
		TakeProfitPercent:   getEnvAsFloat("TAKE_PROFIT_PERCENT", 0.015),
		MaxDrawdownPercent:  getEnvAsFloat("MAX_DRAWDOWN_PERCENT", 0.15),
		MaxTradesPerDay:     getEnvAsInt("MAX_TRADES_PER_DAY", 5),
		ScoreThreshold:      getEnvAsFloat("SCORE_THRESHOLD", 0.6),
		Leverage:            getEnvAsInt("LEVERAGE", 5),
	}
	if vErr := cfg.Risk.Validate(); vErr != nil {
		errs = append(errs, vErr.Error())
	}

	// One cadence per configured timeframe, overridable per timeframe via
	// CYCLE_INTERVAL_<TF> (e.g., CYCLE_INTERVAL_1H=30m).
	defaultCycle, err := time.ParseDuration(getEnv("CYCLE_INTERVAL", "1m"))
	if err != nil || defaultCycle <= 0 {
		errs = append(errs, "CYCLE_INTERVAL must be a positive duration")
		defaultCycle = time.Minute
	}
	cfg.CycleIntervals = make(map[string]time.Duration, len(cfg.Timeframes))
	for _, tf := range cfg.Timeframes {
		key := "CYCLE_INTERVAL_" + strings.ToUpper(tf)
		if raw := os.Getenv(key); raw != "" {
			d, pErr := time.ParseDuration(raw)
			if pErr != nil || d <= 0 {
				errs = append(errs, fmt.Sprintf("invalid %s: %q", key, raw))
				continue
			}
			cfg.CycleIntervals[tf] = d
		} else {
			cfg.CycleIntervals[tf] = defaultCycle
		}
	}

	cfg.MonitorInterval = getEnvAsDuration("MONITOR_INTERVAL", 5*time.Second)

	tzName := getEnv("ENGINE_TIMEZONE", "UTC")
	loc, tzErr := time.LoadLocation(tzName)
	if tzErr != nil {
		errs = append(errs, fmt.Sprintf("invalid ENGINE_TIMEZONE %q: %v", tzName, tzErr))
		loc = time.UTC
	}
	cfg.Timezone = loc

	cfg.TopNSignals = getEnvAsInt("TOP_N_SIGNALS", 5)
	if cfg.TopNSignals < 0 {
		errs = append(errs, "TOP_N_SIGNALS cannot be negative")
	}

	cfg.OrderFillTimeout = getEnvAsDuration("ORDER_FILL_TIMEOUT", 90*time.Second)
	cfg.OrderPollInterval = getEnvAsDuration("ORDER_POLL_INTERVAL", 2*time.Second)
	cfg.MaxSubmitAttempts = getEnvAsInt("MAX_SUBMIT_ATTEMPTS", 4)
	if cfg.MaxSubmitAttempts <= 0 {
		errs = append(errs, "MAX_SUBMIT_ATTEMPTS must be positive")
	}
	cfg.BackoffMinInterval = getEnvAsDuration("BACKOFF_MIN_INTERVAL", 500*time.Millisecond)
	cfg.BackoffMaxInterval = getEnvAsDuration("BACKOFF_MAX_INTERVAL", 15*time.Second)
	cfg.ExchangeTimeout = getEnvAsDuration("EXCHANGE_TIMEOUT", 30*time.Second)

	cfg.MinVolume = getEnvAsFloat("MIN_VOLUME", 0)
	cfg.MinATRPct = getEnvAsFloat("MIN_ATR_PCT", 0.001)

	cfg.VirtualStartBalance = getEnvAsFloat("VIRTUAL_START_BALANCE", 10000.0)
	if cfg.VirtualStartBalance <= 0 {
		errs = append(errs, "VIRTUAL_START_BALANCE must be positive")
	}

	cfg.DBPath = getEnv("DB_PATH", "./data/auto_trader.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	cfg.LogLevel = getEnv("LOG_LEVEL", "INFO")
	cfg.LogBackend = strings.ToLower(getEnv("LOG_BACKEND", "std"))
	if cfg.LogBackend != "std" && cfg.LogBackend != "zap" {
		errs = append(errs, fmt.Sprintf("LOG_BACKEND must be std or zap (got %q)", cfg.LogBackend))
	}

	cfg.TelegramBotToken = getEnv("TELEGRAM_BOT_TOKEN", "")
	cfg.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", "")

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
