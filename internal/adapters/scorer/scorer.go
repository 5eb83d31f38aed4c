// Package scorer evaluates market data into scored trading signals using a
// fixed set of technical indicators: EMA9/EMA21 crossover, SMA20, RSI, MACD,
// Bollinger bands and ATR.
package scorer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	talib "github.com/markcheno/go-talib"

	"cryptoAutoTrader/internal/domain"
	"cryptoAutoTrader/internal/ports"
)

// minKlines covers the slowest indicator (MACD 26+9) with headroom for the
// warmup values talib leaves as zero.
const minKlines = 60

// Score component weights. MACD agreement and trend alignment carry the most
// weight; RSI extremes and band breakouts add conviction.
const (
	weightMACD     = 0.3
	weightRSI      = 0.2
	weightBreakout = 0.2
	weightTrend    = 0.3
	weightNoTrend  = 0.1
)

// Config holds the scorer's pre-filter thresholds. A symbol failing any
// pre-filter yields a flat signal, not an error.
type Config struct {
	MinVolume float64 // minimum last-candle volume
	MinATRPct float64 // minimum ATR as a fraction of price (volatility floor)
	RSIFloor  float64 // reject when RSI is outside (floor, ceiling)
	RSICeil   float64
}

func (c *Config) applyDefaults() {
	if c.MinATRPct <= 0 {
		c.MinATRPct = 0.001
	}
	if c.RSIFloor <= 0 {
		c.RSIFloor = 20
	}
	if c.RSICeil <= 0 || c.RSICeil <= c.RSIFloor {
		c.RSICeil = 80
	}
}

// Scorer implements ports.SignalScorer with talib indicators.
type Scorer struct {
	cfg    Config
	logger ports.Logger
}

var _ ports.SignalScorer = (*Scorer)(nil)

// New creates a scorer with the given pre-filter configuration.
func New(cfg Config, logger ports.Logger) (*Scorer, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for scorer")
	}
	cfg.applyDefaults()
	return &Scorer{cfg: cfg, logger: logger}, nil
}

// MinDataPoints returns the minimum number of klines the scorer needs.
func (s *Scorer) MinDataPoints() int { return minKlines }

// Score evaluates the given klines and returns a candidate signal. Direction
// is decided by band breakouts first and the EMA21 side otherwise; the score
// aggregates MACD agreement, RSI extremes, breakout strength and trend
// alignment into [0,1].
func (s *Scorer) Score(ctx context.Context, symbol, timeframe string, klines []*domain.Kline) (*domain.Signal, error) {
	if len(klines) < minKlines {
		return nil, fmt.Errorf("need at least %d klines for %s, got %d", minKlines, symbol, len(klines))
	}

	closes := make([]float64, len(klines))
	highs := make([]float64, len(klines))
	lows := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
		highs[i] = k.High
		lows[i] = k.Low
	}
	last := len(klines) - 1
	price := closes[last]
	volume := klines[last].Volume

	ema9 := talib.Ema(closes, 9)[last]
	ema21 := talib.Ema(closes, 21)[last]
	sma20 := talib.Sma(closes, 20)[last]
	rsi := talib.Rsi(closes, 14)[last]
	_, _, macdHist := talib.Macd(closes, 12, 26, 9)
	hist := macdHist[last]
	bbUpper, bbMiddle, bbLower := talib.BBands(closes, 20, 2, 2, talib.SMA)
	upper, lower := bbUpper[last], bbLower[last]
	atr := talib.Atr(highs, lows, closes, 14)[last]

	features := map[string]float64{
		"price":     price,
		"volume":    volume,
		"ema9":      ema9,
		"ema21":     ema21,
		"sma20":     sma20,
		"rsi":       rsi,
		"macd_hist": hist,
		"bb_upper":  upper,
		"bb_middle": bbMiddle[last],
		"bb_lower":  lower,
		"atr":       atr,
	}

	sig := &domain.Signal{
		ID:          uuid.NewString(),
		Symbol:      symbol,
		Timeframe:   timeframe,
		Direction:   domain.Flat,
		Features:    features,
		Status:      domain.SignalPending,
		GeneratedAt: time.Now().UTC(),
	}

	// Pre-filters: dead volume, dead volatility or an RSI already at an
	// untradeable extreme mean no signal for this symbol this cycle.
	if volume < s.cfg.MinVolume || price <= 0 || atr/price < s.cfg.MinATRPct ||
		rsi <= s.cfg.RSIFloor || rsi >= s.cfg.RSICeil {
		s.logger.Debug(ctx, "Symbol filtered out", map[string]interface{}{
			"symbol": symbol, "timeframe": timeframe, "volume": volume, "atrPct": atr / price, "rsi": rsi,
		})
		return sig, nil
	}

	var direction domain.Direction
	breakout := false
	switch {
	case price > upper:
		direction, breakout = domain.Long, true
	case price < lower:
		direction, breakout = domain.Short, true
	case price > ema21:
		direction = domain.Long
	case price < ema21:
		direction = domain.Short
	default:
		return sig, nil
	}

	trend := classifyTrend(ema9, ema21, sma20)

	score := 0.0
	if (direction == domain.Long && hist > 0) || (direction == domain.Short && hist < 0) {
		score += weightMACD
	}
	if rsi < 30 || rsi > 70 {
		score += weightRSI
	}
	if breakout {
		score += weightBreakout
	}
	if (direction == domain.Long && trend == trendUp) || (direction == domain.Short && trend == trendDown) {
		score += weightTrend
	} else {
		score += weightNoTrend
	}

	sig.Direction = direction
	sig.Score = score
	sig.Entry = nearestEntry(price, sma20, ema9, ema21)

	s.logger.Debug(ctx, "Signal scored", map[string]interface{}{
		"symbol": symbol, "timeframe": timeframe, "direction": direction, "score": score, "entry": sig.Entry,
	})
	return sig, nil
}

type trend int

const (
	trendNeutral trend = iota
	trendUp
	trendDown
)

func classifyTrend(ema9, ema21, sma20 float64) trend {
	switch {
	case ema9 > ema21 && ema21 > sma20:
		return trendUp
	case ema9 < ema21 && ema21 < sma20:
		return trendDown
	default:
		return trendNeutral
	}
}

// nearestEntry picks the moving average closest to the current price as the
// proposed entry, a pullback level rather than a market chase.
func nearestEntry(price float64, candidates ...float64) float64 {
	best := price
	bestDist := math.Inf(1)
	for _, c := range candidates {
		if c <= 0 {
			continue
		}
		if d := math.Abs(c - price); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}
