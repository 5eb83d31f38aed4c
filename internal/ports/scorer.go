package ports

import (
	"context"

	"cryptoAutoTrader/internal/domain"
)

// SignalScorer turns market data for one symbol/timeframe into a scored
// candidate signal. A scorer that sees no opportunity returns a signal with
// direction Flat rather than an error; errors are reserved for failures to
// evaluate at all.
type SignalScorer interface {
	// MinDataPoints returns the minimum number of klines the scorer needs.
	MinDataPoints() int

	// Score evaluates the given klines and returns a candidate signal.
	Score(ctx context.Context, symbol, timeframe string, klines []*domain.Kline) (*domain.Signal, error)
}
