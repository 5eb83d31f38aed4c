package domain

import "time"

// Signal is a scored trading opportunity for one symbol/timeframe at a point
// in time. Features is an open mapping of indicator name to value so scorers
// can attach whatever they computed without a schema change.
type Signal struct {
	ID          string             // UUID assigned at generation time
	Symbol      string             // Trading symbol (e.g., "ETHUSDT")
	Timeframe   string             // Kline interval the signal was derived from (e.g., "1h")
	Direction   Direction          // LONG, SHORT or FLAT
	Score       float64            // Confidence score in [0,1]
	Entry       float64            // Proposed entry price
	Features    map[string]float64 // Indicator snapshot (rsi, ema21, macd_hist, ...)
	Status      SignalStatus       // pending until the risk decision lands
	GeneratedAt time.Time
}

// IsActionable reports whether the signal proposes a trade at all.
func (s *Signal) IsActionable() bool {
	return s != nil && s.Direction != Flat && s.Direction != ""
}

// RiskDecision is the accept/reject/size verdict produced from a Signal.
// It is created exactly once per evaluation and never mutated afterwards.
type RiskDecision struct {
	SignalID   string
	Symbol     string
	Direction  Direction
	Approved   bool
	SizeUnits  float64 // position size in base units
	SizeQuote  float64 // position notional in quote currency
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	Leverage   int
	Reason     string // rejection reason, empty when approved
	DecidedAt  time.Time
}
