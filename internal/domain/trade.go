package domain

import "time"

// Trade aggregates one entry order with its protective stop-loss/take-profit
// orders, from open to close. It is created when the entry order is
// acknowledged and closed when the position fully exits.
type Trade struct {
	ID        int64  // assigned by the repository
	SignalID  string // signal that produced this trade, empty for external positions
	Symbol    string
	Direction Direction
	Quantity  float64
	Leverage  int

	EntryPrice float64
	ExitPrice  float64 // 0 while open
	StopLoss   float64
	TakeProfit float64
	PNL        float64 // realized, calculated on close

	EntryOrderID      string // exchange id of the entry order
	ClientOrderID     string // idempotency key used for the entry submission
	StopLossOrderID   *string
	TakeProfitOrderID *string

	Status      TradeStatus
	CloseReason CloseReason
	External    bool // position found on the exchange but not opened by the engine; not auto-managed

	OpenedAt time.Time
	ClosedAt time.Time // zero value while open
}

// IsOpen checks if the trade status is open.
func (t *Trade) IsOpen() bool {
	return t.Status == TradeOpen
}

// RealizedPNL computes the realized profit for a full exit at the given price.
func (t *Trade) RealizedPNL(exitPrice float64) float64 {
	return (exitPrice - t.EntryPrice) * t.Quantity * t.Direction.Sign()
}
