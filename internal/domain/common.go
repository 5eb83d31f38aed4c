package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Direction is the direction of a trading opportunity.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
	Flat  Direction = "FLAT" // no opportunity
)

// EntrySide returns the order side that opens a position in this direction.
func (d Direction) EntrySide() OrderSide {
	if d == Short {
		return Sell
	}
	return Buy
}

// ExitSide returns the order side that closes a position in this direction.
func (d Direction) ExitSide() OrderSide {
	if d == Short {
		return Buy
	}
	return Sell
}

// Sign returns +1 for long, -1 for short. Used in PnL calculations.
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// TradingMode selects which exchange adapter the engine trades against.
type TradingMode string

const (
	ModeVirtual TradingMode = "virtual"
	ModeTestnet TradingMode = "testnet"
	ModeLive    TradingMode = "live"
)

// SignalStatus is the lifecycle state of a Signal. Terminal statuses are
// approved, rejected and expired; a terminal signal is never mutated again.
type SignalStatus string

const (
	SignalPending  SignalStatus = "pending"
	SignalApproved SignalStatus = "approved"
	SignalRejected SignalStatus = "rejected"
	SignalExpired  SignalStatus = "expired"
)

// OrderType distinguishes the role an order plays within a trade.
type OrderType string

const (
	OrderTypeEntry      OrderType = "entry"
	OrderTypeStopLoss   OrderType = "stop_loss"
	OrderTypeTakeProfit OrderType = "take_profit"
)

// OrderState tracks an order through its exchange lifecycle.
// Filled, cancelled, rejected and failed are terminal.
type OrderState string

const (
	OrderSubmitted    OrderState = "submitted"
	OrderAcknowledged OrderState = "acknowledged"
	OrderFilled       OrderState = "filled"
	OrderCancelled    OrderState = "cancelled"
	OrderRejected     OrderState = "rejected"
	OrderFailed       OrderState = "failed"
)

// IsTerminal reports whether the order can no longer change state.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderFailed:
		return true
	}
	return false
}

// TradeStatus represents the status of a trade.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "open"
	TradeClosed TradeStatus = "closed"
)

// CloseReason indicates why a trade was closed.
type CloseReason string

const (
	CloseReasonStopLoss    CloseReason = "SL"
	CloseReasonTakeProfit  CloseReason = "TP"
	CloseReasonManual      CloseReason = "MANUAL"
	CloseReasonLiquidation CloseReason = "LIQUIDATION"
	CloseReasonReconciled  CloseReason = "RECONCILED" // closed locally because the exchange no longer reports the position
	CloseReasonUnknown     CloseReason = "UNKNOWN"
)
