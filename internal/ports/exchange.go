package ports

import (
	"context"
	"time"

	"cryptoAutoTrader/internal/domain"
)

// OrderRequest describes an order submission. ClientOrderID must be set by
// the caller; the exchange deduplicates on it, which is what makes retried
// submissions safe.
type OrderRequest struct {
	Symbol        string
	Side          domain.OrderSide
	Type          domain.OrderType
	Quantity      float64
	StopPrice     float64 // trigger price for stop-loss/take-profit orders, 0 for entries
	ReduceOnly    bool    // protective orders only reduce the position
	ClientOrderID string
}

// OrderAck is the exchange's view of an order after submission or a status
// query.
type OrderAck struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Side            domain.OrderSide
	State           domain.OrderState
	AvgFillPrice    float64
	ExecutedQty     float64
	OrigQty         float64
	UpdatedAt       time.Time
}

// PositionInfo is an open position as reported by the exchange. Quantity is
// positive for long, negative for short.
type PositionInfo struct {
	Symbol           string
	Quantity         float64
	EntryPrice       float64
	MarkPrice        float64
	UnrealizedProfit float64
	Leverage         int
}

// ExchangeClient defines the interface for interacting with a cryptocurrency
// exchange. All calls are idempotent when given the same ClientOrderID, and
// every call honours context deadlines.
type ExchangeClient interface {
	// GetBalance retrieves total equity and available balance for an asset (e.g., "USDT").
	GetBalance(ctx context.Context, asset string) (equity, available float64, err error)

	// GetTickerPrice retrieves the last traded price for a symbol.
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)

	// GetMinOrderSize returns the minimum order quantity the exchange accepts
	// for a symbol.
	GetMinOrderSize(ctx context.Context, symbol string) (float64, error)

	// SetLeverage sets the leverage for a symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// PlaceOrder submits an order. Re-submitting with the same ClientOrderID
	// returns ErrDuplicateOrder instead of creating a second order.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)

	// CancelOrder cancels an open order by its exchange id.
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error

	// GetOrderStatus queries an order by its client order id.
	GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (*OrderAck, error)

	// GetOpenPositions lists all open positions on the account.
	GetOpenPositions(ctx context.Context) ([]PositionInfo, error)

	// GetKlines retrieves historical klines for the given symbol and interval.
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error)
}
