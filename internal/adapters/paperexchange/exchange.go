// Package paperexchange simulates an exchange account in memory while
// sourcing real market data from a wrapped client. It is the virtual trading
// mode: order flow, balances and position lifecycle behave like the live
// exchange, but no order ever leaves the process.
package paperexchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cryptoAutoTrader/internal/domain"
	"cryptoAutoTrader/internal/ports"
)

// paperOrder is the simulated exchange's record of one order.
type paperOrder struct {
	id            int64
	clientOrderID string
	symbol        string
	side          domain.OrderSide
	orderType     domain.OrderType
	quantity      decimal.Decimal
	stopPrice     decimal.Decimal
	reduceOnly    bool
	state         domain.OrderState
	fillPrice     decimal.Decimal
	updatedAt     time.Time
}

// paperPosition is an open simulated position. Quantity is positive for long,
// negative for short, matching the live exchange's convention.
type paperPosition struct {
	symbol     string
	quantity   decimal.Decimal
	entryPrice decimal.Decimal
	leverage   int
}

// Exchange implements ports.ExchangeClient against an in-memory ledger.
// Market data calls are delegated to the wrapped client so the simulation
// trades against real prices.
type Exchange struct {
	market ports.ExchangeClient
	logger ports.Logger

	mu        sync.Mutex
	equity    decimal.Decimal
	available decimal.Decimal
	positions map[string]*paperPosition
	orders    map[string]*paperOrder // keyed by client order id
	leverage  map[string]int
	nextID    int64
}

var _ ports.ExchangeClient = (*Exchange)(nil)

// Config holds the paper exchange settings.
type Config struct {
	Market         ports.ExchangeClient // real client used for prices and klines
	Logger         ports.Logger
	StartBalance   float64 // initial equity in the quote asset
	DefaultMinSize float64 // fallback when the market client cannot be asked
}

// New creates a paper exchange with the given starting balance.
func New(cfg Config) (*Exchange, error) {
	if cfg.Market == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("market client and logger are required for paper exchange")
	}
	if cfg.StartBalance <= 0 {
		cfg.StartBalance = 10000
	}
	start := decimal.NewFromFloat(cfg.StartBalance)
	cfg.Logger.Info(context.Background(), "Paper exchange initialized", map[string]interface{}{"startBalance": cfg.StartBalance})
	return &Exchange{
		market:    cfg.Market,
		logger:    cfg.Logger,
		equity:    start,
		available: start,
		positions: make(map[string]*paperPosition),
		orders:    make(map[string]*paperOrder),
		leverage:  make(map[string]int),
		nextID:    1,
	}, nil
}

// GetBalance returns the simulated equity and available balance. The asset
// argument is ignored; the ledger tracks a single quote asset.
func (e *Exchange) GetBalance(ctx context.Context, asset string) (float64, float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.equity.InexactFloat64(), e.available.InexactFloat64(), nil
}

// GetTickerPrice delegates to the wrapped market data client.
func (e *Exchange) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	return e.market.GetTickerPrice(ctx, symbol)
}

// GetMinOrderSize delegates to the wrapped market data client.
func (e *Exchange) GetMinOrderSize(ctx context.Context, symbol string) (float64, error) {
	return e.market.GetMinOrderSize(ctx, symbol)
}

// GetKlines delegates to the wrapped market data client.
func (e *Exchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error) {
	return e.market.GetKlines(ctx, symbol, interval, limit)
}

// SetLeverage records the leverage used for margin accounting on new fills.
func (e *Exchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage <= 0 {
		return fmt.Errorf("%w: leverage must be positive", ports.ErrInvalidRequest)
	}
	e.mu.Lock()
	e.leverage[symbol] = leverage
	e.mu.Unlock()
	return nil
}

// PlaceOrder simulates an order submission. Market orders fill immediately at
// the current ticker price; stop-loss and take-profit orders rest until a
// status query observes their trigger price crossed. Duplicate client order
// ids are rejected exactly like the live exchange rejects them.
func (e *Exchange) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderAck, error) {
	if req.ClientOrderID == "" {
		return nil, fmt.Errorf("%w: client order id is required", ports.ErrInvalidRequest)
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ports.ErrInvalidRequest)
	}

	price, err := e.market.GetTickerPrice(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("fetching fill price: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.orders[req.ClientOrderID]; exists {
		return nil, fmt.Errorf("order %s: %w", req.ClientOrderID, ports.ErrDuplicateOrder)
	}

	order := &paperOrder{
		id:            e.nextID,
		clientOrderID: req.ClientOrderID,
		symbol:        req.Symbol,
		side:          req.Side,
		orderType:     req.Type,
		quantity:      decimal.NewFromFloat(req.Quantity),
		stopPrice:     decimal.NewFromFloat(req.StopPrice),
		reduceOnly:    req.ReduceOnly,
		state:         domain.OrderAcknowledged,
		updatedAt:     time.Now().UTC(),
	}
	e.nextID++

	if req.Type == domain.OrderTypeEntry {
		if err := e.fillLocked(order, decimal.NewFromFloat(price)); err != nil {
			order.state = domain.OrderRejected
			e.orders[req.ClientOrderID] = order
			return nil, err
		}
	}
	e.orders[req.ClientOrderID] = order

	e.logger.Debug(ctx, "Paper order accepted", map[string]interface{}{
		"clientOrderID": req.ClientOrderID, "symbol": req.Symbol, "type": req.Type, "state": order.state,
	})
	return e.ackLocked(order), nil
}

// CancelOrder cancels a resting order by its exchange id.
func (e *Exchange) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	id, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid order id %q", ports.ErrInvalidRequest, exchangeOrderID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, order := range e.orders {
		if order.id != id || order.symbol != symbol {
			continue
		}
		if order.state.IsTerminal() {
			return fmt.Errorf("order %s already %s: %w", exchangeOrderID, order.state, ports.ErrOrderNotFound)
		}
		order.state = domain.OrderCancelled
		order.updatedAt = time.Now().UTC()
		return nil
	}
	return fmt.Errorf("order %s: %w", exchangeOrderID, ports.ErrOrderNotFound)
}

// GetOrderStatus returns the order's current state. Resting conditional
// orders are checked against the live price first, so polling drives the
// trigger simulation.
func (e *Exchange) GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (*ports.OrderAck, error) {
	e.mu.Lock()
	order, ok := e.orders[clientOrderID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("order %s: %w", clientOrderID, ports.ErrOrderNotFound)
	}

	if !order.state.IsTerminal() && order.orderType != domain.OrderTypeEntry {
		price, err := e.market.GetTickerPrice(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("fetching trigger price: %w", err)
		}
		e.mu.Lock()
		e.maybeTriggerLocked(ctx, order, decimal.NewFromFloat(price))
		e.mu.Unlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ackLocked(order), nil
}

// GetOpenPositions lists the simulated open positions.
func (e *Exchange) GetOpenPositions(ctx context.Context) ([]ports.PositionInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]ports.PositionInfo, 0, len(e.positions))
	for _, pos := range e.positions {
		out = append(out, ports.PositionInfo{
			Symbol:     pos.symbol,
			Quantity:   pos.quantity.InexactFloat64(),
			EntryPrice: pos.entryPrice.InexactFloat64(),
			Leverage:   pos.leverage,
		})
	}
	return out, nil
}

// fillLocked applies a market fill to the ledger. Entry fills open or extend
// a position and lock margin; reduce-only fills shrink the position and
// realize PnL into equity.
func (e *Exchange) fillLocked(order *paperOrder, price decimal.Decimal) error {
	signedQty := order.quantity
	if order.side == domain.Sell {
		signedQty = signedQty.Neg()
	}

	pos := e.positions[order.symbol]
	if order.reduceOnly {
		if pos == nil || pos.quantity.Sign() == signedQty.Sign() {
			return fmt.Errorf("reduce-only order %s has no position to reduce: %w", order.clientOrderID, ports.ErrOrderPlacementFailed)
		}
		e.reduceLocked(pos, signedQty, price)
	} else {
		leverage := e.leverage[order.symbol]
		if leverage <= 0 {
			leverage = 1
		}
		margin := order.quantity.Mul(price).Div(decimal.NewFromInt(int64(leverage)))
		if margin.GreaterThan(e.available) {
			return fmt.Errorf("margin %s exceeds available %s: %w", margin, e.available, ports.ErrInsufficientFunds)
		}
		e.available = e.available.Sub(margin)
		if pos == nil {
			e.positions[order.symbol] = &paperPosition{
				symbol:     order.symbol,
				quantity:   signedQty,
				entryPrice: price,
				leverage:   leverage,
			}
		} else {
			// Extend at weighted average entry.
			oldNotional := pos.quantity.Mul(pos.entryPrice)
			newNotional := signedQty.Mul(price)
			pos.quantity = pos.quantity.Add(signedQty)
			if !pos.quantity.IsZero() {
				pos.entryPrice = oldNotional.Add(newNotional).Div(pos.quantity)
			}
		}
	}

	order.state = domain.OrderFilled
	order.fillPrice = price
	order.updatedAt = time.Now().UTC()
	return nil
}

// reduceLocked shrinks a position by the signed fill quantity and realizes
// the PnL of the reduced part.
func (e *Exchange) reduceLocked(pos *paperPosition, signedQty, price decimal.Decimal) {
	reduceQty := signedQty.Abs()
	if reduceQty.GreaterThan(pos.quantity.Abs()) {
		reduceQty = pos.quantity.Abs()
	}

	direction := decimal.NewFromInt(1)
	if pos.quantity.Sign() < 0 {
		direction = decimal.NewFromInt(-1)
	}
	pnl := price.Sub(pos.entryPrice).Mul(reduceQty).Mul(direction)
	margin := reduceQty.Mul(pos.entryPrice).Div(decimal.NewFromInt(int64(pos.leverage)))

	e.equity = e.equity.Add(pnl)
	e.available = e.available.Add(margin).Add(pnl)

	if pos.quantity.Sign() > 0 {
		pos.quantity = pos.quantity.Sub(reduceQty)
	} else {
		pos.quantity = pos.quantity.Add(reduceQty)
	}
	if pos.quantity.IsZero() {
		delete(e.positions, pos.symbol)
	}
}

// maybeTriggerLocked fills a resting conditional order when the live price
// crosses its trigger. A stop-loss for a long triggers at or below the stop
// price; mirrored for shorts and take-profits.
func (e *Exchange) maybeTriggerLocked(ctx context.Context, order *paperOrder, price decimal.Decimal) {
	var triggered bool
	switch order.orderType {
	case domain.OrderTypeStopLoss:
		if order.side == domain.Sell { // protecting a long
			triggered = price.LessThanOrEqual(order.stopPrice)
		} else { // protecting a short
			triggered = price.GreaterThanOrEqual(order.stopPrice)
		}
	case domain.OrderTypeTakeProfit:
		if order.side == domain.Sell {
			triggered = price.GreaterThanOrEqual(order.stopPrice)
		} else {
			triggered = price.LessThanOrEqual(order.stopPrice)
		}
	}
	if !triggered {
		return
	}

	if err := e.fillLocked(order, order.stopPrice); err != nil {
		// Position already gone (sibling order filled first); cancel instead.
		order.state = domain.OrderCancelled
		order.updatedAt = time.Now().UTC()
		return
	}
	e.logger.Debug(ctx, "Paper conditional order triggered", map[string]interface{}{
		"clientOrderID": order.clientOrderID, "symbol": order.symbol, "type": order.orderType,
		"stopPrice": order.stopPrice.InexactFloat64(),
	})
}

func (e *Exchange) ackLocked(order *paperOrder) *ports.OrderAck {
	ack := &ports.OrderAck{
		ExchangeOrderID: strconv.FormatInt(order.id, 10),
		ClientOrderID:   order.clientOrderID,
		Symbol:          order.symbol,
		Side:            order.side,
		State:           order.state,
		OrigQty:         order.quantity.InexactFloat64(),
		UpdatedAt:       order.updatedAt,
	}
	if order.state == domain.OrderFilled {
		ack.AvgFillPrice = order.fillPrice.InexactFloat64()
		ack.ExecutedQty = order.quantity.InexactFloat64()
	}
	return ack
}
