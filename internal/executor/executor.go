package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"cryptoAutoTrader/internal/domain"
	"cryptoAutoTrader/internal/portfolio"
	"cryptoAutoTrader/internal/ports"
)

// clientOrderPrefix namespaces our client order ids on the exchange.
const clientOrderPrefix = "cat-"

// Config holds the executor's retry and timeout knobs.
type Config struct {
	FillTimeout  time.Duration // how long to wait for the entry order to fill
	PollInterval time.Duration // order status polling cadence
	MaxAttempts  int           // submission attempts per order
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	CallTimeout  time.Duration // per exchange call deadline
}

func (c *Config) applyDefaults() {
	if c.FillTimeout <= 0 {
		c.FillTimeout = 90 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 15 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
}

// Executor turns approved risk decisions into exchange orders and tracks
// them until they reach a terminal state.
type Executor struct {
	cfg      Config
	exchange ports.ExchangeClient
	trades   ports.TradeRepository
	state    *portfolio.State
	notifier ports.Notifier
	logger   ports.Logger
}

// New creates a trade executor.
func New(cfg Config, exchange ports.ExchangeClient, trades ports.TradeRepository, state *portfolio.State, notifier ports.Notifier, logger ports.Logger) (*Executor, error) {
	if exchange == nil || trades == nil || state == nil || notifier == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for executor")
	}
	cfg.applyDefaults()
	return &Executor{cfg: cfg, exchange: exchange, trades: trades, state: state, notifier: notifier, logger: logger}, nil
}

// ClientOrderID derives the idempotency key for a signal's entry order.
// Deterministic per signal: a retried submission reuses the same id and the
// exchange deduplicates it, so a retry after a timeout cannot double-open.
func ClientOrderID(signalID string) string {
	return clientOrderPrefix + signalID
}

// Execute submits the entry order for an approved decision, places its
// protective SL/TP orders once the entry fills, persists the resulting trade
// and updates the portfolio state.
func (e *Executor) Execute(ctx context.Context, decision *domain.RiskDecision) (*domain.Trade, error) {
	op := "Execute"
	if decision == nil || !decision.Approved {
		return nil, &ExecutionError{Kind: KindRejected, Symbol: symbolOf(decision), Err: fmt.Errorf("decision is not approved")}
	}

	// Final guard against races between the risk check and submission. The
	// reservation holds the symbol's slot for the duration of the execution;
	// RecordOpen consumes it and Release is a no-op afterwards.
	if !e.state.TryReserve(decision.Symbol) {
		return nil, &ExecutionError{Kind: KindRejected, Symbol: decision.Symbol, Err: ports.ErrPositionAlreadyOpen}
	}
	defer e.state.Release(decision.Symbol)

	clientOrderID := ClientOrderID(decision.SignalID)
	entryReq := ports.OrderRequest{
		Symbol:        decision.Symbol,
		Side:          decision.Direction.EntrySide(),
		Type:          domain.OrderTypeEntry,
		Quantity:      decision.SizeUnits,
		ClientOrderID: clientOrderID,
	}

	e.logger.Info(ctx, op+": submitting entry order", map[string]interface{}{
		"symbol": decision.Symbol, "side": entryReq.Side, "quantity": decision.SizeUnits, "clientOrderID": clientOrderID,
	})
	entryAck, err := e.submitWithRetry(ctx, entryReq)
	if err != nil {
		return nil, e.classify(decision.Symbol, err)
	}

	entryAck, err = e.awaitTerminal(ctx, decision.Symbol, clientOrderID, entryAck)
	if err != nil {
		var execErr *ExecutionError
		if errors.As(err, &execErr) && execErr.Kind == KindTimeout {
			e.unwindPartialFill(ctx, decision, clientOrderID)
		}
		return nil, err
	}
	if entryAck.State != domain.OrderFilled {
		if entryAck.ExecutedQty > 0 {
			e.logger.Warn(ctx, op+": entry partially filled before reaching terminal state, flattening", map[string]interface{}{
				"symbol": decision.Symbol, "state": entryAck.State, "executedQty": entryAck.ExecutedQty,
			})
			e.emergencyClose(ctx, decision, clientOrderID, entryAck.ExecutedQty)
		}
		return nil, &ExecutionError{Kind: KindRejected, Symbol: decision.Symbol,
			Err: fmt.Errorf("entry order ended in state %s: %w", entryAck.State, ports.ErrOrderPlacementFailed)}
	}

	entryPrice := entryAck.AvgFillPrice
	if entryPrice == 0 {
		e.logger.Warn(ctx, op+": fill price missing from ack, falling back to decision entry", map[string]interface{}{
			"symbol": decision.Symbol, "fallback": decision.EntryPrice,
		})
		entryPrice = decision.EntryPrice
	}
	filledQty := entryAck.ExecutedQty
	if filledQty == 0 {
		filledQty = decision.SizeUnits
	}

	slAck, tpAck, err := e.placeProtectiveOrders(ctx, decision, clientOrderID, filledQty)
	if err != nil {
		// We hold an unprotected position. Flatten it before reporting the failure.
		e.logger.Warn(ctx, op+": protective order placement failed, flattening position", map[string]interface{}{"symbol": decision.Symbol})
		e.emergencyClose(ctx, decision, clientOrderID, filledQty)
		return nil, e.classify(decision.Symbol, err)
	}

	trade := &domain.Trade{
		SignalID:          decision.SignalID,
		Symbol:            decision.Symbol,
		Direction:         decision.Direction,
		Quantity:          filledQty,
		Leverage:          decision.Leverage,
		EntryPrice:        entryPrice,
		StopLoss:          decision.StopLoss,
		TakeProfit:        decision.TakeProfit,
		EntryOrderID:      entryAck.ExchangeOrderID,
		ClientOrderID:     clientOrderID,
		StopLossOrderID:   strPtr(slAck.ExchangeOrderID),
		TakeProfitOrderID: strPtr(tpAck.ExchangeOrderID),
		Status:            domain.TradeOpen,
		OpenedAt:          time.Now().UTC(),
	}

	id, err := e.trades.CreateTrade(ctx, trade)
	if err != nil {
		// Orders exist on the exchange but we failed to record them. Unwind
		// rather than trade untracked.
		e.logger.Error(ctx, err, op+": failed to persist trade, unwinding orders", map[string]interface{}{"symbol": decision.Symbol})
		e.cancelQuietly(ctx, decision.Symbol, slAck.ExchangeOrderID, "SL")
		e.cancelQuietly(ctx, decision.Symbol, tpAck.ExchangeOrderID, "TP")
		e.emergencyClose(ctx, decision, clientOrderID, filledQty)
		return nil, &ExecutionError{Kind: KindFatal, Symbol: decision.Symbol, Err: fmt.Errorf("persisting trade: %w", err)}
	}
	trade.ID = id

	e.state.RecordOpen(trade)
	e.notifier.Publish(ctx, domain.Event{
		Type:       domain.EventTradeOpened,
		Symbol:     trade.Symbol,
		Message:    fmt.Sprintf("opened %s %s qty=%.6f entry=%.4f sl=%.4f tp=%.4f", trade.Direction, trade.Symbol, trade.Quantity, trade.EntryPrice, trade.StopLoss, trade.TakeProfit),
		Trade:      trade,
		OccurredAt: time.Now().UTC(),
	})
	e.logger.Info(ctx, op+": trade opened", map[string]interface{}{
		"tradeID": trade.ID, "symbol": trade.Symbol, "entryPrice": trade.EntryPrice, "quantity": trade.Quantity,
	})
	return trade, nil
}

// MonitorOpenTrades checks whether any protective order of an open trade has
// filled and closes the trade accordingly. It runs every monitoring tick,
// including while the loop is paused: pausing stops new entries, not the
// management of existing positions.
func (e *Executor) MonitorOpenTrades(ctx context.Context) {
	for _, trade := range e.state.OpenTrades() {
		if trade.External {
			continue
		}
		if err := e.monitorTrade(ctx, trade); err != nil {
			e.logger.Error(ctx, err, "Trade monitoring failed, will retry next tick", map[string]interface{}{
				"tradeID": trade.ID, "symbol": trade.Symbol,
			})
		}
	}
}

func (e *Executor) monitorTrade(ctx context.Context, trade *domain.Trade) error {
	slFilled, slPrice, err := e.protectiveFilled(ctx, trade.Symbol, trade.ClientOrderID+"-sl", trade.StopLossOrderID)
	if err != nil {
		return err
	}
	if slFilled {
		e.cancelQuietly(ctx, trade.Symbol, deref(trade.TakeProfitOrderID), "TP")
		return e.closeTrade(ctx, trade, domain.CloseReasonStopLoss, fallbackPrice(slPrice, trade.StopLoss))
	}

	tpFilled, tpPrice, err := e.protectiveFilled(ctx, trade.Symbol, trade.ClientOrderID+"-tp", trade.TakeProfitOrderID)
	if err != nil {
		return err
	}
	if tpFilled {
		e.cancelQuietly(ctx, trade.Symbol, deref(trade.StopLossOrderID), "SL")
		return e.closeTrade(ctx, trade, domain.CloseReasonTakeProfit, fallbackPrice(tpPrice, trade.TakeProfit))
	}
	return nil
}

// protectiveFilled reports whether the given protective order has filled,
// and at what price.
func (e *Executor) protectiveFilled(ctx context.Context, symbol, clientOrderID string, exchangeOrderID *string) (bool, float64, error) {
	if exchangeOrderID == nil || *exchangeOrderID == "" {
		return false, 0, nil
	}
	ack, err := e.queryOrder(ctx, symbol, clientOrderID)
	if err != nil {
		if errors.Is(err, ports.ErrOrderNotFound) {
			return false, 0, nil
		}
		return false, 0, err
	}
	return ack.State == domain.OrderFilled, ack.AvgFillPrice, nil
}

// closeTrade finalizes a fully exited trade. Persistence failures abort the
// in-memory close so the next monitoring tick retries; trade state must
// never be dropped silently.
func (e *Executor) closeTrade(ctx context.Context, trade *domain.Trade, reason domain.CloseReason, exitPrice float64) error {
	trade.ExitPrice = exitPrice
	trade.PNL = trade.RealizedPNL(exitPrice)
	trade.Status = domain.TradeClosed
	trade.CloseReason = reason
	trade.ClosedAt = time.Now().UTC()

	if err := e.trades.UpdateTrade(ctx, trade); err != nil {
		trade.Status = domain.TradeOpen
		trade.ClosedAt = time.Time{}
		return fmt.Errorf("persisting closed trade %d: %w", trade.ID, err)
	}

	e.state.RecordClose(trade)
	e.notifier.Publish(ctx, domain.Event{
		Type:       domain.EventTradeClosed,
		Symbol:     trade.Symbol,
		Message:    fmt.Sprintf("closed %s %s (%s) pnl=%.4f", trade.Direction, trade.Symbol, reason, trade.PNL),
		Trade:      trade,
		OccurredAt: time.Now().UTC(),
	})
	e.logger.Info(ctx, "Trade closed", map[string]interface{}{
		"tradeID": trade.ID, "symbol": trade.Symbol, "reason": reason, "pnl": trade.PNL,
	})
	return nil
}

// submitWithRetry places an order, retrying transient failures with
// exponential backoff. A duplicate-order response means an earlier attempt
// landed; the existing order is fetched and treated as the ack.
func (e *Executor) submitWithRetry(ctx context.Context, req ports.OrderRequest) (*ports.OrderAck, error) {
	b := &backoff.Backoff{Min: e.cfg.BackoffMin, Max: e.cfg.BackoffMax, Factor: 2, Jitter: true}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		ack, err := e.exchange.PlaceOrder(callCtx, req)
		cancel()
		if err == nil {
			return ack, nil
		}
		if errors.Is(err, ports.ErrDuplicateOrder) {
			e.logger.Info(ctx, "Order already exists on exchange, using original", map[string]interface{}{
				"clientOrderID": req.ClientOrderID,
			})
			return e.queryOrder(ctx, req.Symbol, req.ClientOrderID)
		}
		if !ports.IsTransient(err) {
			return nil, err
		}
		lastErr = err
		if attempt == e.cfg.MaxAttempts {
			break
		}
		wait := b.Duration()
		e.logger.Warn(ctx, "Transient order submission failure, retrying", map[string]interface{}{
			"clientOrderID": req.ClientOrderID, "attempt": attempt, "wait": wait.String(), "error": err.Error(),
		})
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ports.ErrContextCanceled, ctx.Err())
		}
	}
	return nil, fmt.Errorf("submission attempts exhausted: %w", lastErr)
}

// awaitTerminal polls the entry order until it reaches a terminal state. If
// the fill timeout expires first, the order is cancelled and a timeout error
// is returned.
func (e *Executor) awaitTerminal(ctx context.Context, symbol, clientOrderID string, ack *ports.OrderAck) (*ports.OrderAck, error) {
	if ack != nil && ack.State.IsTerminal() {
		return ack, nil
	}
	deadline := time.NewTimer(e.cfg.FillTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			current, err := e.queryOrder(ctx, symbol, clientOrderID)
			if err != nil {
				if ports.IsTransient(err) {
					continue // keep polling, the deadline bounds us
				}
				return nil, e.classify(symbol, err)
			}
			if current.State.IsTerminal() {
				return current, nil
			}
		case <-deadline.C:
			e.logger.Warn(ctx, "Entry order did not fill in time, cancelling", map[string]interface{}{
				"symbol": symbol, "clientOrderID": clientOrderID, "timeout": e.cfg.FillTimeout.String(),
			})
			if ack != nil {
				e.cancelQuietly(ctx, symbol, ack.ExchangeOrderID, "entry")
			}
			return nil, &ExecutionError{Kind: KindTimeout, Symbol: symbol,
				Err: fmt.Errorf("entry order not filled within %s: %w", e.cfg.FillTimeout, ports.ErrTimeout)}
		case <-ctx.Done():
			return nil, &ExecutionError{Kind: KindTransient, Symbol: symbol,
				Err: fmt.Errorf("%w: %w", ports.ErrContextCanceled, ctx.Err())}
		}
	}
}

// placeProtectiveOrders submits the SL and TP orders as reduce-only
// conditional orders referencing the filled entry quantity.
func (e *Executor) placeProtectiveOrders(ctx context.Context, decision *domain.RiskDecision, entryClientID string, qty float64) (slAck, tpAck *ports.OrderAck, err error) {
	exitSide := decision.Direction.ExitSide()

	slAck, err = e.submitWithRetry(ctx, ports.OrderRequest{
		Symbol:        decision.Symbol,
		Side:          exitSide,
		Type:          domain.OrderTypeStopLoss,
		Quantity:      qty,
		StopPrice:     decision.StopLoss,
		ReduceOnly:    true,
		ClientOrderID: entryClientID + "-sl",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("stop loss order failed: %w", err)
	}

	tpAck, err = e.submitWithRetry(ctx, ports.OrderRequest{
		Symbol:        decision.Symbol,
		Side:          exitSide,
		Type:          domain.OrderTypeTakeProfit,
		Quantity:      qty,
		StopPrice:     decision.TakeProfit,
		ReduceOnly:    true,
		ClientOrderID: entryClientID + "-tp",
	})
	if err != nil {
		e.cancelQuietly(ctx, decision.Symbol, slAck.ExchangeOrderID, "SL")
		return nil, nil, fmt.Errorf("take profit order failed: %w", err)
	}
	return slAck, tpAck, nil
}

// unwindPartialFill flattens whatever portion of a cancelled entry order had
// already executed. Cancelling after the fill timeout does not undo partial
// fills; leaving one open would be an untracked position.
func (e *Executor) unwindPartialFill(ctx context.Context, decision *domain.RiskDecision, clientOrderID string) {
	ack, err := e.queryOrder(ctx, decision.Symbol, clientOrderID)
	if err != nil {
		if errors.Is(err, ports.ErrOrderNotFound) {
			return
		}
		e.logger.Error(ctx, err, "Could not verify executed quantity after cancel, manual check required", map[string]interface{}{
			"symbol": decision.Symbol, "clientOrderID": clientOrderID,
		})
		return
	}
	if ack.ExecutedQty <= 0 {
		return
	}
	e.logger.Warn(ctx, "Entry partially filled before cancel, flattening", map[string]interface{}{
		"symbol": decision.Symbol, "executedQty": ack.ExecutedQty,
	})
	e.emergencyClose(ctx, decision, clientOrderID, ack.ExecutedQty)
}

// emergencyClose flattens the just-opened exposure with a reduce-only market
// order. Purely an exchange-side safety: DB state may not exist yet.
func (e *Executor) emergencyClose(ctx context.Context, decision *domain.RiskDecision, entryClientID string, qty float64) {
	_, err := e.submitWithRetry(ctx, ports.OrderRequest{
		Symbol:        decision.Symbol,
		Side:          decision.Direction.ExitSide(),
		Type:          domain.OrderTypeEntry,
		Quantity:      qty,
		ReduceOnly:    true,
		ClientOrderID: entryClientID + "-unwind",
	})
	if err != nil {
		e.logger.Error(ctx, err, "EMERGENCY CLOSE FAILED, manual intervention required", map[string]interface{}{
			"symbol": decision.Symbol, "quantity": qty,
		})
		return
	}
	e.logger.Warn(ctx, "Emergency close order placed", map[string]interface{}{"symbol": decision.Symbol, "quantity": qty})
}

// cancelQuietly cancels an order, tolerating orders that are already gone.
func (e *Executor) cancelQuietly(ctx context.Context, symbol, exchangeOrderID, label string) {
	if exchangeOrderID == "" {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	if err := e.exchange.CancelOrder(callCtx, symbol, exchangeOrderID); err != nil {
		if errors.Is(err, ports.ErrOrderNotFound) {
			return // already filled or cancelled
		}
		e.logger.Error(ctx, err, "Failed to cancel order", map[string]interface{}{
			"symbol": symbol, "orderID": exchangeOrderID, "type": label,
		})
	}
}

func (e *Executor) queryOrder(ctx context.Context, symbol, clientOrderID string) (*ports.OrderAck, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return e.exchange.GetOrderStatus(callCtx, symbol, clientOrderID)
}

// classify maps port errors onto execution error kinds.
func (e *Executor) classify(symbol string, err error) error {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return err
	}
	kind := KindTransient
	if ports.IsFatal(err) {
		kind = KindFatal
	}
	return &ExecutionError{Kind: kind, Symbol: symbol, Err: err}
}

func symbolOf(d *domain.RiskDecision) string {
	if d == nil {
		return ""
	}
	return d.Symbol
}

func strPtr(s string) *string { return &s }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func fallbackPrice(price, fallback float64) float64 {
	if price > 0 {
		return price
	}
	return fallback
}
