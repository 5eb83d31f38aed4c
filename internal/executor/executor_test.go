package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoAutoTrader/internal/domain"
	"cryptoAutoTrader/internal/portfolio"
	"cryptoAutoTrader/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *mockNotifier) Publish(ctx context.Context, event domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockNotifier) eventTypes() []domain.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.EventType, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

type mockTradeRepo struct {
	mu        sync.Mutex
	created   []*domain.Trade
	updated   []*domain.Trade
	createErr error
	updateErr error
	nextID    int64
}

func (m *mockTradeRepo) CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return 0, m.createErr
	}
	m.nextID++
	m.created = append(m.created, trade)
	return m.nextID, nil
}

func (m *mockTradeRepo) UpdateTrade(ctx context.Context, trade *domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updated = append(m.updated, trade)
	return nil
}

func (m *mockTradeRepo) LoadOpenTrades(ctx context.Context) ([]*domain.Trade, error) {
	return nil, nil
}
func (m *mockTradeRepo) CountOpenedBetween(ctx context.Context, from, to time.Time) (int, error) {
	return 0, nil
}
func (m *mockTradeRepo) ClosedTrades(ctx context.Context, limit int) ([]*domain.Trade, error) {
	return nil, nil
}

// mockExchange scripts exchange behaviour through function fields; unset
// fields get sensible defaults.
type mockExchange struct {
	mu        sync.Mutex
	placed    []ports.OrderRequest
	cancelled []string

	placeFn  func(req ports.OrderRequest) (*ports.OrderAck, error)
	statusFn func(symbol, clientOrderID string) (*ports.OrderAck, error)
}

func filledAck(req ports.OrderRequest, price float64, id string) *ports.OrderAck {
	return &ports.OrderAck{
		ExchangeOrderID: id,
		ClientOrderID:   req.ClientOrderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		State:           domain.OrderFilled,
		AvgFillPrice:    price,
		ExecutedQty:     req.Quantity,
		OrigQty:         req.Quantity,
		UpdatedAt:       time.Now().UTC(),
	}
}

func (m *mockExchange) GetBalance(ctx context.Context, asset string) (float64, float64, error) {
	return 10000, 10000, nil
}
func (m *mockExchange) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	return 100, nil
}
func (m *mockExchange) GetMinOrderSize(ctx context.Context, symbol string) (float64, error) {
	return 0.001, nil
}
func (m *mockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (m *mockExchange) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderAck, error) {
	m.mu.Lock()
	m.placed = append(m.placed, req)
	m.mu.Unlock()
	if m.placeFn != nil {
		return m.placeFn(req)
	}
	return filledAck(req, 100, fmt.Sprintf("ex-%d", len(m.placed))), nil
}

func (m *mockExchange) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, exchangeOrderID)
	return nil
}

func (m *mockExchange) GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (*ports.OrderAck, error) {
	if m.statusFn != nil {
		return m.statusFn(symbol, clientOrderID)
	}
	return nil, ports.ErrOrderNotFound
}

func (m *mockExchange) GetOpenPositions(ctx context.Context) ([]ports.PositionInfo, error) {
	return nil, nil
}
func (m *mockExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error) {
	return nil, nil
}

func (m *mockExchange) placedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.placed)
}

func newTestExecutor(t *testing.T, exch *mockExchange, repo *mockTradeRepo, notifier *mockNotifier) (*Executor, *portfolio.State) {
	t.Helper()
	state, err := portfolio.New(portfolio.Config{
		Repo:     repo,
		Exchange: exch,
		Logger:   &mockLogger{},
	})
	require.NoError(t, err)

	exec, err := New(Config{
		FillTimeout:  200 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		MaxAttempts:  3,
		BackoffMin:   time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
		CallTimeout:  time.Second,
	}, exch, repo, state, notifier, &mockLogger{})
	require.NoError(t, err)
	return exec, state
}

func approvedDecision() *domain.RiskDecision {
	return &domain.RiskDecision{
		SignalID:   "sig-1",
		Symbol:     "ETHUSDT",
		Direction:  domain.Long,
		Approved:   true,
		SizeUnits:  2,
		SizeQuote:  200,
		EntryPrice: 100,
		StopLoss:   98,
		TakeProfit: 103,
		Leverage:   5,
		DecidedAt:  time.Now().UTC(),
	}
}

func TestExecuteOpensTrade(t *testing.T) {
	exch := &mockExchange{}
	repo := &mockTradeRepo{}
	notifier := &mockNotifier{}
	exec, state := newTestExecutor(t, exch, repo, notifier)

	trade, err := exec.Execute(context.Background(), approvedDecision())
	require.NoError(t, err)
	require.NotNil(t, trade)

	assert.Equal(t, 3, exch.placedCount()) // entry + SL + TP
	assert.Equal(t, "cat-sig-1", trade.ClientOrderID)
	assert.InDelta(t, 100.0, trade.EntryPrice, 1e-9)
	assert.Equal(t, domain.TradeOpen, trade.Status)
	require.NotNil(t, trade.StopLossOrderID)
	require.NotNil(t, trade.TakeProfitOrderID)

	// Protective orders are reduce-only exits keyed off the entry's id.
	slReq := exch.placed[1]
	assert.Equal(t, "cat-sig-1-sl", slReq.ClientOrderID)
	assert.Equal(t, domain.Sell, slReq.Side)
	assert.True(t, slReq.ReduceOnly)
	assert.InDelta(t, 98.0, slReq.StopPrice, 1e-9)

	assert.True(t, state.HasOpen("ETHUSDT"))
	assert.Equal(t, []domain.EventType{domain.EventTradeOpened}, notifier.eventTypes())
}

func TestExecuteRejectsWhenPositionOpen(t *testing.T) {
	exch := &mockExchange{}
	repo := &mockTradeRepo{}
	exec, state := newTestExecutor(t, exch, repo, &mockNotifier{})
	state.RecordOpen(&domain.Trade{Symbol: "ETHUSDT", EntryPrice: 100, Quantity: 1, Leverage: 1, Status: domain.TradeOpen})

	_, err := exec.Execute(context.Background(), approvedDecision())
	require.Error(t, err)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindRejected, execErr.Kind)
	assert.ErrorIs(t, err, ports.ErrPositionAlreadyOpen)
	assert.Zero(t, exch.placedCount())
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	attempts := 0
	exch := &mockExchange{}
	exch.placeFn = func(req ports.OrderRequest) (*ports.OrderAck, error) {
		attempts++
		if attempts == 1 {
			return nil, fmt.Errorf("throttled: %w", ports.ErrRateLimited)
		}
		return filledAck(req, 100, fmt.Sprintf("ex-%d", attempts)), nil
	}
	exec, _ := newTestExecutor(t, exch, &mockTradeRepo{}, &mockNotifier{})

	trade, err := exec.Execute(context.Background(), approvedDecision())
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.GreaterOrEqual(t, attempts, 2)
}

func TestExecuteDoesNotRetryFatalErrors(t *testing.T) {
	attempts := 0
	exch := &mockExchange{}
	exch.placeFn = func(req ports.OrderRequest) (*ports.OrderAck, error) {
		attempts++
		return nil, fmt.Errorf("broke: %w", ports.ErrInsufficientFunds)
	}
	exec, _ := newTestExecutor(t, exch, &mockTradeRepo{}, &mockNotifier{})

	_, err := exec.Execute(context.Background(), approvedDecision())
	require.Error(t, err)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindFatal, execErr.Kind)
	assert.Equal(t, 1, attempts)
}

func TestExecuteDuplicateOrderUsesExisting(t *testing.T) {
	exch := &mockExchange{}
	entrySubmitted := false
	exch.placeFn = func(req ports.OrderRequest) (*ports.OrderAck, error) {
		if req.Type == domain.OrderTypeEntry {
			entrySubmitted = true
			return nil, fmt.Errorf("rejected: %w", ports.ErrDuplicateOrder)
		}
		return filledAck(req, 100, "ex-prot"), nil
	}
	exch.statusFn = func(symbol, clientOrderID string) (*ports.OrderAck, error) {
		return &ports.OrderAck{
			ExchangeOrderID: "ex-original",
			ClientOrderID:   clientOrderID,
			Symbol:          symbol,
			State:           domain.OrderFilled,
			AvgFillPrice:    101,
			ExecutedQty:     2,
		}, nil
	}
	exec, _ := newTestExecutor(t, exch, &mockTradeRepo{}, &mockNotifier{})

	trade, err := exec.Execute(context.Background(), approvedDecision())
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.True(t, entrySubmitted)
	assert.Equal(t, "ex-original", trade.EntryOrderID)
	assert.InDelta(t, 101.0, trade.EntryPrice, 1e-9)
}

func TestExecuteFillTimeoutCancelsEntry(t *testing.T) {
	exch := &mockExchange{}
	exch.placeFn = func(req ports.OrderRequest) (*ports.OrderAck, error) {
		ack := filledAck(req, 0, "ex-slow")
		ack.State = domain.OrderAcknowledged
		return ack, nil
	}
	exch.statusFn = func(symbol, clientOrderID string) (*ports.OrderAck, error) {
		return &ports.OrderAck{ExchangeOrderID: "ex-slow", ClientOrderID: clientOrderID, State: domain.OrderAcknowledged}, nil
	}
	exec, state := newTestExecutor(t, exch, &mockTradeRepo{}, &mockNotifier{})

	_, err := exec.Execute(context.Background(), approvedDecision())
	require.Error(t, err)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindTimeout, execErr.Kind)
	assert.Contains(t, exch.cancelled, "ex-slow")
	assert.False(t, state.HasOpen("ETHUSDT"))
}

func TestConcurrentExecutesOpenSingleTrade(t *testing.T) {
	exch := &mockExchange{}
	exch.placeFn = func(req ports.OrderRequest) (*ports.OrderAck, error) {
		if req.Type == domain.OrderTypeEntry && !req.ReduceOnly {
			time.Sleep(50 * time.Millisecond) // keep the submission window open
		}
		return filledAck(req, 100, "ex-"+req.ClientOrderID), nil
	}
	repo := &mockTradeRepo{}
	exec, state := newTestExecutor(t, exch, repo, &mockNotifier{})

	first := approvedDecision()
	second := approvedDecision()
	second.SignalID = "sig-2"

	errs := make(chan error, 2)
	for _, d := range []*domain.RiskDecision{first, second} {
		d := d
		go func() {
			_, err := exec.Execute(context.Background(), d)
			errs <- err
		}()
	}

	var opened, rejected int
	for i := 0; i < 2; i++ {
		if err := <-errs; err == nil {
			opened++
		} else {
			require.ErrorIs(t, err, ports.ErrPositionAlreadyOpen)
			rejected++
		}
	}

	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, rejected)
	require.Len(t, repo.created, 1)
	assert.True(t, state.HasOpen("ETHUSDT"))
}

func TestExecuteTimeoutUnwindsPartialFill(t *testing.T) {
	exch := &mockExchange{}
	exch.placeFn = func(req ports.OrderRequest) (*ports.OrderAck, error) {
		if req.ClientOrderID == "cat-sig-1" {
			ack := filledAck(req, 0, "ex-slow")
			ack.State = domain.OrderAcknowledged
			ack.ExecutedQty = 0
			return ack, nil
		}
		return filledAck(req, 100, "ex-"+req.ClientOrderID), nil
	}
	cancelledYet := func() bool {
		exch.mu.Lock()
		defer exch.mu.Unlock()
		return len(exch.cancelled) > 0
	}
	exch.statusFn = func(symbol, clientOrderID string) (*ports.OrderAck, error) {
		if cancelledYet() {
			return &ports.OrderAck{ExchangeOrderID: "ex-slow", ClientOrderID: clientOrderID,
				State: domain.OrderCancelled, ExecutedQty: 1, AvgFillPrice: 100}, nil
		}
		return &ports.OrderAck{ExchangeOrderID: "ex-slow", ClientOrderID: clientOrderID,
			State: domain.OrderAcknowledged, ExecutedQty: 1}, nil
	}
	repo := &mockTradeRepo{}
	exec, state := newTestExecutor(t, exch, repo, &mockNotifier{})

	_, err := exec.Execute(context.Background(), approvedDecision())
	require.Error(t, err)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindTimeout, execErr.Kind)

	// The quantity that filled before the cancel must be flattened.
	var unwind *ports.OrderRequest
	exch.mu.Lock()
	for i := range exch.placed {
		if exch.placed[i].ClientOrderID == "cat-sig-1-unwind" {
			unwind = &exch.placed[i]
		}
	}
	exch.mu.Unlock()
	require.NotNil(t, unwind)
	assert.True(t, unwind.ReduceOnly)
	assert.InDelta(t, 1.0, unwind.Quantity, 1e-9)
	assert.Equal(t, domain.Sell, unwind.Side)
	assert.Empty(t, repo.created)
	assert.False(t, state.HasOpen("ETHUSDT"))
}

func TestExecuteCancelledEntryUnwindsPartialFill(t *testing.T) {
	exch := &mockExchange{}
	exch.placeFn = func(req ports.OrderRequest) (*ports.OrderAck, error) {
		if req.ClientOrderID == "cat-sig-1" {
			ack := filledAck(req, 100, "ex-entry")
			ack.State = domain.OrderCancelled
			ack.ExecutedQty = 0.5
			return ack, nil
		}
		return filledAck(req, 100, "ex-"+req.ClientOrderID), nil
	}
	repo := &mockTradeRepo{}
	exec, _ := newTestExecutor(t, exch, repo, &mockNotifier{})

	_, err := exec.Execute(context.Background(), approvedDecision())
	require.Error(t, err)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindRejected, execErr.Kind)

	sawUnwind := false
	exch.mu.Lock()
	for _, req := range exch.placed {
		if req.ClientOrderID == "cat-sig-1-unwind" {
			sawUnwind = true
			assert.InDelta(t, 0.5, req.Quantity, 1e-9)
			assert.True(t, req.ReduceOnly)
		}
	}
	exch.mu.Unlock()
	assert.True(t, sawUnwind)
	assert.Empty(t, repo.created)
}

func TestExecuteFlattensOnProtectiveFailure(t *testing.T) {
	exch := &mockExchange{}
	exch.placeFn = func(req ports.OrderRequest) (*ports.OrderAck, error) {
		if req.Type == domain.OrderTypeTakeProfit {
			return nil, fmt.Errorf("rejected: %w", ports.ErrOrderPlacementFailed)
		}
		return filledAck(req, 100, "ex-"+req.ClientOrderID), nil
	}
	repo := &mockTradeRepo{}
	exec, state := newTestExecutor(t, exch, repo, &mockNotifier{})

	_, err := exec.Execute(context.Background(), approvedDecision())
	require.Error(t, err)

	// SL was placed and must be cancelled, then the position unwound.
	assert.Contains(t, exch.cancelled, "ex-cat-sig-1-sl")
	var sawUnwind bool
	for _, req := range exch.placed {
		if req.ClientOrderID == "cat-sig-1-unwind" {
			sawUnwind = true
			assert.True(t, req.ReduceOnly)
		}
	}
	assert.True(t, sawUnwind)
	assert.Empty(t, repo.created)
	assert.False(t, state.HasOpen("ETHUSDT"))
}

func TestMonitorClosesTradeOnStopLossFill(t *testing.T) {
	exch := &mockExchange{}
	slID, tpID := "ex-sl", "ex-tp"
	exch.statusFn = func(symbol, clientOrderID string) (*ports.OrderAck, error) {
		if clientOrderID == "cat-sig-1-sl" {
			return &ports.OrderAck{ExchangeOrderID: slID, ClientOrderID: clientOrderID, State: domain.OrderFilled, AvgFillPrice: 98}, nil
		}
		return &ports.OrderAck{ExchangeOrderID: tpID, ClientOrderID: clientOrderID, State: domain.OrderAcknowledged}, nil
	}
	repo := &mockTradeRepo{}
	notifier := &mockNotifier{}
	exec, state := newTestExecutor(t, exch, repo, notifier)

	trade := &domain.Trade{
		ID: 1, SignalID: "sig-1", Symbol: "ETHUSDT", Direction: domain.Long,
		Quantity: 2, Leverage: 5, EntryPrice: 100, StopLoss: 98, TakeProfit: 103,
		ClientOrderID: "cat-sig-1", StopLossOrderID: &slID, TakeProfitOrderID: &tpID,
		Status: domain.TradeOpen, OpenedAt: time.Now().UTC(),
	}
	state.RecordOpen(trade)

	exec.MonitorOpenTrades(context.Background())

	require.Len(t, repo.updated, 1)
	closed := repo.updated[0]
	assert.Equal(t, domain.TradeClosed, closed.Status)
	assert.Equal(t, domain.CloseReasonStopLoss, closed.CloseReason)
	assert.InDelta(t, -4.0, closed.PNL, 1e-9) // (98-100)*2
	assert.Contains(t, exch.cancelled, tpID)  // sibling TP cancelled
	assert.False(t, state.HasOpen("ETHUSDT"))
	assert.Equal(t, []domain.EventType{domain.EventTradeClosed}, notifier.eventTypes())
}

func TestMonitorSkipsExternalTrades(t *testing.T) {
	exch := &mockExchange{}
	statusCalls := 0
	exch.statusFn = func(symbol, clientOrderID string) (*ports.OrderAck, error) {
		statusCalls++
		return nil, ports.ErrOrderNotFound
	}
	exec, state := newTestExecutor(t, exch, &mockTradeRepo{}, &mockNotifier{})
	state.RecordOpen(&domain.Trade{Symbol: "BTCUSDT", Status: domain.TradeOpen, External: true, EntryPrice: 50000, Quantity: 1, Leverage: 1})

	exec.MonitorOpenTrades(context.Background())
	assert.Zero(t, statusCalls)
}

func TestMonitorPersistFailureKeepsTradeOpen(t *testing.T) {
	exch := &mockExchange{}
	slID := "ex-sl"
	exch.statusFn = func(symbol, clientOrderID string) (*ports.OrderAck, error) {
		if clientOrderID == "cat-sig-1-sl" {
			return &ports.OrderAck{ExchangeOrderID: slID, ClientOrderID: clientOrderID, State: domain.OrderFilled, AvgFillPrice: 98}, nil
		}
		return nil, ports.ErrOrderNotFound
	}
	repo := &mockTradeRepo{updateErr: errors.New("disk full")}
	exec, state := newTestExecutor(t, exch, repo, &mockNotifier{})

	trade := &domain.Trade{
		ID: 1, SignalID: "sig-1", Symbol: "ETHUSDT", Direction: domain.Long,
		Quantity: 2, Leverage: 5, EntryPrice: 100, StopLoss: 98,
		ClientOrderID: "cat-sig-1", StopLossOrderID: &slID,
		Status: domain.TradeOpen, OpenedAt: time.Now().UTC(),
	}
	state.RecordOpen(trade)

	exec.MonitorOpenTrades(context.Background())

	// Close was aborted; the trade stays open for the next tick to retry.
	assert.Equal(t, domain.TradeOpen, trade.Status)
	assert.True(t, state.HasOpen("ETHUSDT"))
}

func TestClientOrderIDIsDeterministic(t *testing.T) {
	assert.Equal(t, ClientOrderID("abc"), ClientOrderID("abc"))
	assert.Equal(t, "cat-abc", ClientOrderID("abc"))
}
