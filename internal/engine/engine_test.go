package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoAutoTrader/config"
	"cryptoAutoTrader/internal/domain"
	"cryptoAutoTrader/internal/executor"
	"cryptoAutoTrader/internal/portfolio"
	"cryptoAutoTrader/internal/ports"
	"cryptoAutoTrader/internal/risk"
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

func (m *mockNotifier) countOf(t domain.EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type mockSignalRepo struct {
	mu       sync.Mutex
	saved    []*domain.Signal
	statuses map[string]domain.SignalStatus
}

func newMockSignalRepo() *mockSignalRepo {
	return &mockSignalRepo{statuses: make(map[string]domain.SignalStatus)}
}

func (m *mockSignalRepo) SaveSignal(ctx context.Context, sig *domain.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, sig)
	return nil
}

func (m *mockSignalRepo) UpdateSignalStatus(ctx context.Context, id string, status domain.SignalStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[id] = status
	return nil
}

func (m *mockSignalRepo) RecentSignals(ctx context.Context, limit int) ([]*domain.Signal, error) {
	return nil, nil
}

func (m *mockSignalRepo) statusOf(id string) domain.SignalStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[id]
}

type mockTradeRepo struct {
	mu      sync.Mutex
	created []*domain.Trade
	nextID  int64
}

func (m *mockTradeRepo) CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.created = append(m.created, trade)
	return m.nextID, nil
}

func (m *mockTradeRepo) UpdateTrade(ctx context.Context, trade *domain.Trade) error { return nil }
func (m *mockTradeRepo) LoadOpenTrades(ctx context.Context) ([]*domain.Trade, error) {
	return nil, nil
}
func (m *mockTradeRepo) CountOpenedBetween(ctx context.Context, from, to time.Time) (int, error) {
	return 0, nil
}
func (m *mockTradeRepo) ClosedTrades(ctx context.Context, limit int) ([]*domain.Trade, error) {
	return nil, nil
}

func (m *mockTradeRepo) createdCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created)
}

type mockExchange struct {
	mu       sync.Mutex
	statusFn func(symbol, clientOrderID string) (*ports.OrderAck, error)
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
	defer m.mu.Unlock()
	return &ports.OrderAck{
		ExchangeOrderID: "ex-" + req.ClientOrderID,
		ClientOrderID:   req.ClientOrderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		State:           domain.OrderFilled,
		AvgFillPrice:    100,
		ExecutedQty:     req.Quantity,
		OrigQty:         req.Quantity,
		UpdatedAt:       time.Now().UTC(),
	}, nil
}
func (m *mockExchange) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
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
	return []*domain.Kline{{Symbol: symbol, Interval: interval, Close: 100}}, nil
}

// mockScorer emits a fixed score per symbol. Entries in directions, keyed
// "SYMBOL/timeframe", override the default long reading.
type mockScorer struct {
	scores     map[string]float64
	directions map[string]domain.Direction
}

func (m *mockScorer) MinDataPoints() int { return 1 }

func (m *mockScorer) Score(ctx context.Context, symbol, timeframe string, klines []*domain.Kline) (*domain.Signal, error) {
	score, ok := m.scores[symbol]
	sig := &domain.Signal{
		ID:          fmt.Sprintf("sig-%s-%s", symbol, timeframe),
		Symbol:      symbol,
		Timeframe:   timeframe,
		Direction:   domain.Flat,
		Status:      domain.SignalPending,
		GeneratedAt: time.Now().UTC(),
	}
	if ok {
		sig.Direction = domain.Long
		sig.Score = score
		sig.Entry = 100
	}
	if dir, found := m.directions[symbol+"/"+timeframe]; found {
		sig.Direction = dir
	}
	return sig, nil
}

type engineFixture struct {
	engine   *Engine
	exchange *mockExchange
	signals  *mockSignalRepo
	trades   *mockTradeRepo
	notifier *mockNotifier
	state    *portfolio.State
}

func riskConfig() config.RiskConfig {
	return config.RiskConfig{
		RiskPercentPerTrade: 0.01,
		MaxPositionPercent:  0.5,
		StopLossPercent:     0.02,
		TakeProfitPercent:   0.03,
		MaxDrawdownPercent:  0.15,
		MaxTradesPerDay:     5,
		ScoreThreshold:      0.6,
		Leverage:            5,
	}
}

func newFixture(t *testing.T, cfg Config, scores map[string]float64, rc config.RiskConfig) *engineFixture {
	t.Helper()
	return newFixtureWithScorer(t, cfg, &mockScorer{scores: scores}, rc)
}

func newFixtureWithScorer(t *testing.T, cfg Config, scorer *mockScorer, rc config.RiskConfig) *engineFixture {
	t.Helper()
	logger := &mockLogger{}
	exchange := &mockExchange{}
	signals := newMockSignalRepo()
	trades := &mockTradeRepo{}
	notifier := &mockNotifier{}

	state, err := portfolio.New(portfolio.Config{Repo: trades, Exchange: exchange, Logger: logger})
	require.NoError(t, err)

	riskMgr, err := risk.New(rc, logger)
	require.NoError(t, err)

	exec, err := executor.New(executor.Config{
		FillTimeout:  200 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		MaxAttempts:  2,
		BackoffMin:   time.Millisecond,
		BackoffMax:   2 * time.Millisecond,
		CallTimeout:  time.Second,
	}, exchange, trades, state, notifier, logger)
	require.NoError(t, err)

	eng, err := New(cfg, logger, exchange, scorer, signals, trades, riskMgr, exec, state, notifier)
	require.NoError(t, err)

	return &engineFixture{engine: eng, exchange: exchange, signals: signals, trades: trades, notifier: notifier, state: state}
}

func baseConfig() Config {
	return Config{
		Symbols:         []string{"ETHUSDT"},
		Timeframes:      []string{"1h"},
		CycleIntervals:  map[string]time.Duration{"1h": time.Hour},
		MonitorInterval: 10 * time.Millisecond,
		CallTimeout:     time.Second,
	}
}

func TestLifecycleTransitions(t *testing.T) {
	f := newFixture(t, baseConfig(), nil, riskConfig())
	ctx := context.Background()

	// Pause and Resume require a started engine.
	require.Error(t, f.engine.Pause(ctx))
	require.Error(t, f.engine.Resume(ctx))

	require.NoError(t, f.engine.Start(ctx))
	assert.Equal(t, StateRunning, f.engine.GetStatus(ctx).State)
	require.Error(t, f.engine.Start(ctx)) // double start

	require.NoError(t, f.engine.Pause(ctx))
	assert.Equal(t, StatePaused, f.engine.GetStatus(ctx).State)
	require.Error(t, f.engine.Pause(ctx)) // double pause

	require.NoError(t, f.engine.Resume(ctx))
	assert.Equal(t, StateRunning, f.engine.GetStatus(ctx).State)

	require.NoError(t, f.engine.Stop(ctx))
	assert.Equal(t, StateStopped, f.engine.GetStatus(ctx).State)
	require.NoError(t, f.engine.Stop(ctx)) // stop is idempotent
}

func TestCycleOpensTradeForStrongSignal(t *testing.T) {
	f := newFixture(t, baseConfig(), map[string]float64{"ETHUSDT": 0.9}, riskConfig())

	f.engine.runCycle(context.Background(), "1h")

	assert.Equal(t, 1, f.trades.createdCount())
	assert.Equal(t, domain.SignalApproved, f.signals.statusOf("sig-ETHUSDT-1h"))
	assert.Equal(t, 1, f.notifier.countOf(domain.EventSignalGenerated))
	assert.Equal(t, 1, f.notifier.countOf(domain.EventTradeOpened))
	assert.Equal(t, int64(1), f.engine.tradesExecuted.Load())
	assert.Equal(t, int64(1), f.engine.cyclesRun.Load())
	assert.False(t, f.engine.GetStatus(context.Background()).LastCycleTime.IsZero())
}

func TestCycleIgnoresFlatSignals(t *testing.T) {
	f := newFixture(t, baseConfig(), nil, riskConfig())

	f.engine.runCycle(context.Background(), "1h")

	assert.Zero(t, f.trades.createdCount())
	// Flat signals are persisted for analysis but never evaluated.
	require.Len(t, f.signals.saved, 1)
	assert.Zero(t, f.notifier.countOf(domain.EventSignalGenerated))
}

func TestCycleSelectsTopNByScore(t *testing.T) {
	cfg := baseConfig()
	cfg.Symbols = []string{"AAAUSDT", "BBBUSDT", "CCCUSDT"}
	cfg.TopNSignals = 1
	f := newFixture(t, cfg, map[string]float64{"AAAUSDT": 0.7, "BBBUSDT": 0.95, "CCCUSDT": 0.8}, riskConfig())

	f.engine.runCycle(context.Background(), "1h")

	assert.Equal(t, 1, f.trades.createdCount())
	assert.Equal(t, "BBBUSDT", f.trades.created[0].Symbol)
	assert.Equal(t, domain.SignalApproved, f.signals.statusOf("sig-BBBUSDT-1h"))
	assert.Equal(t, domain.SignalExpired, f.signals.statusOf("sig-AAAUSDT-1h"))
	assert.Equal(t, domain.SignalExpired, f.signals.statusOf("sig-CCCUSDT-1h"))
}

func TestCycleVetoesTimeframeDisagreement(t *testing.T) {
	cfg := baseConfig()
	cfg.Timeframes = []string{"1h", "4h"}
	cfg.CycleIntervals = map[string]time.Duration{"1h": time.Hour, "4h": time.Hour}
	sc := &mockScorer{
		scores:     map[string]float64{"ETHUSDT": 0.9},
		directions: map[string]domain.Direction{"ETHUSDT/4h": domain.Short},
	}
	f := newFixtureWithScorer(t, cfg, sc, riskConfig())

	f.engine.runCycle(context.Background(), "1h")

	assert.Zero(t, f.trades.createdCount())
	assert.Equal(t, domain.SignalRejected, f.signals.statusOf("sig-ETHUSDT-1h"))
	assert.Zero(t, f.notifier.countOf(domain.EventSignalGenerated))
}

func TestCycleOpensWhenTimeframesAgree(t *testing.T) {
	cfg := baseConfig()
	cfg.Timeframes = []string{"1h", "4h"}
	cfg.CycleIntervals = map[string]time.Duration{"1h": time.Hour, "4h": time.Hour}
	f := newFixture(t, cfg, map[string]float64{"ETHUSDT": 0.9}, riskConfig())

	f.engine.runCycle(context.Background(), "1h")

	assert.Equal(t, 1, f.trades.createdCount())
	assert.Equal(t, domain.SignalApproved, f.signals.statusOf("sig-ETHUSDT-1h"))
}

func TestApprovalsReserveBalanceWithinCycle(t *testing.T) {
	cfg := baseConfig()
	cfg.Symbols = []string{"AAAUSDT", "BBBUSDT"}
	// Each approval sizes to 50 units * 100 = 5000 notional. After the first
	// reservation only 5000 remains, and the 50% cap rejects the second.
	f := newFixture(t, cfg, map[string]float64{"AAAUSDT": 0.9, "BBBUSDT": 0.8}, riskConfig())

	f.engine.runCycle(context.Background(), "1h")

	assert.Equal(t, 1, f.trades.createdCount())
	assert.Equal(t, "AAAUSDT", f.trades.created[0].Symbol)
	assert.Equal(t, domain.SignalRejected, f.signals.statusOf("sig-BBBUSDT-1h"))
}

func TestDailyLimitCountsApprovalsWithinCycle(t *testing.T) {
	cfg := baseConfig()
	cfg.Symbols = []string{"AAAUSDT", "BBBUSDT"}
	rc := riskConfig()
	rc.MaxTradesPerDay = 1
	rc.MaxPositionPercent = 0.2 // keep both within balance so only the daily cap binds
	f := newFixture(t, cfg, map[string]float64{"AAAUSDT": 0.9, "BBBUSDT": 0.8}, rc)

	f.engine.runCycle(context.Background(), "1h")

	assert.Equal(t, 1, f.trades.createdCount())
	assert.Equal(t, domain.SignalRejected, f.signals.statusOf("sig-BBBUSDT-1h"))
}

func TestDrawdownHaltEmitsEvent(t *testing.T) {
	f := newFixture(t, baseConfig(), map[string]float64{"ETHUSDT": 0.9}, riskConfig())

	// Establish a peak above current equity: 16% drawdown trips the 15% limit.
	_, err := f.state.Refresh(context.Background())
	require.NoError(t, err)
	f.state.RecordClose(&domain.Trade{Symbol: "XUSDT", PNL: 2000, Leverage: 1}) // peak 12000
	f.state.RecordClose(&domain.Trade{Symbol: "XUSDT", PNL: -2100, Leverage: 1})

	f.engine.runCycle(context.Background(), "1h")

	halted, reason := f.state.Halted()
	assert.True(t, halted)
	assert.Equal(t, risk.ReasonDrawdownLimit, reason)
	assert.Equal(t, 1, f.notifier.countOf(domain.EventTradingHalted))
	assert.Zero(t, f.trades.createdCount())

	// The halt is sticky: a later cycle emits no second event and still
	// opens nothing.
	f.engine.runCycle(context.Background(), "1h")
	assert.Equal(t, 1, f.notifier.countOf(domain.EventTradingHalted))
	assert.Zero(t, f.trades.createdCount())
}

func TestMonitoringContinuesWhilePaused(t *testing.T) {
	f := newFixture(t, baseConfig(), nil, riskConfig())
	slID := "ex-sl"
	f.exchange.statusFn = func(symbol, clientOrderID string) (*ports.OrderAck, error) {
		if clientOrderID == "cat-sig-1-sl" {
			return &ports.OrderAck{ExchangeOrderID: slID, ClientOrderID: clientOrderID, State: domain.OrderFilled, AvgFillPrice: 98}, nil
		}
		return nil, ports.ErrOrderNotFound
	}
	ctx := context.Background()

	require.NoError(t, f.engine.Start(ctx))
	require.NoError(t, f.engine.Pause(ctx))

	f.state.RecordOpen(&domain.Trade{
		ID: 1, SignalID: "sig-1", Symbol: "ETHUSDT", Direction: domain.Long,
		Quantity: 2, Leverage: 5, EntryPrice: 100, StopLoss: 98,
		ClientOrderID: "cat-sig-1", StopLossOrderID: &slID,
		Status: domain.TradeOpen, OpenedAt: time.Now().UTC(),
	})

	require.Eventually(t, func() bool {
		return f.notifier.countOf(domain.EventTradeClosed) == 1
	}, 2*time.Second, 20*time.Millisecond, "paused engine must keep monitoring open trades")

	require.NoError(t, f.engine.Stop(ctx))
}

func TestRiskConfigSwapAtRuntime(t *testing.T) {
	f := newFixture(t, baseConfig(), map[string]float64{"ETHUSDT": 0.7}, riskConfig())
	ctx := context.Background()

	rc := riskConfig()
	rc.ScoreThreshold = 0.8
	require.NoError(t, f.engine.SetRiskConfig(ctx, rc))

	f.engine.runCycle(ctx, "1h")
	assert.Zero(t, f.trades.createdCount())
	assert.Equal(t, domain.SignalRejected, f.signals.statusOf("sig-ETHUSDT-1h"))
}
