package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"cryptoAutoTrader/config"
	"cryptoAutoTrader/internal/executor"
	"cryptoAutoTrader/internal/portfolio"
	"cryptoAutoTrader/internal/ports"
	"cryptoAutoTrader/internal/risk"
)

// RunState is the automation loop's lifecycle state. Running is the only
// state in which cycles execute; Paused keeps monitoring open trades but
// skips new entries.
type RunState string

const (
	StateStopped RunState = "stopped"
	StateRunning RunState = "running"
	StatePaused  RunState = "paused"
)

// Status is the engine's externally visible state, served to UI/CLI.
type Status struct {
	State            RunState
	Portfolio        portfolio.Snapshot
	LastCycleTime    time.Time
	StartedAt        time.Time
	Uptime           time.Duration
	CyclesRun        int64
	SignalsGenerated int64
	TradesExecuted   int64
	TradesFailed     int64
	TradeStats       portfolio.Summary
}

// Config holds the engine's scheduling parameters.
type Config struct {
	Symbols         []string
	Timeframes      []string
	CycleIntervals  map[string]time.Duration // timeframe -> cadence
	MonitorInterval time.Duration            // open-trade SL/TP check cadence
	TopNSignals     int                      // per cycle, 0 = unlimited
	Timezone        *time.Location
	CallTimeout     time.Duration // deadline for exchange calls made by the loop itself
}

func (c *Config) applyDefaults() error {
	if len(c.Symbols) == 0 || len(c.Timeframes) == 0 {
		return fmt.Errorf("engine requires at least one symbol and one timeframe")
	}
	for _, tf := range c.Timeframes {
		if c.CycleIntervals[tf] <= 0 {
			return fmt.Errorf("no cycle interval configured for timeframe %s", tf)
		}
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 5 * time.Second
	}
	if c.Timezone == nil {
		c.Timezone = time.UTC
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	return nil
}

// Engine runs the decision-and-execution loop in the background and exposes
// the control surface to the foreground. The two sides share only the
// portfolio state and the notifier; there are no other cross-context calls.
type Engine struct {
	cfg      Config
	logger   ports.Logger
	exchange ports.ExchangeClient
	scorer   ports.SignalScorer
	signals  ports.SignalRepository
	trades   ports.TradeRepository
	risk     *risk.Manager
	exec     *executor.Executor
	state    *portfolio.State
	notifier ports.Notifier

	mu        sync.Mutex // guards runState, cancel, cron, startedAt, lastCycle
	runState  RunState
	cancel    context.CancelFunc
	cron      *cron.Cron
	startedAt time.Time
	lastCycle time.Time
	wg        sync.WaitGroup

	// one mutex per timeframe: a cycle still running when the next tick
	// arrives is skipped, never queued
	cycleBusy map[string]*sync.Mutex

	cyclesRun        atomic.Int64
	signalsGenerated atomic.Int64
	tradesExecuted   atomic.Int64
	tradesFailed     atomic.Int64
}

// New creates the engine. Call Start to begin trading.
func New(
	cfg Config,
	logger ports.Logger,
	exchange ports.ExchangeClient,
	scorer ports.SignalScorer,
	signals ports.SignalRepository,
	trades ports.TradeRepository,
	riskMgr *risk.Manager,
	exec *executor.Executor,
	state *portfolio.State,
	notifier ports.Notifier,
) (*Engine, error) {
	if logger == nil || exchange == nil || scorer == nil || signals == nil || trades == nil ||
		riskMgr == nil || exec == nil || state == nil || notifier == nil {
		return nil, fmt.Errorf("missing required dependencies for engine")
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	busy := make(map[string]*sync.Mutex, len(cfg.Timeframes))
	for _, tf := range cfg.Timeframes {
		busy[tf] = &sync.Mutex{}
	}
	return &Engine{
		cfg:       cfg,
		logger:    logger,
		exchange:  exchange,
		scorer:    scorer,
		signals:   signals,
		trades:    trades,
		risk:      riskMgr,
		exec:      exec,
		state:     state,
		notifier:  notifier,
		runState:  StateStopped,
		cycleBusy: busy,
	}, nil
}

// Start transitions Stopped -> Running and launches the background loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runState != StateStopped {
		return fmt.Errorf("engine already started (state %s)", e.runState)
	}

	// Prime the portfolio before the first cycle; trading against unknown
	// state is worse than failing to start.
	refreshCtx, cancelRefresh := context.WithTimeout(ctx, e.cfg.CallTimeout)
	notes, err := e.state.Refresh(refreshCtx)
	cancelRefresh()
	if err != nil {
		return fmt.Errorf("initial portfolio refresh failed: %w", err)
	}
	e.publishReconciliationNotes(ctx, notes)

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.runState = StateRunning
	e.startedAt = time.Now().UTC()

	// Daily trade counter resets exactly at the day boundary in the
	// engine's configured timezone.
	e.cron = cron.New(cron.WithLocation(e.cfg.Timezone))
	_, _ = e.cron.AddFunc("0 0 * * *", func() {
		e.state.RollDay(time.Now())
		e.logger.Info(context.Background(), "Daily trade counter reset")
	})
	e.cron.Start()

	for _, tf := range e.cfg.Timeframes {
		e.wg.Add(1)
		go e.timeframeLoop(loopCtx, tf, e.cfg.CycleIntervals[tf])
	}
	e.wg.Add(1)
	go e.monitorLoop(loopCtx)

	e.logger.Info(ctx, "Automation loop started", map[string]interface{}{
		"symbols": e.cfg.Symbols, "timeframes": e.cfg.Timeframes,
	})
	return nil
}

// Stop transitions any state -> Stopped. It cancels the scheduling of
// future cycles and waits for in-flight work to quiesce; orders already
// submitted to the exchange are never cancelled by a stop.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.runState == StateStopped {
		e.mu.Unlock()
		return nil
	}
	e.runState = StateStopped
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if e.cron != nil {
		e.cron.Stop()
		e.cron = nil
	}
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info(ctx, "Automation loop stopped")
	return nil
}

// Pause transitions Running -> Paused. Cycles are skipped but open trades
// keep being monitored for SL/TP fills.
func (e *Engine) Pause(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runState != StateRunning {
		return fmt.Errorf("cannot pause from state %s", e.runState)
	}
	e.runState = StatePaused
	e.logger.Info(ctx, "Automation loop paused")
	return nil
}

// Resume transitions Paused -> Running.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runState != StatePaused {
		return fmt.Errorf("cannot resume from state %s", e.runState)
	}
	e.runState = StateRunning
	e.logger.Info(ctx, "Automation loop resumed")
	return nil
}

// GetStatus reports the engine state, portfolio snapshot and realized
// statistics.
func (e *Engine) GetStatus(ctx context.Context) Status {
	e.mu.Lock()
	st := e.runState
	startedAt := e.startedAt
	lastCycle := e.lastCycle
	e.mu.Unlock()

	var uptime time.Duration
	if st != StateStopped && !startedAt.IsZero() {
		uptime = time.Since(startedAt)
	}

	var stats portfolio.Summary
	if closed, err := e.trades.ClosedTrades(ctx, 1000); err != nil {
		e.logger.Warn(ctx, "Failed to load closed trades for statistics", map[string]interface{}{"error": err.Error()})
	} else {
		stats = portfolio.Summarize(closed)
	}

	return Status{
		State:            st,
		Portfolio:        e.state.Snapshot(),
		LastCycleTime:    lastCycle,
		StartedAt:        startedAt,
		Uptime:           uptime,
		CyclesRun:        e.cyclesRun.Load(),
		SignalsGenerated: e.signalsGenerated.Load(),
		TradesExecuted:   e.tradesExecuted.Load(),
		TradesFailed:     e.tradesFailed.Load(),
		TradeStats:       stats,
	}
}

// SetRiskConfig swaps the risk parameters at runtime.
func (e *Engine) SetRiskConfig(ctx context.Context, cfg config.RiskConfig) error {
	if err := e.risk.SetConfig(cfg); err != nil {
		return err
	}
	e.logger.Info(ctx, "Risk configuration updated", map[string]interface{}{
		"riskPercent": cfg.RiskPercentPerTrade, "maxDrawdown": cfg.MaxDrawdownPercent,
		"maxTradesPerDay": cfg.MaxTradesPerDay, "scoreThreshold": cfg.ScoreThreshold,
	})
	return nil
}

// ResetHalt clears the sticky trading halt. This is the only way the halt
// ever clears; there is no automatic resume.
func (e *Engine) ResetHalt(ctx context.Context) {
	e.state.ResetHalt()
	e.logger.Info(ctx, "Trading halt cleared by external request")
}

// currentState reads the run state under the engine lock.
func (e *Engine) currentState() RunState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runState
}

func (e *Engine) markCycle(now time.Time) {
	e.mu.Lock()
	e.lastCycle = now
	e.mu.Unlock()
	e.cyclesRun.Add(1)
}
