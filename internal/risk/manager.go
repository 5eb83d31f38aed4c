package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cryptoAutoTrader/config"
	"cryptoAutoTrader/internal/domain"
	"cryptoAutoTrader/internal/portfolio"
	"cryptoAutoTrader/internal/ports"
)

// Rejection reasons attached to RiskDecision.Reason. These are part of the
// engine's observable behaviour (events, tests), keep them stable.
const (
	ReasonHalted              = "trading halted"
	ReasonDrawdownLimit       = "drawdown limit"
	ReasonDailyLimit          = "daily trade limit"
	ReasonPositionOpen        = "position already open"
	ReasonScoreTooLow         = "score too low"
	ReasonBelowMinSize        = "below minimum size"
	ReasonInsufficientBalance = "insufficient available balance"
	ReasonNoDirection         = "no direction"
)

// Manager decides whether a candidate signal becomes a trade, and how big.
// It has no side effects beyond producing the decision; setting the sticky
// halt flag on the portfolio state is the one exception.
type Manager struct {
	logger ports.Logger

	mu  sync.RWMutex
	cfg config.RiskConfig
}

// New creates a risk manager with the given configuration.
func New(cfg config.RiskConfig, logger ports.Logger) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for risk manager")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, logger: logger}, nil
}

// SetConfig swaps the risk parameters at runtime (engine control surface).
func (m *Manager) SetConfig(cfg config.RiskConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

// Config returns the current risk parameters.
func (m *Manager) Config() config.RiskConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Evaluate produces the accept/reject/size verdict for one signal against a
// portfolio snapshot taken at cycle start. The snapshot keeps concurrent
// evaluations consistent; the live state is touched only to set the sticky
// halt flag when the drawdown limit trips, and to read it so a halt raised
// earlier in the same cycle is honoured immediately.
func (m *Manager) Evaluate(ctx context.Context, sig *domain.Signal, state *portfolio.State, snap portfolio.Snapshot, minOrderSize float64) *domain.RiskDecision {
	cfg := m.Config()

	// Drawdown is computed every evaluation; once it exceeds the limit the
	// halt is sticky and only resetHalt clears it.
	if dd := snap.Drawdown(); dd > cfg.MaxDrawdownPercent {
		state.Halt(ReasonDrawdownLimit)
		m.logger.Warn(ctx, "Drawdown limit exceeded, trading halted", map[string]interface{}{
			"drawdown": dd, "limit": cfg.MaxDrawdownPercent, "peakEquity": snap.PeakEquity, "equity": snap.Equity,
		})
	}
	if halted, reason := state.Halted(); halted {
		if reason == "" {
			reason = ReasonHalted
		}
		return m.reject(ctx, sig, reason)
	}

	if !sig.IsActionable() {
		return m.reject(ctx, sig, ReasonNoDirection)
	}
	if sig.Score < cfg.ScoreThreshold {
		return m.reject(ctx, sig, ReasonScoreTooLow)
	}
	if snap.TradesToday >= cfg.MaxTradesPerDay {
		return m.reject(ctx, sig, ReasonDailyLimit)
	}
	if snap.HasOpen(sig.Symbol) {
		return m.reject(ctx, sig, ReasonPositionOpen)
	}

	entry := sig.Entry
	if entry <= 0 {
		return m.reject(ctx, sig, ReasonNoDirection)
	}

	// size = (equity * riskPercent) / stopLossDistance, capped by
	// maxPositionPercent of equity and by the exchange minimum.
	stopDistance := entry * cfg.StopLossPercent
	units := snap.Equity * cfg.RiskPercentPerTrade / stopDistance
	capUnits := cfg.MaxPositionPercent * snap.Equity / entry
	if units > capUnits {
		units = capUnits
	}
	if units < minOrderSize || units <= 0 {
		return m.reject(ctx, sig, ReasonBelowMinSize)
	}
	notional := units * entry
	if notional > cfg.MaxPositionPercent*snap.AvailableBalance {
		return m.reject(ctx, sig, ReasonInsufficientBalance)
	}

	var stopLoss, takeProfit float64
	switch sig.Direction {
	case domain.Long:
		stopLoss = entry * (1 - cfg.StopLossPercent)
		takeProfit = entry * (1 + cfg.TakeProfitPercent)
	case domain.Short:
		stopLoss = entry * (1 + cfg.StopLossPercent)
		takeProfit = entry * (1 - cfg.TakeProfitPercent)
	}

	sig.Status = domain.SignalApproved
	decision := &domain.RiskDecision{
		SignalID:   sig.ID,
		Symbol:     sig.Symbol,
		Direction:  sig.Direction,
		Approved:   true,
		SizeUnits:  units,
		SizeQuote:  notional,
		EntryPrice: entry,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Leverage:   cfg.Leverage,
		DecidedAt:  time.Now().UTC(),
	}
	m.logger.Info(ctx, "Signal approved", map[string]interface{}{
		"signalID": sig.ID, "symbol": sig.Symbol, "direction": sig.Direction,
		"units": units, "notional": notional, "stopLoss": stopLoss, "takeProfit": takeProfit,
	})
	return decision
}

func (m *Manager) reject(ctx context.Context, sig *domain.Signal, reason string) *domain.RiskDecision {
	sig.Status = domain.SignalRejected
	m.logger.Debug(ctx, "Signal rejected", map[string]interface{}{
		"signalID": sig.ID, "symbol": sig.Symbol, "reason": reason,
	})
	return &domain.RiskDecision{
		SignalID:  sig.ID,
		Symbol:    sig.Symbol,
		Direction: sig.Direction,
		Approved:  false,
		Reason:    reason,
		DecidedAt: time.Now().UTC(),
	}
}
