package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cryptoAutoTrader/internal/domain"
	"cryptoAutoTrader/internal/portfolio"
)

// timeframeLoop fires one cycle per tick for its timeframe. A tick that
// arrives while the previous cycle is still running is skipped, never queued.
func (e *Engine) timeframeLoop(ctx context.Context, timeframe string, interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.currentState() != StateRunning {
				continue
			}
			busy := e.cycleBusy[timeframe]
			if !busy.TryLock() {
				e.logger.Warn(ctx, "Cycle still running, skipping tick", map[string]interface{}{
					"timeframe": timeframe, "interval": interval.String(),
				})
				continue
			}
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				defer busy.Unlock()
				e.runCycle(ctx, timeframe)
			}()
		}
	}
}

// monitorLoop checks open trades for SL/TP fills. It keeps running while the
// engine is paused: pausing stops new entries, not position management.
func (e *Engine) monitorLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.exec.MonitorOpenTrades(ctx)
		}
	}
}

// runCycle executes one full evaluate-approve-execute pass for a timeframe.
// Scoring runs concurrently per symbol; risk approval is serialized over one
// portfolio snapshot so approvals cannot double-spend the available balance;
// execution of the approved decisions runs concurrently again.
func (e *Engine) runCycle(ctx context.Context, timeframe string) {
	start := time.Now().UTC()
	haltedBefore, _ := e.state.Halted()

	refreshCtx, cancelRefresh := context.WithTimeout(ctx, e.cfg.CallTimeout)
	notes, err := e.state.Refresh(refreshCtx)
	cancelRefresh()
	if err != nil {
		e.reportCycleError(ctx, "", timeframe, fmt.Errorf("portfolio refresh failed: %w", err))
		return
	}
	e.publishReconciliationNotes(ctx, notes)
	snap := e.state.Snapshot()

	candidates := e.scoreSymbols(ctx, timeframe)
	decisions := e.approveCandidates(ctx, timeframe, candidates, snap)

	if haltedNow, reason := e.state.Halted(); haltedNow && !haltedBefore {
		e.logger.Warn(ctx, "Trading halted", map[string]interface{}{"reason": reason})
		e.notifier.Publish(ctx, domain.Event{
			Type:       domain.EventTradingHalted,
			Message:    fmt.Sprintf("trading halted: %s", reason),
			OccurredAt: time.Now().UTC(),
		})
	}

	if len(decisions) > 0 {
		e.executeDecisions(ctx, timeframe, decisions)
	}

	e.markCycle(start)
	e.logger.Debug(ctx, "Cycle complete", map[string]interface{}{
		"timeframe": timeframe, "candidates": len(candidates), "approved": len(decisions),
		"elapsed": time.Since(start).String(),
	})
}

// scoreSymbols fetches market data and scores every configured symbol
// concurrently. A failure for one symbol never aborts the others; it is
// logged and reported as a CycleError event.
func (e *Engine) scoreSymbols(ctx context.Context, timeframe string) []*domain.Signal {
	var (
		mu         sync.Mutex
		candidates []*domain.Signal
	)
	limit := e.scorer.MinDataPoints()

	g, gctx := errgroup.WithContext(ctx)
	for _, symbol := range e.cfg.Symbols {
		symbol := symbol
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, e.cfg.CallTimeout)
			klines, err := e.exchange.GetKlines(callCtx, symbol, timeframe, limit)
			cancel()
			if err != nil {
				e.reportCycleError(ctx, symbol, timeframe, fmt.Errorf("fetching klines: %w", err))
				return nil
			}

			sig, err := e.scorer.Score(gctx, symbol, timeframe, klines)
			if err != nil {
				e.reportCycleError(ctx, symbol, timeframe, fmt.Errorf("scoring: %w", err))
				return nil
			}
			if sig == nil {
				return nil
			}
			e.signalsGenerated.Add(1)

			if err := e.signals.SaveSignal(gctx, sig); err != nil {
				e.logger.Warn(ctx, "Failed to persist signal", map[string]interface{}{
					"signalID": sig.ID, "symbol": symbol, "error": err.Error(),
				})
			}
			if !sig.IsActionable() {
				return nil
			}

			agreed, cErr := e.confirmAcrossTimeframes(gctx, sig)
			if cErr != nil {
				e.reportCycleError(ctx, symbol, timeframe, fmt.Errorf("timeframe confirmation: %w", cErr))
				return nil
			}
			if !agreed {
				sig.Status = domain.SignalRejected
				if err := e.signals.UpdateSignalStatus(gctx, sig.ID, domain.SignalRejected); err != nil {
					e.logger.Warn(ctx, "Failed to update signal status", map[string]interface{}{"signalID": sig.ID, "error": err.Error()})
				}
				e.logger.Debug(ctx, "Signal dropped, timeframes disagree", map[string]interface{}{
					"symbol": symbol, "timeframe": timeframe, "direction": sig.Direction,
				})
				return nil
			}

			e.notifier.Publish(ctx, domain.Event{
				Type:       domain.EventSignalGenerated,
				Symbol:     symbol,
				Message:    fmt.Sprintf("signal %s %s score=%.3f entry=%.4f", sig.Direction, symbol, sig.Score, sig.Entry),
				Signal:     sig,
				OccurredAt: time.Now().UTC(),
			})
			mu.Lock()
			candidates = append(candidates, sig)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return candidates
}

// confirmAcrossTimeframes re-scores the candidate's symbol on every other
// configured timeframe and reports whether they all point the same way. A
// flat or opposite reading anywhere vetoes the candidate; with a single
// configured timeframe the check passes trivially.
func (e *Engine) confirmAcrossTimeframes(ctx context.Context, sig *domain.Signal) (bool, error) {
	limit := e.scorer.MinDataPoints()
	for _, tf := range e.cfg.Timeframes {
		if tf == sig.Timeframe {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		klines, err := e.exchange.GetKlines(callCtx, sig.Symbol, tf, limit)
		cancel()
		if err != nil {
			return false, fmt.Errorf("fetching %s klines: %w", tf, err)
		}
		confirm, err := e.scorer.Score(ctx, sig.Symbol, tf, klines)
		if err != nil {
			return false, fmt.Errorf("scoring on %s: %w", tf, err)
		}
		if confirm == nil || confirm.Direction != sig.Direction {
			return false, nil
		}
	}
	return true, nil
}

// approveCandidates runs the risk manager serially over the cycle snapshot,
// strongest signals first. Each approval reserves its notional from the
// snapshot's available balance and counts toward the daily limit, so two
// approvals in the same cycle cannot spend the same funds.
func (e *Engine) approveCandidates(ctx context.Context, timeframe string, candidates []*domain.Signal, snap portfolio.Snapshot) []*domain.RiskDecision {
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })

	selected := candidates
	if e.cfg.TopNSignals > 0 && len(selected) > e.cfg.TopNSignals {
		selected = candidates[:e.cfg.TopNSignals]
		for _, sig := range candidates[e.cfg.TopNSignals:] {
			sig.Status = domain.SignalExpired
			if err := e.signals.UpdateSignalStatus(ctx, sig.ID, domain.SignalExpired); err != nil {
				e.logger.Warn(ctx, "Failed to expire signal", map[string]interface{}{"signalID": sig.ID, "error": err.Error()})
			}
		}
	}

	var (
		decisions     []*domain.RiskDecision
		reservedQuote float64
	)
	for _, sig := range selected {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		minSize, err := e.exchange.GetMinOrderSize(callCtx, sig.Symbol)
		cancel()
		if err != nil {
			e.reportCycleError(ctx, sig.Symbol, timeframe, fmt.Errorf("querying minimum order size: %w", err))
			continue
		}

		adjusted := snap
		adjusted.AvailableBalance = snap.AvailableBalance - reservedQuote
		adjusted.TradesToday = snap.TradesToday + len(decisions)

		decision := e.risk.Evaluate(ctx, sig, e.state, adjusted, minSize)
		if err := e.signals.UpdateSignalStatus(ctx, sig.ID, sig.Status); err != nil {
			e.logger.Warn(ctx, "Failed to update signal status", map[string]interface{}{"signalID": sig.ID, "error": err.Error()})
		}
		if !decision.Approved {
			continue
		}
		reservedQuote += decision.SizeQuote
		decisions = append(decisions, decision)
	}
	return decisions
}

// executeDecisions submits the approved decisions concurrently. Execution is
// detached from loop cancellation: a Stop issued mid-submission lets the
// order run to a terminal state instead of abandoning it half-placed.
func (e *Engine) executeDecisions(ctx context.Context, timeframe string, decisions []*domain.RiskDecision) {
	execCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	for _, decision := range decisions {
		decision := decision
		g.Go(func() error {
			if _, err := e.exec.Execute(execCtx, decision); err != nil {
				e.tradesFailed.Add(1)
				e.reportCycleError(execCtx, decision.Symbol, timeframe, err)
				return nil
			}
			e.tradesExecuted.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	refreshCtx, cancel := context.WithTimeout(execCtx, e.cfg.CallTimeout)
	notes, err := e.state.Refresh(refreshCtx)
	cancel()
	if err != nil {
		e.logger.Warn(ctx, "Post-execution portfolio refresh failed", map[string]interface{}{"error": err.Error()})
		return
	}
	e.publishReconciliationNotes(ctx, notes)
}

// reportCycleError logs a per-symbol failure and emits a CycleError event.
// Cycle errors never halt trading; the halt flag belongs to risk limits.
func (e *Engine) reportCycleError(ctx context.Context, symbol, timeframe string, err error) {
	e.logger.Error(ctx, err, "Cycle error", map[string]interface{}{
		"symbol": symbol, "timeframe": timeframe,
	})
	e.notifier.Publish(ctx, domain.Event{
		Type:       domain.EventCycleError,
		Symbol:     symbol,
		Message:    fmt.Sprintf("cycle error (%s %s): %v", symbol, timeframe, err),
		OccurredAt: time.Now().UTC(),
	})
}

func (e *Engine) publishReconciliationNotes(ctx context.Context, notes []string) {
	for _, note := range notes {
		e.notifier.Publish(ctx, domain.Event{
			Type:       domain.EventCycleError,
			Message:    "reconciliation: " + note,
			OccurredAt: time.Now().UTC(),
		})
	}
}
