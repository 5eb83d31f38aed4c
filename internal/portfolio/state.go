package portfolio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cryptoAutoTrader/internal/domain"
	"cryptoAutoTrader/internal/ports"
)

// Snapshot is an immutable view of the portfolio taken at a point in time.
// One snapshot is taken at the start of each automation cycle and every risk
// decision in that cycle reads the same snapshot, so concurrent evaluations
// cannot observe each other's in-flight mutations.
type Snapshot struct {
	Equity           float64
	AvailableBalance float64
	PeakEquity       float64
	TradesToday      int
	Halted           bool
	HaltReason       string
	OpenTrades       map[string]domain.Trade // value copies keyed by symbol
	TakenAt          time.Time
}

// Drawdown returns the fractional decline of equity from its peak.
func (s Snapshot) Drawdown() float64 {
	if s.PeakEquity <= 0 {
		return 0
	}
	return (s.PeakEquity - s.Equity) / s.PeakEquity
}

// HasOpen reports whether a trade is open for the symbol in this snapshot.
func (s Snapshot) HasOpen(symbol string) bool {
	_, ok := s.OpenTrades[symbol]
	return ok
}

// Config holds the dependencies and settings for the portfolio state.
type Config struct {
	Repo       ports.TradeRepository
	Exchange   ports.ExchangeClient
	Logger     ports.Logger
	QuoteAsset string
	Timezone   *time.Location // day boundary for the daily trade counter
}

// State is the single shared mutable resource between the automation loop
// and the control surface. All mutations go through its methods, which
// serialize writes; reads hand out value snapshots.
type State struct {
	repo       ports.TradeRepository
	exchange   ports.ExchangeClient
	logger     ports.Logger
	quoteAsset string
	loc        *time.Location

	mu          sync.RWMutex
	equity      float64
	available   float64
	peakEquity  float64
	open        map[string]*domain.Trade
	reserved    map[string]struct{}
	tradesToday int
	day         time.Time // start of the current counting day in loc
	halted      bool
	haltReason  string
}

// New creates an empty portfolio state. Call Refresh before trading.
func New(cfg Config) (*State, error) {
	if cfg.Repo == nil || cfg.Exchange == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for portfolio state")
	}
	loc := cfg.Timezone
	if loc == nil {
		loc = time.UTC
	}
	quote := cfg.QuoteAsset
	if quote == "" {
		quote = "USDT"
	}
	return &State{
		repo:       cfg.Repo,
		exchange:   cfg.Exchange,
		logger:     cfg.Logger,
		quoteAsset: quote,
		loc:        loc,
		open:       make(map[string]*domain.Trade),
		reserved:   make(map[string]struct{}),
	}, nil
}

// Refresh pulls balances from the exchange, reloads open trades from the
// repository and reconciles them against exchange-reported positions. It
// returns human-readable reconciliation notes for anything it had to flag.
func (s *State) Refresh(ctx context.Context) ([]string, error) {
	equity, available, err := s.exchange.GetBalance(ctx, s.quoteAsset)
	if err != nil {
		return nil, fmt.Errorf("balance query failed: %w", err)
	}

	localOpen, err := s.repo.LoadOpenTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading open trades failed: %w", err)
	}

	exchangePositions, err := s.exchange.GetOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("open positions query failed: %w", err)
	}

	notes, openSet, err := s.reconcile(ctx, localOpen, exchangePositions)
	if err != nil {
		return notes, err
	}

	dayStart := startOfDay(time.Now().In(s.loc))
	count, err := s.repo.CountOpenedBetween(ctx, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		return notes, fmt.Errorf("counting today's trades failed: %w", err)
	}

	s.mu.Lock()
	s.equity = equity
	s.available = available
	if equity > s.peakEquity {
		s.peakEquity = equity
	}
	s.open = openSet
	s.tradesToday = count
	s.day = dayStart
	s.mu.Unlock()

	s.logger.Debug(ctx, "Portfolio refreshed", map[string]interface{}{
		"equity": equity, "available": available, "openTrades": len(openSet), "tradesToday": count,
	})
	return notes, nil
}

// reconcile aligns locally tracked open trades with the exchange's
// authoritative position list. Mismatches are flagged, never silently fixed.
func (s *State) reconcile(ctx context.Context, localOpen []*domain.Trade, positions []ports.PositionInfo) ([]string, map[string]*domain.Trade, error) {
	var notes []string
	bySymbol := make(map[string]ports.PositionInfo, len(positions))
	for _, p := range positions {
		if p.Quantity != 0 {
			bySymbol[p.Symbol] = p
		}
	}

	openSet := make(map[string]*domain.Trade, len(localOpen))
	for _, t := range localOpen {
		pos, onExchange := bySymbol[t.Symbol]
		if !onExchange {
			// Position vanished on the exchange (manual close, liquidation we
			// missed). Close locally with a reconciliation note. External
			// trades get the same treatment: a gone position must free the
			// symbol's slot.
			exitPrice, pErr := s.exchange.GetTickerPrice(ctx, t.Symbol)
			if pErr != nil {
				exitPrice = t.EntryPrice
			}
			t.Status = domain.TradeClosed
			t.CloseReason = domain.CloseReasonReconciled
			t.ExitPrice = exitPrice
			t.ClosedAt = time.Now().UTC()
			t.PNL = t.RealizedPNL(exitPrice)
			if uErr := s.repo.UpdateTrade(ctx, t); uErr != nil {
				return notes, nil, fmt.Errorf("persisting reconciled close for %s: %w", t.Symbol, uErr)
			}
			note := fmt.Sprintf("trade %d (%s) open locally but absent on exchange; closed with reason %s", t.ID, t.Symbol, domain.CloseReasonReconciled)
			if t.External {
				note = fmt.Sprintf("external trade %d (%s) no longer on exchange; closed with reason %s", t.ID, t.Symbol, domain.CloseReasonReconciled)
			}
			notes = append(notes, note)
			s.logger.Warn(ctx, "Reconciliation: local trade closed", map[string]interface{}{"tradeID": t.ID, "symbol": t.Symbol, "external": t.External})
			continue
		}
		openSet[t.Symbol] = t
		delete(bySymbol, pos.Symbol)
	}

	// Whatever remains on the exchange has no local record: track it as an
	// external trade so the one-position-per-symbol invariant still holds,
	// but never auto-manage it.
	for sym, pos := range bySymbol {
		dir := domain.Long
		qty := pos.Quantity
		if qty < 0 {
			dir = domain.Short
			qty = -qty
		}
		ext := &domain.Trade{
			Symbol:     sym,
			Direction:  dir,
			Quantity:   qty,
			Leverage:   pos.Leverage,
			EntryPrice: pos.EntryPrice,
			Status:     domain.TradeOpen,
			External:   true,
			OpenedAt:   time.Now().UTC(),
		}
		id, cErr := s.repo.CreateTrade(ctx, ext)
		if cErr != nil {
			return notes, nil, fmt.Errorf("persisting external trade for %s: %w", sym, cErr)
		}
		ext.ID = id
		openSet[sym] = ext
		note := fmt.Sprintf("position %s found on exchange with no local trade; tracked as external, not auto-managed", sym)
		notes = append(notes, note)
		s.logger.Warn(ctx, "Reconciliation: external position flagged", map[string]interface{}{"symbol": sym, "qty": pos.Quantity})
	}

	return notes, openSet, nil
}

// Snapshot returns an immutable value copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	open := make(map[string]domain.Trade, len(s.open))
	for sym, t := range s.open {
		open[sym] = *t
	}
	return Snapshot{
		Equity:           s.equity,
		AvailableBalance: s.available,
		PeakEquity:       s.peakEquity,
		TradesToday:      s.tradesToday,
		Halted:           s.halted,
		HaltReason:       s.haltReason,
		OpenTrades:       open,
		TakenAt:          time.Now().UTC(),
	}
}

// TryReserve atomically claims the symbol's position slot ahead of order
// submission. It fails when a trade is already open for the symbol or
// another execution holds the reservation. RecordOpen converts the
// reservation into the open trade; every path that does not reach
// RecordOpen must call Release.
func (s *State) TryReserve(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, open := s.open[symbol]; open {
		return false
	}
	if _, held := s.reserved[symbol]; held {
		return false
	}
	s.reserved[symbol] = struct{}{}
	return true
}

// Release frees a reservation taken with TryReserve. Safe to call after
// RecordOpen has already consumed it.
func (s *State) Release(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reserved, symbol)
}

// RecordOpen registers a newly opened trade and bumps the daily counter.
// Any reservation for the symbol is consumed.
func (s *State) RecordOpen(trade *domain.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked(time.Now().In(s.loc))
	delete(s.reserved, trade.Symbol)
	s.open[trade.Symbol] = trade
	s.tradesToday++
	if trade.Leverage > 0 {
		s.available -= trade.EntryPrice * trade.Quantity / float64(trade.Leverage)
	}
}

// RecordClose removes a closed trade from the open set and applies its PnL
// to the equity curve.
func (s *State) RecordClose(trade *domain.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, trade.Symbol)
	s.equity += trade.PNL
	if trade.Leverage > 0 {
		s.available += trade.EntryPrice*trade.Quantity/float64(trade.Leverage) + trade.PNL
	}
	if s.equity > s.peakEquity {
		s.peakEquity = s.equity
	}
}

// HasOpen reports whether a trade is currently open for the symbol. Used as
// the final guard at submission time.
func (s *State) HasOpen(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.open[symbol]
	return ok
}

// OpenTrades returns the currently open trades (shared pointers; the
// executor's monitor is the single writer for trade fields).
func (s *State) OpenTrades() []*domain.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Trade, 0, len(s.open))
	for _, t := range s.open {
		out = append(out, t)
	}
	return out
}

// Halt sets the sticky trading-halted flag. It stays set until ResetHalt is
// called explicitly; the risk manager never approves trades while it is set.
func (s *State) Halt(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return // first reason wins
	}
	s.halted = true
	s.haltReason = reason
}

// ResetHalt clears the halt flag. Exposed through the engine control surface
// only; there is deliberately no automatic resume.
func (s *State) ResetHalt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halted = false
	s.haltReason = ""
}

// Halted returns the halt flag and its reason.
func (s *State) Halted() (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.halted, s.haltReason
}

// RollDay resets the daily trade counter if now is past the day boundary in
// the engine's configured timezone. Invoked by the engine's midnight cron
// and defensively before counting a new trade.
func (s *State) RollDay(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked(now.In(s.loc))
}

func (s *State) rollDayLocked(now time.Time) {
	dayStart := startOfDay(now)
	if dayStart.After(s.day) {
		s.day = dayStart
		s.tradesToday = 0
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
