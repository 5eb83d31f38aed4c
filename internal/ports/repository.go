package ports

import (
	"context"
	"time"

	"cryptoAutoTrader/internal/domain"
)

// SignalRepository stores generated signals and their risk verdicts.
type SignalRepository interface {
	// SaveSignal persists a newly generated signal.
	SaveSignal(ctx context.Context, sig *domain.Signal) error
	// UpdateSignalStatus records the terminal status of a signal.
	UpdateSignalStatus(ctx context.Context, id string, status domain.SignalStatus) error
	// RecentSignals returns the most recent signals, newest first.
	RecentSignals(ctx context.Context, limit int) ([]*domain.Signal, error)
}

// TradeRepository stores trades across their open/closed lifecycle.
type TradeRepository interface {
	// CreateTrade saves a new trade record and returns its assigned ID.
	CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error)
	// UpdateTrade modifies an existing trade (close, reconciliation note).
	UpdateTrade(ctx context.Context, trade *domain.Trade) error
	// LoadOpenTrades retrieves all currently open trades.
	LoadOpenTrades(ctx context.Context) ([]*domain.Trade, error)
	// CountOpenedBetween counts trades opened in [from, to). Used to rebuild
	// the daily counter after a restart.
	CountOpenedBetween(ctx context.Context, from, to time.Time) (int, error)
	// ClosedTrades retrieves closed trades, most recent first, up to a limit.
	ClosedTrades(ctx context.Context, limit int) ([]*domain.Trade, error)
}
