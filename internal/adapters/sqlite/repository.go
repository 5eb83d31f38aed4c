package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cryptoAutoTrader/internal/domain"
	"cryptoAutoTrader/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements the ports.SignalRepository and ports.TradeRepository
// interfaces using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/trader.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency between the trading loop and the
	// control surface.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally; the Go driver benefits from a
	// single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS signals (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		direction TEXT NOT NULL,
		score REAL NOT NULL,
		entry REAL NOT NULL,
		features TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		generated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		signal_id TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		quantity REAL NOT NULL,
		leverage INTEGER NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL DEFAULT NULL,
		stop_loss REAL NOT NULL DEFAULT 0,
		take_profit REAL NOT NULL DEFAULT 0,
		pnl REAL DEFAULT NULL,
		entry_order_id TEXT NOT NULL DEFAULT '',
		client_order_id TEXT NOT NULL DEFAULT '',
		stop_loss_order_id TEXT DEFAULT NULL,
		take_profit_order_id TEXT DEFAULT NULL,
		status TEXT NOT NULL,
		close_reason TEXT DEFAULT NULL,
		external INTEGER NOT NULL DEFAULT 0,
		opened_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP DEFAULT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_signals_generated_at ON signals (generated_at);
	CREATE INDEX IF NOT EXISTS idx_trades_symbol_status ON trades (symbol, status);
	CREATE INDEX IF NOT EXISTS idx_trades_opened_at ON trades (opened_at);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- SignalRepository Implementation ---

// SaveSignal persists a newly generated signal.
func (r *Repository) SaveSignal(ctx context.Context, sig *domain.Signal) error {
	const query = `
	INSERT INTO signals (id, symbol, timeframe, direction, score, entry, features, status, generated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	features, err := json.Marshal(sig.Features)
	if err != nil {
		return fmt.Errorf("failed to encode features for signal %s: %w", sig.ID, err)
	}

	_, err = r.db.ExecContext(ctx, query,
		sig.ID, sig.Symbol, sig.Timeframe, sig.Direction, sig.Score, sig.Entry, string(features), sig.Status, sig.GeneratedAt)
	if err != nil {
		return fmt.Errorf("failed to insert signal %s: %w", sig.ID, err)
	}
	r.logger.Debug(ctx, "Signal saved", map[string]interface{}{"signalID": sig.ID, "symbol": sig.Symbol})
	return nil
}

// UpdateSignalStatus records the terminal status of a signal.
func (r *Repository) UpdateSignalStatus(ctx context.Context, id string, status domain.SignalStatus) error {
	const query = `UPDATE signals SET status = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("failed to update status for signal %s: %w", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for signal %s: %w", id, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("signal %s not found for update: %w", id, ports.ErrNotFound)
	}
	return nil
}

// RecentSignals returns the most recent signals, newest first.
func (r *Repository) RecentSignals(ctx context.Context, limit int) ([]*domain.Signal, error) {
	const query = `
	SELECT id, symbol, timeframe, direction, score, entry, features, status, generated_at
	FROM signals
	ORDER BY generated_at DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent signals: %w", err)
	}
	defer rows.Close()

	signals := make([]*domain.Signal, 0)
	for rows.Next() {
		sig := &domain.Signal{}
		var direction, status, features string
		if err := rows.Scan(&sig.ID, &sig.Symbol, &sig.Timeframe, &direction, &sig.Score, &sig.Entry, &features, &status, &sig.GeneratedAt); err != nil {
			return nil, fmt.Errorf("failed to scan signal row: %w", err)
		}
		sig.Direction = domain.Direction(direction)
		sig.Status = domain.SignalStatus(status)
		if err := json.Unmarshal([]byte(features), &sig.Features); err != nil {
			return nil, fmt.Errorf("failed to decode features for signal %s: %w", sig.ID, err)
		}
		signals = append(signals, sig)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signal rows: %w", err)
	}
	return signals, nil
}

// --- TradeRepository Implementation ---

const tradeColumns = `
	id, signal_id, symbol, direction, quantity, leverage,
	entry_price, COALESCE(exit_price, 0), stop_loss, take_profit, COALESCE(pnl, 0),
	entry_order_id, client_order_id, stop_loss_order_id, take_profit_order_id,
	status, close_reason, external, opened_at, closed_at`

// CreateTrade saves a new trade record and returns its assigned ID.
func (r *Repository) CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error) {
	const query = `
	INSERT INTO trades (signal_id, symbol, direction, quantity, leverage,
	                    entry_price, exit_price, stop_loss, take_profit, pnl,
	                    entry_order_id, client_order_id, stop_loss_order_id, take_profit_order_id,
	                    status, close_reason, external, opened_at, closed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		trade.SignalID, trade.Symbol, trade.Direction, trade.Quantity, trade.Leverage,
		trade.EntryPrice, nullFloat(trade.ExitPrice), trade.StopLoss, trade.TakeProfit, nullFloat(trade.PNL),
		trade.EntryOrderID, trade.ClientOrderID, nullStr(trade.StopLossOrderID), nullStr(trade.TakeProfitOrderID),
		trade.Status, nullCloseReason(trade.CloseReason), trade.External, trade.OpenedAt, nullTime(trade.ClosedAt))
	if err != nil {
		return 0, fmt.Errorf("failed to insert trade for symbol %s: %w", trade.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for trade %s: %w", trade.Symbol, err)
	}
	trade.ID = id
	r.logger.Debug(ctx, "Trade created", map[string]interface{}{"tradeID": id, "symbol": trade.Symbol})
	return id, nil
}

// UpdateTrade modifies an existing trade based on its ID.
func (r *Repository) UpdateTrade(ctx context.Context, trade *domain.Trade) error {
	const query = `
	UPDATE trades
	SET quantity = ?, leverage = ?, entry_price = ?, exit_price = ?, stop_loss = ?,
	    take_profit = ?, pnl = ?, entry_order_id = ?, client_order_id = ?,
	    stop_loss_order_id = ?, take_profit_order_id = ?, status = ?, close_reason = ?,
	    external = ?, closed_at = ?
	WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		trade.Quantity, trade.Leverage, trade.EntryPrice, nullFloat(trade.ExitPrice), trade.StopLoss,
		trade.TakeProfit, nullFloat(trade.PNL), trade.EntryOrderID, trade.ClientOrderID,
		nullStr(trade.StopLossOrderID), nullStr(trade.TakeProfitOrderID), trade.Status, nullCloseReason(trade.CloseReason),
		trade.External, nullTime(trade.ClosedAt),
		trade.ID)
	if err != nil {
		return fmt.Errorf("failed to update trade ID %d: %w", trade.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for update trade ID %d: %w", trade.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("trade ID %d not found for update: %w", trade.ID, ports.ErrNotFound)
	}
	r.logger.Debug(ctx, "Trade updated", map[string]interface{}{"tradeID": trade.ID, "symbol": trade.Symbol, "status": trade.Status})
	return nil
}

// LoadOpenTrades retrieves all currently open trades.
func (r *Repository) LoadOpenTrades(ctx context.Context) ([]*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE status = ? ORDER BY opened_at ASC`

	rows, err := r.db.QueryContext(ctx, query, domain.TradeOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to query open trades: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// CountOpenedBetween counts trades opened in [from, to). Used to rebuild the
// daily counter after a restart. External trades do not count against the
// daily limit.
func (r *Repository) CountOpenedBetween(ctx context.Context, from, to time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM trades WHERE opened_at >= ? AND opened_at < ? AND external = 0`
	var count int
	if err := r.db.QueryRowContext(ctx, query, from, to).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count trades between %s and %s: %w", from, to, err)
	}
	return count, nil
}

// ClosedTrades retrieves closed trades, most recent first, up to a limit.
func (r *Repository) ClosedTrades(ctx context.Context, limit int) ([]*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE status = ? ORDER BY closed_at DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, domain.TradeClosed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed trades: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func collectTrades(rows *sql.Rows) ([]*domain.Trade, error) {
	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}
	return trades, nil
}

// scanTrade scans a row into a domain.Trade struct.
func scanTrade(s scanner) (*domain.Trade, error) {
	t := &domain.Trade{}
	var (
		direction, status    string
		slOrderID, tpOrderID sql.NullString
		closeReason          sql.NullString
		closedAt             sql.NullTime
	)
	err := s.Scan(
		&t.ID, &t.SignalID, &t.Symbol, &direction, &t.Quantity, &t.Leverage,
		&t.EntryPrice, &t.ExitPrice, &t.StopLoss, &t.TakeProfit, &t.PNL,
		&t.EntryOrderID, &t.ClientOrderID, &slOrderID, &tpOrderID,
		&status, &closeReason, &t.External, &t.OpenedAt, &closedAt)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	t.Direction = domain.Direction(direction)
	t.Status = domain.TradeStatus(status)
	if slOrderID.Valid {
		t.StopLossOrderID = &slOrderID.String
	}
	if tpOrderID.Valid {
		t.TakeProfitOrderID = &tpOrderID.String
	}
	if closeReason.Valid {
		t.CloseReason = domain.CloseReason(closeReason.String)
	} else if t.Status == domain.TradeClosed {
		t.CloseReason = domain.CloseReasonUnknown
	}
	if closedAt.Valid {
		t.ClosedAt = closedAt.Time
	}
	return t, nil
}

func nullStr(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullCloseReason(r domain.CloseReason) sql.NullString {
	if r == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(r), Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullFloat(f float64) sql.NullFloat64 {
	if f == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}
