package database

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

var paperTradingMigrations = []string{
	`CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		signal_id TEXT NOT NULL DEFAULT '',
		symbol VARCHAR(32) NOT NULL,
		direction VARCHAR(8) NOT NULL,
		entry_price NUMERIC(30, 12) NOT NULL,
		current_price NUMERIC(30, 12) NOT NULL,
		quantity NUMERIC(30, 12) NOT NULL CHECK (quantity >= 0),
		original_quantity NUMERIC(30, 12) NOT NULL,
		stop_loss NUMERIC(30, 12) NOT NULL DEFAULT 0,
		take_profits JSONB NOT NULL DEFAULT '[]',
		entry_fee NUMERIC(30, 12) NOT NULL DEFAULT 0,
		realized_pnl NUMERIC(30, 12) NOT NULL DEFAULT 0,
		unrealized_pnl NUMERIC(30, 12) NOT NULL DEFAULT 0,
		status VARCHAR(20) NOT NULL,
		exit_reason VARCHAR(32) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol)`,

	`CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		position_id TEXT NOT NULL REFERENCES positions(id) ON DELETE CASCADE,
		symbol VARCHAR(32) NOT NULL,
		direction VARCHAR(8) NOT NULL,
		entry_price NUMERIC(30, 12) NOT NULL,
		exit_price NUMERIC(30, 12) NOT NULL,
		quantity NUMERIC(30, 12) NOT NULL,
		realized_pnl NUMERIC(30, 12) NOT NULL,
		fees NUMERIC(30, 12) NOT NULL,
		exit_reason VARCHAR(32) NOT NULL,
		partial BOOLEAN NOT NULL DEFAULT false,
		opened_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_position_id ON trades(position_id)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_closed_at ON trades(closed_at DESC)`,

	`CREATE TABLE IF NOT EXISTS strategy_states (
		id BIGSERIAL PRIMARY KEY,
		mode VARCHAR(20) NOT NULL,
		regime VARCHAR(10) NOT NULL,
		confidence NUMERIC(10, 6) NOT NULL,
		regime_duration INT NOT NULL DEFAULT 0,
		disabled_directions JSONB NOT NULL DEFAULT '[]',
		manual BOOLEAN NOT NULL DEFAULT false,
		reason TEXT NOT NULL DEFAULT '',
		last_update TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_strategy_states_last_update ON strategy_states(last_update DESC)`,

	`CREATE TABLE IF NOT EXISTS regime_history (
		id BIGSERIAL PRIMARY KEY,
		regime VARCHAR(10) NOT NULL,
		confidence NUMERIC(10, 6) NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_regime_history_recorded_at ON regime_history(recorded_at DESC)`,

	`CREATE TABLE IF NOT EXISTS ledger_snapshots (
		id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		balance NUMERIC(30, 12) NOT NULL,
		initial_balance NUMERIC(30, 12) NOT NULL,
		total_pnl NUMERIC(30, 12) NOT NULL,
		daily_pnl NUMERIC(30, 12) NOT NULL,
		total_fees NUMERIC(30, 12) NOT NULL,
		peak_equity NUMERIC(30, 12) NOT NULL,
		max_drawdown NUMERIC(30, 12) NOT NULL,
		trade_count INT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS symbol_blacklist (
		id BIGSERIAL PRIMARY KEY,
		symbol VARCHAR(32) NOT NULL,
		reason TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		expires_at TIMESTAMPTZ,
		is_active BOOLEAN NOT NULL DEFAULT true
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_symbol_blacklist_active
		ON symbol_blacklist(symbol) WHERE is_active = true`,
}

// RunMigrations creates the paper trading tables when they are missing.
// Statements are idempotent; the first failure aborts the run.
func RunMigrations(ctx context.Context, pool DatabasePool, logger *logrus.Logger) error {
	logger.Info("Running paper trading database migrations")

	for i, migration := range paperTradingMigrations {
		if _, err := pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	logger.WithField("count", len(paperTradingMigrations)).Info("Paper trading migrations completed")
	return nil
}
