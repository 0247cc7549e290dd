package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/irfndi/celebrum-paper-trader/internal/models"
)

// LedgerRepository stores the single-row portfolio ledger snapshot.
type LedgerRepository struct {
	pool DatabasePool
}

func NewLedgerRepository(pool DatabasePool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

func (r *LedgerRepository) Save(ctx context.Context, snapshot *models.LedgerSnapshot) error {
	query := `
		INSERT INTO ledger_snapshots (id, balance, initial_balance, total_pnl, daily_pnl, total_fees,
			peak_equity, max_drawdown, trade_count, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			balance = EXCLUDED.balance,
			initial_balance = EXCLUDED.initial_balance,
			total_pnl = EXCLUDED.total_pnl,
			daily_pnl = EXCLUDED.daily_pnl,
			total_fees = EXCLUDED.total_fees,
			peak_equity = EXCLUDED.peak_equity,
			max_drawdown = EXCLUDED.max_drawdown,
			trade_count = EXCLUDED.trade_count,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.pool.Exec(ctx, query,
		snapshot.Balance,
		snapshot.InitialBalance,
		snapshot.TotalPnL,
		snapshot.DailyPnL,
		snapshot.TotalFees,
		snapshot.PeakEquity,
		snapshot.MaxDrawdown,
		snapshot.TradeCount,
		snapshot.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save ledger snapshot: %w", err)
	}
	return nil
}

// Load returns the stored snapshot, or nil on a fresh database.
func (r *LedgerRepository) Load(ctx context.Context) (*models.LedgerSnapshot, error) {
	query := `
		SELECT balance, initial_balance, total_pnl, daily_pnl, total_fees,
			peak_equity, max_drawdown, trade_count, updated_at
		FROM ledger_snapshots
		WHERE id = 1
	`

	var s models.LedgerSnapshot
	err := r.pool.QueryRow(ctx, query).Scan(
		&s.Balance,
		&s.InitialBalance,
		&s.TotalPnL,
		&s.DailyPnL,
		&s.TotalFees,
		&s.PeakEquity,
		&s.MaxDrawdown,
		&s.TradeCount,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load ledger snapshot: %w", err)
	}
	return &s, nil
}
