package database

import (
	"context"
	"fmt"

	"github.com/irfndi/celebrum-paper-trader/internal/models"
)

const tradeColumns = `id, position_id, symbol, direction, entry_price, exit_price, quantity,
		realized_pnl, fees, exit_reason, partial, opened_at, closed_at`

// TradeRepository stores the immutable fill/close records.
type TradeRepository struct {
	pool DatabasePool
}

func NewTradeRepository(pool DatabasePool) *TradeRepository {
	return &TradeRepository{pool: pool}
}

// Insert appends a trade. Trades are never updated.
func (r *TradeRepository) Insert(ctx context.Context, trade *models.Trade) error {
	query := `
		INSERT INTO trades (` + tradeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.pool.Exec(ctx, query,
		trade.ID,
		trade.PositionID,
		trade.Symbol,
		string(trade.Direction),
		trade.EntryPrice,
		trade.ExitPrice,
		trade.Quantity,
		trade.RealizedPnL,
		trade.Fees,
		string(trade.ExitReason),
		trade.Partial,
		trade.OpenedAt,
		trade.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade %s: %w", trade.ID, err)
	}
	return nil
}

// ListByPosition returns the trades recorded for one position, oldest first.
func (r *TradeRepository) ListByPosition(ctx context.Context, positionID string) ([]models.Trade, error) {
	query := `
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE position_id = $1
		ORDER BY closed_at ASC
	`

	rows, err := r.pool.Query(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var (
			t          models.Trade
			direction  string
			exitReason string
		)
		err := rows.Scan(
			&t.ID,
			&t.PositionID,
			&t.Symbol,
			&direction,
			&t.EntryPrice,
			&t.ExitPrice,
			&t.Quantity,
			&t.RealizedPnL,
			&t.Fees,
			&exitReason,
			&t.Partial,
			&t.OpenedAt,
			&t.ClosedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Direction = models.Direction(direction)
		t.ExitReason = models.ExitReason(exitReason)
		trades = append(trades, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}

	return trades, nil
}
