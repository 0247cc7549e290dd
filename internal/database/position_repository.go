package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/irfndi/celebrum-paper-trader/internal/models"
	"github.com/irfndi/celebrum-paper-trader/internal/utils"
)

const positionColumns = `id, signal_id, symbol, direction, entry_price, current_price, quantity,
		original_quantity, stop_loss, take_profits, entry_fee, realized_pnl, unrealized_pnl,
		status, exit_reason, created_at, updated_at, closed_at`

// PositionRepository handles database operations for paper positions.
type PositionRepository struct {
	pool DatabasePool
}

// NewPositionRepository creates a new position repository.
//
// Parameters:
//
//	pool: The database connection pool.
//
// Returns:
//
//	*PositionRepository: The initialized repository.
func NewPositionRepository(pool DatabasePool) *PositionRepository {
	return &PositionRepository{
		pool: pool,
	}
}

// Upsert inserts the position or overwrites its mutable columns.
//
// Parameters:
//
//	ctx: Context.
//	position: Position to persist.
//
// Returns:
//
//	error: Error if operation fails.
func (r *PositionRepository) Upsert(ctx context.Context, position *models.Position) error {
	takeProfits, err := json.Marshal(position.TakeProfits)
	if err != nil {
		return fmt.Errorf("failed to encode take profits: %w", err)
	}

	query := `
		INSERT INTO positions (` + positionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			current_price = EXCLUDED.current_price,
			quantity = EXCLUDED.quantity,
			stop_loss = EXCLUDED.stop_loss,
			take_profits = EXCLUDED.take_profits,
			realized_pnl = EXCLUDED.realized_pnl,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			status = EXCLUDED.status,
			exit_reason = EXCLUDED.exit_reason,
			updated_at = EXCLUDED.updated_at,
			closed_at = EXCLUDED.closed_at
	`

	_, err = r.pool.Exec(ctx, query,
		position.ID,
		position.SignalID,
		position.Symbol,
		string(position.Direction),
		position.EntryPrice,
		position.CurrentPrice,
		position.Quantity,
		position.OriginalQuantity,
		position.StopLoss,
		takeProfits,
		position.EntryFee,
		position.RealizedPnL,
		position.UnrealizedPnL,
		string(position.Status),
		string(position.ExitReason),
		position.CreatedAt,
		position.UpdatedAt,
		position.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert position %s: %w", position.ID, err)
	}
	return nil
}

// GetByID loads one position. A missing row yields utils.ErrPositionNotFound.
//
// Parameters:
//
//	ctx: Context.
//	id: Position ID.
//
// Returns:
//
//	*models.Position: The position.
//	error: Error if retrieval fails.
func (r *PositionRepository) GetByID(ctx context.Context, id string) (*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`

	position, err := scanPosition(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("position %s: %w", id, utils.ErrPositionNotFound)
		}
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return position, nil
}

// ListOpen returns every position that still holds quantity, oldest first.
//
// Parameters:
//
//	ctx: Context.
//
// Returns:
//
//	[]models.Position: Open and partially closed positions.
//	error: Error if retrieval fails.
func (r *PositionRepository) ListOpen(ctx context.Context) ([]models.Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE status <> 'closed'
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list open positions: %w", err)
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		position, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, *position)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}

	return positions, nil
}

func scanPosition(row pgx.Row) (*models.Position, error) {
	var (
		p           models.Position
		direction   string
		status      string
		exitReason  string
		takeProfits []byte
	)
	err := row.Scan(
		&p.ID,
		&p.SignalID,
		&p.Symbol,
		&direction,
		&p.EntryPrice,
		&p.CurrentPrice,
		&p.Quantity,
		&p.OriginalQuantity,
		&p.StopLoss,
		&takeProfits,
		&p.EntryFee,
		&p.RealizedPnL,
		&p.UnrealizedPnL,
		&status,
		&exitReason,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.ClosedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Direction = models.Direction(direction)
	p.Status = models.PositionStatus(status)
	p.ExitReason = models.ExitReason(exitReason)
	if len(takeProfits) > 0 {
		var levels []decimal.Decimal
		if err := json.Unmarshal(takeProfits, &levels); err != nil {
			return nil, fmt.Errorf("corrupted take_profits for position %s: %w", p.ID, err)
		}
		p.TakeProfits = levels
	}
	return &p, nil
}
