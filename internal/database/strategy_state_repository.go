package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/irfndi/celebrum-paper-trader/internal/models"
)

// StrategyStateRepository keeps an append-only log of strategy states.
// The newest row is the current state.
type StrategyStateRepository struct {
	pool DatabasePool
}

func NewStrategyStateRepository(pool DatabasePool) *StrategyStateRepository {
	return &StrategyStateRepository{pool: pool}
}

// Save appends state.
func (r *StrategyStateRepository) Save(ctx context.Context, state *models.StrategyState) error {
	disabled, err := json.Marshal(state.DisabledDirections)
	if err != nil {
		return fmt.Errorf("failed to encode disabled directions: %w", err)
	}

	query := `
		INSERT INTO strategy_states (mode, regime, confidence, regime_duration, disabled_directions, manual, reason, last_update)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.pool.Exec(ctx, query,
		string(state.Mode),
		string(state.Regime),
		state.Confidence,
		state.RegimeDuration,
		disabled,
		state.Manual,
		state.Reason,
		state.LastUpdate,
	)
	if err != nil {
		return fmt.Errorf("failed to save strategy state: %w", err)
	}
	return nil
}

// Latest returns the most recent state, or nil when none was ever saved.
func (r *StrategyStateRepository) Latest(ctx context.Context) (*models.StrategyState, error) {
	query := `
		SELECT mode, regime, confidence, regime_duration, disabled_directions, manual, reason, last_update
		FROM strategy_states
		ORDER BY last_update DESC, id DESC
		LIMIT 1
	`

	var (
		state    models.StrategyState
		mode     string
		regime   string
		disabled []byte
	)
	err := r.pool.QueryRow(ctx, query).Scan(
		&mode,
		&regime,
		&state.Confidence,
		&state.RegimeDuration,
		&disabled,
		&state.Manual,
		&state.Reason,
		&state.LastUpdate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load strategy state: %w", err)
	}

	state.Mode = models.StrategyMode(mode)
	state.Regime = models.Regime(regime)
	if !state.Mode.IsValid() {
		return nil, fmt.Errorf("corrupted strategy state: unknown mode %q", mode)
	}
	if err := json.Unmarshal(disabled, &state.DisabledDirections); err != nil {
		return nil, fmt.Errorf("corrupted strategy state: %w", err)
	}
	return &state, nil
}

// PruneBefore deletes states last updated before cutoff. The newest row is
// always kept so Latest never comes back empty after a prune.
func (r *StrategyStateRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM strategy_states
		WHERE last_update < $1
		AND id <> (SELECT id FROM strategy_states ORDER BY last_update DESC, id DESC LIMIT 1)
	`

	result, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune strategy states: %w", err)
	}
	return result.RowsAffected(), nil
}
