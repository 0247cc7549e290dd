package database

import (
	"context"
	"fmt"
	"time"

	"github.com/irfndi/celebrum-paper-trader/internal/models"
)

// RegimeHistoryRepository persists regime readings so the hysteresis window
// survives restarts.
type RegimeHistoryRepository struct {
	pool DatabasePool
}

func NewRegimeHistoryRepository(pool DatabasePool) *RegimeHistoryRepository {
	return &RegimeHistoryRepository{pool: pool}
}

func (r *RegimeHistoryRepository) Append(ctx context.Context, entry models.RegimeHistoryEntry) error {
	query := `INSERT INTO regime_history (regime, confidence, recorded_at) VALUES ($1, $2, $3)`

	if _, err := r.pool.Exec(ctx, query, string(entry.Regime), entry.Confidence, entry.RecordedAt); err != nil {
		return fmt.Errorf("failed to append regime history: %w", err)
	}
	return nil
}

// Recent returns up to limit readings in chronological order.
func (r *RegimeHistoryRepository) Recent(ctx context.Context, limit int) ([]models.RegimeHistoryEntry, error) {
	query := `
		SELECT regime, confidence, recorded_at
		FROM regime_history
		ORDER BY recorded_at DESC, id DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get regime history: %w", err)
	}
	defer rows.Close()

	var entries []models.RegimeHistoryEntry
	for rows.Next() {
		var (
			entry  models.RegimeHistoryEntry
			regime string
		)
		if err := rows.Scan(&regime, &entry.Confidence, &entry.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan regime history entry: %w", err)
		}
		entry.Regime = models.Regime(regime)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating regime history: %w", err)
	}

	// newest first from the query; callers want oldest first
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// PruneBefore deletes readings recorded before cutoff, sparing the newest keep
// rows so the hysteresis window can still be rebuilt.
func (r *RegimeHistoryRepository) PruneBefore(ctx context.Context, cutoff time.Time, keep int) (int64, error) {
	query := `
		DELETE FROM regime_history
		WHERE recorded_at < $1
		AND id NOT IN (SELECT id FROM regime_history ORDER BY recorded_at DESC, id DESC LIMIT $2)
	`

	result, err := r.pool.Exec(ctx, query, cutoff, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune regime history: %w", err)
	}
	return result.RowsAffected(), nil
}
