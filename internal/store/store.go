// Package store combines the Postgres repositories and the Redis snapshot
// keys into the persistence interfaces used by the services.
package store

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-paper-trader/internal/cache"
	"github.com/irfndi/celebrum-paper-trader/internal/database"
	"github.com/irfndi/celebrum-paper-trader/internal/models"
	"github.com/irfndi/celebrum-paper-trader/internal/utils"
)

const (
	strategyStateKey  = "strategy:state"
	ledgerSnapshotKey = "ledger:snapshot"
)

// Store writes durable records to Postgres and mirrors the latest strategy
// state and ledger snapshot to Redis. Redis is optional; when it is nil or
// failing the Postgres copy is authoritative.
type Store struct {
	positions *database.PositionRepository
	trades    *database.TradeRepository
	states    *database.StrategyStateRepository
	history   *database.RegimeHistoryRepository
	ledger    *database.LedgerRepository
	snapshots *cache.RedisStore
	logger    *logrus.Logger
}

// New creates a Store over pool. snapshots may be nil.
func New(pool database.DatabasePool, snapshots *cache.RedisStore, logger *logrus.Logger) *Store {
	return &Store{
		positions: database.NewPositionRepository(pool),
		trades:    database.NewTradeRepository(pool),
		states:    database.NewStrategyStateRepository(pool),
		history:   database.NewRegimeHistoryRepository(pool),
		ledger:    database.NewLedgerRepository(pool),
		snapshots: snapshots,
		logger:    logger,
	}
}

// SavePosition upserts the position row.
func (s *Store) SavePosition(ctx context.Context, position *models.Position) error {
	return utils.PersistenceError("save position", s.positions.Upsert(ctx, position))
}

// SaveTrade appends a trade record.
func (s *Store) SaveTrade(ctx context.Context, trade *models.Trade) error {
	return utils.PersistenceError("save trade", s.trades.Insert(ctx, trade))
}

// LoadOpenPositions returns every position that is not fully closed.
func (s *Store) LoadOpenPositions(ctx context.Context) ([]*models.Position, error) {
	rows, err := s.positions.ListOpen(ctx)
	if err != nil {
		return nil, utils.PersistenceError("load open positions", err)
	}
	out := make([]*models.Position, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

// GetPosition looks a position up by ID, including closed ones.
func (s *Store) GetPosition(ctx context.Context, id string) (*models.Position, error) {
	return s.positions.GetByID(ctx, id)
}

// TradesForPosition returns the fills recorded for a position.
func (s *Store) TradesForPosition(ctx context.Context, positionID string) ([]models.Trade, error) {
	trades, err := s.trades.ListByPosition(ctx, positionID)
	if err != nil {
		return nil, utils.PersistenceError("load trades", err)
	}
	return trades, nil
}

// SaveLedger writes the ledger row and refreshes the Redis snapshot.
func (s *Store) SaveLedger(ctx context.Context, snapshot *models.LedgerSnapshot) error {
	if err := s.ledger.Save(ctx, snapshot); err != nil {
		return utils.PersistenceError("save ledger", err)
	}
	s.mirror(ctx, ledgerSnapshotKey, snapshot)
	return nil
}

// LoadLedger reads the Postgres row, falling back to the Redis snapshot
// when the database read fails.
func (s *Store) LoadLedger(ctx context.Context) (*models.LedgerSnapshot, error) {
	snapshot, err := s.ledger.Load(ctx)
	if err == nil {
		return snapshot, nil
	}

	var cached models.LedgerSnapshot
	if s.recover(ctx, ledgerSnapshotKey, &cached, err) {
		return &cached, nil
	}
	return nil, utils.PersistenceError("load ledger", err)
}

// SaveStrategyState appends the state row and refreshes the Redis snapshot.
func (s *Store) SaveStrategyState(ctx context.Context, state *models.StrategyState) error {
	if err := s.states.Save(ctx, state); err != nil {
		return utils.PersistenceError("save strategy state", err)
	}
	s.mirror(ctx, strategyStateKey, state)
	return nil
}

// LoadStrategyState returns the newest state, or nil on a fresh install.
func (s *Store) LoadStrategyState(ctx context.Context) (*models.StrategyState, error) {
	state, err := s.states.Latest(ctx)
	if err == nil {
		return state, nil
	}

	var cached models.StrategyState
	if s.recover(ctx, strategyStateKey, &cached, err) {
		return &cached, nil
	}
	return nil, utils.PersistenceError("load strategy state", err)
}

// AppendRegimeHistory records one regime reading.
func (s *Store) AppendRegimeHistory(ctx context.Context, entry models.RegimeHistoryEntry) error {
	return utils.PersistenceError("append regime history", s.history.Append(ctx, entry))
}

// LoadRegimeHistory returns up to limit readings, oldest first.
func (s *Store) LoadRegimeHistory(ctx context.Context, limit int) ([]models.RegimeHistoryEntry, error) {
	entries, err := s.history.Recent(ctx, limit)
	if err != nil {
		return nil, utils.PersistenceError("load regime history", err)
	}
	return entries, nil
}

// PruneStrategyHistory drops strategy states and regime readings older than
// cutoff. The current state and the newest keep readings survive.
func (s *Store) PruneStrategyHistory(ctx context.Context, cutoff time.Time, keep int) (int64, error) {
	states, err := s.states.PruneBefore(ctx, cutoff)
	if err != nil {
		return 0, utils.PersistenceError("prune strategy states", err)
	}
	readings, err := s.history.PruneBefore(ctx, cutoff, keep)
	if err != nil {
		return states, utils.PersistenceError("prune regime history", err)
	}
	return states + readings, nil
}

func (s *Store) mirror(ctx context.Context, key string, value interface{}) {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.SetJSON(ctx, key, value, 0); err != nil {
		s.logger.WithFields(logrus.Fields{
			"component": "store",
			"key":       key,
		}).WithError(err).Warn("Failed to mirror snapshot to redis")
	}
}

func (s *Store) recover(ctx context.Context, key string, dest interface{}, cause error) bool {
	if s.snapshots == nil {
		return false
	}
	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	found, err := s.snapshots.GetJSON(readCtx, key, dest)
	if err != nil || !found {
		return false
	}
	s.logger.WithFields(logrus.Fields{
		"component": "store",
		"key":       key,
	}).WithError(cause).Warn("Database read failed, using redis snapshot")
	return true
}
