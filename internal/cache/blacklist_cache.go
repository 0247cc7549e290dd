package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-paper-trader/internal/database"
)

const blacklistKeyPrefix = "blacklist:"

// BlacklistCacheEntry represents a halted symbol with metadata.
type BlacklistCacheEntry struct {
	// Symbol is the trading pair that must not be scanned.
	Symbol string `json:"symbol"`
	// Reason describes why the symbol was halted.
	Reason string `json:"reason"`
	// ExpiresAt is when the halt lifts. Nil means never.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	// CreatedAt is when the halt was recorded.
	CreatedAt time.Time `json:"created_at"`
}

// BlacklistCacheStats holds statistics about the blacklist cache.
type BlacklistCacheStats struct {
	Hits           int64 `json:"hits"`
	Misses         int64 `json:"misses"`
	Adds           int64 `json:"adds"`
	ExpiredEntries int64 `json:"expired_entries"`
}

// BlacklistRepository interface defines the contract for database operations.
// This allows for dependency injection and testing with mock implementations.
type BlacklistRepository interface {
	AddSymbol(ctx context.Context, symbol, reason string, expiresAt *time.Time) (*database.SymbolBlacklistEntry, error)
	RemoveSymbol(ctx context.Context, symbol string) error
	GetAllBlacklisted(ctx context.Context) ([]database.SymbolBlacklistEntry, error)
}

// SymbolBlacklist keeps halted symbols in Redis with the database as the
// durable copy. The scanner consults it before every analysis.
type SymbolBlacklist struct {
	store  *RedisStore
	repo   BlacklistRepository
	logger *logrus.Logger
	now    func() time.Time

	mu    sync.Mutex
	stats BlacklistCacheStats
}

// NewSymbolBlacklist creates a Redis-backed blacklist. repo may be nil, in
// which case halts live only in Redis.
func NewSymbolBlacklist(store *RedisStore, repo BlacklistRepository, logger *logrus.Logger) *SymbolBlacklist {
	return &SymbolBlacklist{
		store:  store,
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

func blacklistKey(symbol string) string {
	return blacklistKeyPrefix + strings.ToUpper(symbol)
}

// IsBlacklisted reports whether symbol is halted and why. Redis errors are
// logged and treated as not halted so a cache outage never stops scanning.
func (b *SymbolBlacklist) IsBlacklisted(ctx context.Context, symbol string) (bool, string) {
	var entry BlacklistCacheEntry
	found, err := b.store.GetJSON(ctx, blacklistKey(symbol), &entry)
	if err != nil {
		b.logger.WithError(err).WithField("symbol", symbol).Warn("Blacklist lookup failed")
	}
	if err != nil || !found {
		b.count(func(s *BlacklistCacheStats) { s.Misses++ })
		return false, ""
	}

	if entry.ExpiresAt != nil && b.now().After(*entry.ExpiresAt) {
		_ = b.store.Delete(ctx, blacklistKey(symbol))
		b.count(func(s *BlacklistCacheStats) {
			s.ExpiredEntries++
			s.Misses++
		})
		return false, ""
	}

	b.count(func(s *BlacklistCacheStats) { s.Hits++ })
	return true, entry.Reason
}

// Add halts symbol for ttl (zero means until removed). The database is
// written first; a database failure is logged and the Redis entry still set.
func (b *SymbolBlacklist) Add(ctx context.Context, symbol, reason string, ttl time.Duration) (*BlacklistCacheEntry, error) {
	if symbol == "" {
		return nil, errors.New("symbol is required")
	}

	now := b.now()
	entry := BlacklistCacheEntry{
		Symbol:    strings.ToUpper(symbol),
		Reason:    reason,
		CreatedAt: now,
	}
	if ttl > 0 {
		expiresAt := now.Add(ttl)
		entry.ExpiresAt = &expiresAt
	}

	if b.repo != nil {
		if _, err := b.repo.AddSymbol(ctx, entry.Symbol, reason, entry.ExpiresAt); err != nil {
			b.logger.WithError(err).WithField("symbol", entry.Symbol).Error("Error persisting blacklist entry")
		}
	}

	if err := b.store.SetJSON(ctx, blacklistKey(entry.Symbol), entry, ttl); err != nil {
		return nil, err
	}

	b.count(func(s *BlacklistCacheStats) { s.Adds++ })
	b.logger.WithFields(logrus.Fields{
		"symbol": entry.Symbol,
		"reason": reason,
		"ttl":    ttl.String(),
	}).Info("Symbol halted")
	return &entry, nil
}

// Remove lifts the halt on symbol in both the database and Redis.
func (b *SymbolBlacklist) Remove(ctx context.Context, symbol string) error {
	symbol = strings.ToUpper(symbol)
	if b.repo != nil {
		if err := b.repo.RemoveSymbol(ctx, symbol); err != nil {
			b.logger.WithError(err).WithField("symbol", symbol).Warn("Error removing blacklist entry from database")
		}
	}
	return b.store.Delete(ctx, blacklistKey(symbol))
}

// List returns every live halt.
func (b *SymbolBlacklist) List(ctx context.Context) ([]BlacklistCacheEntry, error) {
	keys, err := b.store.ListKeys(ctx, blacklistKeyPrefix)
	if err != nil {
		return nil, err
	}

	now := b.now()
	entries := make([]BlacklistCacheEntry, 0, len(keys))
	for _, key := range keys {
		var entry BlacklistCacheEntry
		found, err := b.store.GetJSON(ctx, key, &entry)
		if err != nil || !found {
			continue
		}
		if entry.ExpiresAt != nil && now.After(*entry.ExpiresAt) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// LoadFromDatabase copies active halts into Redis. Called on startup.
func (b *SymbolBlacklist) LoadFromDatabase(ctx context.Context) error {
	if b.repo == nil {
		return fmt.Errorf("database repository not configured")
	}

	entries, err := b.repo.GetAllBlacklisted(ctx)
	if err != nil {
		return fmt.Errorf("failed to load blacklist from database: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		var ttl time.Duration
		if entry.ExpiresAt != nil {
			ttl = entry.ExpiresAt.Sub(b.now())
			if ttl <= 0 {
				continue
			}
		}

		cacheEntry := BlacklistCacheEntry{
			Symbol:    entry.Symbol,
			Reason:    entry.Reason,
			CreatedAt: entry.CreatedAt,
			ExpiresAt: entry.ExpiresAt,
		}
		if err := b.store.SetJSON(ctx, blacklistKey(entry.Symbol), cacheEntry, ttl); err != nil {
			b.logger.WithError(err).WithField("symbol", entry.Symbol).Warn("Error loading blacklist entry to cache")
			continue
		}
		loaded++
	}

	b.logger.WithField("count", loaded).Info("Loaded blacklist entries from database to cache")
	return nil
}

// Counters returns the stats keyed by operation for metric export.
func (st BlacklistCacheStats) Counters() map[string]int64 {
	return map[string]int64{
		"hit":     st.Hits,
		"miss":    st.Misses,
		"add":     st.Adds,
		"expired": st.ExpiredEntries,
	}
}

// GetStats returns current cache statistics.
func (b *SymbolBlacklist) GetStats() BlacklistCacheStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// LogStats logs the halt-list lookup counters.
func (b *SymbolBlacklist) LogStats() {
	stats := b.GetStats()
	b.logger.WithFields(logrus.Fields{
		"component": "symbol_blacklist",
		"hits":      stats.Hits,
		"misses":    stats.Misses,
		"adds":      stats.Adds,
		"expired":   stats.ExpiredEntries,
	}).Info("Halt list stats")
}

func (b *SymbolBlacklist) count(fn func(*BlacklistCacheStats)) {
	b.mu.Lock()
	fn(&b.stats)
	b.mu.Unlock()
}
