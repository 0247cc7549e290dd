package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-paper-trader/internal/models"
)

const signalKeyPrefix = "signal:"

// DefaultSignalTTL is how long an accepted signal blocks re-analysis.
const DefaultSignalTTL = 30 * time.Minute

// SignalCacheEntry wraps a cached signal with the put time.
type SignalCacheEntry struct {
	Signal    models.TradingSignal `json:"signal"`
	CachedAt  time.Time            `json:"cached_at"`
	ExpiresAt time.Time            `json:"expires_at"`
}

// SignalCache keeps at most one live signal per symbol. Each symbol has its
// own key so unrelated symbols never contend.
type SignalCache struct {
	store  *RedisStore
	ttl    time.Duration
	now    func() time.Time
	logger *logrus.Logger
}

func NewSignalCache(store *RedisStore, ttl time.Duration, logger *logrus.Logger) *SignalCache {
	if ttl <= 0 {
		ttl = DefaultSignalTTL
	}
	return &SignalCache{
		store:  store,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
}

// WithClock replaces the time source. Tests use it to step past the TTL.
func (c *SignalCache) WithClock(now func() time.Time) *SignalCache {
	c.now = now
	return c
}

// TTL returns the validity window of a stored signal.
func (c *SignalCache) TTL() time.Duration {
	return c.ttl
}

func signalKey(symbol string) string {
	return signalKeyPrefix + strings.ToUpper(symbol)
}

// Get returns the signal stored for symbol while now < put time + ttl, and
// nil afterwards.
func (c *SignalCache) Get(ctx context.Context, symbol string) (*models.TradingSignal, error) {
	var entry SignalCacheEntry
	found, err := c.store.GetJSON(ctx, signalKey(symbol), &entry)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	// Redis expiry is coarse; the entry carries the authoritative deadline.
	if !c.now().Before(entry.ExpiresAt) {
		if err := c.store.Delete(ctx, signalKey(symbol)); err != nil {
			c.logger.WithError(err).WithField("symbol", symbol).Warn("Failed to evict expired signal")
		}
		return nil, nil
	}
	return &entry.Signal, nil
}

// Put stores signal for its symbol, overwriting any previous one with a
// fresh TTL.
func (c *SignalCache) Put(ctx context.Context, signal *models.TradingSignal) error {
	if signal == nil || signal.Symbol == "" {
		return fmt.Errorf("signal cache: signal has no symbol")
	}

	now := c.now()
	entry := SignalCacheEntry{
		Signal:    *signal,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}
	if err := c.store.SetJSON(ctx, signalKey(signal.Symbol), entry, c.ttl); err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"symbol":    signal.Symbol,
		"signal_id": signal.ID,
		"ttl":       c.ttl.String(),
	}).Debug("Cached trading signal")
	return nil
}

// Delete invalidates the signal for symbol.
func (c *SignalCache) Delete(ctx context.Context, symbol string) error {
	return c.store.Delete(ctx, signalKey(symbol))
}

// Active lists every live signal.
func (c *SignalCache) Active(ctx context.Context) ([]models.TradingSignal, error) {
	keys, err := c.store.ListKeys(ctx, signalKeyPrefix)
	if err != nil {
		return nil, err
	}

	now := c.now()
	signals := make([]models.TradingSignal, 0, len(keys))
	for _, key := range keys {
		var entry SignalCacheEntry
		found, err := c.store.GetJSON(ctx, key, &entry)
		if err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("Skipping unreadable cached signal")
			continue
		}
		// key may have expired between SCAN and GET
		if !found || !now.Before(entry.ExpiresAt) {
			continue
		}
		signals = append(signals, entry.Signal)
	}
	return signals, nil
}
