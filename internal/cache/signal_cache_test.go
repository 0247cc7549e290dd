package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/celebrum-paper-trader/internal/logging"
	"github.com/irfndi/celebrum-paper-trader/internal/models"
	"github.com/irfndi/celebrum-paper-trader/internal/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestSignalCache(t *testing.T, ttl time.Duration) (*SignalCache, *fakeClock) {
	_, client := testutil.NewMiniRedis(t)
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	logger := logging.NewDiscardLogger()
	c := NewSignalCache(NewRedisStore(client, logger), ttl, logger).WithClock(clock.Now)
	return c, clock
}

func testSignal(id, symbol string) *models.TradingSignal {
	return &models.TradingSignal{
		ID:         id,
		Symbol:     symbol,
		Direction:  models.DirectionLong,
		EntryPrice: decimal.NewFromInt(50000),
		Confidence: decimal.NewFromFloat(0.8),
	}
}

func TestSignalCache_GetReturnsLastPutUntilTTL(t *testing.T) {
	c, clock := newTestSignalCache(t, 30*time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, testSignal("sig-1", "BTC/USDT")))

	got, err := c.Get(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sig-1", got.ID)

	clock.Advance(29*time.Minute + 59*time.Second)
	got, err = c.Get(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, got)

	clock.Advance(time.Second)
	got, err = c.Get(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Nil(t, got, "signal must expire exactly at put time + ttl")
}

func TestSignalCache_PutOverwritesWithFreshTTL(t *testing.T) {
	c, clock := newTestSignalCache(t, 10*time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, testSignal("sig-1", "ETH/USDT")))
	clock.Advance(8 * time.Minute)
	require.NoError(t, c.Put(ctx, testSignal("sig-2", "ETH/USDT")))
	clock.Advance(8 * time.Minute)

	got, err := c.Get(ctx, "ETH/USDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sig-2", got.ID)
}

func TestSignalCache_SymbolsAreIndependent(t *testing.T) {
	c, _ := newTestSignalCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, testSignal("btc", "BTC/USDT")))

	got, err := c.Get(ctx, "ETH/USDT")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = c.Get(ctx, "btc/usdt")
	require.NoError(t, err)
	require.NotNil(t, got, "symbol lookup is case insensitive")
}

func TestSignalCache_DeleteAndActive(t *testing.T) {
	c, clock := newTestSignalCache(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, testSignal("btc", "BTC/USDT")))
	require.NoError(t, c.Put(ctx, testSignal("eth", "ETH/USDT")))
	require.NoError(t, c.Put(ctx, testSignal("sol", "SOL/USDT")))

	require.NoError(t, c.Delete(ctx, "SOL/USDT"))

	active, err := c.Active(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(active))
	for _, s := range active {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{"btc", "eth"}, ids)

	clock.Advance(time.Hour)
	active, err = c.Active(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestSignalCache_RejectsSignalWithoutSymbol(t *testing.T) {
	c, _ := newTestSignalCache(t, time.Minute)

	assert.Error(t, c.Put(context.Background(), &models.TradingSignal{ID: "x"}))
	assert.Error(t, c.Put(context.Background(), nil))
}

func TestNewSignalCache_DefaultTTL(t *testing.T) {
	c, _ := newTestSignalCache(t, 0)
	assert.Equal(t, DefaultSignalTTL, c.TTL())
}
