package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/celebrum-paper-trader/internal/logging"
	"github.com/irfndi/celebrum-paper-trader/internal/testutil"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestRedisStore_SetGetJSON(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	store := NewRedisStore(client, logging.NewDiscardLogger())
	ctx := context.Background()

	require.NoError(t, store.SetJSON(ctx, "sample:1", sample{Name: "a", Count: 2}, time.Minute))

	var got sample
	found, err := store.GetJSON(ctx, "sample:1", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, sample{Name: "a", Count: 2}, got)

	found, err = store.GetJSON(ctx, "sample:missing", &got)
	require.NoError(t, err)
	assert.False(t, found)

	stats := store.GetStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
	assert.Equal(t, map[string]int64{"hit": 1, "miss": 1, "set": 1, "delete": 0, "error": 0}, stats.Counters())
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	s, client := testutil.NewMiniRedis(t)
	store := NewRedisStore(client, logging.NewDiscardLogger())
	ctx := context.Background()

	require.NoError(t, store.SetJSON(ctx, "ttl:key", sample{Name: "x"}, time.Minute))
	s.FastForward(61 * time.Second)

	var got sample
	found, err := store.GetJSON(ctx, "ttl:key", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStore_GetJSON_Corrupted(t *testing.T) {
	s, client := testutil.NewMiniRedis(t)
	store := NewRedisStore(client, logging.NewDiscardLogger())

	require.NoError(t, s.Set("bad", "{not json"))

	var got sample
	found, err := store.GetJSON(context.Background(), "bad", &got)
	assert.Error(t, err)
	assert.False(t, found)
	assert.Equal(t, int64(1), store.GetStats().Errors)
}

func TestRedisStore_ListKeysAndDelete(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	store := NewRedisStore(client, logging.NewDiscardLogger())
	ctx := context.Background()

	for _, key := range []string{"signal:BTC/USDT", "signal:ETH/USDT", "strategy:state"} {
		require.NoError(t, store.SetJSON(ctx, key, sample{Name: key}, 0))
	}

	keys, err := store.ListKeys(ctx, "signal:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"signal:BTC/USDT", "signal:ETH/USDT"}, keys)

	require.NoError(t, store.Delete(ctx, keys...))
	keys, err = store.ListKeys(ctx, "signal:")
	require.NoError(t, err)
	assert.Empty(t, keys)

	assert.NoError(t, store.Delete(ctx))
}

func TestRedisStore_ConnectionError(t *testing.T) {
	s, client := testutil.NewMiniRedis(t)
	store := NewRedisStore(client, logging.NewDiscardLogger())
	s.Close()

	err := store.SetJSON(context.Background(), "k", sample{}, time.Minute)
	assert.Error(t, err)
	assert.Equal(t, int64(1), store.GetStats().Errors)
	assert.NotPanics(t, store.LogStats)
}
