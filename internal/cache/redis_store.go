package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// StoreStats tracks cache performance metrics
type StoreStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Sets    int64 `json:"sets"`
	Deletes int64 `json:"deletes"`
	Errors  int64 `json:"errors"`
}

// RedisStore is the TTL-capable volatile store shared by the signal cache
// and the state snapshots. Values are JSON encoded.
type RedisStore struct {
	client redis.Cmdable
	logger *logrus.Logger

	mu    sync.RWMutex
	stats StoreStats
}

// NewRedisStore creates a new Redis-backed JSON store
func NewRedisStore(client redis.Cmdable, logger *logrus.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger,
	}
}

// SetJSON stores value under key. A zero ttl keeps the key forever.
func (s *RedisStore) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.record(func(st *StoreStats) { st.Errors++ })
		return fmt.Errorf("redis set %s: %w", key, err)
	}

	s.record(func(st *StoreStats) { st.Sets++ })
	return nil
}

// GetJSON decodes the value at key into dest. found is false on a miss.
func (s *RedisStore) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		s.record(func(st *StoreStats) { st.Misses++ })
		return false, nil
	}
	if err != nil {
		s.record(func(st *StoreStats) { st.Errors++ })
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		s.record(func(st *StoreStats) { st.Errors++ })
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}

	s.record(func(st *StoreStats) { st.Hits++ })
	return true, nil
}

// Delete removes keys. Missing keys are not an error.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		s.record(func(st *StoreStats) { st.Errors++ })
		return fmt.Errorf("redis del: %w", err)
	}
	s.record(func(st *StoreStats) { st.Deletes += int64(len(keys)) })
	return nil
}

// ListKeys returns every key that starts with prefix, using SCAN so large
// keyspaces never block the server.
func (s *RedisStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	pattern := prefix + "*"

	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if strings.HasPrefix(iter.Val(), prefix) {
			keys = append(keys, iter.Val())
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("error scanning cache keys: %w", err)
	}
	return keys, nil
}

// Counters returns the stats keyed by operation for metric export.
func (st StoreStats) Counters() map[string]int64 {
	return map[string]int64{
		"hit":    st.Hits,
		"miss":   st.Misses,
		"set":    st.Sets,
		"delete": st.Deletes,
		"error":  st.Errors,
	}
}

// GetStats returns current cache statistics
func (s *RedisStore) GetStats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// LogStats logs current cache performance statistics
func (s *RedisStore) LogStats() {
	stats := s.GetStats()
	total := stats.Hits + stats.Misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}

	s.logger.WithFields(logrus.Fields{
		"hits":     stats.Hits,
		"misses":   stats.Misses,
		"sets":     stats.Sets,
		"errors":   stats.Errors,
		"hit_rate": fmt.Sprintf("%.2f%%", hitRate),
	}).Info("Redis store stats")
}

func (s *RedisStore) record(fn func(*StoreStats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}
