package ml

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"botguard/internal/features"
)

// PredictionCache stores human probabilities by cache key. Misses and backend
// failures look the same to callers; a failing cache never fails a prediction.
type PredictionCache interface {
	Get(ctx context.Context, key string) (float64, bool)
	Set(ctx context.Context, key string, probability float64)
}

// CacheKey hashes the exact bit patterns of the vector together with the
// model version, so a new model never serves an old model's scores.
func CacheKey(v features.Vector, modelVersion string) string {
	h := xxhash.New()
	var buf [8]byte
	for _, x := range v.Values() {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(x))
		_, _ = h.Write(buf[:])
	}
	_, _ = h.WriteString(modelVersion)
	return strconv.FormatUint(h.Sum64(), 16)
}

type cachedPrediction struct {
	probability float64
	storedAt    time.Time
}

// MemoryCache is a bounded in-process cache. When full, the oldest entry is
// evicted.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cachedPrediction
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryCache(maxSize int, ttl time.Duration) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemoryCache{
		entries: make(map[string]cachedPrediction),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.storedAt) >= c.ttl {
		return 0, false
	}
	return e.probability, true
}

func (c *MemoryCache) Set(_ context.Context, key string, probability float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		var oldestKey string
		var oldestTime time.Time
		for k, v := range c.entries {
			if oldestTime.IsZero() || v.storedAt.Before(oldestTime) {
				oldestKey = k
				oldestTime = v.storedAt
			}
		}
		delete(c.entries, oldestKey)
	}

	c.entries[key] = cachedPrediction{probability: probability, storedAt: c.now()}
}

// Clean drops expired entries.
func (c *MemoryCache) Clean() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.entries {
		if now.Sub(e.storedAt) >= c.ttl {
			delete(c.entries, key)
		}
	}
}

func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MemoryCache) TTL() time.Duration { return c.ttl }

// RedisCache shares predictions between replicas.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{client: client, prefix: "botguard:prediction:", ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (float64, bool) {
	v, err := c.client.Get(ctx, c.prefix+key).Float64()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Msg("redis prediction cache read failed")
		}
		return 0, false
	}
	return v, true
}

func (c *RedisCache) Set(ctx context.Context, key string, probability float64) {
	if err := c.client.Set(ctx, c.prefix+key, probability, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("redis prediction cache write failed")
	}
}
