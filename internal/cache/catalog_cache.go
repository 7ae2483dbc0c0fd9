// Package cache provides Redis-backed caching for the hot-path catalog
// lookups of the ingestion chain. Redis outages degrade to direct database
// reads; the cache never becomes a hard dependency.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"cl-range-bot/internal/database"
	"cl-range-bot/internal/logging"
)

// Catalog key layout and TTL. The TTL is short on purpose: strategy edits
// land within one cache window without explicit invalidation on every path.
const (
	keySetsBySymbol      = "catalog:sets:%s"
	keyStrategiesByCfg   = "catalog:strategies:%s"
	defaultCatalogTTL    = 30 * time.Second
	maxConsecutiveErrors = 3
)

// CatalogSource is the database surface the cache fronts.
type CatalogSource interface {
	GetActiveSetsBySymbol(ctx context.Context, symbol string) ([]database.IndicatorSet, error)
	GetActiveByIndicatorSet(ctx context.Context, cfgHash string) ([]*database.Strategy, error)
}

// Config configures the catalog cache.
type Config struct {
	Address  string
	Password string
	DB       int
	PoolSize int
	TTL      time.Duration
}

// CatalogCache is a read-through cache over the strategy catalog.
type CatalogCache struct {
	client *redis.Client
	source CatalogSource
	ttl    time.Duration
	logger *logging.Logger

	mu       sync.Mutex
	healthy  bool
	failures int
}

// NewCatalogCache connects to Redis and wraps the source. A failed initial
// ping leaves the cache in degraded mode rather than erroring out.
func NewCatalogCache(cfg Config, source CatalogSource, logger *logging.Logger) *CatalogCache {
	if logger == nil {
		logger = logging.WithComponent("cache")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultCatalogTTL
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	c := &CatalogCache{
		client: client,
		source: source,
		ttl:    ttl,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, catalog cache degraded", "error", err)
		return c
	}
	c.healthy = true
	logger.Info("catalog cache connected", "address", cfg.Address)
	return c
}

// Close releases the Redis connection pool.
func (c *CatalogCache) Close() error {
	return c.client.Close()
}

// IsHealthy reports whether Redis is currently serving.
func (c *CatalogCache) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

func (c *CatalogCache) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures >= maxConsecutiveErrors && c.healthy {
		c.healthy = false
		c.logger.Warn("redis marked unhealthy", "failures", c.failures)
	}
}

func (c *CatalogCache) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.healthy && c.failures > 0 {
		c.logger.Info("redis recovered")
	}
	c.failures = 0
	c.healthy = true
}

// GetActiveSetsBySymbol returns the ACTIVE indicator sets for a symbol,
// cache first.
func (c *CatalogCache) GetActiveSetsBySymbol(ctx context.Context, symbol string) ([]database.IndicatorSet, error) {
	key := fmt.Sprintf(keySetsBySymbol, symbol)

	var cached []database.IndicatorSet
	if c.get(ctx, key, &cached) {
		return cached, nil
	}

	sets, err := c.source.GetActiveSetsBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, sets)
	return sets, nil
}

// GetActiveByIndicatorSet returns the ACTIVE strategies bound to a cfg_hash,
// cache first.
func (c *CatalogCache) GetActiveByIndicatorSet(ctx context.Context, cfgHash string) ([]*database.Strategy, error) {
	key := fmt.Sprintf(keyStrategiesByCfg, cfgHash)

	var cached []*database.Strategy
	if c.get(ctx, key, &cached) {
		return cached, nil
	}

	strategies, err := c.source.GetActiveByIndicatorSet(ctx, cfgHash)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, strategies)
	return strategies, nil
}

// InvalidateStrategies drops the cached entries touched by a strategy edit,
// so pause/resume takes effect before the TTL expires.
func (c *CatalogCache) InvalidateStrategies(ctx context.Context, symbol, cfgHash string) {
	keys := []string{
		fmt.Sprintf(keySetsBySymbol, symbol),
		fmt.Sprintf(keyStrategiesByCfg, cfgHash),
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.recordFailure()
		c.logger.Warn("cache invalidation failed", "error", err)
		return
	}
	c.recordSuccess()
}

// get reports whether the key was served from cache, decoding into out.
func (c *CatalogCache) get(ctx context.Context, key string, out interface{}) bool {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		c.recordSuccess()
		return false
	}
	if err != nil {
		c.recordFailure()
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Warn("corrupt cache entry, dropping", "key", key, "error", err)
		c.client.Del(ctx, key)
		return false
	}
	c.recordSuccess()
	return true
}

func (c *CatalogCache) set(ctx context.Context, key string, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.recordFailure()
		return
	}
	c.recordSuccess()
}
