// Package cache stores resolved processor product references per property.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mmynk/leasewise/internal/processor"
)

// ProductCache maps property IDs to processor products.
type ProductCache interface {
	// Get returns the cached product and whether it was present.
	Get(ctx context.Context, propertyID string) (processor.Product, bool, error)
	Set(ctx context.Context, propertyID string, product processor.Product) error
}

// Connect initializes a Redis client from URL or host:port input.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

const productKeyPrefix = "leasewise:product:"

// RedisProductCache keeps product refs in Redis hashes.
type RedisProductCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisProductCache creates a cache whose entries expire after ttl.
// A zero ttl keeps entries forever.
func NewRedisProductCache(client *redis.Client, ttl time.Duration) *RedisProductCache {
	return &RedisProductCache{client: client, ttl: ttl}
}

func (c *RedisProductCache) Get(ctx context.Context, propertyID string) (processor.Product, bool, error) {
	data, err := c.client.HGetAll(ctx, productKeyPrefix+propertyID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return processor.Product{}, false, fmt.Errorf("get product %s: %w", propertyID, err)
	}
	if data["product_id"] == "" {
		return processor.Product{}, false, nil
	}
	return processor.Product{ProductID: data["product_id"], PriceID: data["price_id"]}, true, nil
}

func (c *RedisProductCache) Set(ctx context.Context, propertyID string, product processor.Product) error {
	key := productKeyPrefix + propertyID
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "product_id", product.ProductID, "price_id", product.PriceID)
		if c.ttl > 0 {
			p.Expire(ctx, key, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set product %s: %w", propertyID, err)
	}
	return nil
}

// MemoryProductCache is a process-local ProductCache.
type MemoryProductCache struct {
	mu       sync.RWMutex
	products map[string]processor.Product
}

func NewMemoryProductCache() *MemoryProductCache {
	return &MemoryProductCache{products: make(map[string]processor.Product)}
}

func (c *MemoryProductCache) Get(_ context.Context, propertyID string) (processor.Product, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[propertyID]
	return p, ok, nil
}

func (c *MemoryProductCache) Set(_ context.Context, propertyID string, product processor.Product) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[propertyID] = product
	return nil
}
