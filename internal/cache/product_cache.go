package cache

import (
	"context"
	"crypto/sha1"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const DefaultProductCacheTTL = 10 * time.Minute

const listGenerationKey = "products:list:generation"

var (
	//go:embed product_fill.lua
	fillScriptSource string
	//go:embed product_evict.lua
	evictScriptSource string

	fillScript  = redis.NewScript(fillScriptSource)
	evictScript = redis.NewScript(evictScriptSource)
)

// ProductCache stores JSON encoded product reads. List pages are keyed by a
// generation counter so that one INCR invalidates every cached page.
type ProductCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewProductCache(client *redis.Client, ttl time.Duration) *ProductCache {
	if ttl <= 0 {
		ttl = DefaultProductCacheTTL
	}
	return &ProductCache{client: client, ttl: ttl}
}

// Get returns nil, nil on a cache miss.
func (c *ProductCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (c *ProductCache) Set(ctx context.Context, key string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, jsonData, c.ttl).Err()
}

func (c *ProductCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// SetProduct caches a single product unless it has been evicted as deleted.
// It reports whether the value was stored.
func (c *ProductCache) SetProduct(ctx context.Context, productID int, data interface{}) (bool, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return false, err
	}
	stored, err := fillScript.Run(ctx, c.client,
		[]string{ProductKey(productID), tombstoneKey(productID)},
		jsonData, c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return stored == 1, nil
}

// EvictDeleted drops a deleted product and leaves a tombstone that blocks
// SetProduct for one TTL, so a load that read the row before the delete
// cannot put it back. Soft deletes are never reverted.
func (c *ProductCache) EvictDeleted(ctx context.Context, productID int) error {
	return evictScript.Run(ctx, c.client,
		[]string{ProductKey(productID), tombstoneKey(productID)},
		c.ttl.Milliseconds(),
	).Err()
}

// ListGeneration returns the current list generation, 0 if never bumped.
func (c *ProductCache) ListGeneration(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, listGenerationKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return gen, err
}

// BumpListGeneration orphans every cached list page.
func (c *ProductCache) BumpListGeneration(ctx context.Context) error {
	return c.client.Incr(ctx, listGenerationKey).Err()
}

// Build cache key for single product
func ProductKey(productID int) string {
	return fmt.Sprintf("product:%d", productID)
}

func tombstoneKey(productID int) string {
	return fmt.Sprintf("product:%d:deleted", productID)
}

// ProductListKey builds a key for one list page. fingerprint is any stable
// encoding of the filter that produced the page.
func ProductListKey(generation int64, fingerprint string) string {
	sum := sha1.Sum([]byte(fingerprint))
	return fmt.Sprintf("products:list:%d:%s", generation, hex.EncodeToString(sum[:]))
}
