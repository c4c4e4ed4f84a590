package cache

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

var _ Cache = (*TTLCache)(nil)

// ttlCacheItem represents a single cached item.
type ttlCacheItem struct {
	value     any
	expiresAt time.Time // zero time means no expiration
}

func (i ttlCacheItem) isExpired() bool {
	if i.expiresAt.IsZero() {
		return false
	}

	return time.Now().After(i.expiresAt)
}

// ttlCacheShard is a single, independently locked shard of the cache.
type ttlCacheShard struct {
	items map[string]ttlCacheItem
	mu    sync.RWMutex
}

// TTLCacheAttrs configures NewTTLCache.
type TTLCacheAttrs struct {
	NumOfShards     uint8
	CleanupInterval time.Duration
}

// TTLCache is a sharded TTL cache with a background janitor goroutine.
type TTLCache struct {
	shards []*ttlCacheShard
}

// NewTTLCache creates a sharded TTL cache. NumOfShards must be greater
// than 0.
func NewTTLCache(attrs TTLCacheAttrs) *TTLCache {
	if attrs.NumOfShards == 0 {
		panic(fmt.Errorf("number of shards must be greater than 0"))
	}

	c := &TTLCache{
		shards: make([]*ttlCacheShard, attrs.NumOfShards),
	}

	for i := range attrs.NumOfShards {
		c.shards[i] = &ttlCacheShard{
			items: make(map[string]ttlCacheItem),
		}
	}

	// The janitor is self-managing and terminates when the program exits.
	go c.janitor(attrs.CleanupInterval)

	return c
}

func (c *TTLCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		c.ForceCleanup()
	}
}

// getShard maps a key to its shard.
func (c *TTLCache) getShard(key string) *ttlCacheShard {
	hasher := fnv.New64a()
	hasher.Write([]byte(key))

	return c.shards[hasher.Sum64()%uint64(len(c.shards))]
}

// Set adds an item to the cache, replacing any existing item. An item with
// ttl 0 is rejected; a negative ttl never expires.
func (c *TTLCache) Set(key string, value any, opts *Opts) bool {
	shard := c.getShard(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if opts == nil {
		opts = Options()
	}

	if opts.ttl == 0 {
		return false
	}

	if _, ok := shard.items[key]; ok && opts.skipExisting {
		return false
	}

	var expiresAt time.Time
	if opts.ttl > 0 {
		expiresAt = time.Now().Add(opts.ttl)
	}

	shard.items[key] = ttlCacheItem{
		value:     value,
		expiresAt: expiresAt,
	}

	return true
}

// Get retrieves an item from the cache, reporting whether it was found and
// not expired. Expired items are removed passively on access.
func (c *TTLCache) Get(key string) (any, bool) {
	shard := c.getShard(key)

	shard.mu.RLock()
	i, ok := shard.items[key]
	shard.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if i.isExpired() {
		shard.mu.Lock()
		// Double-check: the item may have been replaced while we were
		// waiting for the write lock.
		if current, ok := shard.items[key]; ok {
			if current.expiresAt.Equal(i.expiresAt) {
				delete(shard.items, key)
			}
		}
		shard.mu.Unlock()

		return nil, false
	}

	return i.value, true
}

// Delete removes an item from the cache.
func (c *TTLCache) Delete(key string) {
	shard := c.getShard(key)

	shard.mu.Lock()
	delete(shard.items, key)
	shard.mu.Unlock()
}

// ForceCleanup actively scans all shards and deletes expired items. Called
// periodically by the janitor; may also be called manually.
func (c *TTLCache) ForceCleanup() {
	now := time.Now()

	for _, shard := range c.shards {
		shard.mu.Lock()
		for key, i := range shard.items {
			if !i.expiresAt.IsZero() && now.After(i.expiresAt) {
				delete(shard.items, key)
			}
		}
		shard.mu.Unlock()
	}
}
