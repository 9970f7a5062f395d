package decisions

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a byte-oriented key/value cache with TTLs. Each entry carries a
// version and Put never replaces an entry with a lower one.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Put stores value unless the key holds an entry with a higher version.
	// Equal versions overwrite.
	Put(ctx context.Context, key string, value []byte, version int64, ttl time.Duration) (stored bool, err error)
	Delete(ctx context.Context, key string) error
}

const cacheKeyPrefix = "fraudstream:decision:"

// CachedStore is a write-through cache in front of a Store. Cache entries
// are versioned by the decision's CreatedAt, so neither a reader holding an
// older row nor a writer finishing late can replace a newer cached decision.
// The cache and the store disagree only when two writers commit in the
// opposite order to their CreatedAt; the entry then expires after ttl.
type CachedStore struct {
	store Store
	cache Cache
	ttl   time.Duration
}

// NewCachedStore wraps store with cache. Cache failures never fail a call:
// the durable store stays the source of truth.
func NewCachedStore(store Store, cache Cache, ttl time.Duration) *CachedStore {
	return &CachedStore{store: store, cache: cache, ttl: ttl}
}

func cacheVersion(d *Decision) int64 {
	return d.CreatedAt.UnixMicro()
}

func (s *CachedStore) Upsert(ctx context.Context, d *Decision) error {
	if err := s.store.Upsert(ctx, d); err != nil {
		return err
	}
	key := cacheKeyPrefix + d.EventID
	data, err := json.Marshal(d)
	if err == nil {
		_, err = s.cache.Put(ctx, key, data, cacheVersion(d), s.ttl)
	}
	if err != nil {
		// A stale entry is worse than a miss.
		_ = s.cache.Delete(ctx, key)
	}
	return nil
}

func (s *CachedStore) Get(ctx context.Context, eventID string) (*Decision, error) {
	key := cacheKeyPrefix + eventID
	if data, found, err := s.cache.Get(ctx, key); err == nil && found {
		var d Decision
		if json.Unmarshal(data, &d) == nil {
			return &d, nil
		}
	}

	d, err := s.store.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(d); err == nil {
		_, _ = s.cache.Put(ctx, key, data, cacheVersion(d), s.ttl)
	}
	return d, nil
}

// putNewer writes the hash {v, d} unless the stored v is higher.
// ARGV: version, data, ttl in milliseconds (0 keeps no expiry).
var putNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'v')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'd', ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
else
	redis.call('PERSIST', KEYS[1])
end
return 1
`)

// RedisCache implements Cache on a go-redis client. Entries are hashes
// holding the version and the value; Put runs as a single script so the
// version check and the write are atomic.
type RedisCache struct {
	Client *redis.Client
}

// NewRedisCache connects to the Redis instance at url (redis://...).
func NewRedisCache(url string) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisCache{Client: redis.NewClient(opt)}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.Client.HGet(ctx, key, "d").Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (c *RedisCache) Put(ctx context.Context, key string, value []byte, version int64, ttl time.Duration) (bool, error) {
	n, err := putNewer.Run(ctx, c.Client, []string{key}, version, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.Client.Del(ctx, key).Err()
}

// Ping reports whether Redis is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

// Close releases the client's connections.
func (c *RedisCache) Close() error {
	return c.Client.Close()
}

// MemoryCache is an in-process Cache for tests and single-node setups.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

type memItem struct {
	v       []byte
	version int64
	expires time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]memItem), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.liveItem(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), it.v...), true, nil
}

func (c *MemoryCache) Put(_ context.Context, key string, value []byte, version int64, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.liveItem(key); ok && it.version > version {
		return false, nil
	}
	it := c.newItem(value, ttl)
	it.version = version
	c.items[key] = it
	return true, nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

// liveItem returns the entry for key, evicting it if expired. Caller must hold c.mu.
func (c *MemoryCache) liveItem(key string) (memItem, bool) {
	it, ok := c.items[key]
	if !ok {
		return memItem{}, false
	}
	if !it.expires.IsZero() && c.now().After(it.expires) {
		delete(c.items, key)
		return memItem{}, false
	}
	return it, true
}

func (c *MemoryCache) newItem(value []byte, ttl time.Duration) memItem {
	it := memItem{v: append([]byte(nil), value...)}
	if ttl > 0 {
		it.expires = c.now().Add(ttl)
	}
	return it
}
