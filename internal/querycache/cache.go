// Package querycache holds fetched read models keyed by query identifiers.
// Entries expire after a fixed revalidation interval and can be invalidated
// explicitly when a change notification says they are out of date.
package querycache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const defaultSize = 4096

// flight is a load in progress. An invalidation that lands while it runs
// marks it stale so its result is returned but not stored.
type flight struct {
	stale bool
}

type Cache[V any] struct {
	lru   *expirable.LRU[string, V]
	group singleflight.Group

	mu       sync.Mutex
	inflight map[string]*flight
}

func New[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		lru:      expirable.NewLRU[string, V](defaultSize, nil, ttl),
		inflight: make(map[string]*flight),
	}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	return c.lru.Get(key)
}

func (c *Cache[V]) Set(key string, value V) {
	c.lru.Add(key, value)
}

// Fetch returns the cached value for key or loads, stores and returns it.
// Concurrent fetches of one key share a single load. Load errors are not
// cached, and neither is a result whose key was invalidated mid-load.
func (c *Cache[V]) Fetch(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}

	res, err, _ := c.group.Do(key, func() (interface{}, error) {
		f := &flight{}
		c.mu.Lock()
		c.inflight[key] = f
		c.mu.Unlock()

		v, err := load(ctx)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.inflight[key] == f {
			delete(c.inflight, key)
		}
		if err == nil && !f.stale {
			c.lru.Add(key, v)
		}
		return v, err
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abandonLocked(key)
	c.lru.Remove(key)
}

// InvalidatePrefix drops every entry whose key starts with prefix and returns
// how many were removed. Loads in progress for such keys are not stored.
func (c *Cache[V]) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.inflight {
		if strings.HasPrefix(key, prefix) {
			c.abandonLocked(key)
		}
	}
	n := 0
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) && c.lru.Remove(key) {
			n++
		}
	}
	return n
}

// abandonLocked keeps the running load of key, if any, out of the cache.
// Later fetches start a fresh load instead of joining it.
func (c *Cache[V]) abandonLocked(key string) {
	if f, ok := c.inflight[key]; ok {
		f.stale = true
		c.group.Forget(key)
	}
}

func (c *Cache[V]) Len() int {
	return c.lru.Len()
}
