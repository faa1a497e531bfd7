package secrets

import (
	"sync"
	"time"
)

type cacheItem[T any] struct {
	value   T
	expires time.Time
}

// Cache is a thread-safe TTL cache.
type Cache[T any] struct {
	mu   sync.Mutex
	data map[string]cacheItem[T]
	ttl  time.Duration
	now  func() time.Time
}

func NewCache[T any](ttl time.Duration) *Cache[T] {
	return &Cache[T]{data: make(map[string]cacheItem[T]), ttl: ttl, now: time.Now}
}

// Get returns the value for key unless it is missing or expired. Expired entries are dropped.
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.data[key]
	if !ok {
		var zero T
		return zero, false
	}
	if !c.now().Before(item.expires) {
		delete(c.data, key)
		var zero T
		return zero, false
	}
	return item.value, true
}

func (c *Cache[T]) Put(key string, value T) {
	c.mu.Lock()
	c.data[key] = cacheItem[T]{value: value, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Bust drops key, e.g. after a secret rotation.
func (c *Cache[T]) Bust(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}
