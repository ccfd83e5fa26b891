package kvstore

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cached is a read-through cache in front of another store. Misses are
// cached too, so a hot absent key does not hit the backend every time.
type Cached struct {
	next  Store
	cache *expirable.LRU[string, any]
}

// NewCached wraps next with an LRU of size entries that expire after ttl.
func NewCached(next Store, size int, ttl time.Duration) *Cached {
	return &Cached{next: next, cache: expirable.NewLRU[string, any](size, nil, ttl)}
}

func (c *Cached) Get(ctx context.Context, key string) (any, error) {
	if value, ok := c.cache.Get(key); ok {
		return value, nil
	}
	value, err := c.next.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, value)
	return value, nil
}

func (c *Cached) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	var misses []string
	for _, key := range uniqueKeys(keys) {
		if value, ok := c.cache.Get(key); ok {
			if value != nil {
				out[key] = value
			}
			continue
		}
		misses = append(misses, key)
	}
	if len(misses) == 0 {
		return out, nil
	}

	fetched, err := GetMany(ctx, c.next, misses)
	if err != nil {
		return nil, err
	}
	for _, key := range misses {
		value := fetched[key]
		c.cache.Add(key, value)
		if value != nil {
			out[key] = value
		}
	}
	return out, nil
}

// Set writes through to the wrapped store when it accepts writes, then
// refreshes the cached entry.
func (c *Cached) Set(ctx context.Context, key string, value any) error {
	if w, ok := c.next.(Writer); ok {
		if err := w.Set(ctx, key, value); err != nil {
			return err
		}
	}
	c.cache.Add(key, value)
	return nil
}

// Purge drops every cached entry.
func (c *Cached) Purge() {
	c.cache.Purge()
}
