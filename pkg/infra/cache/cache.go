// Package cache is a bounded LRU with optional expiry.
package cache

import (
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

type backend[K comparable, V any] interface {
	Get(key K) (V, bool)
	Add(key K, value V) bool
	Remove(key K) bool
	Len() int
	Purge()
}

// Cache is safe for concurrent use.
type Cache[K comparable, V any] struct {
	data   backend[K, V]
	hits   atomic.Int64
	misses atomic.Int64
}

type options struct {
	ttl time.Duration
}

type Option func(*options)

// WithTTL expires entries ttl after they were added.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

// New returns a cache holding at most size entries.
func New[K comparable, V any](size int, opts ...Option) (*Cache[K, V], error) {
	if size <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", size)
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	c := &Cache[K, V]{}
	if o.ttl > 0 {
		c.data = expirable.NewLRU[K, V](size, nil, o.ttl)
		return c, nil
	}
	data, err := lru.New[K, V](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	c.data = data
	return c, nil
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	v, ok := c.data.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Add stores value and reports whether an older entry was evicted for it.
func (c *Cache[K, V]) Add(key K, value V) bool {
	return c.data.Add(key, value)
}

// GetOrAdd returns the cached value of key, computing and storing it with
// fn on a miss. Concurrent misses may both call fn.
func (c *Cache[K, V]) GetOrAdd(key K, fn func() V) V {
	if v, ok := c.Get(key); ok {
		return v
	}
	v := fn()
	c.data.Add(key, v)
	return v
}

func (c *Cache[K, V]) Remove(key K) {
	c.data.Remove(key)
}

func (c *Cache[K, V]) Len() int {
	return c.data.Len()
}

func (c *Cache[K, V]) Purge() {
	c.data.Purge()
}

type Stats struct {
	Hits   int64
	Misses int64
	Size   int
}

func (c *Cache[K, V]) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Size: c.data.Len()}
}
