package datasafe

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/cache"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/singleflight"

	"github.com/godaddy/datasafe/pkg/log"
)

// loadingCache is a read-through cache keyed by user ID. Concurrent misses for the same key share a
// single load.
type loadingCache[T any] struct {
	name    string
	entries cache.Cache
	group   singleflight.Group

	// generation is bumped by every invalidation so that loads racing with it are not cached. mu orders
	// the bump against the check-and-put of a finished load.
	mu         sync.Mutex
	generation atomic.Uint64

	hits   metrics.Counter
	misses metrics.Counter
}

func newLoadingCache[T any](name string, maxSize int, expireAfter time.Duration) *loadingCache[T] {
	c := &loadingCache[T]{
		name:   name,
		hits:   metrics.GetOrRegisterCounter(MetricsPrefix+"."+name+".cache.hit", nil),
		misses: metrics.GetOrRegisterCounter(MetricsPrefix+"."+name+".cache.miss", nil),
	}

	if maxSize > 0 {
		opts := []cache.Option{cache.WithMaximumSize(maxSize)}
		if expireAfter > 0 {
			opts = append(opts, cache.WithExpireAfterAccess(expireAfter))
		}

		c.entries = cache.New(opts...)
	}

	return c
}

// get returns the cached value for key, calling load on a miss.
func (c *loadingCache[T]) get(key string, load func() (T, error)) (T, error) {
	if c.entries != nil {
		if v, ok := c.entries.GetIfPresent(key); ok {
			c.hits.Inc(1)
			return v.(T), nil
		}
	}

	c.misses.Inc(1)

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		gen := c.generation.Load()

		v, err := load()
		if err != nil {
			return nil, err
		}

		if c.entries != nil {
			c.mu.Lock()
			if c.generation.Load() == gen {
				c.entries.Put(key, v)
			}
			c.mu.Unlock()
		}

		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}

	if shared {
		log.Debugf("[%s cache] shared load for %s", c.name, key)
	}

	return v.(T), nil
}

func (c *loadingCache[T]) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation.Add(1)
	c.group.Forget(key)

	if c.entries != nil {
		c.entries.Invalidate(key)
	}
}

func (c *loadingCache[T]) close() error {
	if c.entries == nil {
		return nil
	}

	return c.entries.Close()
}
