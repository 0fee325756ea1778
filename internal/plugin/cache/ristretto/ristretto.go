// Package ristretto implements the cache backend as an in-process cache. It
// is the right choice for single-node deployments where a Redis round trip
// buys nothing; invalidations are only visible within the process.
package ristretto

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	registrycache "github.com/KrishnaShettyDev/cortex/internal/registry/cache"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

const (
	numCounters = 1e6
	maxCost     = 256 << 20 // 256 MiB of cached values
	bufferItems = 64
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name: "ristretto",
		Loader: func(ctx context.Context) (registrycache.Backend, error) {
			cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
				NumCounters: numCounters,
				MaxCost:     maxCost,
				BufferItems: bufferItems,
			})
			if err != nil {
				return nil, fmt.Errorf("ristretto cache: %w", err)
			}
			return &ristrettoBackend{cache: cache}, nil
		},
	})
}

type ristrettoBackend struct {
	cache *ristretto.Cache[string, []byte]
}

func (c *ristrettoBackend) Get(_ context.Context, key string) ([]byte, error) {
	value, ok := c.cache.Get(key)
	if !ok {
		return nil, nil
	}
	return value, nil
}

func (c *ristrettoBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.cache.SetWithTTL(key, value, int64(len(value)), ttl)
	return nil
}

func (c *ristrettoBackend) Invalidate(_ context.Context, key string) error {
	c.cache.Del(key)
	return nil
}

func (c *ristrettoBackend) Name() string { return "ristretto" }

var _ registrycache.Backend = (*ristrettoBackend)(nil)
