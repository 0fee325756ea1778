// Package noop implements a cache backend where every read is a miss. Used
// when no cache is configured; the service works, just without the hot paths.
package noop

import (
	"context"
	"time"

	registrycache "github.com/KrishnaShettyDev/cortex/internal/registry/cache"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	registrycache.Register(registrycache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (registrycache.Backend, error) {
			return &noopBackend{}, nil
		},
	})
}

type noopBackend struct{}

func (noopBackend) Get(context.Context, string) ([]byte, error) { return nil, nil }

func (noopBackend) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (noopBackend) Invalidate(context.Context, string) error { return nil }

func (noopBackend) Name() string { return "none" }

var _ registrycache.Backend = (*noopBackend)(nil)
