package rerank

import (
	"context"
	"fmt"
)

// Reranker reorders the top search results for higher precision. It is an
// opt-in, per-request capability because it adds a round trip to an external
// model.
type Reranker interface {
	// Rerank returns a permutation of document indexes, best first. A partial
	// permutation keeps the remaining documents in their original order.
	Rerank(ctx context.Context, query string, docs []string) ([]int, error)
	Name() string
}

// Loader creates a Reranker from config.
type Loader func(ctx context.Context) (Reranker, error)

// Plugin represents a reranker plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a reranker plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered reranker plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named reranker plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown reranker %q; valid: %v", name, Names())
}
