package vector

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// SearchHit represents a single vector search result.
type SearchHit struct {
	ChunkID  uuid.UUID `json:"chunkId"`
	MemoryID uuid.UUID `json:"memoryId"`
	Score    float64   `json:"score"`
}

// UpsertItem holds the data for a single vector upsert operation.
type UpsertItem struct {
	ChunkID      uuid.UUID
	MemoryID     uuid.UUID
	OwnerID      string
	ContainerTag string
	Embedding    []float32
	ModelName    string
}

// VectorIndex defines the interface for vector search backends.
type VectorIndex interface {
	// Search performs a semantic vector search scoped to one owner/container.
	Search(ctx context.Context, embedding []float32, ownerID, containerTag string, limit int) ([]SearchHit, error)
	// Upsert stores or updates embeddings for a batch of chunks.
	Upsert(ctx context.Context, items []UpsertItem) error
	// DeleteByMemoryID removes all embeddings belonging to a memory.
	DeleteByMemoryID(ctx context.Context, memoryID uuid.UUID) error
	// IsEnabled returns true if the vector index is configured and operational.
	IsEnabled() bool
	// Name returns the plugin name (e.g. "qdrant", "pgvector", "chromem").
	Name() string
}

// Loader creates a VectorIndex from config.
type Loader func(ctx context.Context) (VectorIndex, error)

// Plugin represents a vector index plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a vector index plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered vector index plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named vector index plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown vector index %q; valid: %v", name, Names())
}
