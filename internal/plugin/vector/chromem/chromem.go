// Package chromem implements the vector index on chromem-go, an embedded
// pure-Go vector database. Useful for single-node deployments that want
// semantic search without an external vector service.
package chromem

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/KrishnaShettyDev/cortex/internal/config"
	registryvector "github.com/KrishnaShettyDev/cortex/internal/registry/vector"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

const collectionName = "cortex_chunks"

func init() {
	registryvector.Register(registryvector.Plugin{
		Name:   "chromem",
		Loader: load,
	})
}

func load(ctx context.Context) (registryvector.VectorIndex, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("chromem: missing config in context")
	}

	var db *chromem.DB
	var err error
	if path := strings.TrimSpace(cfg.ChromemPath); path != "" {
		db, err = chromem.NewPersistentDB(path, true)
		if err != nil {
			return nil, fmt.Errorf("chromem: open %s: %w", path, err)
		}
	} else {
		db = chromem.NewDB()
	}

	// Embeddings are computed upstream, so the collection never calls an
	// embedding function. chromem still requires one for text queries, which
	// this index never issues.
	col, err := db.GetOrCreateCollection(collectionName, nil, rejectTextQueries)
	if err != nil {
		return nil, fmt.Errorf("chromem: collection: %w", err)
	}

	return &ChromemIndex{col: col}, nil
}

func rejectTextQueries(_ context.Context, _ string) ([]float32, error) {
	return nil, fmt.Errorf("chromem index only accepts precomputed embeddings")
}

type ChromemIndex struct {
	col *chromem.Collection
	mu  sync.Mutex
}

func (s *ChromemIndex) IsEnabled() bool { return true }
func (s *ChromemIndex) Name() string    { return "chromem" }

func (s *ChromemIndex) Search(ctx context.Context, embedding []float32, ownerID, containerTag string, limit int) ([]registryvector.SearchHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// chromem rejects nResults larger than the collection size.
	count := s.col.Count()
	if count == 0 {
		return nil, nil
	}
	if limit > count {
		limit = count
	}

	where := map[string]string{
		"owner_id":      ownerID,
		"container_tag": containerTag,
	}
	results, err := s.col.QueryEmbedding(ctx, embedding, limit, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	hits := make([]registryvector.SearchHit, 0, len(results))
	for _, r := range results {
		h := registryvector.SearchHit{Score: float64(r.Similarity)}
		if id, err := uuid.Parse(r.ID); err == nil {
			h.ChunkID = id
		}
		if id, err := uuid.Parse(r.Metadata["memory_id"]); err == nil {
			h.MemoryID = id
		}
		hits = append(hits, h)
	}
	return hits, nil
}

func (s *ChromemIndex) Upsert(ctx context.Context, items []registryvector.UpsertItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := make([]chromem.Document, len(items))
	for i, item := range items {
		docs[i] = chromem.Document{
			ID:        item.ChunkID.String(),
			Embedding: item.Embedding,
			Content:   item.ChunkID.String(),
			Metadata: map[string]string{
				"memory_id":     item.MemoryID.String(),
				"owner_id":      item.OwnerID,
				"container_tag": item.ContainerTag,
				"model":         item.ModelName,
			},
		}
	}
	if err := s.col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("chromem upsert: %w", err)
	}
	return nil
}

func (s *ChromemIndex) DeleteByMemoryID(ctx context.Context, memoryID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	where := map[string]string{"memory_id": memoryID.String()}
	if err := s.col.Delete(ctx, where, nil); err != nil {
		return fmt.Errorf("chromem delete: %w", err)
	}
	return nil
}

var _ registryvector.VectorIndex = (*ChromemIndex)(nil)
