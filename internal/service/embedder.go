package service

import (
	"context"

	"github.com/KrishnaShettyDev/cortex/internal/cache"
	"github.com/KrishnaShettyDev/cortex/internal/registry/embed"
)

// CachedEmbedder wraps an Embedder with the embedding cache. Texts already
// cached are served without calling the backing model; only misses are sent,
// in a single batch.
type CachedEmbedder struct {
	embedder embed.Embedder
	caches   *cache.Caches
}

func NewCachedEmbedder(embedder embed.Embedder, caches *cache.Caches) *CachedEmbedder {
	return &CachedEmbedder{embedder: embedder, caches: caches}
}

func (e *CachedEmbedder) ModelName() string { return e.embedder.ModelName() }
func (e *CachedEmbedder) Dimension() int    { return e.embedder.Dimension() }

func (e *CachedEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	model := e.embedder.ModelName()
	results := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	for i, text := range texts {
		key := cache.EmbeddingKey(model, text)
		if embedding, ok := e.caches.GetEmbedding(ctx, key); ok {
			results[i] = embedding
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) > 0 {
		embeddings, err := e.embedder.EmbedTexts(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, embedding := range embeddings {
			i := missIdx[j]
			results[i] = embedding
			e.caches.SetEmbedding(ctx, cache.EmbeddingKey(model, texts[i]), embedding)
		}
	}

	return results, nil
}
