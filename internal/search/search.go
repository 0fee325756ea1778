// Package search executes hybrid vector plus keyword retrieval over head
// memories, fronted by the search-result cache.
package search

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/KrishnaShettyDev/cortex/internal/cache"
	"github.com/KrishnaShettyDev/cortex/internal/config"
	"github.com/KrishnaShettyDev/cortex/internal/model"
	"github.com/KrishnaShettyDev/cortex/internal/registry/embed"
	"github.com/KrishnaShettyDev/cortex/internal/registry/rerank"
	"github.com/KrishnaShettyDev/cortex/internal/registry/store"
	"github.com/KrishnaShettyDev/cortex/internal/registry/vector"
)

// Search modes select which retrieval paths contribute to the ranking.
const (
	ModeHybrid  = "hybrid"
	ModeVector  = "vector"
	ModeKeyword = "keyword"
)

// Request describes one search invocation, already scoped to a caller.
type Request struct {
	Query        string
	OwnerID      string
	ContainerTag string
	Mode         string
	Limit        int
	Rerank       bool
}

// Timing reports where the request spent its time, in milliseconds.
type Timing struct {
	VectorMS  int64 `json:"vectorMs"`
	KeywordMS int64 `json:"keywordMs"`
	RerankMS  int64 `json:"rerankMs"`
	TotalMS   int64 `json:"totalMs"`
}

// Result is the cacheable portion of a search response.
type Result struct {
	Memories []model.Memory `json:"memories"`
	Chunks   []model.Chunk  `json:"chunks"`
	Total    int            `json:"total"`
	Timing   Timing         `json:"timing"`
	Cached   bool           `json:"cached"`
}

// Searcher runs hybrid retrieval. Vector and keyword scores merge with a
// configurable weight; superseded memories never appear.
type Searcher struct {
	store    store.MemoryStore
	embedder embed.Embedder
	vector   vector.VectorIndex
	reranker rerank.Reranker
	caches   *cache.Caches
	cfg      *config.Config
}

func NewSearcher(s store.MemoryStore, e embed.Embedder, v vector.VectorIndex, r rerank.Reranker, c *cache.Caches, cfg *config.Config) *Searcher {
	return &Searcher{store: s, embedder: e, vector: v, reranker: r, caches: c, cfg: cfg}
}

func (s *Searcher) Search(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	req = s.normalize(req)

	key := cache.SearchKey(req.OwnerID, req.ContainerTag, req.Query, req.Mode, req.Limit, req.Rerank)
	var cached Result
	if s.caches.GetSearch(ctx, key, &cached) {
		cached.Cached = true
		return &cached, nil
	}

	result, err := s.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	result.Timing.TotalMS = time.Since(start).Milliseconds()
	s.caches.SetSearch(ctx, key, result)
	return result, nil
}

func (s *Searcher) normalize(req Request) Request {
	if req.Limit <= 0 {
		req.Limit = s.cfg.SearchDefaultLimit
	}
	switch req.Mode {
	case ModeVector, ModeKeyword, ModeHybrid:
	default:
		req.Mode = ModeHybrid
	}
	if req.Mode != ModeKeyword && (s.vector == nil || !s.vector.IsEnabled()) {
		req.Mode = ModeKeyword
	}
	return req
}

// scored accumulates per-memory evidence from both retrieval paths.
type scored struct {
	memoryID uuid.UUID
	vector   float64
	keyword  float64
	chunkIDs []uuid.UUID
}

func (s *Searcher) execute(ctx context.Context, req Request) (*Result, error) {
	byMemory := map[uuid.UUID]*scored{}
	result := &Result{Memories: []model.Memory{}, Chunks: []model.Chunk{}}

	if req.Mode != ModeKeyword {
		t := time.Now()
		if err := s.vectorPhase(ctx, req, byMemory); err != nil {
			return nil, err
		}
		result.Timing.VectorMS = time.Since(t).Milliseconds()
	}
	if req.Mode != ModeVector {
		t := time.Now()
		if err := s.keywordPhase(ctx, req, byMemory); err != nil {
			return nil, err
		}
		result.Timing.KeywordMS = time.Since(t).Milliseconds()
	}

	ranked := s.rank(byMemory, req.Mode)
	if len(ranked) > req.Limit {
		ranked = ranked[:req.Limit]
	}

	memories, chunks, err := s.load(ctx, ranked)
	if err != nil {
		return nil, err
	}

	if req.Rerank && s.reranker != nil && len(memories) > 1 {
		t := time.Now()
		memories = s.applyRerank(ctx, req.Query, memories)
		result.Timing.RerankMS = time.Since(t).Milliseconds()
	}

	result.Memories = memories
	result.Chunks = chunks
	result.Total = len(memories)
	return result, nil
}

func (s *Searcher) vectorPhase(ctx context.Context, req Request, byMemory map[uuid.UUID]*scored) error {
	embeddings, err := s.embedder.EmbedTexts(ctx, []string{req.Query})
	if err != nil {
		return fmt.Errorf("embedding query: %w", err)
	}
	// fetch more chunk hits than the final limit since several chunks can
	// belong to one memory
	hits, err := s.vector.Search(ctx, embeddings[0], req.OwnerID, req.ContainerTag, req.Limit*3)
	if err != nil {
		return fmt.Errorf("vector search: %w", err)
	}
	for _, hit := range hits {
		sc := byMemory[hit.MemoryID]
		if sc == nil {
			sc = &scored{memoryID: hit.MemoryID}
			byMemory[hit.MemoryID] = sc
		}
		if hit.Score > sc.vector {
			sc.vector = hit.Score
		}
		sc.chunkIDs = append(sc.chunkIDs, hit.ChunkID)
	}
	return nil
}

func (s *Searcher) keywordPhase(ctx context.Context, req Request, byMemory map[uuid.UUID]*scored) error {
	hits, err := s.store.SearchKeyword(ctx, req.OwnerID, req.ContainerTag, req.Query, req.Limit*3)
	if err != nil {
		return fmt.Errorf("keyword search: %w", err)
	}
	for _, hit := range hits {
		sc := byMemory[hit.Memory.ID]
		if sc == nil {
			sc = &scored{memoryID: hit.Memory.ID}
			byMemory[hit.Memory.ID] = sc
		}
		if hit.Score > sc.keyword {
			sc.keyword = hit.Score
		}
	}
	return nil
}

// rank orders memories by combined score. In single-path modes the weight
// collapses to that path's raw score.
func (s *Searcher) rank(byMemory map[uuid.UUID]*scored, mode string) []*scored {
	w := s.cfg.HybridVectorWeight
	switch mode {
	case ModeVector:
		w = 1
	case ModeKeyword:
		w = 0
	}
	ranked := make([]*scored, 0, len(byMemory))
	for _, sc := range byMemory {
		ranked = append(ranked, sc)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		si := w*ranked[i].vector + (1-w)*ranked[i].keyword
		sj := w*ranked[j].vector + (1-w)*ranked[j].keyword
		if si != sj {
			return si > sj
		}
		return ranked[i].memoryID.String() < ranked[j].memoryID.String()
	})
	return ranked
}

// load resolves ranked ids to rows, dropping anything superseded or not yet
// done processing its enrichment.
func (s *Searcher) load(ctx context.Context, ranked []*scored) ([]model.Memory, []model.Chunk, error) {
	ids := make([]uuid.UUID, len(ranked))
	var chunkIDs []uuid.UUID
	for i, sc := range ranked {
		ids[i] = sc.memoryID
		chunkIDs = append(chunkIDs, sc.chunkIDs...)
	}

	rows, err := s.store.GetMemoriesByIDs(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("loading memories: %w", err)
	}
	byID := make(map[uuid.UUID]model.Memory, len(rows))
	for _, m := range rows {
		byID[m.ID] = m
	}

	memories := make([]model.Memory, 0, len(ranked))
	for _, sc := range ranked {
		m, ok := byID[sc.memoryID]
		if !ok || !m.IsHead() || m.Status == model.StatusFailed {
			continue
		}
		memories = append(memories, m)
	}

	var chunks []model.Chunk
	if len(chunkIDs) > 0 {
		chunks, err = s.store.GetChunksByIDs(ctx, chunkIDs)
		if err != nil {
			return nil, nil, fmt.Errorf("loading chunks: %w", err)
		}
	}
	if chunks == nil {
		chunks = []model.Chunk{}
	}
	return memories, chunks, nil
}

func (s *Searcher) applyRerank(ctx context.Context, query string, memories []model.Memory) []model.Memory {
	docs := make([]string, len(memories))
	for i, m := range memories {
		docs[i] = m.Content
	}
	perm, err := s.reranker.Rerank(ctx, query, docs)
	if err != nil {
		log.Warn("Rerank failed, keeping original order", "error", err)
		return memories
	}
	reordered := make([]model.Memory, 0, len(memories))
	used := make(map[int]bool, len(perm))
	for _, idx := range perm {
		if idx >= 0 && idx < len(memories) && !used[idx] {
			used[idx] = true
			reordered = append(reordered, memories[idx])
		}
	}
	for i, m := range memories {
		if !used[i] {
			reordered = append(reordered, m)
		}
	}
	return reordered
}
