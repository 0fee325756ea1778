package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/KrishnaShettyDev/cortex/internal/cache"
	"github.com/KrishnaShettyDev/cortex/internal/model"
	"github.com/KrishnaShettyDev/cortex/internal/registry/store"
)

type memBackend struct {
	entries map[string][]byte
}

func newMemBackend() *memBackend { return &memBackend{entries: map[string][]byte{}} }

func (b *memBackend) Get(_ context.Context, key string) ([]byte, error) {
	return b.entries[key], nil
}

func (b *memBackend) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	b.entries[key] = value
	return nil
}

func (b *memBackend) Invalidate(_ context.Context, key string) error {
	delete(b.entries, key)
	return nil
}

func (b *memBackend) Name() string { return "mem" }

type countingEmbedder struct {
	calls     int
	textsSeen []string
}

func (e *countingEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	e.textsSeen = append(e.textsSeen, texts...)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1}
	}
	return out, nil
}

func (e *countingEmbedder) ModelName() string { return "counting" }
func (e *countingEmbedder) Dimension() int    { return 2 }

func TestCachedEmbedderHitsOnSecondCall(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{}
	caches := cache.New(newMemBackend(), time.Hour, time.Minute, time.Minute)
	e := NewCachedEmbedder(inner, caches)

	first, err := e.EmbedTexts(ctx, []string{"I love pizza"})
	require.NoError(t, err)
	require.Equal(t, 1, inner.calls)

	second, err := e.EmbedTexts(ctx, []string{"I love pizza"})
	require.NoError(t, err)
	require.Equal(t, 1, inner.calls)
	require.Equal(t, first, second)

	// normalization makes trivially equal text a hit too
	_, err = e.EmbedTexts(ctx, []string{"  i love PIZZA  "})
	require.NoError(t, err)
	require.Equal(t, 1, inner.calls)
}

func TestCachedEmbedderBatchesOnlyMisses(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{}
	caches := cache.New(newMemBackend(), time.Hour, time.Minute, time.Minute)
	e := NewCachedEmbedder(inner, caches)

	_, err := e.EmbedTexts(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Equal(t, 1, inner.calls)

	out, err := e.EmbedTexts(ctx, []string{"alpha", "gamma", "beta"})
	require.NoError(t, err)
	require.Equal(t, 2, inner.calls)
	require.Len(t, out, 3)
	require.Equal(t, []string{"alpha", "beta", "gamma"}, inner.textsSeen)
}

type factStore struct {
	store.MemoryStore
	facts []model.Fact
	calls int
}

func (s *factStore) ListFacts(_ context.Context, _, _ string) ([]model.Fact, error) {
	s.calls++
	return s.facts, nil
}

func TestProfileBuiltAndCached(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	fs := &factStore{facts: []model.Fact{
		{ID: uuid.New(), Kind: model.FactStatic, Content: "My name is Dana", CreatedAt: now.Add(-time.Hour)},
		{ID: uuid.New(), Kind: model.FactDynamic, Content: "I love pizza", CreatedAt: now},
		{ID: uuid.New(), Kind: model.FactDynamic, Content: "I felt great", CreatedAt: now.Add(-60 * 24 * time.Hour)},
	}}
	caches := cache.New(newMemBackend(), time.Hour, time.Minute, time.Minute)
	svc := NewProfileService(fs, caches)

	p, err := svc.GetProfile(ctx, "u1", "default")
	require.NoError(t, err)
	require.Equal(t, []string{"My name is Dana"}, p.Static)
	require.Equal(t, []string{"I love pizza"}, p.Dynamic) // decayed fact excluded
	require.Equal(t, 1, fs.calls)

	// second read served from cache
	_, err = svc.GetProfile(ctx, "u1", "default")
	require.NoError(t, err)
	require.Equal(t, 1, fs.calls)

	// invalidation forces a recompute even within the TTL
	caches.InvalidateProfile(ctx, "u1", "default")
	_, err = svc.GetProfile(ctx, "u1", "default")
	require.NoError(t, err)
	require.Equal(t, 2, fs.calls)
}

func TestProfileDeduplicatesFacts(t *testing.T) {
	now := time.Now()
	p := buildProfile([]model.Fact{
		{Kind: model.FactDynamic, Content: "I love pizza", CreatedAt: now},
		{Kind: model.FactDynamic, Content: "I love pizza", CreatedAt: now.Add(-time.Hour)},
	}, now)
	require.Equal(t, []string{"I love pizza"}, p.Dynamic)
}
