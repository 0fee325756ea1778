package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu      sync.Mutex
	entries map[string][]byte
	failing bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{entries: map[string][]byte{}}
}

func (b *fakeBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return nil, errors.New("backend down")
	}
	return b.entries[key], nil
}

func (b *fakeBackend) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return errors.New("backend down")
	}
	b.entries[key] = value
	return nil
}

func (b *fakeBackend) Invalidate(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return errors.New("backend down")
	}
	delete(b.entries, key)
	return nil
}

func (b *fakeBackend) Name() string { return "fake" }

func TestEmbeddingKeyNormalization(t *testing.T) {
	a := EmbeddingKey("model-a", "  Hello World  ")
	b := EmbeddingKey("model-a", "hello world")
	require.Equal(t, a, b)

	c := EmbeddingKey("model-b", "hello world")
	require.NotEqual(t, a, c)
}

func TestSearchKeyVariesByParams(t *testing.T) {
	base := SearchKey("u1", "tag", "query", "hybrid", 10, false)
	require.NotEqual(t, base, SearchKey("u2", "tag", "query", "hybrid", 10, false))
	require.NotEqual(t, base, SearchKey("u1", "tag", "query", "vector", 10, false))
	require.NotEqual(t, base, SearchKey("u1", "tag", "query", "hybrid", 20, false))
	require.NotEqual(t, base, SearchKey("u1", "tag", "query", "hybrid", 10, true))
	require.Equal(t, base, SearchKey("u1", "tag", "query", "hybrid", 10, false))
}

func TestEmbeddingRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := New(newFakeBackend(), time.Hour, time.Minute, time.Minute)

	key := EmbeddingKey("m", "some text")
	_, ok := c.GetEmbedding(ctx, key)
	require.False(t, ok)

	c.SetEmbedding(ctx, key, []float32{0.1, 0.2, 0.3})
	got, ok := c.GetEmbedding(ctx, key)
	require.True(t, ok)
	require.Equal(t, []float32{0.1, 0.2, 0.3}, got)
}

func TestBackendErrorDegradesToMiss(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	c := New(backend, time.Hour, time.Minute, time.Minute)

	key := EmbeddingKey("m", "text")
	c.SetEmbedding(ctx, key, []float32{1})

	backend.failing = true
	_, ok := c.GetEmbedding(ctx, key)
	require.False(t, ok)

	// writes are dropped without error
	c.SetEmbedding(ctx, key, []float32{2})

	backend.failing = false
	got, ok := c.GetEmbedding(ctx, key)
	require.True(t, ok)
	require.Equal(t, []float32{1}, got)
}

func TestNilBackendDegradesToMiss(t *testing.T) {
	ctx := context.Background()
	c := New(nil, time.Hour, time.Minute, time.Minute)

	key := EmbeddingKey("m", "text")
	_, ok := c.GetEmbedding(ctx, key)
	require.False(t, ok)

	// writes and invalidations are dropped silently
	c.SetEmbedding(ctx, key, []float32{1})
	_, ok = c.GetEmbedding(ctx, key)
	require.False(t, ok)

	c.SetSearch(ctx, "search:k", []string{"r"})
	var out []string
	require.False(t, c.GetSearch(ctx, "search:k", &out))

	c.InvalidateProfile(ctx, "u1", "tag")
}

func TestCorruptEntryIsAMiss(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	c := New(backend, time.Hour, time.Minute, time.Minute)

	key := EmbeddingKey("m", "text")
	backend.entries[key] = []byte("not json")

	_, ok := c.GetEmbedding(ctx, key)
	require.False(t, ok)
}

func TestProfileInvalidation(t *testing.T) {
	ctx := context.Background()
	c := New(newFakeBackend(), time.Hour, time.Minute, time.Minute)

	type profile struct {
		Facts []string `json:"facts"`
	}

	key := ProfileKey("u1", "tag")
	c.SetProfile(ctx, key, profile{Facts: []string{"likes go"}})

	var got profile
	require.True(t, c.GetProfile(ctx, key, &got))
	require.Equal(t, []string{"likes go"}, got.Facts)

	c.InvalidateProfile(ctx, "u1", "tag")
	require.False(t, c.GetProfile(ctx, key, &got))
}
