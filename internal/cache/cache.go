// Package cache provides typed views over a cache backend for the three
// cached value kinds: embeddings, user profiles, and search results.
//
// Backend failures are never surfaced to callers. A failed read degrades to
// a miss and a failed write is dropped, so the service keeps working when the
// cache is unavailable.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/charmbracelet/log"

	"github.com/KrishnaShettyDev/cortex/internal/observability"
	regcache "github.com/KrishnaShettyDev/cortex/internal/registry/cache"
)

const (
	nsEmbedding = "emb"
	nsProfile   = "prof"
	nsSearch    = "search"
)

// Caches wraps a cache backend with per-namespace keys and TTLs.
type Caches struct {
	backend      regcache.Backend
	embeddingTTL time.Duration
	profileTTL   time.Duration
	searchTTL    time.Duration
}

func New(backend regcache.Backend, embeddingTTL, profileTTL, searchTTL time.Duration) *Caches {
	return &Caches{
		backend:      backend,
		embeddingTTL: embeddingTTL,
		profileTTL:   profileTTL,
		searchTTL:    searchTTL,
	}
}

// EmbeddingKey builds the cache key for a text's embedding. The text is
// normalized (trimmed, lowercased) before hashing so trivially equal inputs
// share an entry.
func EmbeddingKey(model, text string) string {
	norm := strings.ToLower(strings.TrimSpace(text))
	return fmt.Sprintf("%s:%s:%x", nsEmbedding, model, xxhash.Sum64String(norm))
}

// ProfileKey builds the cache key for a user's assembled profile.
func ProfileKey(ownerID, containerTag string) string {
	return fmt.Sprintf("%s:%s:%s", nsProfile, ownerID, containerTag)
}

// SearchKey builds the cache key for a search result. All parameters that
// affect the result set participate in the hash.
func SearchKey(ownerID, containerTag, query, mode string, limit int, rerank bool) string {
	h := xxhash.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d|%t", ownerID, containerTag, query, mode, limit, rerank)
	return fmt.Sprintf("%s:%x", nsSearch, h.Sum64())
}

func (c *Caches) GetEmbedding(ctx context.Context, key string) ([]float32, bool) {
	var embedding []float32
	if !c.get(ctx, nsEmbedding, key, &embedding) {
		return nil, false
	}
	return embedding, true
}

func (c *Caches) SetEmbedding(ctx context.Context, key string, embedding []float32) {
	c.set(ctx, key, embedding, c.embeddingTTL)
}

func (c *Caches) GetProfile(ctx context.Context, key string, out any) bool {
	return c.get(ctx, nsProfile, key, out)
}

func (c *Caches) SetProfile(ctx context.Context, key string, profile any) {
	c.set(ctx, key, profile, c.profileTTL)
}

// InvalidateProfile drops the cached profile for an owner and container tag.
// Called when a new fact is committed so the next profile read reflects it.
func (c *Caches) InvalidateProfile(ctx context.Context, ownerID, containerTag string) {
	if c.backend == nil {
		return
	}
	key := ProfileKey(ownerID, containerTag)
	if err := c.backend.Invalidate(ctx, key); err != nil {
		log.Warn("Cache invalidate failed", "key", key, "error", err)
	}
}

func (c *Caches) GetSearch(ctx context.Context, key string, out any) bool {
	return c.get(ctx, nsSearch, key, out)
}

func (c *Caches) SetSearch(ctx context.Context, key string, result any) {
	c.set(ctx, key, result, c.searchTTL)
}

func (c *Caches) get(ctx context.Context, namespace, key string, out any) bool {
	// No backend means caching is off; every lookup is a miss.
	if c.backend == nil {
		observability.ObserveCacheLookup(namespace, false)
		return false
	}
	data, err := c.backend.Get(ctx, key)
	if err != nil {
		log.Warn("Cache read failed", "key", key, "error", err)
		observability.ObserveCacheLookup(namespace, false)
		return false
	}
	if data == nil {
		observability.ObserveCacheLookup(namespace, false)
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		log.Warn("Cache entry corrupt", "key", key, "error", err)
		observability.ObserveCacheLookup(namespace, false)
		return false
	}
	observability.ObserveCacheLookup(namespace, true)
	return true
}

func (c *Caches) set(ctx context.Context, key string, value any, ttl time.Duration) {
	if c.backend == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		log.Warn("Cache encode failed", "key", key, "error", err)
		return
	}
	if err := c.backend.Set(ctx, key, data, ttl); err != nil {
		log.Warn("Cache write failed", "key", key, "error", err)
	}
}
