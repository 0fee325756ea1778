package search_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/KrishnaShettyDev/cortex/internal/cache"
	"github.com/KrishnaShettyDev/cortex/internal/config"
	"github.com/KrishnaShettyDev/cortex/internal/model"
	routesearch "github.com/KrishnaShettyDev/cortex/internal/plugin/route/search"
	registrystore "github.com/KrishnaShettyDev/cortex/internal/registry/store"
	"github.com/KrishnaShettyDev/cortex/internal/search"
	"github.com/KrishnaShettyDev/cortex/internal/security"
	"github.com/KrishnaShettyDev/cortex/internal/service"
)

type fakeStore struct {
	registrystore.MemoryStore
	memories []model.Memory
	facts    []model.Fact
}

func (s *fakeStore) SearchKeyword(_ context.Context, _, _, query string, _ int) ([]registrystore.KeywordHit, error) {
	var hits []registrystore.KeywordHit
	for _, m := range s.memories {
		hits = append(hits, registrystore.KeywordHit{Memory: m, Score: 1})
	}
	return hits, nil
}

func (s *fakeStore) GetMemoriesByIDs(_ context.Context, ids []uuid.UUID) ([]model.Memory, error) {
	var out []model.Memory
	for _, m := range s.memories {
		for _, id := range ids {
			if m.ID == id {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) GetChunksByIDs(_ context.Context, _ []uuid.UUID) ([]model.Chunk, error) {
	return nil, nil
}

func (s *fakeStore) ListFacts(_ context.Context, _, _ string) ([]model.Fact, error) {
	return s.facts, nil
}

type memBackend struct {
	entries map[string][]byte
}

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

type stubEmbedder struct{}

func (stubEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (stubEmbedder) ModelName() string { return "stub" }
func (stubEmbedder) Dimension() int    { return 2 }

func setupRouter(st *fakeStore) *gin.Engine {
	cfg := config.DefaultConfig()
	caches := cache.New(&memBackend{entries: map[string][]byte{}}, time.Hour, time.Minute, time.Minute)
	searcher := search.NewSearcher(st, stubEmbedder{}, nil, nil, caches, &cfg)
	profiles := service.NewProfileService(st, caches)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	auth := func(c *gin.Context) {
		c.Set(security.ContextKeyUserID, "test-user")
		c.Next()
	}
	routesearch.MountRoutes(router, searcher, profiles, auth)
	return router
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSearchReturnsMemories(t *testing.T) {
	mem := model.Memory{
		ID:           uuid.New(),
		Content:      "I love pizza",
		OwnerID:      "test-user",
		ContainerTag: "default",
		Status:       model.StatusDone,
	}
	router := setupRouter(&fakeStore{memories: []model.Memory{mem}})

	w := postJSON(t, router, "/v3/search", gin.H{"q": "pizza"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Memories []model.Memory `json:"memories"`
		Total    int            `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Total)
	require.Equal(t, mem.ID, resp.Memories[0].ID)
}

func TestSearchRequiresQuery(t *testing.T) {
	router := setupRouter(&fakeStore{})
	w := postJSON(t, router, "/v3/search", gin.H{"limit": 5})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSearchIncludesProfileOnRequest(t *testing.T) {
	st := &fakeStore{facts: []model.Fact{
		{ID: uuid.New(), Kind: model.FactStatic, Content: "My name is Dana", CreatedAt: time.Now()},
	}}
	router := setupRouter(st)

	w := postJSON(t, router, "/v3/search", gin.H{"q": "pizza", "includeProfile": true})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Profile *service.Profile `json:"profile"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Profile)
	require.Equal(t, []string{"My name is Dana"}, resp.Profile.Static)
}

func TestProfileEndpoint(t *testing.T) {
	st := &fakeStore{facts: []model.Fact{
		{ID: uuid.New(), Kind: model.FactDynamic, Content: "I love pizza", CreatedAt: time.Now()},
	}}
	router := setupRouter(st)

	req := httptest.NewRequest(http.MethodGet, "/v3/profile", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp service.Profile
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, []string{"I love pizza"}, resp.Dynamic)
}
