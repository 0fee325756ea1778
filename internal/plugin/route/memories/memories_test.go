package memories_test

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

	"github.com/KrishnaShettyDev/cortex/internal/audn"
	"github.com/KrishnaShettyDev/cortex/internal/config"
	"github.com/KrishnaShettyDev/cortex/internal/model"
	"github.com/KrishnaShettyDev/cortex/internal/plugin/route/memories"
	"github.com/KrishnaShettyDev/cortex/internal/registry/judge"
	registryqueue "github.com/KrishnaShettyDev/cortex/internal/registry/queue"
	registrystore "github.com/KrishnaShettyDev/cortex/internal/registry/store"
	"github.com/KrishnaShettyDev/cortex/internal/security"
	"github.com/KrishnaShettyDev/cortex/internal/service"
)

type fakeStore struct {
	registrystore.MemoryStore
	heads   []model.Memory
	created []*model.Memory
	jobs    []*model.ProcessingJob
	history []model.Memory
	byID    map[uuid.UUID]*model.Memory
}

func (s *fakeStore) ListHeadMemories(_ context.Context, _, _ string, _ int) ([]model.Memory, error) {
	return s.heads, nil
}

func (s *fakeStore) CreateMemory(_ context.Context, m *model.Memory) error {
	s.created = append(s.created, m)
	return nil
}

func (s *fakeStore) CreateJob(_ context.Context, job *model.ProcessingJob) error {
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *fakeStore) GetMemory(_ context.Context, id uuid.UUID) (*model.Memory, error) {
	if m, ok := s.byID[id]; ok {
		return m, nil
	}
	return nil, &registrystore.NotFoundError{Resource: "memory", ID: id.String()}
}

func (s *fakeStore) MemoryHistory(_ context.Context, id uuid.UUID) ([]model.Memory, error) {
	if len(s.history) == 0 {
		return nil, &registrystore.NotFoundError{Resource: "memory", ID: id.String()}
	}
	return s.history, nil
}

type fakeQueue struct {
	registryqueue.Queue
	enqueued []model.JobMessage
}

func (q *fakeQueue) Enqueue(_ context.Context, msg model.JobMessage) error {
	q.enqueued = append(q.enqueued, msg)
	return nil
}

type identityEmbedder struct{}

func (identityEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1}
	}
	return out, nil
}

func (identityEmbedder) ModelName() string { return "identity" }
func (identityEmbedder) Dimension() int    { return 2 }

func setupRouter(t *testing.T, st *fakeStore, q *fakeQueue) *gin.Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	engine := audn.NewEngine(unavailableJudge{}, cfg.AUDNThreshold, cfg.AUDNTopK)
	ing := service.NewIngestor(st, q, identityEmbedder{}, engine, &cfg)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	auth := func(c *gin.Context) {
		c.Set(security.ContextKeyUserID, "test-user")
		c.Next()
	}
	memories.MountRoutes(router, ing, st, auth)
	return router
}

type unavailableJudge struct{}

func (unavailableJudge) Classify(context.Context, string, string) (judge.Verdict, string, error) {
	return "", "", judge.ErrUnavailable
}

func (unavailableJudge) Name() string { return "unavailable" }

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateMemoryQueuesJob(t *testing.T) {
	st := &fakeStore{byID: map[uuid.UUID]*model.Memory{}}
	q := &fakeQueue{}
	router := setupRouter(t, st, q)

	w := doJSON(t, router, http.MethodPost, "/v3/memories", gin.H{"content": "I love pizza"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		ID               uuid.UUID `json:"id"`
		ProcessingStatus string    `json:"processing_status"`
		AUDNAction       string    `json:"audn_action"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "queued", resp.ProcessingStatus)
	require.Equal(t, "add", resp.AUDNAction)

	require.Len(t, st.created, 1)
	require.Len(t, q.enqueued, 1)
	require.Equal(t, resp.ID, q.enqueued[0].MemoryID)
	require.Equal(t, "default", st.created[0].ContainerTag)
	require.Equal(t, "test-user", st.created[0].OwnerID)
}

func TestCreateMemoryExactDuplicateNoops(t *testing.T) {
	existing := model.Memory{
		ID:           uuid.New(),
		Content:      "I love pizza",
		OwnerID:      "test-user",
		ContainerTag: "default",
		Status:       model.StatusDone,
		CreatedAt:    time.Now().Add(-time.Hour),
	}
	st := &fakeStore{heads: []model.Memory{existing}, byID: map[uuid.UUID]*model.Memory{}}
	q := &fakeQueue{}
	router := setupRouter(t, st, q)

	w := doJSON(t, router, http.MethodPost, "/v3/memories", gin.H{"content": "I love pizza"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		ProcessingStatus string     `json:"processing_status"`
		AUDNAction       string     `json:"audn_action"`
		UpdatedExisting  *uuid.UUID `json:"updated_existing"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "noop", resp.ProcessingStatus)
	require.Equal(t, "noop", resp.AUDNAction)
	require.NotNil(t, resp.UpdatedExisting)
	require.Equal(t, existing.ID, *resp.UpdatedExisting)

	require.Empty(t, st.created)
	require.Empty(t, q.enqueued)
}

func TestCreateMemoryRejectsEmptyContent(t *testing.T) {
	st := &fakeStore{byID: map[uuid.UUID]*model.Memory{}}
	router := setupRouter(t, st, &fakeQueue{})

	w := doJSON(t, router, http.MethodPost, "/v3/memories", gin.H{"content": ""})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetMemoryHidesOtherOwners(t *testing.T) {
	other := &model.Memory{
		ID:      uuid.New(),
		Content: "not yours",
		OwnerID: "someone-else",
		Status:  model.StatusDone,
	}
	st := &fakeStore{byID: map[uuid.UUID]*model.Memory{other.ID: other}}
	router := setupRouter(t, st, &fakeQueue{})

	w := doJSON(t, router, http.MethodGet, "/v3/memories/"+other.ID.String(), nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestMemoryHistoryReturnsChain(t *testing.T) {
	old := model.Memory{ID: uuid.New(), Content: "v1", OwnerID: "test-user", Version: 1}
	head := model.Memory{ID: uuid.New(), Content: "v2", OwnerID: "test-user", Version: 2, Supersedes: &old.ID}
	st := &fakeStore{
		history: []model.Memory{head, old},
		byID:    map[uuid.UUID]*model.Memory{},
	}
	router := setupRouter(t, st, &fakeQueue{})

	w := doJSON(t, router, http.MethodGet, "/v3/memories/"+head.ID.String()+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Versions []model.Memory `json:"versions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Versions, 2)
	require.Equal(t, head.ID, resp.Versions[0].ID)
}
