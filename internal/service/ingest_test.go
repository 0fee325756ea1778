package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/KrishnaShettyDev/cortex/internal/audn"
	"github.com/KrishnaShettyDev/cortex/internal/config"
	"github.com/KrishnaShettyDev/cortex/internal/model"
	"github.com/KrishnaShettyDev/cortex/internal/registry/judge"
	registryqueue "github.com/KrishnaShettyDev/cortex/internal/registry/queue"
	"github.com/KrishnaShettyDev/cortex/internal/registry/store"
)

type ingestStore struct {
	store.MemoryStore
	heads    []model.Memory
	memories []*model.Memory
	jobs     []*model.ProcessingJob
}

func (s *ingestStore) ListHeadMemories(_ context.Context, _, _ string, _ int) ([]model.Memory, error) {
	return s.heads, nil
}

func (s *ingestStore) CreateMemory(_ context.Context, m *model.Memory) error {
	s.memories = append(s.memories, m)
	return nil
}

func (s *ingestStore) CreateJob(_ context.Context, job *model.ProcessingJob) error {
	s.jobs = append(s.jobs, job)
	return nil
}

type captureQueue struct {
	registryqueue.Queue
	messages []model.JobMessage
}

func (q *captureQueue) Enqueue(_ context.Context, msg model.JobMessage) error {
	q.messages = append(q.messages, msg)
	return nil
}

type unavailableJudge struct{}

func (unavailableJudge) Classify(context.Context, string, string) (judge.Verdict, string, error) {
	return "", "", judge.ErrUnavailable
}

func (unavailableJudge) Name() string { return "unavailable" }

func newIngestFixture(heads []model.Memory) (*Ingestor, *ingestStore, *captureQueue) {
	cfg := config.DefaultConfig()
	st := &ingestStore{heads: heads}
	q := &captureQueue{}
	engine := audn.NewEngine(unavailableJudge{}, cfg.AUDNThreshold, cfg.AUDNTopK)
	ing := NewIngestor(st, q, &countingEmbedder{}, engine, &cfg)
	return ing, st, q
}

func TestIngestCreatesMemoryJobAndEnqueues(t *testing.T) {
	ing, st, q := newIngestFixture(nil)

	res, err := ing.Ingest(context.Background(), IngestRequest{
		Content:      "I love pizza",
		OwnerID:      "u1",
		ContainerTag: "default",
	})
	require.NoError(t, err)
	require.Equal(t, model.ActionAdd, res.Decision.Action)
	require.NotNil(t, res.Memory)
	require.Equal(t, model.StatusQueued, res.Memory.Status)

	require.Len(t, st.memories, 1)
	require.Len(t, st.jobs, 1)
	require.Equal(t, model.StageExtracting, st.jobs[0].Stage)
	require.Equal(t, model.JobQueued, st.jobs[0].Status)
	require.Equal(t, "u1", st.jobs[0].OwnerID)
	require.Equal(t, model.ActionAdd, st.jobs[0].AUDNAction)

	require.Len(t, q.messages, 1)
	require.Equal(t, res.Memory.ID, q.messages[0].MemoryID)
	require.Equal(t, "u1", q.messages[0].OwnerID)
}

func TestIngestExactDuplicateNoops(t *testing.T) {
	existing := model.Memory{
		ID:           uuid.New(),
		Content:      "I love pizza",
		OwnerID:      "u1",
		ContainerTag: "default",
		Status:       model.StatusDone,
		CreatedAt:    time.Now().Add(-time.Hour),
		UpdatedAt:    time.Now().Add(-time.Hour),
	}
	ing, st, q := newIngestFixture([]model.Memory{existing})

	res, err := ing.Ingest(context.Background(), IngestRequest{
		Content:      "I love pizza",
		OwnerID:      "u1",
		ContainerTag: "default",
	})
	require.NoError(t, err)
	require.Equal(t, model.ActionNoop, res.Decision.Action)
	require.Nil(t, res.Memory)
	require.NotNil(t, res.Existing)
	require.Equal(t, existing.ID, res.Existing.ID)

	require.Empty(t, st.memories)
	require.Empty(t, st.jobs)
	require.Empty(t, q.messages)
}

func TestIngestSkipDedupAlwaysAdds(t *testing.T) {
	existing := model.Memory{
		ID:           uuid.New(),
		Content:      "I love pizza",
		OwnerID:      "u1",
		ContainerTag: "default",
		Status:       model.StatusDone,
	}
	ing, st, _ := newIngestFixture([]model.Memory{existing})

	res, err := ing.Ingest(context.Background(), IngestRequest{
		Content:      "I love pizza",
		OwnerID:      "u1",
		ContainerTag: "default",
		SkipDedup:    true,
	})
	require.NoError(t, err)
	require.Equal(t, model.ActionAdd, res.Decision.Action)
	require.Len(t, st.memories, 1)
}

func TestIngestRejectsEmptyContent(t *testing.T) {
	ing, _, _ := newIngestFixture(nil)
	_, err := ing.Ingest(context.Background(), IngestRequest{Content: "   ", OwnerID: "u1"})
	require.Error(t, err)
}
