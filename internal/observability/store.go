package observability

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/KrishnaShettyDev/cortex/internal/model"
	"github.com/KrishnaShettyDev/cortex/internal/registry/store"
)

// InstrumentStore wraps a MemoryStore so every operation records its latency
// in the StoreLatency histogram, labeled by operation name.
func InstrumentStore(s store.MemoryStore) store.MemoryStore {
	return &instrumentedStore{inner: s}
}

type instrumentedStore struct {
	inner store.MemoryStore
}

func observeStore(op string, start time.Time) {
	if StoreLatency != nil {
		StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (s *instrumentedStore) CreateMemory(ctx context.Context, m *model.Memory) error {
	defer observeStore("CreateMemory", time.Now())
	return s.inner.CreateMemory(ctx, m)
}

func (s *instrumentedStore) GetMemory(ctx context.Context, id uuid.UUID) (*model.Memory, error) {
	defer observeStore("GetMemory", time.Now())
	return s.inner.GetMemory(ctx, id)
}

func (s *instrumentedStore) GetMemoriesByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Memory, error) {
	defer observeStore("GetMemoriesByIDs", time.Now())
	return s.inner.GetMemoriesByIDs(ctx, ids)
}

func (s *instrumentedStore) ListHeadMemories(ctx context.Context, ownerID, containerTag string, limit int) ([]model.Memory, error) {
	defer observeStore("ListHeadMemories", time.Now())
	return s.inner.ListHeadMemories(ctx, ownerID, containerTag, limit)
}

func (s *instrumentedStore) SetMemoryStatus(ctx context.Context, id uuid.UUID, status model.ProcessingStatus) error {
	defer observeStore("SetMemoryStatus", time.Now())
	return s.inner.SetMemoryStatus(ctx, id, status)
}

func (s *instrumentedStore) SupersedeMemory(ctx context.Context, oldID, newID uuid.UUID) error {
	defer observeStore("SupersedeMemory", time.Now())
	return s.inner.SupersedeMemory(ctx, oldID, newID)
}

func (s *instrumentedStore) SaveEnrichment(ctx context.Context, m *model.Memory) error {
	defer observeStore("SaveEnrichment", time.Now())
	return s.inner.SaveEnrichment(ctx, m)
}

func (s *instrumentedStore) MemoryHistory(ctx context.Context, id uuid.UUID) ([]model.Memory, error) {
	defer observeStore("MemoryHistory", time.Now())
	return s.inner.MemoryHistory(ctx, id)
}

func (s *instrumentedStore) SearchKeyword(ctx context.Context, ownerID, containerTag, query string, limit int) ([]store.KeywordHit, error) {
	defer observeStore("SearchKeyword", time.Now())
	return s.inner.SearchKeyword(ctx, ownerID, containerTag, query, limit)
}

func (s *instrumentedStore) SaveChunks(ctx context.Context, chunks []model.Chunk) error {
	defer observeStore("SaveChunks", time.Now())
	return s.inner.SaveChunks(ctx, chunks)
}

func (s *instrumentedStore) GetChunksByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Chunk, error) {
	defer observeStore("GetChunksByIDs", time.Now())
	return s.inner.GetChunksByIDs(ctx, ids)
}

func (s *instrumentedStore) DeleteChunksByMemoryID(ctx context.Context, memoryID uuid.UUID) error {
	defer observeStore("DeleteChunksByMemoryID", time.Now())
	return s.inner.DeleteChunksByMemoryID(ctx, memoryID)
}

func (s *instrumentedStore) SaveFacts(ctx context.Context, memoryID uuid.UUID, facts []model.Fact) error {
	defer observeStore("SaveFacts", time.Now())
	return s.inner.SaveFacts(ctx, memoryID, facts)
}

func (s *instrumentedStore) ListFacts(ctx context.Context, ownerID, containerTag string) ([]model.Fact, error) {
	defer observeStore("ListFacts", time.Now())
	return s.inner.ListFacts(ctx, ownerID, containerTag)
}

func (s *instrumentedStore) SaveCommitments(ctx context.Context, memoryID uuid.UUID, commitments []model.Commitment) error {
	defer observeStore("SaveCommitments", time.Now())
	return s.inner.SaveCommitments(ctx, memoryID, commitments)
}

func (s *instrumentedStore) CreateJob(ctx context.Context, job *model.ProcessingJob) error {
	defer observeStore("CreateJob", time.Now())
	return s.inner.CreateJob(ctx, job)
}

func (s *instrumentedStore) GetJob(ctx context.Context, id uuid.UUID) (*model.ProcessingJob, error) {
	defer observeStore("GetJob", time.Now())
	return s.inner.GetJob(ctx, id)
}

func (s *instrumentedStore) GetJobByMemoryID(ctx context.Context, memoryID uuid.UUID) (*model.ProcessingJob, error) {
	defer observeStore("GetJobByMemoryID", time.Now())
	return s.inner.GetJobByMemoryID(ctx, memoryID)
}

func (s *instrumentedStore) ListJobs(ctx context.Context, ownerID string, status *model.JobStatus, limit int) ([]model.ProcessingJob, error) {
	defer observeStore("ListJobs", time.Now())
	return s.inner.ListJobs(ctx, ownerID, status, limit)
}

func (s *instrumentedStore) UpdateJob(ctx context.Context, job *model.ProcessingJob) error {
	defer observeStore("UpdateJob", time.Now())
	return s.inner.UpdateJob(ctx, job)
}

func (s *instrumentedStore) JobStats(ctx context.Context) (*store.JobStats, error) {
	defer observeStore("JobStats", time.Now())
	return s.inner.JobStats(ctx)
}
