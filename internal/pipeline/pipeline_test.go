package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/KrishnaShettyDev/cortex/internal/cache"
	"github.com/KrishnaShettyDev/cortex/internal/config"
	"github.com/KrishnaShettyDev/cortex/internal/model"
	"github.com/KrishnaShettyDev/cortex/internal/registry/store"
	"github.com/KrishnaShettyDev/cortex/internal/registry/vector"
)

// fakeStore is an in-memory MemoryStore sufficient for pipeline tests.
type fakeStore struct {
	memories    map[uuid.UUID]*model.Memory
	jobs        map[uuid.UUID]*model.ProcessingJob
	chunks      map[uuid.UUID][]model.Chunk
	facts       map[uuid.UUID][]model.Fact
	commitments map[uuid.UUID][]model.Commitment
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		memories:    map[uuid.UUID]*model.Memory{},
		jobs:        map[uuid.UUID]*model.ProcessingJob{},
		chunks:      map[uuid.UUID][]model.Chunk{},
		facts:       map[uuid.UUID][]model.Fact{},
		commitments: map[uuid.UUID][]model.Commitment{},
	}
}

func (s *fakeStore) CreateMemory(_ context.Context, m *model.Memory) error {
	s.memories[m.ID] = m
	return nil
}

func (s *fakeStore) GetMemory(_ context.Context, id uuid.UUID) (*model.Memory, error) {
	m, ok := s.memories[id]
	if !ok {
		return nil, &store.NotFoundError{Resource: "memory", ID: id.String()}
	}
	return m, nil
}

func (s *fakeStore) GetMemoriesByIDs(_ context.Context, ids []uuid.UUID) ([]model.Memory, error) {
	var out []model.Memory
	for _, id := range ids {
		if m, ok := s.memories[id]; ok {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *fakeStore) ListHeadMemories(_ context.Context, ownerID, containerTag string, limit int) ([]model.Memory, error) {
	var out []model.Memory
	for _, m := range s.memories {
		if m.OwnerID == ownerID && m.ContainerTag == containerTag && m.IsHead() {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *fakeStore) SetMemoryStatus(_ context.Context, id uuid.UUID, status model.ProcessingStatus) error {
	m, ok := s.memories[id]
	if !ok {
		return &store.NotFoundError{Resource: "memory", ID: id.String()}
	}
	m.Status = status
	return nil
}

func (s *fakeStore) SupersedeMemory(_ context.Context, oldID, newID uuid.UUID) error {
	old, ok := s.memories[oldID]
	if !ok {
		return &store.NotFoundError{Resource: "memory", ID: oldID.String()}
	}
	newer, ok := s.memories[newID]
	if !ok {
		return &store.NotFoundError{Resource: "memory", ID: newID.String()}
	}
	if old.SupersededAt == nil {
		now := time.Now()
		old.SupersededAt = &now
	}
	newer.Supersedes = &oldID
	newer.Version = old.Version + 1
	return nil
}

func (s *fakeStore) SaveEnrichment(_ context.Context, m *model.Memory) error {
	s.memories[m.ID] = m
	return nil
}

func (s *fakeStore) MemoryHistory(_ context.Context, id uuid.UUID) ([]model.Memory, error) {
	var out []model.Memory
	for cur, ok := s.memories[id]; ok; cur, ok = s.memories[*cur.Supersedes] {
		out = append(out, *cur)
		if cur.Supersedes == nil {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) SearchKeyword(_ context.Context, _, _, _ string, _ int) ([]store.KeywordHit, error) {
	return nil, nil
}

func (s *fakeStore) SaveChunks(_ context.Context, chunks []model.Chunk) error {
	for _, c := range chunks {
		s.chunks[c.MemoryID] = append(s.chunks[c.MemoryID], c)
	}
	return nil
}

func (s *fakeStore) GetChunksByIDs(_ context.Context, ids []uuid.UUID) ([]model.Chunk, error) {
	var out []model.Chunk
	for _, list := range s.chunks {
		for _, c := range list {
			for _, id := range ids {
				if c.ID == id {
					out = append(out, c)
				}
			}
		}
	}
	return out, nil
}

func (s *fakeStore) DeleteChunksByMemoryID(_ context.Context, memoryID uuid.UUID) error {
	delete(s.chunks, memoryID)
	return nil
}

func (s *fakeStore) SaveFacts(_ context.Context, memoryID uuid.UUID, facts []model.Fact) error {
	s.facts[memoryID] = facts
	return nil
}

func (s *fakeStore) ListFacts(_ context.Context, ownerID, containerTag string) ([]model.Fact, error) {
	var out []model.Fact
	for _, list := range s.facts {
		for _, f := range list {
			if f.OwnerID == ownerID && f.ContainerTag == containerTag {
				out = append(out, f)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) SaveCommitments(_ context.Context, memoryID uuid.UUID, commitments []model.Commitment) error {
	s.commitments[memoryID] = commitments
	return nil
}

func (s *fakeStore) CreateJob(_ context.Context, job *model.ProcessingJob) error {
	s.jobs[job.ID] = job
	return nil
}

func (s *fakeStore) GetJob(_ context.Context, id uuid.UUID) (*model.ProcessingJob, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, &store.NotFoundError{Resource: "job", ID: id.String()}
	}
	return j, nil
}

func (s *fakeStore) GetJobByMemoryID(_ context.Context, memoryID uuid.UUID) (*model.ProcessingJob, error) {
	for _, j := range s.jobs {
		if j.MemoryID == memoryID {
			return j, nil
		}
	}
	return nil, &store.NotFoundError{Resource: "job", ID: memoryID.String()}
}

func (s *fakeStore) ListJobs(_ context.Context, ownerID string, status *model.JobStatus, limit int) ([]model.ProcessingJob, error) {
	var out []model.ProcessingJob
	for _, j := range s.jobs {
		if j.OwnerID != ownerID {
			continue
		}
		if status == nil || j.Status == *status {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateJob(_ context.Context, job *model.ProcessingJob) error {
	s.jobs[job.ID] = job
	return nil
}

func (s *fakeStore) JobStats(_ context.Context) (*store.JobStats, error) {
	stats := &store.JobStats{
		ByStatus: map[model.JobStatus]int64{},
		ByStage:  map[model.Stage]int64{},
	}
	for _, j := range s.jobs {
		stats.ByStatus[j.Status]++
		stats.ByStage[j.Stage]++
	}
	return stats, nil
}

type fakeEmbedder struct {
	calls int
	fail  bool
}

func (e *fakeEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.fail {
		return nil, errors.New("embedding service down")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (e *fakeEmbedder) ModelName() string { return "fake-model" }
func (e *fakeEmbedder) Dimension() int    { return 3 }

type fakeVector struct {
	upserts []vector.UpsertItem
	deleted []uuid.UUID
}

func (v *fakeVector) Search(_ context.Context, _ []float32, _, _ string, _ int) ([]vector.SearchHit, error) {
	return nil, nil
}

func (v *fakeVector) Upsert(_ context.Context, items []vector.UpsertItem) error {
	v.upserts = append(v.upserts, items...)
	return nil
}

func (v *fakeVector) DeleteByMemoryID(_ context.Context, memoryID uuid.UUID) error {
	v.deleted = append(v.deleted, memoryID)
	var kept []vector.UpsertItem
	for _, item := range v.upserts {
		if item.MemoryID != memoryID {
			kept = append(kept, item)
		}
	}
	v.upserts = kept
	return nil
}

func (v *fakeVector) IsEnabled() bool { return true }
func (v *fakeVector) Name() string    { return "fake" }

type countingBackend struct {
	entries     map[string][]byte
	invalidated []string
}

func newCountingBackend() *countingBackend {
	return &countingBackend{entries: map[string][]byte{}}
}

func (b *countingBackend) Get(_ context.Context, key string) ([]byte, error) {
	return b.entries[key], nil
}

func (b *countingBackend) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	b.entries[key] = value
	return nil
}

func (b *countingBackend) Invalidate(_ context.Context, key string) error {
	b.invalidated = append(b.invalidated, key)
	delete(b.entries, key)
	return nil
}

func (b *countingBackend) Name() string { return "counting" }

type fixture struct {
	store    *fakeStore
	embedder *fakeEmbedder
	vector   *fakeVector
	backend  *countingBackend
	exec     *Executor
	cfg      config.Config
}

func newFixture() *fixture {
	cfg := config.DefaultConfig()
	f := &fixture{
		store:    newFakeStore(),
		embedder: &fakeEmbedder{},
		vector:   &fakeVector{},
		backend:  newCountingBackend(),
		cfg:      cfg,
	}
	caches := cache.New(f.backend, time.Hour, time.Minute, time.Minute)
	f.exec = NewExecutor(f.store, f.embedder, f.vector, caches, &f.cfg)
	return f
}

func (f *fixture) seed(content string, action model.AUDNAction, target *uuid.UUID) (*model.Memory, *model.ProcessingJob) {
	now := time.Now()
	mem := &model.Memory{
		ID:           uuid.New(),
		Content:      content,
		OwnerID:      "u1",
		ContainerTag: "default",
		Version:      1,
		Status:       model.StatusQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	job := &model.ProcessingJob{
		ID:         uuid.New(),
		MemoryID:   mem.ID,
		OwnerID:    mem.OwnerID,
		Stage:      model.StageExtracting,
		Status:     model.JobQueued,
		AUDNAction: action,
		AUDNTarget: target,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	f.store.memories[mem.ID] = mem
	f.store.jobs[job.ID] = job
	return mem, job
}

func (f *fixture) message(mem *model.Memory, attempt int) model.JobMessage {
	return model.JobMessage{
		MemoryID:     mem.ID,
		ContainerTag: mem.ContainerTag,
		OwnerID:      mem.OwnerID,
		Attempt:      attempt,
	}
}

func TestProcessHappyPath(t *testing.T) {
	f := newFixture()
	mem, job := f.seed("I love pizza. I will call Alice Johnson tomorrow.", model.ActionAdd, nil)

	err := f.exec.Process(context.Background(), f.message(mem, 1))
	require.NoError(t, err)

	require.Equal(t, model.JobDone, job.Status)
	require.Equal(t, model.StageDone, job.Stage)
	require.Equal(t, model.StatusDone, mem.Status)

	require.NotEmpty(t, f.store.chunks[mem.ID])
	require.NotEmpty(t, f.vector.upserts)
	require.NotEmpty(t, f.store.facts[mem.ID])
	require.Len(t, f.store.commitments[mem.ID], 1)
	require.NotNil(t, mem.EventAt)
	require.Contains(t, mem.Entities, "Alice Johnson")
	require.Greater(t, mem.Importance, 0.0)
}

func TestProcessInvalidatesProfileWhenFactsCommitted(t *testing.T) {
	f := newFixture()
	mem, _ := f.seed("I love hiking in the mountains.", model.ActionAdd, nil)

	require.NoError(t, f.exec.Process(context.Background(), f.message(mem, 1)))
	require.Contains(t, f.backend.invalidated, cache.ProfileKey("u1", "default"))
}

func TestProcessStageFailureRequeues(t *testing.T) {
	f := newFixture()
	f.embedder.fail = true
	mem, job := f.seed("Some content here.", model.ActionAdd, nil)

	err := f.exec.Process(context.Background(), f.message(mem, 1))
	require.Error(t, err)

	require.Equal(t, model.JobQueued, job.Status)
	require.Equal(t, model.StatusQueued, mem.Status)
	require.NotNil(t, job.LastError)
	require.Contains(t, *job.LastError, "embedding")

	// recovery on the next delivery
	f.embedder.fail = false
	require.NoError(t, f.exec.Process(context.Background(), f.message(mem, 2)))
	require.Equal(t, model.JobDone, job.Status)
	require.Equal(t, 2, job.Attempts)
}

func TestProcessDuplicateDeliveryIsNoop(t *testing.T) {
	f := newFixture()
	mem, job := f.seed("Some content here.", model.ActionAdd, nil)

	require.NoError(t, f.exec.Process(context.Background(), f.message(mem, 1)))
	chunksAfterFirst := len(f.store.chunks[mem.ID])
	embedCalls := f.embedder.calls

	require.NoError(t, f.exec.Process(context.Background(), f.message(mem, 2)))
	require.Equal(t, chunksAfterFirst, len(f.store.chunks[mem.ID]))
	require.Equal(t, embedCalls, f.embedder.calls)
	require.Equal(t, model.JobDone, job.Status)
}

func TestProcessInFlightMemoryAcksAsDuplicate(t *testing.T) {
	f := newFixture()
	mem, job := f.seed("Some content here.", model.ActionAdd, nil)
	mem.Status = model.StatusProcessing
	job.Status = model.JobInProgress

	// another worker holds the soft lock; this delivery must not re-run stages
	require.NoError(t, f.exec.Process(context.Background(), f.message(mem, 2)))
	require.Zero(t, f.embedder.calls)
	require.Empty(t, f.store.chunks[mem.ID])
	require.Equal(t, model.JobInProgress, job.Status)
}

func TestProcessMissingMemoryAcks(t *testing.T) {
	f := newFixture()
	msg := model.JobMessage{MemoryID: uuid.New(), OwnerID: "u1", ContainerTag: "default", Attempt: 1}
	require.NoError(t, f.exec.Process(context.Background(), msg))
}

func TestProcessAppliesSupersede(t *testing.T) {
	f := newFixture()

	// existing head memory with indexed vectors
	old, oldJob := f.seed("I live in Austin.", model.ActionAdd, nil)
	require.NoError(t, f.exec.Process(context.Background(), f.message(old, 1)))
	require.Equal(t, model.JobDone, oldJob.Status)
	require.NotEmpty(t, f.vector.upserts)

	// contradicting memory decided delete_and_add at ingestion
	newer, _ := f.seed("I live in Denver now.", model.ActionDeleteAndAdd, &old.ID)
	require.NoError(t, f.exec.Process(context.Background(), f.message(newer, 1)))

	require.NotNil(t, old.SupersededAt)
	require.False(t, old.IsHead())
	require.True(t, newer.IsHead())
	require.Equal(t, &old.ID, newer.Supersedes)
	require.Equal(t, 2, newer.Version)

	// old vectors removed, only the new memory remains indexed
	for _, item := range f.vector.upserts {
		require.Equal(t, newer.ID, item.MemoryID)
	}
	require.Contains(t, f.vector.deleted, old.ID)
}

func TestProcessSupersedeIsIdempotentAcrossRetries(t *testing.T) {
	f := newFixture()
	old, _ := f.seed("I work at Initech.", model.ActionAdd, nil)
	require.NoError(t, f.exec.Process(context.Background(), f.message(old, 1)))
	firstSupersededAt := old.SupersededAt

	newer, _ := f.seed("I work at Globex now.", model.ActionUpdate, &old.ID)

	// first attempt fails at embedding, after the supersede was applied
	f.embedder.fail = true
	require.Error(t, f.exec.Process(context.Background(), f.message(newer, 1)))
	require.NotNil(t, old.SupersededAt)
	firstSupersededAt = old.SupersededAt

	f.embedder.fail = false
	require.NoError(t, f.exec.Process(context.Background(), f.message(newer, 2)))
	require.Equal(t, firstSupersededAt, old.SupersededAt)
	require.Equal(t, 2, newer.Version)
}

func TestMarkTerminal(t *testing.T) {
	f := newFixture()
	mem, job := f.seed("Some content here.", model.ActionAdd, nil)

	f.exec.MarkTerminal(context.Background(), mem.ID, fmt.Errorf("retries exhausted"))
	require.Equal(t, model.JobFailed, job.Status)
	require.Equal(t, model.StatusFailed, mem.Status)
	require.Contains(t, *job.LastError, "retries exhausted")
}

func TestSplitChunksShortContent(t *testing.T) {
	chunks := splitChunks("short text", 600, 80)
	require.Equal(t, []string{"short text"}, chunks)
}

func TestSplitChunksRespectsMaxSize(t *testing.T) {
	var sb []string
	for i := 0; i < 40; i++ {
		sb = append(sb, fmt.Sprintf("Sentence number %d has a moderate length for testing purposes.", i))
	}
	content := ""
	for _, s := range sb {
		content += s + " "
	}

	chunks := splitChunks(content, 300, 40)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		require.LessOrEqual(t, len(c), 300+41)
	}
}

func TestSplitChunksOverlapKeepsRuneBoundaries(t *testing.T) {
	var sb []string
	for i := 0; i < 40; i++ {
		sb = append(sb, fmt.Sprintf("Sätze über die Küche und das Gebäude Nummer %d größer als nötig.", i))
	}
	content := ""
	for _, s := range sb {
		content += s + " "
	}

	chunks := splitChunks(content, 300, 43)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		require.True(t, utf8.ValidString(c))
	}
}

func TestSplitChunksMergesParagraphs(t *testing.T) {
	content := "First paragraph.\n\nSecond paragraph.\n\nThird paragraph."
	chunks := splitChunks(content, 600, 80)
	require.Len(t, chunks, 1)
}

func TestExtractEventTime(t *testing.T) {
	ref := time.Date(2026, 8, 15, 14, 30, 0, 0, time.UTC)

	got := extractEventTime("I saw the doctor yesterday.", ref)
	require.NotNil(t, got)
	require.Equal(t, time.Date(2026, 8, 14, 0, 0, 0, 0, time.UTC), *got)

	got = extractEventTime("The meeting is on 2026-09-01 at noon.", ref)
	require.NotNil(t, got)
	require.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), *got)

	require.Nil(t, extractEventTime("Nothing temporal here.", ref))
}

func TestExtractEntities(t *testing.T) {
	entities := extractEntities("I met Alice Johnson at the cafe. The weather was nice.")
	require.Contains(t, entities, "Alice Johnson")
	require.NotContains(t, entities, "I")
	require.NotContains(t, entities, "The")
}

func TestClassifyFact(t *testing.T) {
	kind, ok := classifyFact("my name is dana")
	require.True(t, ok)
	require.Equal(t, model.FactStatic, kind)

	kind, ok = classifyFact("i love pizza")
	require.True(t, ok)
	require.Equal(t, model.FactDynamic, kind)

	_, ok = classifyFact("the weather was nice")
	require.False(t, ok)
}
