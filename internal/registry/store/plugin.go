package store

import (
	"context"
	"fmt"

	"github.com/KrishnaShettyDev/cortex/internal/model"
	"github.com/google/uuid"
)

// KeywordHit is a single lexical search match with its normalized score.
type KeywordHit struct {
	Memory model.Memory `json:"memory"`
	Score  float64      `json:"score"`
}

// JobStats aggregates processing job counts by status and stage.
type JobStats struct {
	ByStatus map[model.JobStatus]int64 `json:"byStatus"`
	ByStage  map[model.Stage]int64     `json:"byStage"`
}

// MemoryStore is the relational persistence interface for memories, chunks,
// facts, commitments, and processing jobs.
type MemoryStore interface {
	CreateMemory(ctx context.Context, m *model.Memory) error
	GetMemory(ctx context.Context, id uuid.UUID) (*model.Memory, error)
	GetMemoriesByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Memory, error)
	// ListHeadMemories returns the most recent non-superseded memories for an
	// owner/container scope, newest first.
	ListHeadMemories(ctx context.Context, ownerID, containerTag string, limit int) ([]model.Memory, error)
	SetMemoryStatus(ctx context.Context, id uuid.UUID, status model.ProcessingStatus) error
	// SupersedeMemory marks old as superseded and links new into its version
	// chain (supersedes pointer, version = old.version+1). Idempotent so that
	// retried pipeline deliveries can replay it.
	SupersedeMemory(ctx context.Context, oldID, newID uuid.UUID) error
	// SaveEnrichment persists pipeline-produced fields (entities, eventAt,
	// importance) onto the memory row.
	SaveEnrichment(ctx context.Context, m *model.Memory) error
	// MemoryHistory walks the supersedes chain starting at the given memory,
	// newest first.
	MemoryHistory(ctx context.Context, id uuid.UUID) ([]model.Memory, error)
	// SearchKeyword performs lexical matching over head memories only.
	SearchKeyword(ctx context.Context, ownerID, containerTag, query string, limit int) ([]KeywordHit, error)

	SaveChunks(ctx context.Context, chunks []model.Chunk) error
	GetChunksByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Chunk, error)
	DeleteChunksByMemoryID(ctx context.Context, memoryID uuid.UUID) error

	// SaveFacts replaces any facts previously extracted from the same memory,
	// so a redelivered pipeline job never duplicates them.
	SaveFacts(ctx context.Context, memoryID uuid.UUID, facts []model.Fact) error
	ListFacts(ctx context.Context, ownerID, containerTag string) ([]model.Fact, error)
	// SaveCommitments replaces any commitments previously extracted from the
	// same memory.
	SaveCommitments(ctx context.Context, memoryID uuid.UUID, commitments []model.Commitment) error

	CreateJob(ctx context.Context, job *model.ProcessingJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*model.ProcessingJob, error)
	GetJobByMemoryID(ctx context.Context, memoryID uuid.UUID) (*model.ProcessingJob, error)
	// ListJobs returns the given owner's jobs, newest first, optionally
	// filtered by status.
	ListJobs(ctx context.Context, ownerID string, status *model.JobStatus, limit int) ([]model.ProcessingJob, error)
	UpdateJob(ctx context.Context, job *model.ProcessingJob) error
	JobStats(ctx context.Context) (*JobStats, error)
}

// Loader creates a store from config.
type Loader func(ctx context.Context) (MemoryStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
