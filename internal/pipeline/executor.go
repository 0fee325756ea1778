// Package pipeline runs the ordered enrichment stages that take an ingested
// memory from queued to done.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/KrishnaShettyDev/cortex/internal/cache"
	"github.com/KrishnaShettyDev/cortex/internal/config"
	"github.com/KrishnaShettyDev/cortex/internal/model"
	"github.com/KrishnaShettyDev/cortex/internal/observability"
	"github.com/KrishnaShettyDev/cortex/internal/registry/embed"
	"github.com/KrishnaShettyDev/cortex/internal/registry/store"
	"github.com/KrishnaShettyDev/cortex/internal/registry/vector"
)

// Executor advances one job at a time through the enrichment stages. Each
// delivery attempt re-runs the stages from the start against idempotent
// persistence, so a redelivered job converges on the same final state.
type Executor struct {
	store    store.MemoryStore
	embedder embed.Embedder
	vector   vector.VectorIndex
	caches   *cache.Caches
	cfg      *config.Config
}

func NewExecutor(s store.MemoryStore, e embed.Embedder, v vector.VectorIndex, c *cache.Caches, cfg *config.Config) *Executor {
	return &Executor{store: s, embedder: e, vector: v, caches: c, cfg: cfg}
}

// stageState carries intermediate results between stages of one attempt.
type stageState struct {
	memory      *model.Memory
	chunks      []model.Chunk
	embeddings  [][]float32
	facts       []model.Fact
	commitments []model.Commitment
	ownerID     string
	container   string
}

type stageFunc func(ctx context.Context, st *stageState) error

func (e *Executor) stageFuncs() map[model.Stage]stageFunc {
	return map[model.Stage]stageFunc{
		model.StageExtracting:           e.stageExtracting,
		model.StageChunking:             e.stageChunking,
		model.StageEmbedding:            e.stageEmbedding,
		model.StageIndexing:             e.stageIndexing,
		model.StageTemporalExtraction:   e.stageTemporal,
		model.StageEntityExtraction:     e.stageEntities,
		model.StageImportanceScoring:    e.stageImportance,
		model.StageCommitmentExtraction: e.stageCommitments,
	}
}

// Process handles one queue delivery. A nil return means the job is settled
// and the delivery should be acked; a non-nil return means the delivery
// should be nacked for retry.
func (e *Executor) Process(ctx context.Context, msg model.JobMessage) error {
	mem, err := e.store.GetMemory(ctx, msg.MemoryID)
	if err != nil {
		if store.IsNotFound(err) {
			log.Warn("Dropping job for missing memory", "memoryId", msg.MemoryID)
			return nil
		}
		return fmt.Errorf("loading memory: %w", err)
	}

	job, err := e.store.GetJobByMemoryID(ctx, msg.MemoryID)
	if err != nil {
		if store.IsNotFound(err) {
			log.Warn("Dropping delivery with no processing job", "memoryId", msg.MemoryID)
			return nil
		}
		return fmt.Errorf("loading job: %w", err)
	}

	// Duplicate delivery of a settled or in-flight job. At-least-once queues
	// produce these; ack without touching anything. A memory left in
	// processing holds the soft lock for the worker that claimed it, and a
	// stage failure puts it back to queued before the nack, so redeliveries
	// of failed attempts still get through here.
	if job.Status == model.JobDone || mem.Status == model.StatusDone || mem.Status == model.StatusProcessing {
		if observability.JobsProcessedTotal != nil {
			observability.JobsProcessedTotal.WithLabelValues("duplicate").Inc()
		}
		return nil
	}

	job.Status = model.JobInProgress
	job.Attempts = msg.Attempt
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("marking job in progress: %w", err)
	}
	if err := e.store.SetMemoryStatus(ctx, mem.ID, model.StatusProcessing); err != nil {
		return fmt.Errorf("marking memory processing: %w", err)
	}

	if err := e.applyDedupDecision(ctx, job, mem); err != nil {
		return e.failStage(ctx, job, mem, job.Stage, err)
	}

	st := &stageState{
		memory:    mem,
		ownerID:   msg.OwnerID,
		container: msg.ContainerTag,
	}
	funcs := e.stageFuncs()
	for _, stage := range model.Stages {
		job.Stage = stage
		if err := e.store.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("advancing job to %s: %w", stage, err)
		}
		start := time.Now()
		err := funcs[stage](ctx, st)
		if observability.StageLatency != nil {
			observability.StageLatency.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			return e.failStage(ctx, job, mem, stage, err)
		}
	}

	if err := e.commit(ctx, st); err != nil {
		return e.failStage(ctx, job, mem, model.StageCommitmentExtraction, err)
	}

	job.Stage = model.StageDone
	job.Status = model.JobDone
	job.LastError = nil
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("marking job done: %w", err)
	}
	if err := e.store.SetMemoryStatus(ctx, mem.ID, model.StatusDone); err != nil {
		return fmt.Errorf("marking memory done: %w", err)
	}
	if observability.JobsProcessedTotal != nil {
		observability.JobsProcessedTotal.WithLabelValues("done").Inc()
	}
	log.Info("Memory processed", "memoryId", mem.ID, "attempt", msg.Attempt)
	return nil
}

// applyDedupDecision replays the decision persisted at ingestion time. It is
// idempotent; a retried delivery finds the chain already linked and the old
// vectors already removed.
func (e *Executor) applyDedupDecision(ctx context.Context, job *model.ProcessingJob, mem *model.Memory) error {
	switch job.AUDNAction {
	case model.ActionUpdate, model.ActionDeleteAndAdd:
		if job.AUDNTarget == nil {
			return fmt.Errorf("decision %s has no target memory", job.AUDNAction)
		}
		if err := e.store.SupersedeMemory(ctx, *job.AUDNTarget, mem.ID); err != nil {
			return fmt.Errorf("superseding memory %s: %w", job.AUDNTarget, err)
		}
		if e.vector != nil && e.vector.IsEnabled() {
			if err := e.vector.DeleteByMemoryID(ctx, *job.AUDNTarget); err != nil {
				return fmt.Errorf("removing superseded vectors: %w", err)
			}
		}
	}
	return nil
}

// failStage records a stage failure and puts the job and memory back into
// queued state so the redelivered attempt is not mistaken for a duplicate.
// The queue decides between retry and dead-letter when the delivery is nacked.
func (e *Executor) failStage(ctx context.Context, job *model.ProcessingJob, mem *model.Memory, stage model.Stage, cause error) error {
	msg := cause.Error()
	job.Status = model.JobQueued
	job.LastError = &msg
	if err := e.store.UpdateJob(ctx, job); err != nil {
		log.Error("Failed to record stage failure", "jobId", job.ID, "error", err)
	}
	if err := e.store.SetMemoryStatus(ctx, mem.ID, model.StatusQueued); err != nil {
		log.Error("Failed to requeue memory", "memoryId", mem.ID, "error", err)
	}
	log.Warn("Pipeline stage failed",
		"memoryId", mem.ID,
		"stage", stage,
		"attempt", job.Attempts,
		"error", cause,
	)
	return fmt.Errorf("stage %s: %w", stage, cause)
}

// commit persists everything the stages produced and invalidates the profile
// cache so the next profile read sees the new facts.
func (e *Executor) commit(ctx context.Context, st *stageState) error {
	if err := e.store.SaveEnrichment(ctx, st.memory); err != nil {
		return fmt.Errorf("saving enrichment: %w", err)
	}
	if err := e.store.SaveFacts(ctx, st.memory.ID, st.facts); err != nil {
		return fmt.Errorf("saving facts: %w", err)
	}
	if err := e.store.SaveCommitments(ctx, st.memory.ID, st.commitments); err != nil {
		return fmt.Errorf("saving commitments: %w", err)
	}
	if len(st.facts) > 0 && e.caches != nil {
		e.caches.InvalidateProfile(ctx, st.ownerID, st.container)
	}
	return nil
}

// MarkTerminal records a job as permanently failed after its retries are
// exhausted. Called by the worker when the queue routes a delivery to the
// dead-letter destination.
func (e *Executor) MarkTerminal(ctx context.Context, memoryID uuid.UUID, cause error) {
	job, err := e.store.GetJobByMemoryID(ctx, memoryID)
	if err != nil {
		log.Error("Failed to load job for terminal failure", "memoryId", memoryID, "error", err)
		return
	}
	msg := cause.Error()
	job.Status = model.JobFailed
	job.LastError = &msg
	if err := e.store.UpdateJob(ctx, job); err != nil {
		log.Error("Failed to mark job failed", "jobId", job.ID, "error", err)
	}
	if err := e.store.SetMemoryStatus(ctx, memoryID, model.StatusFailed); err != nil {
		log.Error("Failed to mark memory failed", "memoryId", memoryID, "error", err)
	}
}
