package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/KrishnaShettyDev/cortex/internal/audn"
	"github.com/KrishnaShettyDev/cortex/internal/config"
	"github.com/KrishnaShettyDev/cortex/internal/model"
	registryembed "github.com/KrishnaShettyDev/cortex/internal/registry/embed"
	registryqueue "github.com/KrishnaShettyDev/cortex/internal/registry/queue"
	"github.com/KrishnaShettyDev/cortex/internal/registry/store"
)

// IngestRequest carries one piece of content to remember.
type IngestRequest struct {
	Content      string
	Source       string
	OwnerID      string
	ContainerTag string
	Metadata     map[string]any
	// SkipDedup bypasses the dedup decision and always adds.
	SkipDedup bool
}

// IngestResult reports what ingestion decided. Memory and Job are nil when the
// dedup decision was noop, in which case Existing points at the memory that
// already covers the content.
type IngestResult struct {
	Memory   *model.Memory
	Job      *model.ProcessingJob
	Existing *model.Memory
	Decision audn.Decision
}

// Ingestor accepts new content, runs the dedup decision synchronously, and
// hands accepted memories to the async pipeline through the queue.
type Ingestor struct {
	store    store.MemoryStore
	queue    registryqueue.Queue
	embedder registryembed.Embedder
	engine   *audn.Engine
	cfg      *config.Config
}

func NewIngestor(s store.MemoryStore, q registryqueue.Queue, e registryembed.Embedder, engine *audn.Engine, cfg *config.Config) *Ingestor {
	return &Ingestor{store: s, queue: q, embedder: e, engine: engine, cfg: cfg}
}

// Ingest evaluates the dedup decision and, unless the content is a noop,
// persists the memory, its processing job, and enqueues the pipeline work.
func (g *Ingestor) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("content must not be empty")
	}

	decision := g.evaluate(ctx, req)
	if decision.Action == model.ActionNoop {
		return &IngestResult{Existing: decision.Target, Decision: decision}, nil
	}

	now := time.Now().UTC()
	mem := &model.Memory{
		ID:           uuid.New(),
		Content:      req.Content,
		Source:       req.Source,
		OwnerID:      req.OwnerID,
		ContainerTag: req.ContainerTag,
		Version:      1,
		Status:       model.StatusQueued,
		Metadata:     req.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := g.store.CreateMemory(ctx, mem); err != nil {
		return nil, fmt.Errorf("create memory: %w", err)
	}

	job := &model.ProcessingJob{
		ID:         uuid.New(),
		MemoryID:   mem.ID,
		OwnerID:    req.OwnerID,
		Stage:      model.StageExtracting,
		Status:     model.JobQueued,
		AUDNAction: decision.Action,
		AUDNReason: decision.Reason,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if decision.Target != nil {
		targetID := decision.Target.ID
		job.AUDNTarget = &targetID
	}
	if err := g.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	err := g.queue.Enqueue(ctx, model.JobMessage{
		MemoryID:     mem.ID,
		OwnerID:      req.OwnerID,
		ContainerTag: req.ContainerTag,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	return &IngestResult{Memory: mem, Job: job, Decision: decision}, nil
}

// evaluate builds the candidate set from recent head memories and asks the
// dedup engine for a decision. Any failure along the way degrades to add so
// that ingestion never loses content.
func (g *Ingestor) evaluate(ctx context.Context, req IngestRequest) audn.Decision {
	if g.engine == nil || req.SkipDedup {
		return audn.Decision{Action: model.ActionAdd, Reason: "dedup disabled"}
	}

	heads, err := g.store.ListHeadMemories(ctx, req.OwnerID, req.ContainerTag, g.cfg.AUDNCandidateScan)
	if err != nil {
		log.Warn("Dedup candidate scan failed, adding without comparison", "error", err)
		return audn.Decision{Action: model.ActionAdd, Reason: "candidate scan unavailable", Degraded: true}
	}
	if len(heads) == 0 {
		return g.engine.Decide(ctx, req.Content, nil)
	}

	texts := make([]string, 0, len(heads)+1)
	texts = append(texts, req.Content)
	for _, h := range heads {
		texts = append(texts, h.Content)
	}
	embeddings, err := g.embedder.EmbedTexts(ctx, texts)
	if err != nil || len(embeddings) != len(texts) {
		log.Warn("Dedup embedding failed, adding without comparison", "error", err)
		return audn.Decision{Action: model.ActionAdd, Reason: "embedding unavailable", Degraded: true}
	}

	candidates := make([]audn.Candidate, 0, len(heads))
	for i := range heads {
		candidates = append(candidates, audn.Candidate{
			Memory:     &heads[i],
			Similarity: audn.CosineSimilarity(embeddings[0], embeddings[i+1]),
		})
	}
	return g.engine.Decide(ctx, req.Content, candidates)
}
