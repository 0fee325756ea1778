package model

import (
	"time"

	"github.com/google/uuid"
)

// ProcessingStatus tracks where a memory is in its enrichment lifecycle.
type ProcessingStatus string

const (
	StatusQueued     ProcessingStatus = "queued"
	StatusProcessing ProcessingStatus = "processing"
	StatusDone       ProcessingStatus = "done"
	StatusFailed     ProcessingStatus = "failed"
)

// Stage is one ordered step of the enrichment pipeline.
type Stage string

const (
	StageExtracting           Stage = "extracting"
	StageChunking             Stage = "chunking"
	StageEmbedding            Stage = "embedding"
	StageIndexing             Stage = "indexing"
	StageTemporalExtraction   Stage = "temporal_extraction"
	StageEntityExtraction     Stage = "entity_extraction"
	StageImportanceScoring    Stage = "importance_scoring"
	StageCommitmentExtraction Stage = "commitment_extraction"
	StageDone                 Stage = "done"
)

// Stages lists pipeline stages in execution order, terminal stage excluded.
var Stages = []Stage{
	StageExtracting,
	StageChunking,
	StageEmbedding,
	StageIndexing,
	StageTemporalExtraction,
	StageEntityExtraction,
	StageImportanceScoring,
	StageCommitmentExtraction,
}

// Next returns the stage that follows s, or StageDone when s is the last one.
func (s Stage) Next() Stage {
	for i, st := range Stages {
		if st == s {
			if i+1 < len(Stages) {
				return Stages[i+1]
			}
			return StageDone
		}
	}
	return StageDone
}

// Memory is an immutable content snapshot with mutable processing status.
// Version increases monotonically within a supersedes chain; a memory is
// either the head of its chain (visible in search) or superseded (retained
// for audit, excluded from default search).
type Memory struct {
	ID           uuid.UUID        `json:"id"                     gorm:"primaryKey;type:uuid"`
	Content      string           `json:"content"                gorm:"not null"`
	Source       string           `json:"source,omitempty"`
	OwnerID      string           `json:"ownerId"                gorm:"not null;index:idx_memories_owner_container"`
	ContainerTag string           `json:"containerTag"           gorm:"not null;index:idx_memories_owner_container"`
	Version      int              `json:"version"                gorm:"not null;default:1"`
	Supersedes   *uuid.UUID       `json:"supersedes,omitempty"   gorm:"type:uuid"`
	SupersededAt *time.Time       `json:"supersededAt,omitempty"`
	Status       ProcessingStatus `json:"processingStatus"       gorm:"not null;column:processing_status"`
	Metadata     map[string]any   `json:"metadata,omitempty"     gorm:"type:jsonb;serializer:json"`

	// Enrichment produced by the pipeline.
	Entities   []string   `json:"entities,omitempty"   gorm:"type:jsonb;serializer:json"`
	EventAt    *time.Time `json:"eventAt,omitempty"`
	Importance float64    `json:"importance"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null"`
}

// TableName implements gorm.Tabler.
func (Memory) TableName() string { return "memories" }

// IsHead reports whether this memory is the visible head of its version chain.
func (m *Memory) IsHead() bool { return m.SupersededAt == nil }

// Chunk is one searchable slice of a memory's content.
type Chunk struct {
	ID       uuid.UUID `json:"id"       gorm:"primaryKey;type:uuid"`
	MemoryID uuid.UUID `json:"memoryId" gorm:"not null;type:uuid;index"`
	Seq      int       `json:"seq"      gorm:"not null"`
	Content  string    `json:"content"  gorm:"not null"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null"`
}

func (Chunk) TableName() string { return "chunks" }

// FactKind distinguishes stable profile attributes from time-decaying ones.
type FactKind string

const (
	FactStatic  FactKind = "static"
	FactDynamic FactKind = "dynamic"
)

// Fact is one extracted profile fact for a (user, container) pair.
type Fact struct {
	ID           uuid.UUID `json:"id"           gorm:"primaryKey;type:uuid"`
	OwnerID      string    `json:"ownerId"      gorm:"not null;index:idx_facts_owner_container"`
	ContainerTag string    `json:"containerTag" gorm:"not null;index:idx_facts_owner_container"`
	Kind         FactKind  `json:"kind"         gorm:"not null"`
	Content      string    `json:"content"      gorm:"not null"`
	MemoryID     uuid.UUID `json:"memoryId"     gorm:"not null;type:uuid"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null"`
}

func (Fact) TableName() string { return "facts" }

// Commitment is a forward-looking obligation extracted from a memory.
type Commitment struct {
	ID       uuid.UUID  `json:"id"              gorm:"primaryKey;type:uuid"`
	OwnerID  string     `json:"ownerId"         gorm:"not null;index"`
	MemoryID uuid.UUID  `json:"memoryId"        gorm:"not null;type:uuid"`
	Content  string     `json:"content"         gorm:"not null"`
	DueAt    *time.Time `json:"dueAt,omitempty"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null"`
}

func (Commitment) TableName() string { return "commitments" }

// AUDNAction is the four-way dedup decision.
type AUDNAction string

const (
	ActionAdd          AUDNAction = "add"
	ActionUpdate       AUDNAction = "update"
	ActionNoop         AUDNAction = "noop"
	ActionDeleteAndAdd AUDNAction = "delete_and_add"
)

// JobStatus tracks one processing attempt's lifecycle.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobInProgress JobStatus = "in_progress"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
)

// ProcessingJob records the pipeline state for one memory. The dedup decision
// is persisted at ingestion time so that retried deliveries replay the same
// decision instead of re-evaluating it.
type ProcessingJob struct {
	ID        uuid.UUID `json:"id"        gorm:"primaryKey;type:uuid"`
	MemoryID  uuid.UUID `json:"memoryId"  gorm:"not null;type:uuid;index"`
	OwnerID   string    `json:"ownerId"   gorm:"not null;index"`
	Stage     Stage     `json:"stage"     gorm:"not null"`
	Status    JobStatus `json:"status"    gorm:"not null;index"`
	Attempts  int       `json:"attempts"  gorm:"not null;default:0"`
	LastError *string   `json:"lastError,omitempty"`

	AUDNAction AUDNAction `json:"audnAction"           gorm:"not null;column:audn_action"`
	AUDNTarget *uuid.UUID `json:"audnTarget,omitempty" gorm:"type:uuid;column:audn_target"`
	AUDNReason string     `json:"audnReason,omitempty" gorm:"column:audn_reason"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null"`
}

func (ProcessingJob) TableName() string { return "processing_jobs" }

// JobMessage is the shape of a job on the queue.
type JobMessage struct {
	MemoryID     uuid.UUID `json:"memoryId"`
	ContainerTag string    `json:"containerTag"`
	OwnerID      string    `json:"ownerId"`
	Attempt      int       `json:"attempt"`
}

// DeadLetter is a job that exhausted its retries, excluded from normal
// consumption. It retains the original message plus failure details.
type DeadLetter struct {
	ID        uuid.UUID  `json:"id"        gorm:"primaryKey;type:uuid"`
	Message   JobMessage `json:"message"   gorm:"type:jsonb;serializer:json;not null"`
	LastError string     `json:"lastError" gorm:"not null"`
	FailedAt  time.Time  `json:"failedAt"  gorm:"not null"`
}

func (DeadLetter) TableName() string { return "dead_letters" }
