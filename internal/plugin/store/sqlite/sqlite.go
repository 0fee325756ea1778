// Package sqlite implements the relational store on SQLite for single-node
// and development deployments. Keyword search falls back to token matching
// since SQLite lacks tsvector ranking.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/KrishnaShettyDev/cortex/internal/config"
	"github.com/KrishnaShettyDev/cortex/internal/model"
	registrymigrate "github.com/KrishnaShettyDev/cortex/internal/registry/migrate"
	registrystore "github.com/KrishnaShettyDev/cortex/internal/registry/store"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "sqlite",
		Loader: func(ctx context.Context) (registrystore.MemoryStore, error) {
			cfg := config.FromContext(ctx)
			db, err := open(cfg)
			if err != nil {
				return nil, err
			}
			return &SQLiteStore{db: db, cfg: cfg}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &sqliteMigrator{}})
}

func open(cfg *config.Config) (*gorm.DB, error) {
	dsn := cfg.DBURL
	if dsn == "" {
		dsn = "file:cortex.db?_fk=1"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return db, nil
}

type sqliteMigrator struct{}

func (m *sqliteMigrator) Name() string { return "sqlite-schema" }

func (m *sqliteMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "sqlite" {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := open(cfg)
	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(
		&model.Memory{},
		&model.Chunk{},
		&model.Fact{},
		&model.Commitment{},
		&model.ProcessingJob{},
	); err != nil {
		return fmt.Errorf("migration: auto-migrate failed: %w", err)
	}
	log.Info("SQLite schema migration complete")
	return nil
}

// SQLiteStore implements MemoryStore using GORM + SQLite.
type SQLiteStore struct {
	db  *gorm.DB
	cfg *config.Config
}

func (s *SQLiteStore) CreateMemory(ctx context.Context, m *model.Memory) error {
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *SQLiteStore) GetMemory(ctx context.Context, id uuid.UUID) (*model.Memory, error) {
	var m model.Memory
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &registrystore.NotFoundError{Resource: "memory", ID: id.String()}
		}
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) GetMemoriesByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var memories []model.Memory
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&memories).Error; err != nil {
		return nil, err
	}
	return memories, nil
}

func (s *SQLiteStore) ListHeadMemories(ctx context.Context, ownerID, containerTag string, limit int) ([]model.Memory, error) {
	var memories []model.Memory
	q := s.db.WithContext(ctx).
		Where("owner_id = ? AND container_tag = ? AND superseded_at IS NULL", ownerID, containerTag).
		Order("updated_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&memories).Error; err != nil {
		return nil, err
	}
	return memories, nil
}

func (s *SQLiteStore) SetMemoryStatus(ctx context.Context, id uuid.UUID, status model.ProcessingStatus) error {
	res := s.db.WithContext(ctx).Model(&model.Memory{}).
		Where("id = ?", id).
		Updates(map[string]any{"processing_status": status, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &registrystore.NotFoundError{Resource: "memory", ID: id.String()}
	}
	return nil
}

func (s *SQLiteStore) SupersedeMemory(ctx context.Context, oldID, newID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var old model.Memory
		if err := tx.Where("id = ?", oldID).First(&old).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &registrystore.NotFoundError{Resource: "memory", ID: oldID.String()}
			}
			return err
		}
		now := time.Now()
		if old.SupersededAt == nil {
			if err := tx.Model(&model.Memory{}).Where("id = ?", oldID).
				Updates(map[string]any{"superseded_at": now, "updated_at": now}).Error; err != nil {
				return err
			}
		}
		res := tx.Model(&model.Memory{}).Where("id = ?", newID).
			Updates(map[string]any{
				"supersedes": oldID,
				"version":    old.Version + 1,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &registrystore.NotFoundError{Resource: "memory", ID: newID.String()}
		}
		return nil
	})
}

func (s *SQLiteStore) SaveEnrichment(ctx context.Context, m *model.Memory) error {
	return s.db.WithContext(ctx).Model(&model.Memory{}).
		Where("id = ?", m.ID).
		Updates(map[string]any{
			"entities":   m.Entities,
			"event_at":   m.EventAt,
			"importance": m.Importance,
			"updated_at": time.Now(),
		}).Error
}

func (s *SQLiteStore) MemoryHistory(ctx context.Context, id uuid.UUID) ([]model.Memory, error) {
	var history []model.Memory
	cur, err := s.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	for {
		history = append(history, *cur)
		if cur.Supersedes == nil {
			return history, nil
		}
		cur, err = s.GetMemory(ctx, *cur.Supersedes)
		if err != nil {
			if registrystore.IsNotFound(err) {
				return history, nil
			}
			return nil, err
		}
	}
}

// SearchKeyword matches query tokens with LIKE and scores by the fraction of
// tokens found in the content.
func (s *SQLiteStore) SearchKeyword(ctx context.Context, ownerID, containerTag, query string, limit int) ([]registrystore.KeywordHit, error) {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return nil, nil
	}

	q := s.db.WithContext(ctx).
		Where("owner_id = ? AND container_tag = ? AND superseded_at IS NULL", ownerID, containerTag)
	or := s.db
	for i, tok := range tokens {
		pattern := "%" + tok + "%"
		if i == 0 {
			or = s.db.Where("LOWER(content) LIKE ?", pattern)
		} else {
			or = or.Or("LOWER(content) LIKE ?", pattern)
		}
	}
	var memories []model.Memory
	if err := q.Where(or).Find(&memories).Error; err != nil {
		return nil, err
	}

	hits := make([]registrystore.KeywordHit, 0, len(memories))
	for _, m := range memories {
		lower := strings.ToLower(m.Content)
		matched := 0
		for _, tok := range tokens {
			if strings.Contains(lower, tok) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, registrystore.KeywordHit{
			Memory: m,
			Score:  float64(matched) / float64(len(tokens)),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *SQLiteStore) SaveChunks(ctx context.Context, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&chunks).Error
}

func (s *SQLiteStore) GetChunksByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var chunks []model.Chunk
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Order("memory_id, seq").Find(&chunks).Error; err != nil {
		return nil, err
	}
	return chunks, nil
}

func (s *SQLiteStore) DeleteChunksByMemoryID(ctx context.Context, memoryID uuid.UUID) error {
	return s.db.WithContext(ctx).Where("memory_id = ?", memoryID).Delete(&model.Chunk{}).Error
}

func (s *SQLiteStore) SaveFacts(ctx context.Context, memoryID uuid.UUID, facts []model.Fact) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("memory_id = ?", memoryID).Delete(&model.Fact{}).Error; err != nil {
			return err
		}
		if len(facts) == 0 {
			return nil
		}
		return tx.Create(&facts).Error
	})
}

func (s *SQLiteStore) ListFacts(ctx context.Context, ownerID, containerTag string) ([]model.Fact, error) {
	var facts []model.Fact
	if err := s.db.WithContext(ctx).
		Where("owner_id = ? AND container_tag = ?", ownerID, containerTag).
		Order("created_at DESC").
		Find(&facts).Error; err != nil {
		return nil, err
	}
	return facts, nil
}

func (s *SQLiteStore) SaveCommitments(ctx context.Context, memoryID uuid.UUID, commitments []model.Commitment) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("memory_id = ?", memoryID).Delete(&model.Commitment{}).Error; err != nil {
			return err
		}
		if len(commitments) == 0 {
			return nil
		}
		return tx.Create(&commitments).Error
	})
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.ProcessingJob) error {
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *SQLiteStore) GetJob(ctx context.Context, id uuid.UUID) (*model.ProcessingJob, error) {
	var job model.ProcessingJob
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &registrystore.NotFoundError{Resource: "job", ID: id.String()}
		}
		return nil, err
	}
	return &job, nil
}

func (s *SQLiteStore) GetJobByMemoryID(ctx context.Context, memoryID uuid.UUID) (*model.ProcessingJob, error) {
	var job model.ProcessingJob
	if err := s.db.WithContext(ctx).
		Where("memory_id = ?", memoryID).
		Order("created_at DESC").
		First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &registrystore.NotFoundError{Resource: "job", ID: memoryID.String()}
		}
		return nil, err
	}
	return &job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, ownerID string, status *model.JobStatus, limit int) ([]model.ProcessingJob, error) {
	var jobs []model.ProcessingJob
	q := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at DESC")
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *model.ProcessingJob) error {
	job.UpdatedAt = time.Now()
	return s.db.WithContext(ctx).Save(job).Error
}

func (s *SQLiteStore) JobStats(ctx context.Context) (*registrystore.JobStats, error) {
	stats := &registrystore.JobStats{
		ByStatus: map[model.JobStatus]int64{},
		ByStage:  map[model.Stage]int64{},
	}
	type row struct {
		Key   string
		Count int64
	}
	var statusRows []row
	if err := s.db.WithContext(ctx).Model(&model.ProcessingJob{}).
		Select("status as key, COUNT(*) as count").
		Group("status").
		Scan(&statusRows).Error; err != nil {
		return nil, err
	}
	for _, r := range statusRows {
		stats.ByStatus[model.JobStatus(r.Key)] = r.Count
	}
	var stageRows []row
	if err := s.db.WithContext(ctx).Model(&model.ProcessingJob{}).
		Select("stage as key, COUNT(*) as count").
		Group("stage").
		Scan(&stageRows).Error; err != nil {
		return nil, err
	}
	for _, r := range stageRows {
		stats.ByStage[model.Stage(r.Key)] = r.Count
	}
	return stats, nil
}
