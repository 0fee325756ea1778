// Package postgres implements the relational store on PostgreSQL with GORM,
// using tsvector full-text search for the keyword retrieval path.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/KrishnaShettyDev/cortex/internal/config"
	"github.com/KrishnaShettyDev/cortex/internal/model"
	registrymigrate "github.com/KrishnaShettyDev/cortex/internal/registry/migrate"
	registrystore "github.com/KrishnaShettyDev/cortex/internal/registry/store"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.MemoryStore, error) {
			cfg := config.FromContext(ctx)
			db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
			if err != nil {
				return nil, fmt.Errorf("failed to connect to postgres: %w", err)
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, fmt.Errorf("failed to get underlying db: %w", err)
			}
			sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
			return &PostgresStore{db: db, cfg: cfg}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &postgresMigrator{}})
}

type postgresMigrator struct{}

func (m *postgresMigrator) Name() string { return "postgres-schema" }

func (m *postgresMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "" && cfg.DatastoreType != "postgres" {
		return nil // skip if not using postgres
	}
	log.Info("Running migration", "name", m.Name())
	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if _, err := sqlDB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migration: failed to execute schema: %w", err)
	}
	log.Info("Postgres schema migration complete")
	return nil
}

// PostgresStore implements MemoryStore using GORM + PostgreSQL.
type PostgresStore struct {
	db  *gorm.DB
	cfg *config.Config
}

func (s *PostgresStore) CreateMemory(ctx context.Context, m *model.Memory) error {
	err := s.db.WithContext(ctx).Create(m).Error
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &registrystore.ConflictError{Message: fmt.Sprintf("memory %s already exists", m.ID)}
	}
	return err
}

func (s *PostgresStore) GetMemory(ctx context.Context, id uuid.UUID) (*model.Memory, error) {
	var m model.Memory
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &registrystore.NotFoundError{Resource: "memory", ID: id.String()}
		}
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) GetMemoriesByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var memories []model.Memory
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&memories).Error; err != nil {
		return nil, err
	}
	return memories, nil
}

func (s *PostgresStore) ListHeadMemories(ctx context.Context, ownerID, containerTag string, limit int) ([]model.Memory, error) {
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

func (s *PostgresStore) SetMemoryStatus(ctx context.Context, id uuid.UUID, status model.ProcessingStatus) error {
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

func (s *PostgresStore) SupersedeMemory(ctx context.Context, oldID, newID uuid.UUID) error {
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

func (s *PostgresStore) SaveEnrichment(ctx context.Context, m *model.Memory) error {
	return s.db.WithContext(ctx).Model(&model.Memory{}).
		Where("id = ?", m.ID).
		Updates(map[string]any{
			"entities":   m.Entities,
			"event_at":   m.EventAt,
			"importance": m.Importance,
			"updated_at": time.Now(),
		}).Error
}

func (s *PostgresStore) MemoryHistory(ctx context.Context, id uuid.UUID) ([]model.Memory, error) {
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

// toPrefixTsQuery converts free text into a to_tsquery expression with prefix
// matching on the final term.
func toPrefixTsQuery(query string) string {
	var terms []string
	for _, word := range strings.Fields(query) {
		var b strings.Builder
		for _, r := range word {
			switch r {
			case '&', '|', '!', '(', ')', ':', '\'', '\\', '*':
				// skip tsquery special characters
			default:
				b.WriteRune(r)
			}
		}
		if b.Len() > 0 {
			terms = append(terms, b.String())
		}
	}
	if len(terms) == 0 {
		return ""
	}
	terms[len(terms)-1] += ":*"
	return strings.Join(terms, " & ")
}

func (s *PostgresStore) SearchKeyword(ctx context.Context, ownerID, containerTag, query string, limit int) ([]registrystore.KeywordHit, error) {
	prefixQuery := toPrefixTsQuery(query)
	if prefixQuery == "" {
		return nil, nil
	}
	sql := `
		SELECT m.*, ts_rank(m.content_tsv, to_tsquery('english', ?)) AS score
		FROM memories m
		WHERE m.owner_id = ? AND m.container_tag = ? AND m.superseded_at IS NULL
		  AND m.content_tsv @@ to_tsquery('english', ?)
		ORDER BY score DESC
		LIMIT ?
	`
	type searchRow struct {
		model.Memory
		Score float64 `gorm:"column:score"`
	}
	var rows []searchRow
	if err := s.db.WithContext(ctx).Raw(sql, prefixQuery, ownerID, containerTag, prefixQuery, limit).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("full-text search failed: %w", err)
	}
	hits := make([]registrystore.KeywordHit, len(rows))
	for i, r := range rows {
		hits[i] = registrystore.KeywordHit{Memory: r.Memory, Score: r.Score}
	}
	return hits, nil
}

func (s *PostgresStore) SaveChunks(ctx context.Context, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&chunks).Error
}

func (s *PostgresStore) GetChunksByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var chunks []model.Chunk
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Order("memory_id, seq").Find(&chunks).Error; err != nil {
		return nil, err
	}
	return chunks, nil
}

func (s *PostgresStore) DeleteChunksByMemoryID(ctx context.Context, memoryID uuid.UUID) error {
	return s.db.WithContext(ctx).Where("memory_id = ?", memoryID).Delete(&model.Chunk{}).Error
}

func (s *PostgresStore) SaveFacts(ctx context.Context, memoryID uuid.UUID, facts []model.Fact) error {
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

func (s *PostgresStore) ListFacts(ctx context.Context, ownerID, containerTag string) ([]model.Fact, error) {
	var facts []model.Fact
	if err := s.db.WithContext(ctx).
		Where("owner_id = ? AND container_tag = ?", ownerID, containerTag).
		Order("created_at DESC").
		Find(&facts).Error; err != nil {
		return nil, err
	}
	return facts, nil
}

func (s *PostgresStore) SaveCommitments(ctx context.Context, memoryID uuid.UUID, commitments []model.Commitment) error {
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

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.ProcessingJob) error {
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*model.ProcessingJob, error) {
	var job model.ProcessingJob
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &registrystore.NotFoundError{Resource: "job", ID: id.String()}
		}
		return nil, err
	}
	return &job, nil
}

func (s *PostgresStore) GetJobByMemoryID(ctx context.Context, memoryID uuid.UUID) (*model.ProcessingJob, error) {
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

func (s *PostgresStore) ListJobs(ctx context.Context, ownerID string, status *model.JobStatus, limit int) ([]model.ProcessingJob, error) {
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

func (s *PostgresStore) UpdateJob(ctx context.Context, job *model.ProcessingJob) error {
	job.UpdatedAt = time.Now()
	return s.db.WithContext(ctx).Save(job).Error
}

func (s *PostgresStore) JobStats(ctx context.Context) (*registrystore.JobStats, error) {
	stats := &registrystore.JobStats{
		ByStatus: map[model.JobStatus]int64{},
		ByStage:  map[model.Stage]int64{},
	}
	type statusRow struct {
		Status model.JobStatus
		Count  int64
	}
	var statusRows []statusRow
	if err := s.db.WithContext(ctx).Model(&model.ProcessingJob{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&statusRows).Error; err != nil {
		return nil, err
	}
	for _, r := range statusRows {
		stats.ByStatus[r.Status] = r.Count
	}
	type stageRow struct {
		Stage model.Stage
		Count int64
	}
	var stageRows []stageRow
	if err := s.db.WithContext(ctx).Model(&model.ProcessingJob{}).
		Select("stage, COUNT(*) as count").
		Group("stage").
		Scan(&stageRows).Error; err != nil {
		return nil, err
	}
	for _, r := range stageRows {
		stats.ByStage[r.Stage] = r.Count
	}
	return stats, nil
}
