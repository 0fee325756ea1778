// Package pgvector implements the vector index inside PostgreSQL using the
// pgvector extension, so deployments already on postgres need no extra
// service for semantic search.
package pgvector

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/KrishnaShettyDev/cortex/internal/config"
	registrymigrate "github.com/KrishnaShettyDev/cortex/internal/registry/migrate"
	registryvector "github.com/KrishnaShettyDev/cortex/internal/registry/vector"
)

//go:embed db/pgvector-schema.sql
var pgvectorSchemaSQL string

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

type pgvectorMigrator struct{}

func (m *pgvectorMigrator) Name() string { return "pgvector" }

func (m *pgvectorMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.VectorMigrateAtStart || cfg.VectorType != "pgvector" || cfg.DBURL == "" || (cfg.DatastoreType != "" && cfg.DatastoreType != "postgres") {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := openGormDB(cfg.DBURL)
	if err != nil {
		return fmt.Errorf("pgvector migrate: %w", err)
	}
	return db.WithContext(ctx).Exec(pgvectorSchemaSQL).Error
}

func init() {
	registryvector.Register(registryvector.Plugin{
		Name:   "pgvector",
		Loader: load,
	})
	registrymigrate.Register(registrymigrate.Plugin{Order: 200, Migrator: &pgvectorMigrator{}})
}

func load(ctx context.Context) (registryvector.VectorIndex, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("pgvector: missing config in context")
	}
	db, err := openGormDB(cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector: %w", err)
	}
	return &PgvectorIndex{db: db}, nil
}

func openGormDB(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Discard,
	})
}

// PgvectorIndex implements VectorIndex using the pgvector extension.
type PgvectorIndex struct {
	db *gorm.DB
}

func (s *PgvectorIndex) IsEnabled() bool { return true }
func (s *PgvectorIndex) Name() string    { return "pgvector" }

func (s *PgvectorIndex) Search(ctx context.Context, embedding []float32, ownerID, containerTag string, limit int) ([]registryvector.SearchHit, error) {
	vec := pgvec.NewVector(embedding)
	rows, err := s.db.WithContext(ctx).Raw(`
		SELECT chunk_id, memory_id,
		       1 - (embedding <=> ?::vector) AS score
		FROM chunk_embeddings
		WHERE owner_id = ? AND container_tag = ?
		ORDER BY embedding <=> ?::vector
		LIMIT ?`,
		vec, ownerID, containerTag, vec, limit,
	).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []registryvector.SearchHit
	for rows.Next() {
		var h registryvector.SearchHit
		if err := rows.Scan(&h.ChunkID, &h.MemoryID, &h.Score); err != nil {
			log.Error("pgvector scan error", "err", err)
			continue
		}
		hits = append(hits, h)
	}
	return hits, nil
}

func (s *PgvectorIndex) Upsert(ctx context.Context, items []registryvector.UpsertItem) error {
	for _, item := range items {
		vec := pgvec.NewVector(item.Embedding)
		if err := s.db.WithContext(ctx).Exec(`
			INSERT INTO chunk_embeddings (chunk_id, memory_id, owner_id, container_tag, embedding, model)
			VALUES (?, ?, ?, ?, ?::vector, ?)
			ON CONFLICT (chunk_id)
			DO UPDATE SET embedding = EXCLUDED.embedding, model = EXCLUDED.model`,
			item.ChunkID, item.MemoryID, item.OwnerID, item.ContainerTag, vec, item.ModelName,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *PgvectorIndex) DeleteByMemoryID(ctx context.Context, memoryID uuid.UUID) error {
	return s.db.WithContext(ctx).Exec(
		"DELETE FROM chunk_embeddings WHERE memory_id = ?",
		memoryID,
	).Error
}

var _ registryvector.VectorIndex = (*PgvectorIndex)(nil)
