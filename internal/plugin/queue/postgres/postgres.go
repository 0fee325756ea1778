// Package postgres implements the job queue on PostgreSQL. Claiming uses
// FOR UPDATE SKIP LOCKED so multiple workers never double-claim a job, and
// retry_at acts as the visibility timeout for crashed consumers.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/KrishnaShettyDev/cortex/internal/config"
	"github.com/KrishnaShettyDev/cortex/internal/model"
	registrymigrate "github.com/KrishnaShettyDev/cortex/internal/registry/migrate"
	registryqueue "github.com/KrishnaShettyDev/cortex/internal/registry/queue"
)

//go:embed db/schema.sql
var schemaSQL string

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

const claimPollInterval = 250 * time.Millisecond

func init() {
	registryqueue.Register(registryqueue.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registryqueue.Queue, error) {
			cfg := config.FromContext(ctx)
			db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
			if err != nil {
				return nil, fmt.Errorf("failed to connect to postgres: %w", err)
			}
			return &PostgresQueue{
				db:         db,
				visibility: cfg.QueueVisibilityTimeout,
				maxRetries: cfg.QueueMaxRetries,
			}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 110, Migrator: &queueMigrator{}})
}

type queueMigrator struct{}

func (m *queueMigrator) Name() string { return "postgres-queue-schema" }

func (m *queueMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.QueueType != "" && cfg.QueueType != "postgres" {
		return nil
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
	return nil
}

type queueJob struct {
	ID        uuid.UUID `gorm:"primaryKey;type:uuid"`
	Message   []byte    `gorm:"type:jsonb;not null"`
	Attempt   int       `gorm:"not null;default:0"`
	LastError *string
	RetryAt   time.Time `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (queueJob) TableName() string { return "queue_jobs" }

// PostgresQueue implements Queue backed by the queue_jobs table.
type PostgresQueue struct {
	db         *gorm.DB
	visibility time.Duration
	maxRetries int
}

func (q *PostgresQueue) Enqueue(ctx context.Context, msg model.JobMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding job message: %w", err)
	}
	now := time.Now()
	return q.db.WithContext(ctx).Create(&queueJob{
		ID:        uuid.New(),
		Message:   body,
		RetryAt:   now,
		CreatedAt: now,
	}).Error
}

func (q *PostgresQueue) ConsumeBatch(ctx context.Context, maxSize int, maxWait time.Duration) ([]registryqueue.Delivery, error) {
	deadline := time.Now().Add(maxWait)
	for {
		deliveries, err := q.claim(ctx, maxSize)
		if err != nil {
			return nil, err
		}
		if len(deliveries) > 0 {
			return deliveries, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(claimPollInterval):
		}
	}
}

func (q *PostgresQueue) claim(ctx context.Context, limit int) ([]registryqueue.Delivery, error) {
	var jobs []queueJob
	err := q.db.WithContext(ctx).Raw(`
		WITH claimed AS (
			SELECT id
			FROM queue_jobs
			WHERE retry_at <= NOW()
			ORDER BY retry_at, created_at
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queue_jobs j
		SET retry_at = NOW() + (? * INTERVAL '1 second'),
		    attempt = j.attempt + 1
		FROM claimed
		WHERE j.id = claimed.id
		RETURNING j.*
	`, limit, q.visibility.Seconds()).Scan(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("claiming jobs: %w", err)
	}

	deliveries := make([]registryqueue.Delivery, 0, len(jobs))
	for _, j := range jobs {
		var msg model.JobMessage
		if err := json.Unmarshal(j.Message, &msg); err != nil {
			log.Error("Queue: dropping undecodable message", "jobId", j.ID, "err", err)
			q.toDeadLetter(ctx, j, fmt.Sprintf("undecodable message: %v", err))
			continue
		}
		msg.Attempt = j.Attempt
		deliveries = append(deliveries, registryqueue.Delivery{
			ID:      j.ID,
			Message: msg,
			Attempt: j.Attempt,
		})
	}
	return deliveries, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, id uuid.UUID) error {
	return q.db.WithContext(ctx).Where("id = ?", id).Delete(&queueJob{}).Error
}

func (q *PostgresQueue) Nack(ctx context.Context, id uuid.UUID, reason string) error {
	var job queueJob
	if err := q.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		return fmt.Errorf("loading nacked job: %w", err)
	}
	if job.Attempt >= q.maxRetries {
		q.toDeadLetter(ctx, job, reason)
		return nil
	}
	return q.db.WithContext(ctx).Model(&queueJob{}).
		Where("id = ?", id).
		Updates(map[string]any{"retry_at": time.Now(), "last_error": reason}).Error
}

func (q *PostgresQueue) toDeadLetter(ctx context.Context, job queueJob, reason string) {
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg model.JobMessage
		_ = json.Unmarshal(job.Message, &msg)
		msg.Attempt = job.Attempt
		if err := tx.Create(&model.DeadLetter{
			ID:        job.ID,
			Message:   msg,
			LastError: reason,
			FailedAt:  time.Now(),
		}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", job.ID).Delete(&queueJob{}).Error
	})
	if err != nil {
		log.Error("Queue: dead-letter routing failed", "jobId", job.ID, "err", err)
	}
}

func (q *PostgresQueue) DeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	var letters []model.DeadLetter
	query := q.db.WithContext(ctx).Order("failed_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&letters).Error; err != nil {
		return nil, err
	}
	return letters, nil
}

func (q *PostgresQueue) Depth(ctx context.Context) (int64, error) {
	var count int64
	if err := q.db.WithContext(ctx).Model(&queueJob{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
