// Package memory implements the job queue in process memory for tests and
// single-node development. It keeps the same at-least-once semantics as the
// postgres queue: claimed jobs become invisible for the visibility timeout
// and reappear if never acked.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KrishnaShettyDev/cortex/internal/config"
	"github.com/KrishnaShettyDev/cortex/internal/model"
	registryqueue "github.com/KrishnaShettyDev/cortex/internal/registry/queue"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	registryqueue.Register(registryqueue.Plugin{
		Name: "memory",
		Loader: func(ctx context.Context) (registryqueue.Queue, error) {
			cfg := config.FromContext(ctx)
			return New(cfg.QueueVisibilityTimeout, cfg.QueueMaxRetries), nil
		},
	})
}

type job struct {
	id        uuid.UUID
	msg       model.JobMessage
	attempt   int
	retryAt   time.Time
	lastError string
	createdAt time.Time
}

// MemoryQueue implements Queue with a mutex-guarded map.
type MemoryQueue struct {
	mu         sync.Mutex
	jobs       map[uuid.UUID]*job
	dead       []model.DeadLetter
	visibility time.Duration
	maxRetries int

	// now is replaceable in tests to drive visibility timeouts.
	now func() time.Time
}

func New(visibility time.Duration, maxRetries int) *MemoryQueue {
	return &MemoryQueue{
		jobs:       map[uuid.UUID]*job{},
		visibility: visibility,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, msg model.JobMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := uuid.New()
	now := q.now()
	q.jobs[id] = &job{id: id, msg: msg, retryAt: now, createdAt: now}
	return nil
}

func (q *MemoryQueue) ConsumeBatch(ctx context.Context, maxSize int, maxWait time.Duration) ([]registryqueue.Delivery, error) {
	deadline := time.Now().Add(maxWait)
	for {
		if deliveries := q.claim(maxSize); len(deliveries) > 0 {
			return deliveries, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (q *MemoryQueue) claim(maxSize int) []registryqueue.Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var ready []*job
	for _, j := range q.jobs {
		if !j.retryAt.After(now) {
			ready = append(ready, j)
		}
	}
	sort.Slice(ready, func(i, k int) bool {
		if !ready[i].retryAt.Equal(ready[k].retryAt) {
			return ready[i].retryAt.Before(ready[k].retryAt)
		}
		return ready[i].createdAt.Before(ready[k].createdAt)
	})
	if len(ready) > maxSize {
		ready = ready[:maxSize]
	}

	deliveries := make([]registryqueue.Delivery, len(ready))
	for i, j := range ready {
		j.attempt++
		j.retryAt = now.Add(q.visibility)
		msg := j.msg
		msg.Attempt = j.attempt
		deliveries[i] = registryqueue.Delivery{ID: j.id, Message: msg, Attempt: j.attempt}
	}
	return deliveries
}

func (q *MemoryQueue) Ack(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, id)
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, id uuid.UUID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil
	}
	if j.attempt >= q.maxRetries {
		delete(q.jobs, id)
		msg := j.msg
		msg.Attempt = j.attempt
		q.dead = append(q.dead, model.DeadLetter{
			ID:        j.id,
			Message:   msg,
			LastError: reason,
			FailedAt:  q.now(),
		})
		return nil
	}
	j.lastError = reason
	j.retryAt = q.now()
	return nil
}

func (q *MemoryQueue) DeadLetters(_ context.Context, limit int) ([]model.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	letters := make([]model.DeadLetter, len(q.dead))
	copy(letters, q.dead)
	sort.Slice(letters, func(i, j int) bool { return letters[i].FailedAt.After(letters[j].FailedAt) })
	if limit > 0 && len(letters) > limit {
		letters = letters[:limit]
	}
	return letters, nil
}

func (q *MemoryQueue) Depth(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.jobs)), nil
}
