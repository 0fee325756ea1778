package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/KrishnaShettyDev/cortex/internal/model"
	"github.com/google/uuid"
)

// Delivery is one in-flight job handed to a consumer. The consumer must Ack
// or Nack it before the visibility timeout elapses, otherwise the job becomes
// eligible for redelivery.
type Delivery struct {
	ID      uuid.UUID
	Message model.JobMessage
	Attempt int
}

// Queue provides at-least-once job delivery with batched consumption,
// automatic retry, and dead-letter routing after exhausted retries.
type Queue interface {
	// Enqueue accepts a job and guarantees eventual at-least-once delivery.
	Enqueue(ctx context.Context, msg model.JobMessage) error
	// ConsumeBatch blocks until maxSize jobs are available or maxWait elapses.
	// It may return an empty batch after a timeout with no backlog.
	ConsumeBatch(ctx context.Context, maxSize int, maxWait time.Duration) ([]Delivery, error)
	// Ack removes a delivered job permanently.
	Ack(ctx context.Context, id uuid.UUID) error
	// Nack records a failed attempt. The job is redelivered after the
	// visibility timeout, or routed to the dead-letter destination once the
	// configured retry limit is exhausted.
	Nack(ctx context.Context, id uuid.UUID, reason string) error
	// DeadLetters lists jobs that exhausted their retries.
	DeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error)
	// Depth returns the number of jobs awaiting delivery.
	Depth(ctx context.Context) (int64, error)
}

// Loader creates a queue from config.
type Loader func(ctx context.Context) (Queue, error)

// Plugin represents a queue plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a queue plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered queue plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named queue plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown queue %q; valid: %v", name, Names())
}
