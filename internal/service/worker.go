// Package service holds the background services that run alongside the HTTP
// listener: the pipeline worker pool and the cached embedding adapter.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/KrishnaShettyDev/cortex/internal/config"
	"github.com/KrishnaShettyDev/cortex/internal/observability"
	"github.com/KrishnaShettyDev/cortex/internal/pipeline"
	registryqueue "github.com/KrishnaShettyDev/cortex/internal/registry/queue"
)

// WorkerPool consumes job batches from the queue and runs each delivery
// through the pipeline executor. Deliveries that process cleanly are acked;
// failures are nacked and the queue decides between redelivery and the
// dead-letter destination.
type WorkerPool struct {
	queue    registryqueue.Queue
	exec     *pipeline.Executor
	workers  int
	batch    int
	maxWait  time.Duration
	maxRetry int
}

func NewWorkerPool(q registryqueue.Queue, exec *pipeline.Executor, cfg *config.Config) *WorkerPool {
	return &WorkerPool{
		queue:    q,
		exec:     exec,
		workers:  cfg.WorkerCount,
		batch:    cfg.QueueBatchSize,
		maxWait:  cfg.QueueBatchMaxWait,
		maxRetry: cfg.QueueMaxRetries,
	}
}

// Start runs the worker goroutines until ctx is cancelled, then waits for
// in-flight batches to finish.
func (p *WorkerPool) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.run(ctx, n)
		}(i)
	}
	go p.reportDepth(ctx)
	wg.Wait()
}

func (p *WorkerPool) run(ctx context.Context, n int) {
	log.Info("Worker started", "worker", n)
	for {
		select {
		case <-ctx.Done():
			log.Info("Worker stopped", "worker", n)
			return
		default:
		}

		deliveries, err := p.queue.ConsumeBatch(ctx, p.batch, p.maxWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("Worker: consume failed", "worker", n, "err", err)
			time.Sleep(time.Second)
			continue
		}
		for _, d := range deliveries {
			p.handle(ctx, d)
		}
	}
}

func (p *WorkerPool) handle(ctx context.Context, d registryqueue.Delivery) {
	err := p.exec.Process(ctx, d.Message)
	if err == nil {
		if aErr := p.queue.Ack(ctx, d.ID); aErr != nil {
			log.Error("Worker: ack failed", "deliveryId", d.ID, "err", aErr)
		}
		return
	}

	// Last permitted attempt failed. Record the terminal state before nacking
	// so the job status endpoint reflects it as soon as the delivery is
	// routed to the dead-letter destination.
	if d.Attempt >= p.maxRetry {
		p.exec.MarkTerminal(ctx, d.Message.MemoryID, err)
		if observability.JobsProcessedTotal != nil {
			observability.JobsProcessedTotal.WithLabelValues("dead_letter").Inc()
		}
	} else if observability.JobsProcessedTotal != nil {
		observability.JobsProcessedTotal.WithLabelValues("retried").Inc()
	}

	if nErr := p.queue.Nack(ctx, d.ID, err.Error()); nErr != nil {
		log.Error("Worker: nack failed", "deliveryId", d.ID, "err", nErr)
	}
}

// reportDepth samples the queue backlog for the depth gauge.
func (p *WorkerPool) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := p.queue.Depth(ctx)
			if err != nil {
				continue
			}
			if observability.QueueDepth != nil {
				observability.QueueDepth.Set(float64(depth))
			}
		}
	}
}
