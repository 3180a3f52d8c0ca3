package task

import (
	"context"
	"log/slog"
	"sync"
)

// WorkerPool runs a fixed number of goroutines that drain a TaskQueue.
type WorkerPool struct {
	queue       *TaskQueue
	workerCount int
	handler     func(ctx context.Context, item *workItem)
	wg          sync.WaitGroup
	logger      *slog.Logger
}

// NewWorkerPool creates a pool that calls handler for every queued item.
func NewWorkerPool(queue *TaskQueue, workerCount int, handler func(context.Context, *workItem), logger *slog.Logger) *WorkerPool {
	if workerCount <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", workerCount,
			"default_count", 1)
		workerCount = 1
	}

	return &WorkerPool{
		queue:       queue,
		workerCount: workerCount,
		handler:     handler,
		logger:      logger,
	}
}

// Start launches the workers. They stop once the queue is closed and drained.
func (p *WorkerPool) Start(ctx context.Context) {
	p.logger.Info("starting worker pool", "worker_count", p.workerCount)
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Wait blocks until every worker has returned.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.Debug("starting worker", "worker_id", id)
	for item := range p.queue.GetChannel() {
		p.handler(ctx, item)
	}
	p.logger.Debug("task channel closed, stopping worker", "worker_id", id)
}
