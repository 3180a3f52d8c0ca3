package task

import (
	"fmt"
	"log/slog"
	"sync"
)

// TaskQueue is a bounded FIFO of work items. Enqueue never blocks.
type TaskQueue struct {
	mu     sync.RWMutex
	items  chan *workItem
	logger *slog.Logger
	closed bool
}

// NewTaskQueue creates a new task queue with the specified buffer size
func NewTaskQueue(size int, logger *slog.Logger) *TaskQueue {
	if size <= 0 {
		size = 1
	}
	return &TaskQueue{
		items:  make(chan *workItem, size),
		logger: logger,
	}
}

// Enqueue adds an item to the queue for processing.
// Returns ErrQueueClosed or ErrQueueFull instead of blocking.
func (q *TaskQueue) Enqueue(item *workItem) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.items <- item:
		q.logger.Debug("task enqueued",
			"task_id", item.task.ID,
			"task_type", item.task.TaskType,
			"queue_len", len(q.items),
			"queue_cap", cap(q.items))
		return nil
	default:
		return fmt.Errorf("%w: queue capacity %d reached", ErrQueueFull, cap(q.items))
	}
}

// Close closes the queue. Items already queued remain readable.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.items)
		q.logger.Info("task queue closed")
	}
}

// Len returns the number of queued items.
func (q *TaskQueue) Len() int {
	return len(q.items)
}

// GetChannel returns a read-only channel for consuming items
func (q *TaskQueue) GetChannel() <-chan *workItem {
	return q.items
}
