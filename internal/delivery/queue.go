package delivery

import (
	"sync"
	"time"

	"github.com/masa-finance/ledger-relay/api/types"
)

// TaskQueue is a bounded FIFO of delivery tasks.
//
// Enqueue never blocks: a full queue rejects the task. Dequeue waits up to a
// timeout and can be interrupted by a stop channel, so workers notice a
// shutdown without waiting for the next task.
type TaskQueue struct {
	tasks  chan *types.DeliveryTask
	mu     sync.RWMutex
	closed bool
}

// NewTaskQueue creates a queue holding at most capacity tasks.
func NewTaskQueue(capacity int) *TaskQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &TaskQueue{tasks: make(chan *types.DeliveryTask, capacity)}
}

// Enqueue adds a task without blocking.
// Returns ErrQueueFull at capacity and ErrQueueClosed after Close.
func (q *TaskQueue) Enqueue(task *types.DeliveryTask) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue waits for the next task. It returns ErrStopped once stop is closed,
// ErrQueueEmpty when timeout elapses first and ErrQueueClosed when the queue
// was closed and drained.
func (q *TaskQueue) Dequeue(stop <-chan struct{}, timeout time.Duration) (*types.DeliveryTask, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-stop:
		return nil, ErrStopped
	case task, ok := <-q.tasks:
		if !ok {
			return nil, ErrQueueClosed
		}
		return task, nil
	case <-timer.C:
		return nil, ErrQueueEmpty
	}
}

// Drain removes every queued task and returns how many were removed.
func (q *TaskQueue) Drain() int {
	n := 0
	for {
		select {
		case _, ok := <-q.tasks:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// Close stops the queue from accepting tasks. Queued tasks can still be
// dequeued. Close is idempotent.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
}

// Closed reports whether Close has been called.
func (q *TaskQueue) Closed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int {
	return len(q.tasks)
}

// Cap returns the capacity of the queue.
func (q *TaskQueue) Cap() int {
	return cap(q.tasks)
}
