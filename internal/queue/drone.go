// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/hivemesh/hive/internal/metrics"
)

// ErrQueueFull is returned by TryEnqueue when the drone queue is at capacity.
var ErrQueueFull = errors.New("queue full")

// DroneQueue is one drone's bounded FIFO dispatch buffer.
type DroneQueue struct {
	droneID string
	ch      chan *Task
	done    chan struct{}
	once    sync.Once
}

func NewDroneQueue(droneID string, capacity int) *DroneQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &DroneQueue{
		droneID: droneID,
		ch:      make(chan *Task, capacity),
		done:    make(chan struct{}),
	}
}

// DroneID identifies the drone this queue feeds.
func (q *DroneQueue) DroneID() string { return q.droneID }

// Enqueue adds a task, blocking while the queue is full.
func (q *DroneQueue) Enqueue(ctx context.Context, task *Task) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- task:
		metrics.SetQueuePerDroneLength(q.droneID, len(q.ch))
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue adds a task without blocking.
func (q *DroneQueue) TryEnqueue(task *Task) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- task:
		metrics.SetQueuePerDroneLength(q.droneID, len(q.ch))
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue removes the next task in FIFO order, blocking while the queue is
// empty. Remaining tasks are drained after Close before ErrQueueClosed is
// returned.
func (q *DroneQueue) Dequeue(ctx context.Context) (*Task, error) {
	select {
	case task := <-q.ch:
		metrics.SetQueuePerDroneLength(q.droneID, len(q.ch))
		return task, nil
	default:
	}
	select {
	case task := <-q.ch:
		metrics.SetQueuePerDroneLength(q.droneID, len(q.ch))
		return task, nil
	case <-q.done:
		// Drain anything that raced in before the close.
		select {
		case task := <-q.ch:
			metrics.SetQueuePerDroneLength(q.droneID, len(q.ch))
			return task, nil
		default:
			return nil, ErrQueueClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Drain returns all queued tasks without blocking. Intended for teardown,
// after Close, to route leftover work back to the ready queue.
func (q *DroneQueue) Drain() []*Task {
	var out []*Task
	for {
		select {
		case task := <-q.ch:
			out = append(out, task)
		default:
			metrics.SetQueuePerDroneLength(q.droneID, len(q.ch))
			return out
		}
	}
}

// Close stops the queue. Idempotent.
func (q *DroneQueue) Close() {
	q.once.Do(func() {
		close(q.done)
		metrics.DeleteQueuePerDroneLength(q.droneID)
	})
}

// Closed reports whether Close has been called.
func (q *DroneQueue) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Len reports the current queue depth.
func (q *DroneQueue) Len() int { return len(q.ch) }
