// SPDX-License-Identifier: MIT

package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"github.com/hivemesh/hive/internal/metrics"
)

// ErrQueueClosed is returned once a queue has been completed and drained.
var ErrQueueClosed = errors.New("queue closed")

type readyItem struct {
	task *Task
	seq  uint64
}

type readyHeap []readyItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	if !a.task.EnqueuedAt.Equal(b.task.EnqueuedAt) {
		return a.task.EnqueuedAt.Before(b.task.EnqueuedAt)
	}
	return a.seq < b.seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(readyItem)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = readyItem{}
	*h = old[:n-1]
	return item
}

// ReadyQueue is the bounded priority intake buffer. Ordering is (priority
// desc, enqueue time asc, sequence asc); the sequence keeps FIFO within a
// priority when enqueue times collide.
type ReadyQueue struct {
	mu       sync.Mutex
	items    readyHeap
	capacity int
	seq      uint64
	closed   bool
	changed  chan struct{} // closed and replaced on every mutation
}

func NewReadyQueue(capacity int) *ReadyQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &ReadyQueue{
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

func (q *ReadyQueue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Enqueue adds a task, blocking while the queue is full. Returns
// ErrQueueClosed after Complete, or the context error on cancellation.
func (q *ReadyQueue) Enqueue(ctx context.Context, task *Task) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if len(q.items) < q.capacity {
			q.seq++
			heap.Push(&q.items, readyItem{task: task, seq: q.seq})
			metrics.SetQueueGlobalLength(len(q.items))
			q.broadcast()
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Dequeue removes the highest-priority task, blocking while the queue is
// empty. After Complete it drains remaining tasks, then returns
// ErrQueueClosed.
func (q *ReadyQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := heap.Pop(&q.items).(readyItem)
			metrics.SetQueueGlobalLength(len(q.items))
			q.broadcast()
			q.mu.Unlock()
			return item.task, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Complete closes the queue for new tasks and wakes all waiters so they can
// drain and exit.
func (q *ReadyQueue) Complete() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}

// Len reports the current queue depth.
func (q *ReadyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
