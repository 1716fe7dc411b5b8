// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func task(id string, p Priority, at time.Time) *Task {
	return &Task{CommandID: id, Type: "navigate", PersonaID: "p1", Priority: p, EnqueuedAt: at}
}

func TestReadyQueuePriorityOrdering(t *testing.T) {
	q := NewReadyQueue(10)
	base := time.Now()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task("low", PriorityLow, base)))
	require.NoError(t, q.Enqueue(ctx, task("normal", PriorityNormal, base.Add(time.Millisecond))))
	require.NoError(t, q.Enqueue(ctx, task("high", PriorityHigh, base.Add(2*time.Millisecond))))

	var got []string
	for i := 0; i < 3; i++ {
		tk, err := q.Dequeue(ctx)
		require.NoError(t, err)
		got = append(got, tk.CommandID)
	}
	require.Equal(t, []string{"high", "normal", "low"}, got)
}

func TestReadyQueueFIFOWithinPriority(t *testing.T) {
	q := NewReadyQueue(10)
	at := time.Now()
	ctx := context.Background()

	// Identical enqueue times: the monotonic sequence must preserve order.
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, task(id, PriorityNormal, at)))
	}
	for _, want := range []string{"a", "b", "c"} {
		tk, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, want, tk.CommandID)
	}
}

func TestReadyQueueEnqueueBlocksAtCapacity(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := NewReadyQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, task("a", PriorityNormal, time.Now())))

	blocked := make(chan error, 1)
	go func() {
		blocked <- q.Enqueue(ctx, task("b", PriorityNormal, time.Now()))
	}()

	select {
	case err := <-blocked:
		t.Fatalf("enqueue should have blocked, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	_, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, <-blocked)
	require.Equal(t, 1, q.Len())
	q.Complete()
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
}

func TestReadyQueueEnqueueHonoursContext(t *testing.T) {
	q := NewReadyQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), task("a", PriorityNormal, time.Now())))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, task("b", PriorityNormal, time.Now()))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReadyQueueCompleteDrainsThenCloses(t *testing.T) {
	q := NewReadyQueue(10)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, task("a", PriorityNormal, time.Now())))
	q.Complete()

	tk, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", tk.CommandID)

	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, ErrQueueClosed)

	require.ErrorIs(t, q.Enqueue(ctx, task("b", PriorityNormal, time.Now())), ErrQueueClosed)
}

func TestReadyQueueCompleteWakesBlockedDequeuers(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := NewReadyQueue(10)

	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Complete()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked dequeuer was not woken by Complete")
	}
}
