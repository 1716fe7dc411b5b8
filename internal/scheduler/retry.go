// SPDX-License-Identifier: MIT

package scheduler

import (
	"container/heap"
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/hivemesh/hive/internal/log"
	"github.com/hivemesh/hive/internal/metrics"
	"github.com/hivemesh/hive/internal/params"
	"github.com/hivemesh/hive/internal/proto"
	"github.com/hivemesh/hive/internal/queue"
	"github.com/hivemesh/hive/internal/sink"
)

type retryItem struct {
	task *queue.Task
	due  time.Time
}

type retryHeap []retryItem

func (h retryHeap) Len() int           { return len(h) }
func (h retryHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h retryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *retryHeap) Push(x any)        { *h = append(*h, x.(retryItem)) }
func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = retryItem{}
	*h = old[:n-1]
	return item
}

// retryQueue is the time-ordered holding pen for persona-missing retries.
// One scheduler fiber pops due items and returns them to the ready queue.
type retryQueue struct {
	mu    sync.Mutex
	items retryHeap
	wake  chan struct{}
}

func newRetryQueue() *retryQueue {
	return &retryQueue{wake: make(chan struct{}, 1)}
}

func (r *retryQueue) add(task *queue.Task, due time.Time) {
	r.mu.Lock()
	heap.Push(&r.items, retryItem{task: task, due: due})
	r.mu.Unlock()
	r.wakeUp()
}

func (r *retryQueue) wakeUp() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// nextDue returns the earliest due time, or false when empty.
func (r *retryQueue) nextDue() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == 0 {
		return time.Time{}, false
	}
	return r.items[0].due, true
}

// popDue removes and returns every task whose due time has arrived.
func (r *retryQueue) popDue(now time.Time) []*queue.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*queue.Task
	for len(r.items) > 0 && !r.items[0].due.After(now) {
		item := heap.Pop(&r.items).(retryItem)
		out = append(out, item.task)
	}
	return out
}

// personaBackoff computes the delay before the attempt-th retry:
// base doubling per attempt, clamped to [base, maxBackoff], then jittered by
// a factor in [0.75, 1.25).
func personaBackoff(cfg backoffConfig, attempt int) time.Duration {
	base := cfg.base
	if base < time.Second {
		base = time.Second
	}
	maxDelay := cfg.max
	if maxDelay < base {
		maxDelay = base
	}

	exp := float64(base) * math.Pow(2, float64(attempt-1))
	delay := time.Duration(exp)
	if delay < base {
		delay = base
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(delay) * jitter)
}

type backoffConfig struct {
	base time.Duration
	max  time.Duration
}

// handlePersonaMissing applies the retry-or-dead-letter policy after a
// persona lookup came back empty.
func (s *Scheduler) handlePersonaMissing(ctx context.Context, task *queue.Task) {
	logger := log.WithComponent("scheduler")
	task.PersonaRetryCount++

	if task.PersonaRetryCount > s.cfg.PersonaMaxRetries {
		metrics.IncPersonaMissingFailed()
		metrics.IncTaskRejected("missing_persona")
		dl := sink.DeadLetter{
			CommandID:  task.CommandID,
			Reason:     "missing_persona",
			PersonaID:  task.PersonaID,
			RetryCount: task.PersonaRetryCount,
			FailedAt:   s.clock().UTC(),
			Metadata: params.Map{
				"taskType":   params.String(task.Type),
				"enqueuedAt": params.String(task.EnqueuedAt.UTC().Format(time.RFC3339)),
			},
		}
		if s.deps.DeadLetters != nil {
			if err := s.deps.DeadLetters.Publish(ctx, dl); err != nil {
				logger.Error().Err(err).Str(log.FieldCommandID, task.CommandID).Msg("dead-letter publish failed")
			}
		}
		if s.deps.Notifier != nil {
			s.deps.Notifier.Notify(ctx, proto.OperatorNotice{
				CommandID:      task.CommandID,
				Type:           task.Type,
				Reason:         "missing_persona",
				RequestedAtUTC: s.clock().UTC(),
				Metadata: params.Map{
					"personaId": params.String(task.PersonaID),
					"attempts":  params.Number(float64(task.PersonaRetryCount)),
				},
			})
		}
		logger.Error().
			Str(log.FieldCommandID, task.CommandID).
			Str(log.FieldPersonaID, task.PersonaID).
			Int(log.FieldAttempt, task.PersonaRetryCount).
			Str(log.FieldEvent, "scheduler.persona_exhausted").
			Msg("persona retries exhausted, dead-lettered")
		return
	}

	delay := personaBackoff(backoffConfig{
		base: s.cfg.PersonaBaseDelay,
		max:  s.cfg.PersonaMaxBackoff,
	}, task.PersonaRetryCount)

	metrics.IncPersonaMissingRetry()
	s.retries.add(task, s.clock().Add(delay))
	logger.Warn().
		Str(log.FieldCommandID, task.CommandID).
		Str(log.FieldPersonaID, task.PersonaID).
		Int(log.FieldAttempt, task.PersonaRetryCount).
		Dur("delay", delay).
		Str(log.FieldEvent, "scheduler.persona_retry").
		Msg("persona missing, retry scheduled")
}

// retryLoop is the single fiber that moves due persona retries back onto the
// ready queue.
func (s *Scheduler) retryLoop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		due, ok := s.retries.nextDue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.retries.wake:
				continue
			}
		}

		wait := due.Sub(s.clock())
		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.retries.wake:
			continue
		case <-timer.C:
		}

		for _, task := range s.retries.popDue(s.clock()) {
			task.EnqueuedAt = s.clock()
			if err := s.ready.Enqueue(ctx, task); err != nil {
				return
			}
			metrics.IncPersonaMissingRequeued()
		}
	}
}
