// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hivemesh/hive/internal/log"
	"github.com/hivemesh/hive/internal/metrics"
	"github.com/hivemesh/hive/internal/proto"
)

// subscriberBuffer bounds each subscription channel. A drone that stops
// draining stalls only its own publishes, and only until the publish context
// expires.
const subscriberBuffer = 64

const dropLogEvery = 100

var dropCount atomic.Uint64

// MemoryBus is the in-process Bus used by the single-node deployment and by
// tests. Not durable; delivery holds only while the publish context lives.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]chan proto.Envelope
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]chan proto.Envelope)}
}

func publishDropReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "context_done"
	}
}

func (b *MemoryBus) Publish(ctx context.Context, group string, env proto.Envelope) error {
	if ctx == nil {
		return fmt.Errorf("publish context is nil")
	}
	b.mu.RLock()
	chs := append([]chan proto.Envelope(nil), b.subs[group]...)
	b.mu.RUnlock()
	for _, ch := range chs {
		select {
		case ch <- env:
		case <-ctx.Done():
			reason := publishDropReason(ctx.Err())
			metrics.IncBusDropReason(group, reason)
			count := dropCount.Add(1)
			if count%dropLogEvery == 0 {
				logger := log.L()
				logger.Warn().
					Str(log.FieldGroup, group).
					Str(log.FieldReason, reason).
					Uint64("dropped", count).
					Msg("memory bus failed to publish due to context cancellation")
			}
			return fmt.Errorf("publish group %q: %w", group, ctx.Err())
		}
	}
	metrics.IncBusPublished(group)
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, group string) (Subscription, error) {
	ch := make(chan proto.Envelope, subscriberBuffer)

	b.mu.Lock()
	b.subs[group] = append(b.subs[group], ch)
	b.mu.Unlock()

	return &memSub{b: b, group: group, ch: ch}, nil
}

type memSub struct {
	b     *MemoryBus
	group string
	ch    chan proto.Envelope
	once  sync.Once
}

func (s *memSub) C() <-chan proto.Envelope {
	return s.ch
}

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()

		lst := s.b.subs[s.group]
		out := lst[:0]
		for _, c := range lst {
			if c != s.ch {
				out = append(out, c)
			}
		}
		if len(out) == 0 {
			delete(s.b.subs, s.group)
		} else {
			s.b.subs[s.group] = out
		}
		close(s.ch)
	})
	return nil
}

var _ Bus = (*MemoryBus)(nil)
