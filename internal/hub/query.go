// SPDX-License-Identifier: MIT

package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivemesh/hive/internal/params"
	"github.com/hivemesh/hive/internal/proto"
)

// ErrQueryTimeout is returned when a drone never answers a round-trip.
var ErrQueryTimeout = errors.New("drone query timed out")

// responseTable correlates outbound round-trips with their inbound answers.
// Each id gets a one-shot channel; resolving an unknown id reports false.
type responseTable[T any] struct {
	mu      sync.Mutex
	pending map[string]chan T
}

func newResponseTable[T any]() *responseTable[T] {
	return &responseTable[T]{pending: make(map[string]chan T)}
}

func (t *responseTable[T]) register(id string) chan T {
	ch := make(chan T, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()
	return ch
}

func (t *responseTable[T]) forget(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *responseTable[T]) resolve(id string, v T) bool {
	t.mu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if ok {
		ch <- v
	}
	return ok
}

// execOutcome is the answer to a direct command execution.
type execOutcome struct {
	value params.Value
	err   error
}

// Query sends a side-effect-free question to a drone and waits for its
// answer.
func (h *Hub) Query(ctx context.Context, droneID, queryType string, p params.Map) (params.Value, error) {
	queryID := uuid.NewString()
	ch := h.queries.register(queryID)
	defer h.queries.forget(queryID)

	env, err := proto.NewEnvelope(proto.KindExecuteQuery, proto.QueryPayload{
		QueryID:    queryID,
		Type:       queryType,
		Parameters: p,
	})
	if err != nil {
		return params.Null(), err
	}
	if err := h.deps.Bus.Publish(ctx, proto.DroneGroup(droneID), env); err != nil {
		return params.Null(), fmt.Errorf("publish query %s: %w", queryType, err)
	}

	timer := time.NewTimer(h.cfg.QueryTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != "" {
			return params.Null(), fmt.Errorf("query %s: %s", queryType, resp.Error)
		}
		return resp.Result, nil
	case <-timer.C:
		return params.Null(), ErrQueryTimeout
	case <-ctx.Done():
		return params.Null(), ctx.Err()
	}
}

// Execute publishes a command to a drone and waits for its result or error
// report.
func (h *Hub) Execute(ctx context.Context, droneID string, cmd *proto.CommandPayload) (params.Value, error) {
	if cmd == nil || cmd.CommandID == "" {
		return params.Null(), errors.New("command needs an id")
	}
	ch := h.execs.register(cmd.CommandID)
	defer h.execs.forget(cmd.CommandID)

	env, err := proto.NewEnvelope(proto.KindExecuteCommand, cmd)
	if err != nil {
		return params.Null(), err
	}
	if err := h.deps.Bus.Publish(ctx, proto.DroneGroup(droneID), env); err != nil {
		return params.Null(), fmt.Errorf("publish command %s: %w", cmd.Type, err)
	}

	timer := time.NewTimer(h.cfg.ExecTimeout)
	defer timer.Stop()
	select {
	case out := <-ch:
		return out.value, out.err
	case <-timer.C:
		return params.Null(), ErrQueryTimeout
	case <-ctx.Done():
		return params.Null(), ctx.Err()
	}
}
