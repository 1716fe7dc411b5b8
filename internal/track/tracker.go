// SPDX-License-Identifier: MIT

// Package track correlates dispatched commands with their acknowledgement and
// terminal signals, and guarantees that the pacing token and domain lease held
// by each in-flight command are released exactly once.
package track

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hivemesh/hive/internal/domainlimit"
	"github.com/hivemesh/hive/internal/log"
)

// ErrAlreadyTracked is returned when a commandId is registered twice.
var ErrAlreadyTracked = errors.New("command already tracked")

// Failure reasons the dispatcher's ack watchers act on: both requeue the task
// when the failure lands before the acknowledgement.
const (
	ReasonDroneDisconnected = "drone_disconnected"
	ReasonRetryable         = "retryable_error"
)

// AckState is the tri-state outcome of waiting for an acknowledgement.
type AckState int

const (
	AckAcknowledged AckState = iota
	AckFailed
	AckTimeout
)

// AckResult carries the acknowledgement outcome; Reason is set for AckFailed.
type AckResult struct {
	State  AckState
	Reason string
}

// PacingToken is the handle for one per-drone in-flight permit. Release is
// idempotent.
type PacingToken struct {
	once    sync.Once
	release func()
}

// NewPacingToken wraps a release closure, typically a semaphore release.
func NewPacingToken(release func()) *PacingToken {
	return &PacingToken{release: release}
}

// Release returns the permit. Only the first call has effect.
func (t *PacingToken) Release() {
	if t == nil {
		return
	}
	t.once.Do(t.release)
}

// ackCell is a one-shot future for the acknowledgement outcome.
type ackCell struct {
	once   sync.Once
	done   chan struct{}
	result AckResult
}

func newAckCell() *ackCell {
	return &ackCell{done: make(chan struct{})}
}

func (c *ackCell) resolve(r AckResult) {
	c.once.Do(func() {
		c.result = r
		close(c.done)
	})
}

type commandState struct {
	commandID string
	droneID   string
	token     *PacingToken
	lease     *domainlimit.Lease
	ack       *ackCell
	acked     bool
}

// completionTTL bounds how long a terminal result is retained for late
// waiters before the sweep discards it.
const completionTTL = 5 * time.Minute

type completionRecord struct {
	result AckResult
	at     time.Time
}

// Tracker owns the in-flight command table.
type Tracker struct {
	clock func() time.Time

	mu          sync.Mutex
	states      map[string]*commandState
	completions map[string]completionRecord // terminal results kept for late waiters
	lastSweep   time.Time
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.clock = now }
}

func New(opts ...Option) *Tracker {
	t := &Tracker{
		clock:       time.Now,
		states:      make(map[string]*commandState),
		completions: make(map[string]completionRecord),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RegisterDispatch records a dispatched command and takes ownership of its
// pacing token and (optional) domain lease. Any stale completion result for
// the same id is cleared.
func (t *Tracker) RegisterDispatch(commandID, droneID string, token *PacingToken, lease *domainlimit.Lease) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.states[commandID]; exists {
		return ErrAlreadyTracked
	}
	delete(t.completions, commandID)
	t.states[commandID] = &commandState{
		commandID: commandID,
		droneID:   droneID,
		token:     token,
		lease:     lease,
		ack:       newAckCell(),
	}
	return nil
}

// InFlight reports how many commands are currently tracked.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

// Completions reports how many terminal results are retained for late
// waiters.
func (t *Tracker) Completions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.completions)
}

// sweepCompletionsLocked drops completion records older than completionTTL.
// Runs at most once per quarter TTL. Callers hold t.mu.
func (t *Tracker) sweepCompletionsLocked(now time.Time) {
	if now.Sub(t.lastSweep) < completionTTL/4 {
		return
	}
	t.lastSweep = now
	cutoff := now.Add(-completionTTL)
	for id, rec := range t.completions {
		if rec.at.Before(cutoff) {
			delete(t.completions, id)
		}
	}
}

// Acked reports whether the command was acknowledged before any terminal
// signal. False for unknown commands.
func (t *Tracker) Acked(commandID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[commandID]; ok {
		return st.acked
	}
	return false
}

// WaitForAck blocks until the command is acknowledged, fails, or the timeout
// elapses. A timeout does not mutate state; the caller decides the follow-up.
// For unknown commands a posted completion is returned if one exists,
// otherwise the command is treated as already acknowledged (late caller).
func (t *Tracker) WaitForAck(ctx context.Context, commandID string, timeout time.Duration) AckResult {
	t.mu.Lock()
	st, ok := t.states[commandID]
	if !ok {
		if rec, posted := t.completions[commandID]; posted {
			// Each dispatch has a single ack watcher; it consumes the record.
			delete(t.completions, commandID)
			t.mu.Unlock()
			return rec.result
		}
		t.mu.Unlock()
		return AckResult{State: AckAcknowledged}
	}
	cell := st.ack
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-cell.done:
		return cell.result
	case <-timer.C:
		return AckResult{State: AckTimeout}
	case <-ctx.Done():
		return AckResult{State: AckTimeout}
	}
}

// MarkAcknowledged resolves the ack future for a dispatched command.
func (t *Tracker) MarkAcknowledged(commandID, droneID string) {
	t.mu.Lock()
	st, ok := t.states[commandID]
	if ok {
		if st.droneID != droneID {
			logger := log.WithComponent("track")
			logger.Warn().
				Str(log.FieldCommandID, commandID).
				Str("expected_drone", st.droneID).
				Str("acking_drone", droneID).
				Msg("acknowledgement from unexpected drone")
		}
		st.acked = true
	}
	t.mu.Unlock()
	if ok {
		st.ack.resolve(AckResult{State: AckAcknowledged})
	}
}

// Complete removes the command and releases its resources. The ack future is
// resolved as acknowledged so in-progress waiters unblock.
func (t *Tracker) Complete(commandID, droneID string) {
	t.finish(commandID, droneID, AckResult{State: AckAcknowledged})
}

// Fail removes the command, resolves the ack future with the failure reason
// and releases its resources.
func (t *Tracker) Fail(commandID, droneID, reason string) {
	t.finish(commandID, droneID, AckResult{State: AckFailed, Reason: reason})
}

func (t *Tracker) finish(commandID, droneID string, result AckResult) {
	t.mu.Lock()
	st, ok := t.states[commandID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.states, commandID)
	now := t.clock()
	t.completions[commandID] = completionRecord{result: result, at: now}
	t.sweepCompletionsLocked(now)
	t.mu.Unlock()

	if st.droneID != droneID {
		logger := log.WithComponent("track")
		logger.Warn().
			Str(log.FieldCommandID, commandID).
			Str("expected_drone", st.droneID).
			Str(log.FieldDroneID, droneID).
			Msg("terminal signal from unexpected drone")
	}

	st.ack.resolve(result)

	// Lease before token: the domain credit frees first so another drone can
	// take the domain while this drone's permit returns.
	st.lease.Release()
	st.token.Release()
}

// FailAll fails every in-flight command owned by droneID with the given
// reason. Returns the ids of the failed commands that had not yet been
// acknowledged, so callers can requeue only pre-ack work.
func (t *Tracker) FailAll(droneID, reason string) (preAck []string) {
	t.mu.Lock()
	now := t.clock()
	var doomed []*commandState
	for id, st := range t.states {
		if st.droneID != droneID {
			continue
		}
		delete(t.states, id)
		t.completions[id] = completionRecord{result: AckResult{State: AckFailed, Reason: reason}, at: now}
		doomed = append(doomed, st)
		if !st.acked {
			preAck = append(preAck, id)
		}
	}
	t.sweepCompletionsLocked(now)
	t.mu.Unlock()

	for _, st := range doomed {
		st.ack.resolve(AckResult{State: AckFailed, Reason: reason})
		st.lease.Release()
		st.token.Release()
	}
	return preAck
}
