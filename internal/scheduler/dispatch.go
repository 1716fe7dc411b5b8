// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/hivemesh/hive/internal/domainlimit"
	"github.com/hivemesh/hive/internal/intervention"
	"github.com/hivemesh/hive/internal/log"
	"github.com/hivemesh/hive/internal/metrics"
	"github.com/hivemesh/hive/internal/persona"
	"github.com/hivemesh/hive/internal/proto"
	"github.com/hivemesh/hive/internal/queue"
	"github.com/hivemesh/hive/internal/registry"
	"github.com/hivemesh/hive/internal/telemetry"
	"github.com/hivemesh/hive/internal/track"
)

// dispatch runs the admission gate and publish for one task on one drone.
// Soft denials re-enqueue; only a successful publish hands the pacing token
// and lease to the tracker.
func (s *Scheduler) dispatch(ctx context.Context, droneID string, rt *droneRuntime, task *queue.Task) {
	logger := log.WithComponent("scheduler")
	started := s.clock()

	ctx, span := telemetry.StartDispatchSpan(ctx, task.CommandID, droneID, task.Domain)
	defer span.End()

	// Step 1: pacing token, non-blocking. The drone is at its in-flight cap;
	// wait one loop delay off-queue, then retry.
	if !rt.pacing.TryAcquire(1) {
		s.requeueDrone(ctx, rt, task, s.cfg.DispatchLoopDelay)
		return
	}
	token := track.NewPacingToken(func() { rt.pacing.Release(1) })

	// Step 2: fresh drone state.
	info, ok := s.deps.Registry.Snapshot(droneID)
	if !ok {
		token.Release()
		s.teardownDrone(droneID, rt)
		s.requeueReady(task)
		return
	}
	if info.Status != registry.StatusIdle {
		token.Release()
		s.requeueReady(task)
		return
	}

	// Step 3: domain lease.
	domainLease, deny := s.acquireLease(droneID, task)
	if deny != domainlimit.DenyNone {
		token.Release()
		logger.Debug().
			Str(log.FieldCommandID, task.CommandID).
			Str(log.FieldDroneID, droneID).
			Str(log.FieldDomain, task.Domain).
			Str(log.FieldReason, string(deny)).
			Msg("domain lease denied")
		s.requeueDrone(ctx, rt, task, domainDeniedDelay)
		return
	}

	release := func() {
		domainLease.Release()
		token.Release()
	}

	// Step 4: persona.
	p, err := s.loadPersona(ctx, task.PersonaID)
	if err != nil {
		release()
		if errors.Is(err, persona.ErrNotFound) {
			s.handlePersonaMissing(ctx, task)
			return
		}
		if ctx.Err() != nil {
			return
		}
		logger.Warn().
			Err(err).
			Str(log.FieldCommandID, task.CommandID).
			Str(log.FieldPersonaID, task.PersonaID).
			Msg("persona load failed")
		s.requeueDrone(ctx, rt, task, s.cfg.DispatchLoopDelay)
		return
	}

	// Step 5: intervention gate. Persona rules can demand a human session for
	// the target URL in place of an automatic dispatch.
	if s.deps.Interventions != nil && intervention.CheckForIntervention(interventionTarget(task), p.Traits) {
		release()
		s.routeToIntervention(ctx, droneID, rt, task, p)
		return
	}

	// Step 6: publish.
	payload := proto.CommandPayload{
		CommandID:  task.CommandID,
		Type:       task.Type,
		Parameters: task.Parameters,
		Persona:    p.Payload,
		Session:    task.Session,
		TimeoutSec: task.TimeoutSec,
	}
	env, err := proto.NewEnvelope(proto.KindExecuteCommand, payload)
	if err == nil {
		err = s.deps.Bus.Publish(ctx, proto.DroneGroup(droneID), env)
	}
	if err != nil {
		release()
		if ctx.Err() != nil {
			return
		}
		logger.Warn().
			Err(err).
			Str(log.FieldCommandID, task.CommandID).
			Str(log.FieldDroneID, droneID).
			Str(log.FieldEvent, "scheduler.publish_failed").
			Msg("command publish failed")
		s.requeueDrone(ctx, rt, task, s.cfg.DispatchLoopDelay)
		return
	}

	// Steps 7-8: mark busy, then hand resources to the tracker.
	_ = s.deps.Registry.MarkBusy(droneID, task.CommandID)
	_ = s.deps.Registry.RecordAssignment(droneID)
	if err := s.deps.Tracker.RegisterDispatch(task.CommandID, droneID, token, domainLease); err != nil {
		// Duplicate id in flight; the resources belong to this dispatch, so
		// roll them back and drop the duplicate.
		release()
		_ = s.deps.Registry.MarkIdle(droneID)
		logger.Error().
			Err(err).
			Str(log.FieldCommandID, task.CommandID).
			Msg("dispatch registration failed, dropping duplicate")
		return
	}

	metrics.IncTasksDispatched(droneID)
	metrics.ObserveDispatchDuration(s.clock().Sub(started))
	logger.Info().
		Str(log.FieldCommandID, task.CommandID).
		Str(log.FieldDroneID, droneID).
		Str(log.FieldTaskType, task.Type).
		Str(log.FieldDomain, task.Domain).
		Str(log.FieldEvent, "scheduler.dispatched").
		Msg("command dispatched")

	// Step 9: ack watcher. It outlives this call and the dispatch span, so it
	// runs on the scheduler's run context rather than the span-scoped one.
	watchCtx := s.runCtx
	if watchCtx == nil {
		watchCtx = context.Background()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchAck(watchCtx, droneID, task)
	}()
}

// interventionReason tags sessions opened by the persona-rule gate.
const interventionReason = "persona_rule_match"

// interventionTarget is the URL the persona rules are evaluated against: the
// task's url parameter, falling back to its domain.
func interventionTarget(task *queue.Task) string {
	if v, ok := task.Parameters["url"]; ok {
		if s, ok := v.AsString(); ok {
			return s
		}
	}
	return task.Domain
}

// routeToIntervention opens a human session for the task instead of
// publishing it. A busy manager or a failed initiate sends the task back to
// the drone queue for a later attempt.
func (s *Scheduler) routeToIntervention(ctx context.Context, droneID string, rt *droneRuntime, task *queue.Task, p *persona.Persona) {
	logger := log.WithComponent("scheduler")
	parent := &proto.CommandPayload{
		CommandID:  task.CommandID,
		Type:       task.Type,
		Parameters: task.Parameters,
		Persona:    p.Payload,
		Session:    task.Session,
		TimeoutSec: task.TimeoutSec,
	}
	if _, err := s.deps.Interventions.Initiate(ctx, interventionReason, droneID, parent); err != nil {
		if ctx.Err() != nil {
			return
		}
		if !errors.Is(err, intervention.ErrActive) {
			logger.Warn().
				Err(err).
				Str(log.FieldCommandID, task.CommandID).
				Str(log.FieldDroneID, droneID).
				Msg("intervention initiate failed")
		}
		// One session at a time; retry once the open one resolves.
		s.requeueDrone(ctx, rt, task, s.cfg.DispatchLoopDelay)
		return
	}
	logger.Info().
		Str(log.FieldCommandID, task.CommandID).
		Str(log.FieldDroneID, droneID).
		Str(log.FieldReason, interventionReason).
		Str(log.FieldEvent, "scheduler.intervention_routed").
		Msg("task routed to operator intervention")
}

// acquireLease returns a lease (nil when the task has no domain) or a deny
// reason.
func (s *Scheduler) acquireLease(droneID string, task *queue.Task) (*domainlimit.Lease, domainlimit.DenyReason) {
	if task.Domain == "" || s.deps.Limiter == nil {
		return nil, domainlimit.DenyNone
	}
	return s.deps.Limiter.TryAcquire(droneID, task.Domain)
}

// requeueDrone returns a task to its drone queue after a delay, falling back
// to the ready queue if the drone queue is gone or full.
func (s *Scheduler) requeueDrone(ctx context.Context, rt *droneRuntime, task *queue.Task, delay time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return
			}
		}
		if err := rt.queue.TryEnqueue(task); err != nil {
			s.requeueReady(task)
			return
		}
		metrics.IncTasksRequeued()
	}()
}

// teardownDrone closes and forgets the runtime of a drone the registry no
// longer knows.
func (s *Scheduler) teardownDrone(droneID string, rt *droneRuntime) {
	s.mu.Lock()
	if current, ok := s.drones[droneID]; ok && current == rt {
		delete(s.drones, droneID)
	}
	s.mu.Unlock()
	rt.queue.Close()
	for _, queued := range rt.queue.Drain() {
		s.requeueReady(queued)
	}
}

// loadPersona resolves a persona, deduplicating concurrent loads of the same
// id across workers.
func (s *Scheduler) loadPersona(ctx context.Context, id string) (*persona.Persona, error) {
	v, err, _ := s.personaG.Do(id, func() (any, error) {
		return s.deps.Personas.Get(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*persona.Persona), nil
}

// watchAck waits for the acknowledgement of a dispatched command and applies
// the timeout/disconnect policy.
func (s *Scheduler) watchAck(ctx context.Context, droneID string, task *queue.Task) {
	logger := log.WithComponent("scheduler")
	res := s.deps.Tracker.WaitForAck(ctx, task.CommandID, s.cfg.AckTimeout)
	if ctx.Err() != nil {
		// Shutdown, not a verdict.
		return
	}

	switch res.State {
	case track.AckAcknowledged:
		return
	case track.AckFailed:
		if res.Reason == track.ReasonDroneDisconnected || res.Reason == track.ReasonRetryable {
			s.requeueReady(task)
		}
		// Other failure reasons: the failing path owns requeue policy.
		return
	case track.AckTimeout:
		logger.Warn().
			Str(log.FieldCommandID, task.CommandID).
			Str(log.FieldDroneID, droneID).
			Dur("timeout", s.cfg.AckTimeout).
			Str(log.FieldEvent, "scheduler.ack_timeout").
			Msg("command never acknowledged")
		s.deps.Tracker.Fail(task.CommandID, droneID, "ack_timeout")
		metrics.IncCommandAckTimeout(droneID)
		metrics.IncCommandFailed(droneID)
		s.deps.Registry.IncError(droneID)
		_ = s.deps.Registry.MarkIdle(droneID)
		s.requeueReady(task)
	}
}
