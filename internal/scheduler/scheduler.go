// SPDX-License-Identifier: MIT

// Package scheduler drives the task-dispatch pipeline: it validates and
// queues submitted tasks, selects drones, runs one dispatch worker per drone
// queue and supervises ack timeouts and the persona-missing backoff.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/hivemesh/hive/internal/bus"
	"github.com/hivemesh/hive/internal/config"
	"github.com/hivemesh/hive/internal/domainlimit"
	"github.com/hivemesh/hive/internal/intervention"
	"github.com/hivemesh/hive/internal/log"
	"github.com/hivemesh/hive/internal/metrics"
	"github.com/hivemesh/hive/internal/persona"
	"github.com/hivemesh/hive/internal/proto"
	"github.com/hivemesh/hive/internal/psl"
	"github.com/hivemesh/hive/internal/queue"
	"github.com/hivemesh/hive/internal/registry"
	"github.com/hivemesh/hive/internal/sink"
	"github.com/hivemesh/hive/internal/track"
)

// ErrInvalidTask rejects submissions missing a required field.
var ErrInvalidTask = errors.New("invalid task")

// noEligibleDelay is how long a task waits before re-entering the ready queue
// when no drone matches its capabilities.
const noEligibleDelay = time.Second

// domainDeniedDelay is how long a task waits on its drone queue after a
// domain lease denial.
const domainDeniedDelay = time.Second

// InterventionGate opens a human-intervention session in place of an
// automatic dispatch. Satisfied by intervention.Manager.
type InterventionGate interface {
	Initiate(ctx context.Context, reason, droneID string, parent *proto.CommandPayload) (*intervention.Context, error)
}

// Deps are the collaborators the scheduler drives.
type Deps struct {
	Registry      *registry.Registry
	Limiter       *domainlimit.Limiter
	Tracker       *track.Tracker
	Personas      persona.Store
	Bus           bus.Bus
	Suffixes      *psl.Index
	DeadLetters   sink.DeadLetterSink
	Notifier      *sink.OperatorNotifier
	Interventions InterventionGate // nil disables the persona-rule gate
}

type droneRuntime struct {
	queue  *queue.DroneQueue
	pacing *semaphore.Weighted
}

// Scheduler owns the ready queue, the per-drone queues and their workers.
type Scheduler struct {
	cfg  config.SchedulerConfig
	deps Deps

	ready    *queue.ReadyQueue
	personaG singleflight.Group
	retries  *retryQueue
	clock    func() time.Time

	mu     sync.Mutex
	drones map[string]*droneRuntime

	runCtx  context.Context
	wg      sync.WaitGroup
	started bool
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.clock = now }
}

func New(cfg config.SchedulerConfig, deps Deps, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:     cfg,
		deps:    deps,
		ready:   queue.NewReadyQueue(cfg.ReadyQueueCapacity),
		retries: newRetryQueue(),
		drones:  make(map[string]*droneRuntime),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates a task and places it on the ready queue. The task's domain
// is reduced to its registrable form here so every downstream consumer sees
// one canonical key.
func (s *Scheduler) Submit(ctx context.Context, task *queue.Task) error {
	if task == nil {
		return fmt.Errorf("%w: nil task", ErrInvalidTask)
	}
	var missing string
	switch {
	case task.CommandID == "":
		missing = "commandId"
	case task.PersonaID == "":
		missing = "personaId"
	case task.Type == "":
		missing = "type"
	}
	if missing != "" {
		metrics.IncTaskRejected("validation")
		return fmt.Errorf("%w: missing %s", ErrInvalidTask, missing)
	}

	if task.Domain != "" && s.deps.Suffixes != nil {
		task.Domain = s.deps.Suffixes.RegistrableDomain(task.Domain)
	}
	task.EnqueuedAt = s.clock()

	if err := s.ready.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.CommandID, err)
	}
	metrics.IncTasksEnqueued()
	logger := log.WithComponent("scheduler")
	logger.Debug().
		Str(log.FieldCommandID, task.CommandID).
		Str(log.FieldTaskType, task.Type).
		Str(log.FieldPriority, task.Priority.String()).
		Str(log.FieldDomain, task.Domain).
		Msg("task accepted")
	return nil
}

// Run starts the ready loop and the persona-retry fiber and blocks until ctx
// is cancelled. Per-drone workers start lazily on first assignment.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.started = true
	s.runCtx = ctx
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.readyLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.retryLoop(ctx)
	}()

	<-ctx.Done()
	s.shutdown()
	s.wg.Wait()
	return nil
}

func (s *Scheduler) shutdown() {
	s.ready.Complete()
	s.mu.Lock()
	for _, rt := range s.drones {
		rt.queue.Close()
	}
	s.mu.Unlock()
	s.retries.wakeUp()
}

// readyLoop moves tasks from the ready queue onto a selected drone's queue.
func (s *Scheduler) readyLoop(ctx context.Context) {
	logger := log.WithComponent("scheduler")
	for {
		task, err := s.ready.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrQueueClosed) && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("ready queue dequeue failed")
			}
			return
		}

		eligible := s.deps.Registry.Eligible(task.RequiredCapabilities)
		if len(eligible) == 0 {
			s.requeueAfter(ctx, task, noEligibleDelay)
			continue
		}

		chosen := selectDrone(eligible, task, s.clock())
		rt := s.droneRuntime(chosen.DroneID)
		if err := rt.queue.Enqueue(ctx, task); err != nil {
			// Queue closed under us (teardown race); back to the ready queue.
			s.requeueReady(task)
			continue
		}
		metrics.IncTasksQueued(chosen.DroneID)
	}
}

// requeueAfter waits, then puts the task back on the ready queue with a fresh
// enqueue time. The wait is detached from the ready loop so one starved task
// does not stall the queue.
func (s *Scheduler) requeueAfter(ctx context.Context, task *queue.Task, delay time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
		s.requeueReady(task)
	}()
}

// requeueReady puts a task back on the ready queue, refreshing EnqueuedAt.
func (s *Scheduler) requeueReady(task *queue.Task) {
	task.EnqueuedAt = s.clock()
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.ready.Enqueue(ctx, task); err != nil {
		logger := log.WithComponent("scheduler")
		logger.Warn().
			Str(log.FieldCommandID, task.CommandID).
			Err(err).
			Msg("task lost on requeue, queue closed")
		return
	}
	metrics.IncTasksRequeued()
}

// droneRuntime returns the runtime for a drone, creating its queue, pacing
// semaphore and supervised worker on first use.
func (s *Scheduler) droneRuntime(droneID string) *droneRuntime {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.drones[droneID]; ok && !rt.queue.Closed() {
		return rt
	}
	rt := &droneRuntime{
		queue:  queue.NewDroneQueue(droneID, s.cfg.DroneQueueCapacity),
		pacing: semaphore.NewWeighted(int64(s.cfg.MaxInFlightPerDrone)),
	}
	s.drones[droneID] = rt
	s.startWorker(droneID, rt)
	return rt
}

// startWorker launches a supervised dispatch worker for the drone queue. The
// supervisor restarts a crashed worker while the queue is open and the
// scheduler is not stopping.
func (s *Scheduler) startWorker(droneID string, rt *droneRuntime) {
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logger := log.WithComponent("scheduler")
		for {
			crashed := s.runWorker(ctx, droneID, rt)
			if !crashed || rt.queue.Closed() || ctx.Err() != nil {
				return
			}
			logger.Error().
				Str(log.FieldDroneID, droneID).
				Str(log.FieldEvent, "scheduler.worker_restarted").
				Msg("dispatch worker crashed, restarting")
		}
	}()
}

// runWorker drains the drone queue until it closes. Returns true if the
// worker exited because of a panic.
func (s *Scheduler) runWorker(ctx context.Context, droneID string, rt *droneRuntime) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			logger := log.WithComponent("scheduler")
			logger.Error().
				Str(log.FieldDroneID, droneID).
				Interface("panic", r).
				Msg("dispatch worker panic")
			crashed = true
		}
	}()
	for {
		task, err := rt.queue.Dequeue(ctx)
		if err != nil {
			return false
		}
		s.dispatch(ctx, droneID, rt, task)
	}
}

// HandleDroneDisconnect fails all in-flight commands for the drone, tears
// down its queue and returns queued-but-undispatched tasks to the ready
// queue. Pre-ack in-flight tasks are requeued by their ack watchers.
func (s *Scheduler) HandleDroneDisconnect(droneID string) {
	logger := log.WithComponent("scheduler")
	preAck := s.deps.Tracker.FailAll(droneID, track.ReasonDroneDisconnected)
	for range preAck {
		metrics.IncCommandFailed(droneID)
	}

	s.mu.Lock()
	rt, ok := s.drones[droneID]
	if ok {
		delete(s.drones, droneID)
	}
	s.mu.Unlock()
	if ok {
		rt.queue.Close()
		for _, task := range rt.queue.Drain() {
			s.requeueReady(task)
		}
	}

	logger.Warn().
		Str(log.FieldDroneID, droneID).
		Int("pre_ack_failed", len(preAck)).
		Str(log.FieldEvent, "scheduler.drone_disconnected").
		Msg("drone disconnected, in-flight commands failed")
}

// ReadyLen reports the ready queue depth (diagnostics).
func (s *Scheduler) ReadyLen() int { return s.ready.Len() }
