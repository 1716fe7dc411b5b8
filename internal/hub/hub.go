// SPDX-License-Identifier: MIT

// Package hub is the drone-facing ingestion surface: it consumes the hub bus
// group, authenticates registrations and folds acknowledgements, results,
// errors, statuses and intervention requests into the orchestrator state.
package hub

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/hivemesh/hive/internal/bus"
	"github.com/hivemesh/hive/internal/intervention"
	"github.com/hivemesh/hive/internal/log"
	"github.com/hivemesh/hive/internal/metrics"
	"github.com/hivemesh/hive/internal/proto"
	"github.com/hivemesh/hive/internal/registry"
	"github.com/hivemesh/hive/internal/sink"
	"github.com/hivemesh/hive/internal/track"
)

// Config tunes the hub's inbound behaviour.
type Config struct {
	// APIKey is required on RegisterDrone envelopes. Empty disables auth.
	APIKey string
	// QueryTimeout bounds browser-state query round-trips.
	QueryTimeout time.Duration
	// ExecTimeout bounds direct command round-trips (intervention steps and
	// replays).
	ExecTimeout time.Duration
}

// Deps are the orchestrator components the hub feeds.
type Deps struct {
	Bus       bus.Bus
	Registry  *registry.Registry
	Tracker   *track.Tracker
	Artifacts sink.ArtifactSink
	Sessions  sink.SessionRegistry
}

// Hub consumes the hub group and routes envelopes by kind.
type Hub struct {
	cfg  Config
	deps Deps

	queries    *responseTable[proto.QueryResponsePayload]
	execs      *responseTable[execOutcome]
	guard      *floodGuard
	portTarget target

	mu            sync.Mutex
	interventions *intervention.Manager

	wg sync.WaitGroup
}

func New(cfg Config, deps Deps) *Hub {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	return &Hub{
		cfg:     cfg,
		deps:    deps,
		queries: newResponseTable[proto.QueryResponsePayload](),
		execs:   newResponseTable[execOutcome](),
		guard:   newFloodGuard(defaultGuardRate, defaultGuardBurst),
	}
}

// AttachInterventions wires the intervention manager after construction; the
// manager's browser ports are backed by this hub, so the two are built in
// two steps.
func (h *Hub) AttachInterventions(m *intervention.Manager) {
	h.mu.Lock()
	h.interventions = m
	h.mu.Unlock()
}

func (h *Hub) interventionManager() *intervention.Manager {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interventions
}

// Run subscribes to the hub group and processes envelopes until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) error {
	logger := log.WithComponent("hub")
	sub, err := h.deps.Bus.Subscribe(ctx, proto.HubGroup)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	logger.Info().Str(log.FieldGroup, proto.HubGroup).Msg("hub listening")
	for {
		select {
		case <-ctx.Done():
			h.wg.Wait()
			return nil
		case env, ok := <-sub.C():
			if !ok {
				h.wg.Wait()
				return nil
			}
			h.handle(ctx, env)
		}
	}
}

func (h *Hub) handle(ctx context.Context, env proto.Envelope) {
	logger := log.WithComponent("hub")

	if !h.guard.Allow(guardKey(env)) {
		metrics.IncBusDropReason(proto.HubGroup, "flood")
		logger.Warn().
			Str("connection_id", env.ConnectionID).
			Str(log.FieldEvent, "hub.flood_dropped").
			Msg("envelope dropped by flood guard")
		return
	}

	switch env.Kind {
	case proto.KindRegisterDrone:
		h.handleRegister(env)
	case proto.KindAcknowledgeCommand:
		h.handleAck(env)
	case proto.KindReportResult:
		h.handleResult(ctx, env)
	case proto.KindReportError:
		h.handleError(env)
	case proto.KindReportStatus:
		h.handleStatus(env)
	case proto.KindRequireIntervention:
		// Initiate round-trips browser-state queries over this same loop;
		// it must not run inline.
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.handleIntervention(ctx, env)
		}()
	case proto.KindQueryResponse:
		h.handleQueryResponse(env)
	default:
		metrics.IncBusDropReason(proto.HubGroup, "unknown_kind")
		logger.Debug().Str("kind", string(env.Kind)).Msg("ignoring unknown envelope kind")
	}
}

func guardKey(env proto.Envelope) string {
	if env.ConnectionID != "" {
		return env.ConnectionID
	}
	return "anonymous"
}

func (h *Hub) decode(env proto.Envelope, dst any) bool {
	if err := env.Decode(dst); err != nil {
		metrics.IncBusDropReason(proto.HubGroup, "decode_error")
		logger := log.WithComponent("hub")
		logger.Warn().Err(err).Str("kind", string(env.Kind)).Msg("malformed envelope dropped")
		return false
	}
	return true
}

// handleRegister authenticates and registers a drone. The key comparison is
// constant-time.
func (h *Hub) handleRegister(env proto.Envelope) {
	logger := log.WithComponent("hub")
	var reg proto.DroneRegistration
	if !h.decode(env, &reg) {
		return
	}
	if reg.DroneID == "" {
		metrics.IncBusDropReason(proto.HubGroup, "decode_error")
		return
	}
	if h.cfg.APIKey != "" &&
		subtle.ConstantTimeCompare([]byte(env.APIKey), []byte(h.cfg.APIKey)) != 1 {
		metrics.IncBusDropReason(proto.HubGroup, "auth_failed")
		logger.Warn().
			Str(log.FieldDroneID, reg.DroneID).
			Str(log.FieldEvent, "hub.auth_rejected").
			Msg("drone registration rejected, bad api key")
		return
	}
	h.deps.Registry.Register(reg)
}

func (h *Hub) handleAck(env proto.Envelope) {
	var ack proto.AckPayload
	if !h.decode(env, &ack) {
		return
	}
	h.deps.Tracker.MarkAcknowledged(ack.CommandID, ack.DroneID)
	metrics.IncCommandAcknowledged(ack.DroneID)
	_ = h.deps.Registry.Heartbeat(ack.DroneID)
}

func (h *Hub) handleResult(ctx context.Context, env proto.Envelope) {
	logger := log.WithComponent("hub")
	var res proto.ResultPayload
	if !h.decode(env, &res) {
		return
	}

	// A direct execution (intervention step or replay) resolves its waiter and
	// touches no fleet state.
	if h.execs.resolve(res.CommandID, execOutcome{value: res.Result}) {
		return
	}

	// Artifact and session writes hit sqlite and the filesystem; they must not
	// stall the consumer loop.
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.persistResult(ctx, &res)
	}()

	h.deps.Tracker.Complete(res.CommandID, res.DroneID)
	_ = h.deps.Registry.MarkIdle(res.DroneID)
	metrics.IncCommandCompleted(res.DroneID)
	logger.Info().
		Str(log.FieldCommandID, res.CommandID).
		Str(log.FieldDroneID, res.DroneID).
		Str(log.FieldEvent, "hub.command_completed").
		Msg("command completed")
}

func (h *Hub) persistResult(ctx context.Context, res *proto.ResultPayload) {
	logger := log.WithComponent("hub")
	for _, artifact := range res.Artifacts {
		if h.deps.Artifacts == nil {
			break
		}
		if err := sink.Dispatch(ctx, h.deps.Artifacts, artifact); err != nil {
			logger.Warn().
				Err(err).
				Str(log.FieldCommandID, res.CommandID).
				Str("artifact_type", artifact.Type).
				Msg("artifact store failed")
		}
	}
	if res.SessionLeaseID != "" && h.deps.Sessions != nil {
		if err := h.deps.Sessions.UpdateSessionState(ctx, res.SessionLeaseID, res.SessionState); err != nil {
			logger.Warn().
				Err(err).
				Str(log.FieldCommandID, res.CommandID).
				Str(log.FieldSessionID, res.SessionLeaseID).
				Msg("session state update failed")
		}
	}
}

func (h *Hub) handleError(env proto.Envelope) {
	logger := log.WithComponent("hub")
	var fail proto.ErrorPayload
	if !h.decode(env, &fail) {
		return
	}

	if h.execs.resolve(fail.CommandID, execOutcome{err: errors.New(fail.Error)}) {
		return
	}

	reason := fail.ErrorType
	if reason == "" {
		reason = "error"
	}
	// A retryable pre-ack failure is surfaced to the ack watcher, which owns
	// the requeue.
	if fail.CanRetry && !h.deps.Tracker.Acked(fail.CommandID) {
		reason = track.ReasonRetryable
	}

	h.deps.Tracker.Fail(fail.CommandID, fail.DroneID, reason)
	h.deps.Registry.IncError(fail.DroneID)
	_ = h.deps.Registry.MarkIdle(fail.DroneID)
	metrics.IncCommandFailed(fail.DroneID)
	logger.Warn().
		Str(log.FieldCommandID, fail.CommandID).
		Str(log.FieldDroneID, fail.DroneID).
		Str(log.FieldReason, reason).
		Str("error", fail.Error).
		Str(log.FieldEvent, "hub.command_failed").
		Msg("command failed")
}

func (h *Hub) handleStatus(env proto.Envelope) {
	var status proto.StatusPayload
	if !h.decode(env, &status) {
		return
	}
	if err := h.deps.Registry.ApplyStatus(status); err != nil {
		logger := log.WithComponent("hub")
		logger.Debug().
			Str(log.FieldDroneID, status.DroneID).
			Msg("status for unknown drone ignored")
	}
}

func (h *Hub) handleIntervention(ctx context.Context, env proto.Envelope) {
	logger := log.WithComponent("hub")
	var req proto.InterventionPayload
	if !h.decode(env, &req) {
		return
	}
	mgr := h.interventionManager()
	if mgr == nil {
		metrics.IncBusDropReason(proto.HubGroup, "no_intervention_manager")
		return
	}

	parent := &proto.CommandPayload{
		CommandID:  req.CommandID,
		Type:       req.Type,
		Parameters: req.Data,
	}
	h.BindDrone(req.DroneID)
	if _, err := mgr.Initiate(ctx, req.Type, req.DroneID, parent); err != nil {
		logger.Warn().
			Err(err).
			Str(log.FieldCommandID, req.CommandID).
			Str(log.FieldDroneID, req.DroneID).
			Str(log.FieldEvent, "hub.intervention_refused").
			Msg("intervention request refused")
	}
}

func (h *Hub) handleQueryResponse(env proto.Envelope) {
	var resp proto.QueryResponsePayload
	if !h.decode(env, &resp) {
		return
	}
	if !h.queries.resolve(resp.QueryID, resp) {
		metrics.IncBusDropReason(proto.HubGroup, "orphan_query_response")
	}
}
