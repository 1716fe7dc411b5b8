// SPDX-License-Identifier: MIT

// Package intervention manages the operator-driven pause of a drone: at most
// one session at a time, whitelisted steps only, and a replayable parent
// action executed on resume.
package intervention

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hivemesh/hive/internal/log"
	"github.com/hivemesh/hive/internal/metrics"
	"github.com/hivemesh/hive/internal/params"
	"github.com/hivemesh/hive/internal/proto"
)

var (
	// ErrActive is returned by Initiate while a session is already open.
	ErrActive = errors.New("intervention already active")
	// ErrNotActive is returned by step and resume calls with no open session.
	ErrNotActive = errors.New("no active intervention")
	// ErrInvalidCommand rejects a step that fails the whitelist.
	ErrInvalidCommand = errors.New("invalid_in_intervention_mode")
)

// BrowserController is the drone-side surface the manager drives while a
// session opens and closes.
type BrowserController interface {
	Screenshot(ctx context.Context) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	DOMContext(ctx context.Context) (params.Map, error)
	SetInteractive(ctx context.Context, enabled bool) error
}

// Executor runs a command on the paused drone.
type Executor interface {
	Execute(ctx context.Context, cmd *proto.CommandPayload) (params.Value, error)
}

// Notifier receives the operator broadcast when a session opens.
type Notifier interface {
	Notify(ctx context.Context, notice proto.OperatorNotice)
}

// Step is one accepted operator command within a session.
type Step struct {
	CommandType string
	Timestamp   time.Time
	Command     *proto.CommandPayload
}

// Context is the live state of the single active session.
type Context struct {
	CommandID        string
	ParentCommandID  string
	DroneID          string
	Reason           string
	StartTime        time.Time
	WindowTTL        time.Duration
	StepTTL          time.Duration
	LastStepTime     time.Time
	ParentCommand    *proto.CommandPayload
	ReplayableAction *proto.CommandPayload
	ScreenshotPath   string
	URL              string
	DOMContext       params.Map
	Steps            []Step
}

// Config tunes session behaviour.
type Config struct {
	AttachScreenshot bool
	WindowTTL        time.Duration
	StepTTL          time.Duration
}

// Manager is the intervention state machine. One mutex serialises every
// transition.
type Manager struct {
	cfg        Config
	controller BrowserController
	executor   Executor
	notifier   Notifier
	clock      func() time.Time

	mu          sync.Mutex
	current     *Context
	windowTimer *time.Timer
	stepTimer   *time.Timer
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.clock = now }
}

func NewManager(cfg Config, controller BrowserController, executor Executor, notifier Notifier, opts ...Option) *Manager {
	m := &Manager{
		cfg:        cfg,
		controller: controller,
		executor:   executor,
		notifier:   notifier,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the active session context, or nil when idle.
func (m *Manager) Current() *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Initiate opens a session for the given parent command. Fails with ErrActive
// while another session is open.
func (m *Manager) Initiate(ctx context.Context, reason, droneID string, parent *proto.CommandPayload) (*Context, error) {
	logger := log.WithComponent("intervention")
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return nil, ErrActive
	}
	if parent == nil || parent.CommandID == "" {
		return nil, fmt.Errorf("intervention needs a parent command")
	}

	now := m.clock()
	replay := parent.Clone()
	replay.CommandID = parent.CommandID + "_replay"

	ic := &Context{
		CommandID:        parent.CommandID,
		ParentCommandID:  parent.CommandID,
		DroneID:          droneID,
		Reason:           reason,
		StartTime:        now,
		WindowTTL:        m.cfg.WindowTTL,
		StepTTL:          m.cfg.StepTTL,
		LastStepTime:     now,
		ParentCommand:    parent,
		ReplayableAction: replay,
	}

	// Capture browser state best-effort; a failed capture never blocks the
	// operator from taking over.
	if m.cfg.AttachScreenshot {
		if path, err := m.controller.Screenshot(ctx); err == nil {
			ic.ScreenshotPath = path
		} else {
			logger.Warn().Err(err).Str(log.FieldCommandID, parent.CommandID).Msg("screenshot capture failed")
		}
	}
	if url, err := m.controller.CurrentURL(ctx); err == nil {
		ic.URL = url
	}
	if dom, err := m.controller.DOMContext(ctx); err == nil {
		ic.DOMContext = dom
	}

	if err := m.controller.SetInteractive(ctx, true); err != nil {
		logger.Warn().Err(err).Str(log.FieldCommandID, parent.CommandID).Msg("enabling operator interaction failed")
	}

	m.current = ic
	m.windowTimer = time.AfterFunc(m.cfg.WindowTTL, func() { m.onWindowTimeout(ic) })
	m.stepTimer = time.AfterFunc(m.cfg.StepTTL, func() { m.onStepTimeout(ic) })

	metrics.IncIntervention(reason)
	logger.Info().
		Str(log.FieldCommandID, parent.CommandID).
		Str(log.FieldDroneID, droneID).
		Str(log.FieldReason, reason).
		Str(log.FieldEvent, "intervention.initiated").
		Msg("intervention session opened")

	if m.notifier != nil {
		m.notifier.Notify(ctx, proto.OperatorNotice{
			CommandID:      parent.CommandID,
			DroneID:        droneID,
			Type:           parent.Type,
			Reason:         reason,
			RequestedAtUTC: now.UTC(),
			Metadata: params.Map{
				"url":        params.String(ic.URL),
				"screenshot": params.String(ic.ScreenshotPath),
			},
		})
	}
	return ic, nil
}

// HandleCommand runs one operator step. The step must carry
// parameters.mode == "intervention", name the active parent command and pass
// the command whitelist; anything else is rejected with ErrInvalidCommand.
func (m *Manager) HandleCommand(ctx context.Context, cmd *proto.CommandPayload) (params.Value, error) {
	m.mu.Lock()
	ic := m.current
	if ic == nil {
		m.mu.Unlock()
		return params.Null(), ErrNotActive
	}
	if !stepAllowed(ic, cmd) {
		m.mu.Unlock()
		return params.Null(), ErrInvalidCommand
	}

	now := m.clock()
	ic.Steps = append(ic.Steps, Step{CommandType: cmd.Type, Timestamp: now, Command: cmd})
	ic.LastStepTime = now
	if m.stepTimer != nil {
		m.stepTimer.Reset(ic.StepTTL)
	}
	m.mu.Unlock()

	result, err := m.executor.Execute(ctx, cmd)
	if err != nil {
		return params.Null(), fmt.Errorf("intervention step %s: %w", cmd.Type, err)
	}
	return result, nil
}

// ResumeOptions optionally override the stored replayable action.
type ResumeOptions struct {
	ActionOverride *proto.CommandPayload
}

// ResumeResult reports a completed resume.
type ResumeResult struct {
	Resumed         bool
	ParentCommandID string
	Duration        time.Duration
}

// Resume closes the session and replays the parent action (or the override).
// Replay failure is logged, not returned; the session still closes.
func (m *Manager) Resume(ctx context.Context, opts *ResumeOptions) (ResumeResult, error) {
	logger := log.WithComponent("intervention")
	m.mu.Lock()
	ic := m.current
	if ic == nil {
		m.mu.Unlock()
		return ResumeResult{}, ErrNotActive
	}
	m.stopTimersLocked()
	m.current = nil
	m.mu.Unlock()

	if err := m.controller.SetInteractive(ctx, false); err != nil {
		logger.Warn().Err(err).Msg("disabling operator interaction failed")
	}

	action := ic.ReplayableAction
	if opts != nil && opts.ActionOverride != nil {
		action = opts.ActionOverride
	}
	if action != nil {
		if _, err := m.executor.Execute(ctx, action); err != nil {
			logger.Warn().
				Err(err).
				Str(log.FieldCommandID, action.CommandID).
				Str(log.FieldEvent, "intervention.replay_failed").
				Msg("replay after resume failed")
		}
	}

	duration := m.clock().Sub(ic.StartTime)
	metrics.ObserveInterventionWindow(duration)
	logger.Info().
		Str(log.FieldCommandID, ic.ParentCommandID).
		Dur("window", duration).
		Str(log.FieldEvent, "intervention.resumed").
		Msg("intervention session resumed")

	return ResumeResult{Resumed: true, ParentCommandID: ic.ParentCommandID, Duration: duration}, nil
}

func (m *Manager) stopTimersLocked() {
	if m.windowTimer != nil {
		m.windowTimer.Stop()
		m.windowTimer = nil
	}
	if m.stepTimer != nil {
		m.stepTimer.Stop()
		m.stepTimer = nil
	}
}

// shutdownLocked tears the session down after a timeout. Caller holds m.mu.
func (m *Manager) shutdownLocked(ic *Context) {
	if m.current != ic {
		return
	}
	m.stopTimersLocked()
	m.current = nil

	// Interaction teardown must not wait on the caller's context.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.controller.SetInteractive(ctx, false); err != nil {
			logger := log.WithComponent("intervention")
			logger.Warn().Err(err).Msg("disabling operator interaction failed")
		}
	}()
}

func (m *Manager) onWindowTimeout(ic *Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != ic {
		return
	}
	m.shutdownLocked(ic)
	metrics.IncInterventionTimeout()
	logger := log.WithComponent("intervention")
	logger.Warn().
		Str(log.FieldCommandID, ic.ParentCommandID).
		Str(log.FieldEvent, "intervention.window_timeout").
		Msg("intervention window expired")
}

func (m *Manager) onStepTimeout(ic *Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != ic {
		return
	}
	idle := m.clock().Sub(ic.LastStepTime)
	if idle < ic.StepTTL {
		// A step raced in; re-arm for the remainder.
		if m.stepTimer != nil {
			m.stepTimer.Reset(ic.StepTTL - idle)
		}
		return
	}
	m.shutdownLocked(ic)
	metrics.IncInterventionStepTimeout()
	logger := log.WithComponent("intervention")
	logger.Warn().
		Str(log.FieldCommandID, ic.ParentCommandID).
		Str(log.FieldEvent, "intervention.step_timeout").
		Msg("intervention closed after operator inactivity")
}

// stepAllowed applies the whitelist from the session contract.
func stepAllowed(ic *Context, cmd *proto.CommandPayload) bool {
	if cmd == nil {
		return false
	}
	mode, _ := cmd.Parameters["mode"].AsString()
	if !strings.EqualFold(mode, "intervention") {
		return false
	}
	parent, _ := cmd.Parameters["parentCommandId"].AsString()
	if parent != ic.ParentCommandID {
		return false
	}

	switch cmd.Type {
	case "Navigate", "Type", "Click", "WaitForElement":
		return true
	case "ExecuteScript":
		return cmd.Parameters["safe"].Truthy()
	case "ManageCookies":
		action, _ := cmd.Parameters["action"].AsString()
		return strings.EqualFold(action, "import") || strings.EqualFold(action, "export")
	}

	lower := strings.ToLower(cmd.Type)
	for _, frag := range []string{"wait", "scroll", "mousemove"} {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}
