// SPDX-License-Identifier: MIT

// Package registry tracks the connected drone fleet: capabilities, status,
// heartbeats and load. The registry owns the authoritative DroneInfo; other
// components read value snapshots.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivemesh/hive/internal/log"
	"github.com/hivemesh/hive/internal/proto"
)

// ErrDroneUnknown is returned when a drone id is not registered.
var ErrDroneUnknown = errors.New("drone unknown")

// Status is the drone's coarse lifecycle state.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusBusy         Status = "busy"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// DroneInfo is a snapshot of one drone's registry entry.
type DroneInfo struct {
	DroneID            string
	ConnectionID       string
	Version            string
	StaticCapabilities []string
	Status             Status
	CurrentCommand     string
	LastHeartbeat      time.Time
	LastTaskAssignedAt time.Time
	CurrentLoad        int
	ErrorCount         int
}

// HasCapabilities reports whether every required capability is present.
// An empty requirement matches any drone.
func (d DroneInfo) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(d.StaticCapabilities))
	for _, c := range d.StaticCapabilities {
		have[c] = struct{}{}
	}
	for _, c := range required {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}

// Registry is the authoritative fleet table.
type Registry struct {
	mu     sync.RWMutex
	drones map[string]*DroneInfo
	clock  func() time.Time
}

// Option customises a Registry.
type Option func(*Registry)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.clock = now }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		drones: make(map[string]*DroneInfo),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or refreshes a drone from its registration payload, minting a
// new connection id. Re-registration resets status to idle and clears the
// error count.
func (r *Registry) Register(reg proto.DroneRegistration) DroneInfo {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.drones[reg.DroneID]
	if !ok {
		info = &DroneInfo{DroneID: reg.DroneID}
		r.drones[reg.DroneID] = info
	}
	info.ConnectionID = uuid.NewString()
	info.Version = reg.Version
	info.StaticCapabilities = append([]string(nil), reg.Capabilities...)
	info.Status = StatusIdle
	info.CurrentCommand = ""
	info.CurrentLoad = 0
	info.ErrorCount = 0
	info.LastHeartbeat = now

	logger := log.WithComponent("registry")
	logger.Info().
		Str(log.FieldDroneID, reg.DroneID).
		Str("connection_id", info.ConnectionID).
		Str("drone_version", reg.Version).
		Strs("capabilities", info.StaticCapabilities).
		Msg("drone registered")
	return *info
}

// Remove deletes a drone from the table.
func (r *Registry) Remove(droneID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.drones, droneID)
}

// Snapshot returns a copy of one drone's entry.
func (r *Registry) Snapshot(droneID string) (DroneInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.drones[droneID]
	if !ok {
		return DroneInfo{}, false
	}
	return *info, true
}

// List returns snapshots of all drones, ordered by id for stable output.
func (r *Registry) List() []DroneInfo {
	r.mu.RLock()
	out := make([]DroneInfo, 0, len(r.drones))
	for _, info := range r.drones {
		out = append(out, *info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DroneID < out[j].DroneID })
	return out
}

// Eligible returns snapshots of connected drones whose static capabilities
// cover the requirement. Disconnected drones never match.
func (r *Registry) Eligible(required []string) []DroneInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []DroneInfo
	for _, info := range r.drones {
		if info.Status == StatusDisconnected {
			continue
		}
		if info.HasCapabilities(required) {
			out = append(out, *info)
		}
	}
	return out
}

func (r *Registry) update(droneID string, fn func(*DroneInfo)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.drones[droneID]
	if !ok {
		return ErrDroneUnknown
	}
	fn(info)
	return nil
}

// MarkBusy transitions the drone to busy with the command it is executing.
func (r *Registry) MarkBusy(droneID, commandID string) error {
	return r.update(droneID, func(info *DroneInfo) {
		info.Status = StatusBusy
		info.CurrentCommand = commandID
		info.CurrentLoad++
	})
}

// MarkIdle transitions the drone back to idle.
func (r *Registry) MarkIdle(droneID string) error {
	return r.update(droneID, func(info *DroneInfo) {
		info.Status = StatusIdle
		info.CurrentCommand = ""
		if info.CurrentLoad > 0 {
			info.CurrentLoad--
		}
	})
}

// SetStatus forces a status, e.g. error after repeated failures.
func (r *Registry) SetStatus(droneID string, status Status) error {
	return r.update(droneID, func(info *DroneInfo) {
		info.Status = status
	})
}

// IncError bumps the drone's error counter and returns the new value.
func (r *Registry) IncError(droneID string) int {
	var count int
	_ = r.update(droneID, func(info *DroneInfo) {
		info.ErrorCount++
		count = info.ErrorCount
	})
	return count
}

// RecordAssignment stamps the fairness clock after a successful publish.
func (r *Registry) RecordAssignment(droneID string) error {
	now := r.clock()
	return r.update(droneID, func(info *DroneInfo) {
		info.LastTaskAssignedAt = now
	})
}

// Heartbeat refreshes the liveness stamp; a drone previously marked error by
// the expiry sweep recovers to idle.
func (r *Registry) Heartbeat(droneID string) error {
	now := r.clock()
	return r.update(droneID, func(info *DroneInfo) {
		info.LastHeartbeat = now
		if info.Status == StatusError || info.Status == StatusDisconnected {
			info.Status = StatusIdle
		}
	})
}

// ApplyStatus folds a drone's self-reported status payload into the entry.
func (r *Registry) ApplyStatus(p proto.StatusPayload) error {
	now := r.clock()
	return r.update(p.DroneID, func(info *DroneInfo) {
		info.LastHeartbeat = now
		switch Status(p.Status) {
		case StatusIdle, StatusBusy, StatusError:
			info.Status = Status(p.Status)
		}
		info.CurrentCommand = p.CurrentCommand
	})
}
