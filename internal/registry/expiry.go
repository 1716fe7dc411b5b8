// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"time"

	"github.com/hivemesh/hive/internal/log"
)

// ExpiryConfig tunes the heartbeat sweep. A drone silent past
// HeartbeatExpect degrades to error; past DisconnectGrace it is marked
// disconnected and OnDisconnect fires.
type ExpiryConfig struct {
	HeartbeatExpect time.Duration
	DisconnectGrace time.Duration

	// OnDisconnect is invoked outside the registry lock, once per
	// disconnect transition. The scheduler wires it to FailAll and queue
	// teardown.
	OnDisconnect func(droneID string)
}

// RunExpiry sweeps heartbeats until ctx is cancelled.
func (r *Registry) RunExpiry(ctx context.Context, cfg ExpiryConfig) {
	logger := log.WithComponent("registry")
	interval := cfg.HeartbeatExpect / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("heartbeat expiry sweeper stopped")
			return
		case <-ticker.C:
			r.SweepExpired(cfg)
		}
	}
}

// SweepExpired applies the heartbeat deadlines once and returns the ids of
// drones that transitioned to disconnected.
func (r *Registry) SweepExpired(cfg ExpiryConfig) []string {
	logger := log.WithComponent("registry")
	now := r.clock()
	var disconnected []string

	r.mu.Lock()
	for id, info := range r.drones {
		if info.Status == StatusDisconnected {
			continue
		}
		silent := now.Sub(info.LastHeartbeat)
		switch {
		case cfg.DisconnectGrace > 0 && silent >= cfg.DisconnectGrace:
			info.Status = StatusDisconnected
			info.CurrentCommand = ""
			info.CurrentLoad = 0
			disconnected = append(disconnected, id)
			logger.Warn().
				Str(log.FieldDroneID, id).
				Dur("silent_for", silent).
				Str(log.FieldEvent, "registry.drone_disconnected").
				Msg("drone missed its disconnect grace window")
		case cfg.HeartbeatExpect > 0 && silent >= cfg.HeartbeatExpect && info.Status != StatusError:
			info.Status = StatusError
			logger.Warn().
				Str(log.FieldDroneID, id).
				Dur("silent_for", silent).
				Str(log.FieldEvent, "registry.heartbeat_overdue").
				Msg("drone heartbeat overdue, degrading to error")
		}
	}
	r.mu.Unlock()

	if cfg.OnDisconnect != nil {
		for _, id := range disconnected {
			cfg.OnDisconnect(id)
		}
	}
	return disconnected
}
