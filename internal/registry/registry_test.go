// SPDX-License-Identifier: MIT

package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemesh/hive/internal/proto"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRegisterMintsConnectionIDAndResetsState(t *testing.T) {
	r := New()
	first := r.Register(proto.DroneRegistration{DroneID: "d1", Version: "1.0", Capabilities: []string{"chrome"}})
	require.NotEmpty(t, first.ConnectionID)
	require.Equal(t, StatusIdle, first.Status)

	require.NoError(t, r.MarkBusy("d1", "c1"))
	r.IncError("d1")

	second := r.Register(proto.DroneRegistration{DroneID: "d1", Version: "1.1"})
	assert.NotEqual(t, first.ConnectionID, second.ConnectionID)
	assert.Equal(t, StatusIdle, second.Status)
	assert.Zero(t, second.ErrorCount)
	assert.Zero(t, second.CurrentLoad)
}

func TestEligibleMatchesBySetInclusion(t *testing.T) {
	r := New()
	r.Register(proto.DroneRegistration{DroneID: "d1", Capabilities: []string{"chrome", "proxy"}})
	r.Register(proto.DroneRegistration{DroneID: "d2", Capabilities: []string{"chrome"}})
	r.Register(proto.DroneRegistration{DroneID: "d3"})

	got := r.Eligible([]string{"chrome", "proxy"})
	require.Len(t, got, 1)
	assert.Equal(t, "d1", got[0].DroneID)

	// Empty requirement matches every connected drone.
	assert.Len(t, r.Eligible(nil), 3)

	require.NoError(t, r.SetStatus("d1", StatusDisconnected))
	assert.Empty(t, r.Eligible([]string{"chrome", "proxy"}))
}

func TestMarkBusyIdleRoundTrip(t *testing.T) {
	r := New()
	r.Register(proto.DroneRegistration{DroneID: "d1"})

	require.NoError(t, r.MarkBusy("d1", "c1"))
	info, ok := r.Snapshot("d1")
	require.True(t, ok)
	assert.Equal(t, StatusBusy, info.Status)
	assert.Equal(t, "c1", info.CurrentCommand)
	assert.Equal(t, 1, info.CurrentLoad)

	require.NoError(t, r.MarkIdle("d1"))
	info, _ = r.Snapshot("d1")
	assert.Equal(t, StatusIdle, info.Status)
	assert.Empty(t, info.CurrentCommand)
	assert.Zero(t, info.CurrentLoad)

	require.ErrorIs(t, r.MarkBusy("nope", "c2"), ErrDroneUnknown)
}

func TestHeartbeatRecoversErroredDrone(t *testing.T) {
	r := New()
	r.Register(proto.DroneRegistration{DroneID: "d1"})
	require.NoError(t, r.SetStatus("d1", StatusError))
	require.NoError(t, r.Heartbeat("d1"))
	info, _ := r.Snapshot("d1")
	assert.Equal(t, StatusIdle, info.Status)
}

func TestSweepExpiredDegradesThenDisconnects(t *testing.T) {
	clk := newFakeClock()
	r := New(WithClock(clk.Now))
	r.Register(proto.DroneRegistration{DroneID: "d1"})

	var disconnects []string
	cfg := ExpiryConfig{
		HeartbeatExpect: 30 * time.Second,
		DisconnectGrace: 60 * time.Second,
		OnDisconnect:    func(id string) { disconnects = append(disconnects, id) },
	}

	clk.Advance(31 * time.Second)
	require.Empty(t, r.SweepExpired(cfg))
	info, _ := r.Snapshot("d1")
	assert.Equal(t, StatusError, info.Status)

	clk.Advance(31 * time.Second)
	gone := r.SweepExpired(cfg)
	require.Equal(t, []string{"d1"}, gone)
	require.Equal(t, []string{"d1"}, disconnects)
	info, _ = r.Snapshot("d1")
	assert.Equal(t, StatusDisconnected, info.Status)

	// Subsequent sweeps do not re-fire the hook.
	clk.Advance(time.Minute)
	require.Empty(t, r.SweepExpired(cfg))
	require.Len(t, disconnects, 1)
}

func TestApplyStatusUpdatesHeartbeatAndState(t *testing.T) {
	clk := newFakeClock()
	r := New(WithClock(clk.Now))
	r.Register(proto.DroneRegistration{DroneID: "d1"})

	clk.Advance(5 * time.Second)
	require.NoError(t, r.ApplyStatus(proto.StatusPayload{DroneID: "d1", Status: "busy", CurrentCommand: "c9"}))
	info, _ := r.Snapshot("d1")
	assert.Equal(t, StatusBusy, info.Status)
	assert.Equal(t, "c9", info.CurrentCommand)
	assert.Equal(t, clk.Now(), info.LastHeartbeat)

	// Unknown status strings leave the state untouched.
	require.NoError(t, r.ApplyStatus(proto.StatusPayload{DroneID: "d1", Status: "warp"}))
	info, _ = r.Snapshot("d1")
	assert.Equal(t, StatusBusy, info.Status)
}
