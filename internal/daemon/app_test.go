// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemesh/hive/internal/config"
	"github.com/hivemesh/hive/internal/params"
	"github.com/hivemesh/hive/internal/persona"
	"github.com/hivemesh/hive/internal/proto"
	"github.com/hivemesh/hive/internal/queue"
	"github.com/hivemesh/hive/internal/registry"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.DataDir = t.TempDir()
	cfg.Version = "test"
	return cfg
}

func TestNewWiresComponents(t *testing.T) {
	app, err := New(testConfig(t))
	require.NoError(t, err)
	defer app.close()

	assert.NotNil(t, app.Bus)
	assert.NotNil(t, app.Registry)
	assert.NotNil(t, app.Tracker)
	assert.NotNil(t, app.Limiter)
	assert.NotNil(t, app.Suffixes)
	assert.NotNil(t, app.Personas)
	assert.NotNil(t, app.Scheduler)
	assert.NotNil(t, app.Hub)
	assert.NotNil(t, app.Interventions)
	assert.NotNil(t, app.Health)
	assert.NotNil(t, app.HTTP)
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	app, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	// Give the loops a moment to start, then shut down.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop after cancel")
	}
}

// TestTaskRoundTrip drives the assembled daemon through one full command:
// drone registration over the bus, task submission, dispatch, ack, result
// with a facts artifact, and the drone returning to idle.
func TestTaskRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	app, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("daemon did not stop")
		}
	}()

	droneSub, err := app.Bus.Subscribe(ctx, proto.DroneGroup("d1"))
	require.NoError(t, err)
	defer func() { _ = droneSub.Close() }()

	reg, err := proto.NewEnvelope(proto.KindRegisterDrone, proto.DroneRegistration{
		DroneID:      "d1",
		Capabilities: []string{"chrome"},
	})
	require.NoError(t, err)
	require.NoError(t, app.Bus.Publish(ctx, proto.HubGroup, reg))

	waitForState(t, func() bool {
		info, ok := app.Registry.Snapshot("d1")
		return ok && info.Status == registry.StatusIdle
	}, "drone never registered")

	app.Personas.(*persona.MemoryStore).Put(&persona.Persona{ID: "p1"})
	require.NoError(t, app.Scheduler.Submit(ctx, &queue.Task{
		CommandID: "c1",
		PersonaID: "p1",
		Type:      "Navigate",
	}))

	var cmd proto.CommandPayload
	select {
	case env := <-droneSub.C():
		require.Equal(t, proto.KindExecuteCommand, env.Kind)
		require.NoError(t, env.Decode(&cmd))
	case <-time.After(10 * time.Second):
		t.Fatal("command never dispatched")
	}
	require.Equal(t, "c1", cmd.CommandID)

	ack, err := proto.NewEnvelope(proto.KindAcknowledgeCommand, proto.AckPayload{
		CommandID: "c1", DroneID: "d1",
	})
	require.NoError(t, err)
	require.NoError(t, app.Bus.Publish(ctx, proto.HubGroup, ack))

	res, err := proto.NewEnvelope(proto.KindReportResult, proto.ResultPayload{
		CommandID: "c1",
		DroneID:   "d1",
		Artifacts: []proto.Artifact{{
			Type: "facts",
			Data: params.Array(params.Object(params.Map{"k": params.Number(1)})),
		}},
	})
	require.NoError(t, err)
	require.NoError(t, app.Bus.Publish(ctx, proto.HubGroup, res))

	waitForState(t, func() bool {
		info, ok := app.Registry.Snapshot("d1")
		return ok && info.Status == registry.StatusIdle && app.Tracker.InFlight() == 0
	}, "command never completed")

	var facts int
	require.NoError(t, app.db.QueryRow("SELECT COUNT(*) FROM artifacts WHERE kind = 'facts'").Scan(&facts))
	assert.Equal(t, 1, facts)
}

func waitForState(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNewRejectsUnusableDataDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.DataDir = "/proc/definitely/not/writable"

	_, err := New(cfg)
	assert.Error(t, err)
}
