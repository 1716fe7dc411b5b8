// SPDX-License-Identifier: MIT

package sink

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hivemesh/hive/internal/bus"
	"github.com/hivemesh/hive/internal/params"
	"github.com/hivemesh/hive/internal/proto"
)

type recordingSink struct {
	facts     [][]params.Value
	snippets  [][]params.Value
	artifacts []proto.Artifact
}

func (r *recordingSink) StoreFacts(_ context.Context, items []params.Value) error {
	r.facts = append(r.facts, items)
	return nil
}

func (r *recordingSink) StoreSnippets(_ context.Context, items []params.Value) error {
	r.snippets = append(r.snippets, items)
	return nil
}

func (r *recordingSink) StoreArtifact(_ context.Context, artifact proto.Artifact) error {
	r.artifacts = append(r.artifacts, artifact)
	return nil
}

func TestDispatchRoutesByType(t *testing.T) {
	rec := &recordingSink{}
	ctx := context.Background()

	facts := proto.Artifact{Type: "facts", Data: params.Array(params.Object(params.Map{"k": params.Number(1)}))}
	require.NoError(t, Dispatch(ctx, rec, facts))
	require.Len(t, rec.facts, 1)
	require.Len(t, rec.facts[0], 1)

	snippets := proto.Artifact{Type: "Snippets", Data: params.Array(params.String("s"))}
	require.NoError(t, Dispatch(ctx, rec, snippets))
	require.Len(t, rec.snippets, 1)

	misc := proto.Artifact{Type: "screenshot", Data: params.String("...")}
	require.NoError(t, Dispatch(ctx, rec, misc))
	require.Len(t, rec.artifacts, 1)
	require.Equal(t, "screenshot", rec.artifacts[0].Type)
}

func TestFileArtifactSinkWritesJSON(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileArtifactSink(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.StoreFacts(ctx, []params.Value{params.Object(params.Map{"k": params.Number(1)})}))

	entries, err := os.ReadDir(filepath.Join(dir, "artifacts", "facts"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(dir, "artifacts", "facts", entries[0].Name()))
	require.NoError(t, err)
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, float64(1), decoded[0]["k"])
}

func TestSQLiteArtifactSinkAndSessionRegistry(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "hive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(db))

	ctx := context.Background()
	arts := NewSQLiteArtifactSink(db)
	require.NoError(t, arts.StoreFacts(ctx, []params.Value{params.Number(1)}))
	require.NoError(t, arts.StoreArtifact(ctx, proto.Artifact{Type: "screenshot", Data: params.String("x")}))

	n, err := arts.Count(ctx, "facts")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = arts.Count(ctx, "screenshot")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	sessions := NewSQLiteSessionRegistry(db)
	require.NoError(t, sessions.UpdateSessionState(ctx, "lease-1", params.Map{"cookie": params.String("a")}))
	require.NoError(t, sessions.UpdateSessionState(ctx, "lease-1", params.Map{"cookie": params.String("b")}))

	state, err := sessions.SessionState(ctx, "lease-1")
	require.NoError(t, err)
	got, _ := state["cookie"].AsString()
	require.Equal(t, "b", got)
}

func TestBadgerDeadLetterSinkPublishAndScan(t *testing.T) {
	s, err := NewBadgerDeadLetterSink("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	first := DeadLetter{
		CommandID:  "c1",
		Reason:     "missing_persona",
		PersonaID:  "pX",
		RetryCount: 3,
		FailedAt:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.Publish(ctx, first))
	require.NoError(t, s.Publish(ctx, DeadLetter{CommandID: "c2", Reason: "missing_persona", FailedAt: first.FailedAt.Add(time.Second)}))

	got, err := s.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "c1", got[0].CommandID)
	require.Equal(t, "missing_persona", got[0].Reason)
	require.Equal(t, 3, got[0].RetryCount)
	require.Equal(t, "c2", got[1].CommandID)
}

func TestOperatorNotifierBroadcastsBothKinds(t *testing.T) {
	b := bus.NewMemoryBus()
	sub, err := b.Subscribe(context.Background(), proto.OperatorsGroup)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	n := NewOperatorNotifier(b)
	n.Notify(context.Background(), proto.OperatorNotice{CommandID: "c1", DroneID: "d1", Reason: "captcha"})

	var kinds []proto.Kind
	for i := 0; i < 2; i++ {
		select {
		case env := <-sub.C():
			kinds = append(kinds, env.Kind)
			var notice proto.OperatorNotice
			require.NoError(t, env.Decode(&notice))
			require.Equal(t, "c1", notice.CommandID)
			require.False(t, notice.RequestedAtUTC.IsZero())
		case <-time.After(time.Second):
			t.Fatal("missing operator broadcast")
		}
	}
	require.ElementsMatch(t, []proto.Kind{proto.KindOperatorIntervention, proto.KindInterventionRequested}, kinds)
}

func TestOperatorNotifierThrottleDrops(t *testing.T) {
	b := bus.NewMemoryBus()
	sub, err := b.Subscribe(context.Background(), proto.OperatorsGroup)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	n := NewOperatorNotifier(b)
	// Burst of 5 allowed; the rest are dropped without blocking.
	for i := 0; i < 10; i++ {
		n.Notify(context.Background(), proto.OperatorNotice{CommandID: "c1", DroneID: "d1", Reason: "captcha"})
	}

	delivered := 0
	for {
		select {
		case <-sub.C():
			delivered++
		case <-time.After(100 * time.Millisecond):
			require.LessOrEqual(t, delivered, 12) // 5 allowed + up to one refill, two kinds each
			require.GreaterOrEqual(t, delivered, 10)
			return
		}
	}
}
