// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hivemesh/hive/internal/proto"
)

func TestMemoryBusDeliversToAllGroupSubscribers(t *testing.T) {
	b := NewMemoryBus()
	sub1, err := b.Subscribe(context.Background(), "drone_d1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub1.Close() })
	sub2, err := b.Subscribe(context.Background(), "drone_d1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub2.Close() })

	env, err := proto.NewEnvelope(proto.KindExecuteCommand, proto.CommandPayload{CommandID: "c1", Type: "navigate"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "drone_d1", env))

	for _, sub := range []Subscription{sub1, sub2} {
		select {
		case got := <-sub.C():
			require.Equal(t, proto.KindExecuteCommand, got.Kind)
			var cmd proto.CommandPayload
			require.NoError(t, got.Decode(&cmd))
			require.Equal(t, "c1", cmd.CommandID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the envelope")
		}
	}
}

func TestMemoryBusPublishTimesOutWhenSubscriberFull(t *testing.T) {
	b := NewMemoryBus()
	sub, err := b.Subscribe(context.Background(), "drone_d1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	env, err := proto.NewEnvelope(proto.KindExecuteCommand, proto.CommandPayload{CommandID: "c1"})
	require.NoError(t, err)
	for i := 0; i < cap(sub.C()); i++ {
		require.NoError(t, b.Publish(context.Background(), "drone_d1", env))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = b.Publish(ctx, "drone_d1", env)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryBusPublishRejectsNilContext(t *testing.T) {
	b := NewMemoryBus()
	err := b.Publish(nil, "drone_d1", proto.Envelope{}) //nolint:staticcheck // nil context is the case under test
	require.Error(t, err)
	require.Contains(t, err.Error(), "context is nil")
}

func TestMemoryBusCloseRemovesSubscriberAndClosesChannel(t *testing.T) {
	b := NewMemoryBus()
	sub, err := b.Subscribe(context.Background(), "operators")
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close()) // idempotent

	_, open := <-sub.C()
	require.False(t, open)

	// Publishing to an empty group succeeds without delivery.
	require.NoError(t, b.Publish(context.Background(), "operators", proto.Envelope{Kind: proto.KindInterventionRequested}))
}
