// SPDX-License-Identifier: MIT

// Package bus defines the group-based pub/sub transport between the
// orchestrator, its drones and operator consoles. Delivery is assumed
// at-least-once; handlers must tolerate duplicates.
package bus

import (
	"context"

	"github.com/hivemesh/hive/internal/proto"
)

// Bus publishes envelopes to named groups and hands out subscriptions.
type Bus interface {
	Publish(ctx context.Context, group string, env proto.Envelope) error
	Subscribe(ctx context.Context, group string) (Subscription, error)
}

// Subscription is one receiver's view of a group. C is closed by Close.
type Subscription interface {
	C() <-chan proto.Envelope
	Close() error
}
