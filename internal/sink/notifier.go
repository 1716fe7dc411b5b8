// SPDX-License-Identifier: MIT

package sink

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/hivemesh/hive/internal/bus"
	"github.com/hivemesh/hive/internal/log"
	"github.com/hivemesh/hive/internal/metrics"
	"github.com/hivemesh/hive/internal/proto"
)

// OperatorNotifier broadcasts intervention events to the operators group.
// Broadcasts are throttled so a misbehaving drone cannot flood operator
// consoles; over-limit notices are dropped and counted, never queued.
type OperatorNotifier struct {
	bus     bus.Bus
	limiter *rate.Limiter
}

func NewOperatorNotifier(b bus.Bus) *OperatorNotifier {
	return &OperatorNotifier{
		bus:     b,
		limiter: rate.NewLimiter(rate.Limit(1), 5),
	}
}

// Notify publishes the notice under both operator event kinds. A throttled
// or failed publish is logged and dropped; it never propagates.
func (n *OperatorNotifier) Notify(ctx context.Context, notice proto.OperatorNotice) {
	logger := log.WithComponent("sink")
	if !n.limiter.Allow() {
		metrics.IncBusDropReason(proto.OperatorsGroup, "throttled")
		logger.Warn().
			Str(log.FieldCommandID, notice.CommandID).
			Str(log.FieldDroneID, notice.DroneID).
			Str(log.FieldEvent, "sink.operator_notice_throttled").
			Msg("operator notice dropped by throttle")
		return
	}
	if notice.RequestedAtUTC.IsZero() {
		notice.RequestedAtUTC = time.Now().UTC()
	}

	publishCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for _, kind := range []proto.Kind{proto.KindOperatorIntervention, proto.KindInterventionRequested} {
		if err := n.publish(publishCtx, kind, notice); err != nil {
			logger.Warn().
				Err(err).
				Str(log.FieldCommandID, notice.CommandID).
				Str(log.FieldEvent, "sink.operator_notice_failed").
				Msg("operator notice publish failed")
			return
		}
	}
}

func (n *OperatorNotifier) publish(ctx context.Context, kind proto.Kind, notice proto.OperatorNotice) error {
	env, err := proto.NewEnvelope(kind, notice)
	if err != nil {
		return fmt.Errorf("frame operator notice: %w", err)
	}
	return n.bus.Publish(ctx, proto.OperatorsGroup, env)
}
