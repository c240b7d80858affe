package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nkkko/notify-relay/internal/metrics"
	"github.com/nkkko/notify-relay/internal/registry"
	"github.com/nkkko/notify-relay/internal/telemetry"
	"github.com/nkkko/notify-relay/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Router fans events out to the connections joined under an identity
type Router struct {
	registry *registry.Registry
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewRouter creates a router over the given registry
func NewRouter(reg *registry.Registry) *Router {
	return &Router{
		registry: reg,
		logger:   log.With().Str("component", "router").Logger(),
		metrics:  metrics.GetMetrics(),
	}
}

// Handle is the bus callback form of OnNotification
func (r *Router) Handle(ctx context.Context, n *proto.Notification) {
	r.OnNotification(ctx, n)
}

// OnNotification delivers n to every connection currently joined under its
// user. It returns the number of successful deliveries.
func (r *Router) OnNotification(ctx context.Context, n *proto.Notification) int {
	if n == nil {
		return 0
	}

	ctx, span := telemetry.StartSpan(ctx, "router.notification")
	defer span.End()

	frame, err := proto.EncodeEnvelope(proto.EventNewNotification, n.Payload)
	if err != nil {
		r.logger.Error().Err(err).Str("identity", n.User.String()).Msg("Failed to encode notification")
		telemetry.MarkSpanError(ctx, err)
		return 0
	}

	members := r.registry.Lookup(n.User)
	telemetry.AddSpanAttributes(ctx,
		attribute.String("relay.identity", n.User.String()),
		attribute.Int("relay.fanout", len(members)),
	)

	return r.fanOut(proto.EventNewNotification, n.User, members, frame)
}

// OnReadAck broadcasts a read acknowledgement to the sender's group, the
// sender included. Unjoined senders are ignored.
func (r *Router) OnReadAck(ctx context.Context, sender registry.Member, notificationID json.RawMessage) int {
	id, ok := sender.Identity()
	if !ok {
		r.logger.Debug().Str("connection_id", sender.ID()).Msg("Ignoring read acknowledgement from unjoined connection")
		return 0
	}

	ctx, span := telemetry.StartSpan(ctx, "router.read_ack")
	defer span.End()

	frame, err := proto.EncodeEnvelope(proto.EventNotificationRead, notificationID)
	if err != nil {
		r.logger.Warn().Err(err).Str("connection_id", sender.ID()).Msg("Failed to encode read acknowledgement")
		telemetry.MarkSpanError(ctx, err)
		return 0
	}

	members := r.registry.Lookup(id)
	telemetry.AddSpanAttributes(ctx,
		attribute.String("relay.identity", id.String()),
		attribute.Int("relay.fanout", len(members)),
	)

	return r.fanOut(proto.EventNotificationRead, id, members, frame)
}

// fanOut delivers frame to each member. A failed delivery is logged and does
// not stop delivery to the rest of the group.
func (r *Router) fanOut(event string, id proto.Identity, members []registry.Member, frame []byte) int {
	start := time.Now()
	delivered := 0

	for _, m := range members {
		if err := m.Deliver(frame); err != nil {
			r.metrics.DeliveriesTotal.WithLabelValues(event, metrics.OutcomeFailed).Inc()
			r.logger.Warn().
				Err(err).
				Str("event", event).
				Str("identity", id.String()).
				Str("connection_id", m.ID()).
				Msg("Delivery failed")
			continue
		}
		delivered++
	}

	r.metrics.DeliveriesTotal.WithLabelValues(event, metrics.OutcomeOK).Add(float64(delivered))
	r.metrics.RouterEventsTotal.WithLabelValues(event).Inc()
	r.metrics.FanOutSize.WithLabelValues(event).Observe(float64(len(members)))
	r.metrics.RouterEventDuration.WithLabelValues(event).Observe(time.Since(start).Seconds())

	r.logger.Debug().
		Str("event", event).
		Str("identity", id.String()).
		Int("members", len(members)).
		Int("delivered", delivered).
		Msg("Event routed")

	return delivered
}
