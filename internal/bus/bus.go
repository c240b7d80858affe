package bus

import (
	"context"
	"errors"

	"github.com/nkkko/notify-relay/internal/metrics"
	"github.com/nkkko/notify-relay/pkg/proto"
	"github.com/rs/zerolog"
)

// ErrClosed is returned when publishing on a closed bus
var ErrClosed = errors.New("bus closed")

// Handler receives each successfully decoded notification
type Handler func(ctx context.Context, n *proto.Notification)

// Subscriber consumes the notification channel for the process lifetime
type Subscriber interface {
	// Subscribe blocks, decoding each record and passing it to handler,
	// until ctx is canceled or the bus is closed
	Subscribe(ctx context.Context, handler Handler) error

	// Close releases the bus connection
	Close() error
}

// Publisher puts notification records on the bus
type Publisher interface {
	// Publish sends a raw record and reports how many subscribers received it
	Publish(ctx context.Context, record []byte) (int64, error)

	// Close releases the bus connection
	Close() error
}

// Bus is both ends of the notification channel
type Bus interface {
	Subscriber
	Publisher
}

// dispatch decodes a single bus message and hands it to handler. Records that
// fail to decode are logged and dropped so the subscription keeps running.
func dispatch(ctx context.Context, logger zerolog.Logger, m *metrics.Metrics, payload []byte, handler Handler) {
	n, err := proto.DecodeNotification(payload)
	if err != nil {
		m.BusMessagesTotal.WithLabelValues(metrics.BusDecodeError).Inc()
		logger.Error().
			Err(err).
			Int("size", len(payload)).
			Msg("Discarding undecodable bus message")
		return
	}

	m.BusMessagesTotal.WithLabelValues(metrics.BusDecoded).Inc()
	handler(ctx, n)
}
