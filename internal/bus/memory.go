package bus

import (
	"context"
	"sync"

	"github.com/nkkko/notify-relay/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MemoryBus is an in-process bus for single-node deployments and tests.
// Delivery is best-effort: a subscriber whose buffer is full misses the record.
type MemoryBus struct {
	buffer  int
	subs    map[chan []byte]struct{}
	closed  bool
	done    chan struct{}
	mu      sync.Mutex
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewMemoryBus creates an in-process bus with the given per-subscriber buffer
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 256
	}
	return &MemoryBus{
		buffer:  buffer,
		subs:    make(map[chan []byte]struct{}),
		done:    make(chan struct{}),
		logger:  log.With().Str("component", "bus").Str("bus", "memory").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// Subscribe consumes published records until ctx is canceled or the bus is closed
func (b *MemoryBus) Subscribe(ctx context.Context, handler Handler) error {
	ch := make(chan []byte, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}()

	for {
		select {
		case record := <-ch:
			dispatch(ctx, b.logger, b.metrics, record, handler)
		case <-b.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Publish hands a copy of record to every current subscriber
func (b *MemoryBus) Publish(ctx context.Context, record []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}

	var receivers int64
	for ch := range b.subs {
		buf := make([]byte, len(record))
		copy(buf, record)

		select {
		case ch <- buf:
			receivers++
		default:
			b.metrics.BusMessagesTotal.WithLabelValues(metrics.BusDropped).Inc()
			b.logger.Warn().Msg("Subscriber buffer full, dropping record")
		}
	}
	return receivers, nil
}

// Subscribers returns the number of active subscriptions
func (b *MemoryBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops all subscriptions
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
