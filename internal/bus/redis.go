package bus

import (
	"context"
	"fmt"

	"github.com/nkkko/notify-relay/internal/metrics"
	"github.com/nkkko/notify-relay/pkg/proto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RedisConfig contains Redis bus configuration
type RedisConfig struct {
	// Redis server address (host:port)
	Addr string

	// Optional password
	Password string

	// Database number
	DB int

	// Pub/sub channel carrying notification records
	Channel string
}

// DefaultRedisConfig returns a default configuration
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:    "localhost:6379",
		Channel: proto.DefaultChannel,
	}
}

// RedisBus carries notifications over Redis pub/sub. The go-redis client
// reconnects on its own; a dropped link only loses messages published while
// it was down.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewRedisBus creates a Redis-backed bus. No connection is made until first use.
func NewRedisBus(config RedisConfig) *RedisBus {
	if config.Addr == "" {
		config.Addr = DefaultRedisConfig().Addr
	}
	if config.Channel == "" {
		config.Channel = proto.DefaultChannel
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	return &RedisBus{
		client:  client,
		channel: config.Channel,
		logger: log.With().
			Str("component", "bus").
			Str("bus", "redis").
			Str("channel", config.Channel).
			Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// Ping checks that Redis is reachable
func (b *RedisBus) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Subscribe listens on the notification channel until ctx is canceled or
// the bus is closed
func (b *RedisBus) Subscribe(ctx context.Context, handler Handler) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}
	b.logger.Info().Msg("Subscribed to notification channel")

	messages := pubsub.Channel()
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				b.logger.Info().Msg("Subscription closed")
				return nil
			}
			dispatch(ctx, b.logger, b.metrics, []byte(msg.Payload), handler)

		case <-ctx.Done():
			b.logger.Info().Msg("Context canceled, stopping subscription")
			return ctx.Err()
		}
	}
}

// Publish sends a record on the notification channel
func (b *RedisBus) Publish(ctx context.Context, record []byte) (int64, error) {
	receivers, err := b.client.Publish(ctx, b.channel, record).Result()
	if err != nil {
		return 0, fmt.Errorf("publish to %s: %w", b.channel, err)
	}
	return receivers, nil
}

// Close closes the Redis client
func (b *RedisBus) Close() error {
	if err := b.client.Close(); err != nil && err != redis.ErrClosed {
		return err
	}
	return nil
}
