package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nkkko/notify-relay/internal/api/gateway"
	"github.com/nkkko/notify-relay/internal/bus"
	"github.com/nkkko/notify-relay/internal/domain"
	"github.com/nkkko/notify-relay/internal/registry"
	"github.com/nkkko/notify-relay/internal/router"
	"github.com/nkkko/notify-relay/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Config contains engine configuration parameters
type Config struct {
	// Listener engine and settings
	API domain.APIConfig

	// Notification bus
	Bus bus.Config

	// Tracing
	Telemetry telemetry.Config

	// Upper bound on graceful shutdown
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		API: domain.APIConfig{
			Type:     domain.ChiAPI,
			Listener: gateway.DefaultConfig(),
		},
		Bus: bus.Config{
			Type:  bus.RedisBusType,
			Redis: bus.DefaultRedisConfig(),
		},
		Telemetry:       telemetry.DefaultConfig(),
		ShutdownTimeout: 10 * time.Second,
	}
}

// Engine wires the bus subscriber, router, registry and listener together
type Engine struct {
	config      Config
	registry    *registry.Registry
	router      *router.Router
	bus         bus.Bus
	api         domain.APIEngine
	logger      zerolog.Logger
	telemetryFn func(context.Context) error
}

// CreateEngine builds an engine and the bus named in config
func CreateEngine(config Config) (*Engine, error) {
	b, err := bus.New(config.Bus)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize bus: %w", err)
	}

	e, err := NewEngine(config, b)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	return e, nil
}

// NewEngine builds an engine around an existing bus
func NewEngine(config Config, b bus.Bus) (*Engine, error) {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	reg := registry.New()
	r := router.NewRouter(reg)

	deps := gateway.Dependencies{
		Registry: reg,
		Router:   r,
		Ready:    readiness(b),
	}
	if config.API.Listener.PublishEnabled {
		deps.Publisher = b
	}

	api, err := domain.NewAPIEngine(config.API, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize API: %w", err)
	}

	return &Engine{
		config:   config,
		registry: reg,
		router:   r,
		bus:      b,
		api:      api,
		logger:   log.With().Str("component", "engine").Logger(),
	}, nil
}

// readiness reports the bus backend as the only external dependency
func readiness(b bus.Bus) gateway.ReadinessCheck {
	pinger, ok := b.(domain.Pinger)
	if !ok {
		return nil
	}
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return pinger.Ping(ctx)
	}
}

// Registry exposes the group registry
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// API exposes the listener
func (e *Engine) API() domain.APIEngine {
	return e.api
}

// Start runs the listener and the bus subscription until ctx is canceled or
// either of them fails
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().
		Str("api", string(e.config.API.Type)).
		Str("bus", string(e.config.Bus.Type)).
		Msg("Starting relay engine")

	telShutdown, err := telemetry.Setup(ctx, e.config.Telemetry)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.api.Start(gctx)
	})

	g.Go(func() error {
		err := e.bus.Subscribe(gctx, e.router.Handle)
		switch {
		case err == nil, errors.Is(err, context.Canceled), errors.Is(err, bus.ErrClosed):
			return nil
		default:
			return fmt.Errorf("bus subscription: %w", err)
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("Relay engine stopped")
	return nil
}

// Shutdown stops the listener, closes the bus and flushes telemetry. Sessions
// close on their own when the context passed to Start is canceled.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down relay engine")

	ctx, cancel := context.WithTimeout(ctx, e.config.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := e.api.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down API")
		firstErr = err
	}

	if err := e.bus.Close(); err != nil {
		e.logger.Error().Err(err).Msg("Failed to close bus")
		if firstErr == nil {
			firstErr = err
		}
	}

	if e.telemetryFn != nil {
		if err := e.telemetryFn(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down telemetry")
		}
	}

	members, groups := e.registry.Count()
	e.logger.Info().
		Int("members", members).
		Int("groups", groups).
		Msg("Relay engine shut down")

	return firstErr
}
