// Package gateway holds the listener behaviour shared by the chi and Fiber
// front-ends: configuration, the session factory, the publish endpoint,
// readiness and stats.
package gateway

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/nkkko/notify-relay/internal/api/errors"
	"github.com/nkkko/notify-relay/internal/api/models"
	"github.com/nkkko/notify-relay/internal/api/validation"
	"github.com/nkkko/notify-relay/internal/bus"
	"github.com/nkkko/notify-relay/internal/metrics"
	"github.com/nkkko/notify-relay/internal/registry"
	"github.com/nkkko/notify-relay/internal/session"
	"github.com/nkkko/notify-relay/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config contains listener configuration common to both engines
type Config struct {
	// Server address
	Addr string

	// Path the WebSocket endpoint is mounted on
	WebSocketPath string

	// Origins allowed to open connections; empty or "*" allows any
	AllowedOrigins []string

	// Whether POST /notifications is mounted
	PublishEnabled bool

	// Whether /metrics is left unmounted
	DisableMetrics bool

	// Maximum accepted request body in bytes
	MaxBodySize int

	// Timeouts
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Per-connection settings
	Session session.Config
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		WebSocketPath:  "/ws",
		AllowedOrigins: []string{"*"},
		PublishEnabled: false,
		MaxBodySize:    64 * 1024,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		Session:        session.DefaultConfig(),
	}
}

// WithDefaults fills zero fields from DefaultConfig
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.WebSocketPath == "" {
		c.WebSocketPath = d.WebSocketPath
	}
	if !strings.HasPrefix(c.WebSocketPath, "/") {
		c.WebSocketPath = "/" + c.WebSocketPath
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = d.MaxBodySize
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	return c
}

// AllowsAnyOrigin reports whether the origin allowlist is open
func (c Config) AllowsAnyOrigin() bool {
	if len(c.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range c.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

// OriginAllowed reports whether a WebSocket handshake from origin may proceed.
// Requests without an Origin header come from non-browser clients and are
// always accepted.
func (c Config) OriginAllowed(origin string) bool {
	if origin == "" || c.AllowsAnyOrigin() {
		return true
	}
	for _, o := range c.AllowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// ReadinessCheck reports whether the service can do useful work
type ReadinessCheck func(ctx context.Context) error

// Dependencies are the domain components a listener serves
type Dependencies struct {
	Registry *registry.Registry
	Router   session.ReadAckRouter

	// Publisher backs POST /notifications; may be nil when publishing is disabled
	Publisher bus.Publisher

	// Ready backs /readyz; nil means always ready
	Ready ReadinessCheck
}

// Gateway implements the transport-independent parts of a listener
type Gateway struct {
	config  Config
	engine  string
	deps    Dependencies
	started time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a gateway for the named engine
func New(engine string, config Config, deps Dependencies) *Gateway {
	return &Gateway{
		config:  config.WithDefaults(),
		engine:  engine,
		deps:    deps,
		started: time.Now(),
		logger:  log.With().Str("component", "gateway").Str("engine", engine).Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// Config returns the effective configuration
func (g *Gateway) Config() Config {
	return g.config
}

// NewSession wraps an upgraded connection in a session bound to the registry
func (g *Gateway) NewSession(conn session.Conn) *session.Session {
	return session.New(conn, g.deps.Registry, g.deps.Router, g.config.Session)
}

// Serve runs a session for conn until the client goes away or ctx ends
func (g *Gateway) Serve(ctx context.Context, conn session.Conn, remoteAddr string) {
	s := g.NewSession(conn)
	g.logger.Debug().
		Str("connection_id", s.ID()).
		Str("remote_addr", remoteAddr).
		Msg("WebSocket connection established")

	_ = s.Run(ctx)

	g.logger.Debug().
		Str("connection_id", s.ID()).
		Msg("WebSocket connection finished")
}

// Publish validates a notification record and puts it on the bus verbatim
func (g *Gateway) Publish(ctx context.Context, body []byte) (*models.PublishResponse, error) {
	if g.deps.Publisher == nil {
		g.metrics.PublishedTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return nil, errors.UnavailableError("publisher_unavailable", "No bus publisher configured")
	}
	if err := validation.CheckSize(body, g.config.MaxBodySize); err != nil {
		g.metrics.PublishedTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return nil, err
	}
	if err := validation.CheckRecord(body); err != nil {
		g.metrics.PublishedTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return nil, err
	}

	// CheckRecord has already decoded it once; this cannot fail
	n, _ := proto.DecodeNotification(body)

	receivers, err := g.deps.Publisher.Publish(ctx, body)
	if err != nil {
		g.metrics.PublishedTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		g.logger.Error().Err(err).Str("user", n.User.String()).Msg("Failed to publish notification")
		return nil, errors.UnavailableError("publish_failed", "Failed to publish notification").
			WithDetails(err.Error())
	}

	g.metrics.PublishedTotal.WithLabelValues(metrics.OutcomeOK).Inc()
	g.logger.Debug().
		Str("user", n.User.String()).
		Int64("receivers", receivers).
		Msg("Notification published")

	return &models.PublishResponse{User: n.User.String(), Receivers: receivers}, nil
}

// Ready runs the readiness check
func (g *Gateway) Ready(ctx context.Context) error {
	if g.deps.Ready == nil {
		return nil
	}
	if err := g.deps.Ready(ctx); err != nil {
		return errors.UnavailableError("not_ready", err.Error())
	}
	return nil
}

// Stats reports live session and group counts
func (g *Gateway) Stats() *models.StatsResponse {
	members, groups := g.deps.Registry.Count()
	return &models.StatsResponse{
		Members:  members,
		Groups:   groups,
		Engine:   g.engine,
		Started:  g.started.UTC(),
		Uptime:   time.Since(g.started).Round(time.Second).String(),
	}
}

// ObserveRequest records a completed HTTP request. WebSocket upgrades are
// recorded when the handshake completes.
func (g *Gateway) ObserveRequest(method, path string, status int, duration time.Duration) {
	g.metrics.APIRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	g.metrics.APIRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
