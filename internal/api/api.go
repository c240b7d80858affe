package api

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/websocket/v2"
	"github.com/nkkko/notify-relay/internal/api/gateway"
	"github.com/nkkko/notify-relay/internal/api/models"
	"github.com/nkkko/notify-relay/internal/api/response"
	"github.com/nkkko/notify-relay/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.opentelemetry.io/otel/attribute"
)

// EngineName identifies this listener in stats and logs
const EngineName = "fiber"

// API serves the WebSocket endpoint and HTTP routes on Fiber
type API struct {
	config  gateway.Config
	gateway *gateway.Gateway
	app     *fiber.App
	logger  zerolog.Logger

	mu       sync.Mutex
	ctx      context.Context
	listener net.Listener
	started  chan struct{}
}

// NewAPI creates a Fiber listener. Routes are registered immediately so the
// app can be exercised before Start.
func NewAPI(config gateway.Config, deps gateway.Dependencies) *API {
	g := gateway.New(EngineName, config, deps)

	a := &API{
		config:  g.Config(),
		gateway: g,
		logger:  log.With().Str("component", "api-fiber").Logger(),
		ctx:     context.Background(),
		started: make(chan struct{}),
	}

	a.app = fiber.New(fiber.Config{
		ReadTimeout:           a.config.ReadTimeout,
		WriteTimeout:          a.config.WriteTimeout,
		IdleTimeout:           a.config.IdleTimeout,
		BodyLimit:             a.config.MaxBodySize,
		DisableStartupMessage: true,
		ErrorHandler:          a.handleError,
	})

	a.app.Use(recover.New())
	a.app.Use(requestid.New())
	a.app.Use(a.observe)
	a.app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins(a.config),
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Accept,Content-Type,X-Request-ID",
		MaxAge:       300,
	}))

	a.registerRoutes(a.app)
	return a
}

// Start listens on the configured address and serves until ctx is canceled.
// Sessions run under ctx and close when it ends.
func (a *API) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.config.Addr, err)
	}

	a.mu.Lock()
	a.ctx = ctx
	a.listener = ln
	a.mu.Unlock()
	close(a.started)

	a.logger.Info().Str("addr", ln.Addr().String()).Msg("API server started")

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.app.Listener(ln)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}
}

// Shutdown stops accepting connections and waits for in-flight requests
func (a *API) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down API server")
	return a.app.ShutdownWithContext(ctx)
}

// Started is closed once the listener is bound
func (a *API) Started() <-chan struct{} {
	return a.started
}

// Addr returns the bound address, or the configured one before Start
func (a *API) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.config.Addr
}

func (a *API) sessionContext() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ctx
}

// registerRoutes sets up all API endpoints
func (a *API) registerRoutes(app *fiber.App) {
	app.Get("/healthz", a.handleHealth)
	app.Get("/readyz", a.handleReady)
	app.Get("/stats", a.handleStats)

	if !a.config.DisableMetrics {
		metricsHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
		app.Get("/metrics", func(c *fiber.Ctx) error {
			metricsHandler(c.Context())
			return nil
		})
	}

	if a.config.PublishEnabled {
		app.Post("/notifications", a.handlePublish)
	}

	app.Use(a.config.WebSocketPath, a.upgradeGuard)
	app.Get(a.config.WebSocketPath, websocket.New(func(c *websocket.Conn) {
		a.gateway.Serve(a.sessionContext(), c, c.RemoteAddr().String())
	}))
}

// upgradeGuard rejects plain HTTP requests and disallowed origins before the
// WebSocket handshake
func (a *API) upgradeGuard(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if origin := c.Get(fiber.HeaderOrigin); !a.config.OriginAllowed(origin) {
		a.logger.Warn().Str("origin", origin).Msg("Rejected WebSocket origin")
		return fiber.ErrForbidden
	}
	return c.Next()
}

func (a *API) handleHealth(c *fiber.Ctx) error {
	return a.send(c, fiber.StatusOK, models.HealthResponse{Status: "ok"})
}

func (a *API) handleReady(c *fiber.Ctx) error {
	if err := a.gateway.Ready(c.UserContext()); err != nil {
		return a.sendError(c, err)
	}
	return a.send(c, fiber.StatusOK, models.HealthResponse{Status: "ready"})
}

func (a *API) handleStats(c *fiber.Ctx) error {
	return a.send(c, fiber.StatusOK, a.gateway.Stats())
}

// handlePublish puts the request body on the bus as a notification record
func (a *API) handlePublish(c *fiber.Ctx) error {
	// fasthttp reuses the request buffer once the handler returns
	body := append([]byte(nil), c.Body()...)

	resp, err := a.gateway.Publish(c.UserContext(), body)
	if err != nil {
		return a.sendError(c, err)
	}
	return a.send(c, fiber.StatusAccepted, resp)
}

// observe logs, traces and counts each request
func (a *API) observe(c *fiber.Ctx) error {
	start := time.Now()

	ctx, span := telemetry.StartSpan(c.UserContext(), c.Method()+" "+c.Path())
	defer span.End()
	c.SetUserContext(ctx)

	err := c.Next()
	if err != nil {
		// Run the error handler now so the logged status is the one sent
		if herr := a.app.ErrorHandler(c, err); herr != nil {
			c.Status(fiber.StatusInternalServerError)
		}
	}

	status := c.Response().StatusCode()
	route := c.Route().Path
	duration := time.Since(start)

	telemetry.AddSpanAttributes(ctx,
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	)
	a.gateway.ObserveRequest(c.Method(), route, status, duration)

	event := a.logger.Info()
	switch {
	case status >= 500:
		event = a.logger.Error()
	case status >= 400:
		event = a.logger.Warn()
	}
	event.
		Str("method", c.Method()).
		Str("path", c.Path()).
		Str("route", route).
		Str("request_id", requestID(c)).
		Int("status", status).
		Dur("duration", duration).
		Msg("Request completed")

	return nil
}

// handleError renders fiber errors in the standard response envelope
func (a *API) handleError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if stderrors.As(err, &fe) {
		return c.Status(fe.Code).JSON(response.Response{
			Success:   false,
			RequestID: requestID(c),
			Error:     fiber.Map{"code": fe.Code, "message": fe.Message},
		})
	}
	return a.sendError(c, err)
}

func (a *API) send(c *fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(response.New(status, requestID(c), data))
}

func (a *API) sendError(c *fiber.Ctx, err error) error {
	status, resp := response.NewError(err, requestID(c))
	return c.Status(status).JSON(resp)
}

func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals(requestid.ConfigDefault.ContextKey).(string); ok {
		return id
	}
	return c.GetRespHeader(fiber.HeaderXRequestID)
}

// allowOrigins renders the allowlist in the comma-separated form Fiber's cors
// middleware expects
func allowOrigins(config gateway.Config) string {
	if config.AllowsAnyOrigin() {
		return "*"
	}
	return strings.Join(config.AllowedOrigins, ",")
}
