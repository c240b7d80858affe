package chi

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/nkkko/notify-relay/internal/api/errors"
	"github.com/nkkko/notify-relay/internal/api/gateway"
	"github.com/nkkko/notify-relay/internal/api/models"
	"github.com/nkkko/notify-relay/internal/api/response"
	"github.com/nkkko/notify-relay/internal/logging"
	"github.com/nkkko/notify-relay/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EngineName identifies this listener in stats and logs
const EngineName = "chi"

// ChiAPI serves the WebSocket endpoint and HTTP routes using the chi router
// and gorilla/websocket
type ChiAPI struct {
	config   gateway.Config
	gateway  *gateway.Gateway
	router   *chi.Mux
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu       sync.Mutex
	ctx      context.Context
	server   *http.Server
	listener net.Listener
	started  chan struct{}
}

// NewChiAPI creates a chi listener. Routes are registered immediately so the
// handler can be served by httptest before Start.
func NewChiAPI(config gateway.Config, deps gateway.Dependencies) *ChiAPI {
	g := gateway.New(EngineName, config, deps)

	a := &ChiAPI{
		config:  g.Config(),
		gateway: g,
		logger:  log.With().Str("component", "api-chi").Logger(),
		ctx:     context.Background(),
		started: make(chan struct{}),
	}

	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return a.config.OriginAllowed(r.Header.Get("Origin"))
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.HTTPMiddleware("relay"))
	r.Use(logging.HTTPMiddleware())
	r.Use(a.observe)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	a.registerRoutes(r)
	a.router = r

	return a
}

// Handler returns the HTTP handler with all routes mounted
func (a *ChiAPI) Handler() http.Handler {
	return a.router
}

// Start initializes and runs the API server until ctx is canceled. Sessions
// run under ctx and close when it ends.
func (a *ChiAPI) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.config.Addr, err)
	}

	server := &http.Server{
		Handler:      a.router,
		ReadTimeout:  a.config.ReadTimeout,
		WriteTimeout: a.config.WriteTimeout,
		IdleTimeout:  a.config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	a.mu.Lock()
	a.ctx = ctx
	a.server = server
	a.listener = ln
	a.mu.Unlock()
	close(a.started)

	a.logger.Info().Str("addr", ln.Addr().String()).Msg("API server started")

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
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

// Shutdown stops accepting connections and waits for in-flight requests.
// Hijacked WebSocket connections are closed by their sessions.
func (a *ChiAPI) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	server := a.server
	a.mu.Unlock()

	if server == nil {
		return nil
	}

	a.logger.Info().Msg("Shutting down API server")
	return server.Shutdown(ctx)
}

// Started is closed once the listener is bound
func (a *ChiAPI) Started() <-chan struct{} {
	return a.started
}

// Addr returns the bound address, or the configured one before Start
func (a *ChiAPI) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.config.Addr
}

func (a *ChiAPI) sessionContext() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ctx
}

// registerRoutes sets up all API endpoints
func (a *ChiAPI) registerRoutes(r chi.Router) {
	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	r.Get("/stats", a.handleStats)
	if !a.config.DisableMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	if a.config.PublishEnabled {
		r.Post("/notifications", a.handlePublish)
	}

	r.Get(a.config.WebSocketPath, a.handleWebSocket)
}

func (a *ChiAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, models.HealthResponse{Status: "ok"})
}

func (a *ChiAPI) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.gateway.Ready(r.Context()); err != nil {
		response.Error(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, models.HealthResponse{Status: "ready"})
}

func (a *ChiAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, a.gateway.Stats())
}

// handlePublish puts the request body on the bus as a notification record
func (a *ChiAPI) handlePublish(w http.ResponseWriter, r *http.Request) {
	// Read one byte past the limit so oversized bodies are detected
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(a.config.MaxBodySize)+1))
	if err != nil {
		response.Error(w, r, errors.ValidationError("unreadable_body", "Failed to read request body"))
		return
	}

	resp, err := a.gateway.Publish(r.Context(), body)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusAccepted, resp)
}

// handleWebSocket upgrades the connection and runs a session on it. The
// handler blocks until the session closes.
func (a *ChiAPI) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response
		logger := logging.FromContext(r.Context())
		logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	a.gateway.Serve(a.sessionContext(), conn, r.RemoteAddr)
}

// observe records request metrics labelled with the matched route
func (a *ChiAPI) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		status := ww.Status()
		if status == 0 {
			// Hijacked or nothing written
			status = http.StatusSwitchingProtocols
			if r.Header.Get("Upgrade") == "" {
				status = http.StatusOK
			}
		}
		a.gateway.ObserveRequest(r.Method, route, status, time.Since(start))
	})
}
