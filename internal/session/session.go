package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nkkko/notify-relay/internal/metrics"
	"github.com/nkkko/notify-relay/internal/registry"
	"github.com/nkkko/notify-relay/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrSessionClosed is returned for operations on a closed session
	ErrSessionClosed = errors.New("session closed")

	// ErrSendBufferFull is returned when a session cannot accept another frame
	ErrSendBufferFull = errors.New("send buffer full")
)

// Conn is the transport a session runs over. It is satisfied by both
// gorilla/websocket and gofiber/websocket connections.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// ReadAckRouter receives read acknowledgements sent by clients
type ReadAckRouter interface {
	OnReadAck(ctx context.Context, sender registry.Member, notificationID json.RawMessage) int
}

// Config contains session configuration
type Config struct {
	// Number of outbound frames buffered per connection
	SendBufferSize int

	// Maximum time allowed to write a frame
	WriteTimeout time.Duration

	// Maximum time to wait for a pong before treating the peer as gone
	PongWait time.Duration

	// Interval between pings; must be shorter than PongWait
	PingPeriod time.Duration

	// Maximum size of a client frame in bytes
	MaxMessageSize int64
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		SendBufferSize: 64,
		WriteTimeout:   10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 4096,
	}
}

// Session is the server side of one client connection
type Session struct {
	id        string
	conn      Conn
	registry  *registry.Registry
	router    ReadAckRouter
	config    Config
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	created   time.Time

	mu       sync.Mutex
	state    State
	identity proto.Identity

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a session in the Unjoined state
func New(conn Conn, reg *registry.Registry, router ReadAckRouter, config Config) *Session {
	defaults := DefaultConfig()
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = defaults.SendBufferSize
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.PongWait <= 0 {
		config.PongWait = defaults.PongWait
	}
	if config.PingPeriod <= 0 || config.PingPeriod >= config.PongWait {
		config.PingPeriod = config.PongWait * 9 / 10
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}

	id := generateID()
	s := &Session{
		id:       id,
		conn:     conn,
		registry: reg,
		router:   router,
		config:   config,
		send:     make(chan []byte, config.SendBufferSize),
		done:     make(chan struct{}),
		created:  time.Now(),
		state:    StateUnjoined,
		logger:   log.With().Str("component", "session").Str("connection_id", id).Logger(),
		metrics:  metrics.GetMetrics(),
	}

	s.metrics.SessionsActive.Inc()
	s.metrics.SessionsTotal.Inc()

	return s
}

// ID returns the connection identifier
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the identity the session is joined under
func (s *Session) Identity() (proto.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.state == StateJoined
}

// Done is closed once the session reaches the Closed state
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Join moves the session into id's group, leaving any previous group
func (s *Session) Join(id proto.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrSessionClosed
	}

	s.registry.Join(id, s)
	s.identity = id
	s.state = StateJoined

	s.logger.Info().Str("identity", id.String()).Msg("Connection joined")
	return nil
}

// Leave removes the session from its group. The session stays open and may
// join again.
func (s *Session) Leave() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrSessionClosed
	case StateUnjoined:
		return nil
	}

	s.registry.Leave(s)
	s.logger.Info().Str("identity", s.identity.String()).Msg("Connection left")
	s.identity = ""
	s.state = StateUnjoined

	return nil
}

// Close moves the session to Closed, drops its group membership and closes
// the transport. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.registry.Disconnect(s)
		s.identity = ""
		s.state = StateClosed
		s.mu.Unlock()

		close(s.done)

		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = s.conn.Close()

		s.metrics.SessionsActive.Dec()
		s.metrics.SessionDuration.Observe(time.Since(s.created).Seconds())

		s.logger.Debug().Msg("Connection closed")
	})
}

// Deliver queues an encoded frame for the write pump without blocking
func (s *Session) Deliver(frame []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Run pumps frames in both directions until the client disconnects, the
// transport fails, or ctx is canceled. The session is Closed on return.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	go s.writePump()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	s.readPump(ctx)
	return nil
}

// readPump reads client frames and dispatches them until the transport fails
func (s *Session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(s.config.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
	})

	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug().Err(err).Msg("WebSocket read error")
				}
			}
			return
		}

		// Any client traffic counts as liveness
		_ = s.conn.SetReadDeadline(time.Now().Add(s.config.PongWait))

		if messageType != websocket.TextMessage {
			continue
		}
		s.handleFrame(ctx, message)
	}
}

// writePump serialises all writes to the transport and sends pings
func (s *Session) writePump() {
	ticker := time.NewTicker(s.config.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug().Err(err).Msg("WebSocket write error")
				s.Close()
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(s.config.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Debug().Err(err).Msg("WebSocket ping failed")
				s.Close()
				return
			}

		case <-s.done:
			return
		}
	}
}

// handleFrame dispatches a single client frame. Malformed frames are logged
// and ignored; nothing is reported back to the client.
func (s *Session) handleFrame(ctx context.Context, frame []byte) {
	env, err := proto.DecodeEnvelope(frame)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Failed to parse client frame")
		s.metrics.ClientFrames.WithLabelValues("invalid").Inc()
		return
	}

	switch env.Event {
	case proto.EventJoin:
		s.metrics.ClientFrames.WithLabelValues(env.Event).Inc()
		id, err := proto.ParseIdentity(env.Data)
		if err != nil {
			s.logger.Warn().Err(err).RawJSON("data", safeRaw(env.Data)).Msg("Ignoring join with invalid identity")
			return
		}
		if err := s.Join(id); err != nil {
			s.logger.Debug().Err(err).Msg("Join failed")
		}

	case proto.EventLeave:
		s.metrics.ClientFrames.WithLabelValues(env.Event).Inc()
		if err := s.Leave(); err != nil {
			s.logger.Debug().Err(err).Msg("Leave failed")
		}

	case proto.EventMarkRead:
		s.metrics.ClientFrames.WithLabelValues(env.Event).Inc()
		s.router.OnReadAck(ctx, s, env.Data)

	default:
		s.metrics.ClientFrames.WithLabelValues("unknown").Inc()
		s.logger.Debug().Str("event", env.Event).Msg("Unknown client event")
	}
}

// safeRaw returns data if it is valid JSON for structured logging
func safeRaw(data json.RawMessage) []byte {
	if len(data) == 0 || !json.Valid(data) {
		return []byte("null")
	}
	return data
}

// Variable for generating unique connection IDs
// Can be replaced in tests for deterministic behavior
var generateID = func() string {
	return uuid.NewString()
}
