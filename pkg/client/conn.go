package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/notify-relay/pkg/proto"
)

// ErrClosed is returned when sending on a closed connection
var ErrClosed = errors.New("connection closed")

// Event is a server event received on a connection
type Event struct {
	Name string
	Data json.RawMessage
}

// Conn is a client WebSocket connection to the relay
type Conn struct {
	ws     *websocket.Conn
	events chan Event
	done   chan struct{}

	writeMu   sync.Mutex
	timeout   time.Duration
	closeOnce sync.Once
}

// Dial opens a connection. url may use ws(s):// or http(s):// schemes.
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	o := newOptions(opts)

	wsURL, err := websocketURL(url, "")
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: o.timeout}
	ws, _, err := dialer.DialContext(ctx, wsURL, o.headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	c := &Conn{
		ws:      ws,
		events:  make(chan Event, o.bufferSize),
		done:    make(chan struct{}),
		timeout: o.timeout,
	}
	go c.receive()

	return c, nil
}

// DialPath dials path on the relay at an http(s) base URL
func DialPath(ctx context.Context, baseURL, path string, opts ...Option) (*Conn, error) {
	wsURL, err := websocketURL(baseURL, path)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	return Dial(ctx, wsURL, opts...)
}

// Join subscribes the connection to notifications for user, which must be
// a string or a number
func (c *Conn) Join(user any) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to encode user: %w", err)
	}
	if _, err := proto.ParseIdentity(data); err != nil {
		return err
	}
	return c.send(proto.EventJoin, data)
}

// Leave unsubscribes the connection from its current group
func (c *Conn) Leave() error {
	return c.send(proto.EventLeave, nil)
}

// MarkRead tells every connection of the current user that notificationID
// has been read
func (c *Conn) MarkRead(notificationID any) error {
	data, err := json.Marshal(notificationID)
	if err != nil {
		return fmt.Errorf("failed to encode notification id: %w", err)
	}
	return c.send(proto.EventMarkRead, data)
}

// Events returns received server events. The channel is closed when the
// connection ends.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Done is closed when the connection ends
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Next waits for the next event named name, skipping others
func (c *Conn) Next(ctx context.Context, name string) (Event, error) {
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return Event{}, ErrClosed
			}
			if ev.Name == name {
				return ev, nil
			}
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

func (c *Conn) send(event string, data json.RawMessage) error {
	frame, err := proto.EncodeEnvelope(event, data)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// receive reads server frames until the connection ends
func (c *Conn) receive() {
	defer func() {
		close(c.events)
		c.closeOnce.Do(func() { close(c.done) })
		c.ws.Close()
	}()

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		env, err := proto.DecodeEnvelope(message)
		if err != nil {
			continue
		}

		select {
		case c.events <- Event{Name: env.Event, Data: env.Data}:
		default:
			// Buffer full, drop event
		}
	}
}

// Close sends a close frame and waits briefly for the server to end the
// connection
func (c *Conn) Close() error {
	c.writeMu.Lock()
	err := c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(time.Second):
		c.ws.Close()
	}

	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}
