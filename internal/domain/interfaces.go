package domain

import (
	"context"

	"github.com/nkkko/notify-relay/pkg/proto"
)

// APIEngine is an HTTP listener that accepts client WebSocket connections
type APIEngine interface {
	// Start binds the listener and serves until ctx is canceled
	Start(ctx context.Context) error

	// Shutdown stops accepting connections
	Shutdown(ctx context.Context) error

	// Addr returns the bound address once started
	Addr() string

	// Started is closed once the listener is bound
	Started() <-chan struct{}
}

// NotificationRouter delivers bus notifications to connected clients
type NotificationRouter interface {
	Handle(ctx context.Context, n *proto.Notification)
}

// Pinger is implemented by buses that can check their backend
type Pinger interface {
	Ping(ctx context.Context) error
}
