package domain

import (
	"fmt"

	"github.com/nkkko/notify-relay/internal/api"
	"github.com/nkkko/notify-relay/internal/api/chi"
	"github.com/nkkko/notify-relay/internal/api/gateway"
)

// APIType represents the type of API implementation
type APIType string

const (
	// ChiAPI represents the chi router + gorilla/websocket listener
	ChiAPI APIType = "chi"

	// FiberAPI represents the Fiber + gofiber/websocket listener
	FiberAPI APIType = "fiber"
)

// APIConfig selects an engine and carries its listener configuration
type APIConfig struct {
	// API type
	Type APIType

	// Listener configuration shared by both engines
	Listener gateway.Config
}

// NewAPIEngine creates a new API engine of the specified type
func NewAPIEngine(config APIConfig, deps gateway.Dependencies) (APIEngine, error) {
	switch config.Type {
	case ChiAPI, "":
		return chi.NewChiAPI(config.Listener, deps), nil
	case FiberAPI:
		return api.NewAPI(config.Listener, deps), nil
	default:
		return nil, fmt.Errorf("unsupported API type: %s", config.Type)
	}
}
