package models

import "time"

// PublishResponse is returned by the publish endpoint
type PublishResponse struct {
	// Identity the record was addressed to
	User string `json:"user"`

	// Number of relay instances subscribed to the channel at publish time
	Receivers int64 `json:"receivers"`
}

// StatsResponse reports live connection state
type StatsResponse struct {
	Members  int       `json:"members"`
	Groups   int       `json:"groups"`
	Engine   string    `json:"engine"`
	Started  time.Time `json:"started"`
	Uptime   string    `json:"uptime"`
}

// HealthResponse is returned by the health endpoints
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
