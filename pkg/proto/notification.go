package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority levels understood by notification front-ends
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// NotificationRecord is the record shape published by producers. The relay
// itself only reads the user field; the rest is forwarded untouched.
type NotificationRecord struct {
	ID        string          `json:"id"`
	User      json.RawMessage `json:"user"`
	Title     string          `json:"title,omitempty"`
	Message   string          `json:"message"`
	Priority  string          `json:"priority"`
	IsRead    bool            `json:"is_read"`
	CreatedAt time.Time       `json:"created_at"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewNotificationRecord creates a record addressed to user with a fresh ID
// and creation time. A medium priority is assumed when none is given.
func NewNotificationRecord(user json.RawMessage, title, message, priority string) *NotificationRecord {
	if priority == "" {
		priority = PriorityMedium
	}
	return &NotificationRecord{
		ID:        uuid.NewString(),
		User:      user,
		Title:     title,
		Message:   message,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate checks the record can be routed and carries a known priority
func (r *NotificationRecord) Validate() error {
	if _, err := ParseIdentity(r.User); err != nil {
		return fmt.Errorf("user: %w", err)
	}
	if r.Message == "" {
		return fmt.Errorf("message is required")
	}
	switch r.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh:
	default:
		return fmt.Errorf("unknown priority %q", r.Priority)
	}
	return nil
}

// Marshal validates and encodes the record for publishing
func (r *NotificationRecord) Marshal() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}
