package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event names exchanged with websocket clients. These are the wire contract
// shared with existing browser clients and must not change.
const (
	// EventJoin associates a connection with an identity's group (client -> server)
	EventJoin = "join"

	// EventLeave removes a connection from its current group (client -> server)
	EventLeave = "leave"

	// EventMarkRead acknowledges a notification as read (client -> server)
	EventMarkRead = "mark_read"

	// EventNewNotification delivers a bus record to a group (server -> client)
	EventNewNotification = "new_notification"

	// EventNotificationRead relays a read acknowledgement to a group (server -> client)
	EventNotificationRead = "notification_read"
)

// DefaultChannel is the bus channel notification records are published on
const DefaultChannel = "notifications"

var (
	// ErrInvalidIdentity is returned when an identity is not a non-empty JSON string or a JSON number
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrMissingUser is returned when a bus record carries no user field
	ErrMissingUser = errors.New("record has no user field")

	// ErrMalformedRecord is returned when a bus record is not a JSON object
	ErrMalformedRecord = errors.New("malformed notification record")

	// ErrMalformedEnvelope is returned when a client frame is not a valid event envelope
	ErrMalformedEnvelope = errors.New("malformed event envelope")
)

// Identity identifies a notification recipient. Identities are opaque and
// only ever compared for equality.
type Identity string

// String returns the identity as a plain string
func (i Identity) String() string {
	return string(i)
}

// Envelope is a single websocket frame
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Notification is a decoded bus record ready for routing
type Notification struct {
	// User is the routing key taken from the record's user field
	User Identity

	// Payload is the record exactly as it arrived on the bus
	Payload json.RawMessage
}

// ParseIdentity normalises a JSON identity value. Strings are used as their
// decoded value and numbers as their literal text, so 42 and "42" address the
// same group.
func ParseIdentity(raw json.RawMessage) (Identity, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", ErrInvalidIdentity
	}

	switch c := trimmed[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
		}
		if s == "" {
			return "", ErrInvalidIdentity
		}
		return Identity(s), nil

	case c == '-' || (c >= '0' && c <= '9'):
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var n json.Number
		if err := dec.Decode(&n); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
		}
		if dec.More() {
			return "", ErrInvalidIdentity
		}
		return Identity(n.String()), nil

	default:
		return "", ErrInvalidIdentity
	}
}

// DecodeNotification decodes a bus record. The record must be a JSON object
// with a user field holding a valid identity; the full record is kept
// verbatim as the payload.
func DecodeNotification(data []byte) (*Notification, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if fields == nil {
		return nil, ErrMalformedRecord
	}

	rawUser, ok := fields["user"]
	if !ok {
		return nil, ErrMissingUser
	}

	user, err := ParseIdentity(rawUser)
	if err != nil {
		return nil, fmt.Errorf("user field: %w", err)
	}

	payload := make([]byte, len(data))
	copy(payload, data)

	return &Notification{
		User:    user,
		Payload: payload,
	}, nil
}

// DecodeEnvelope parses a client frame
func DecodeEnvelope(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if strings.TrimSpace(env.Event) == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrMalformedEnvelope)
	}
	return &env, nil
}

// EncodeEnvelope builds a frame for the given event. The data bytes are
// written as-is, without the compaction encoding/json applies to
// json.RawMessage, so payloads reach clients byte-for-byte. Empty data is
// encoded as null.
func EncodeEnvelope(event string, data json.RawMessage) ([]byte, error) {
	name, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	if len(bytes.TrimSpace(data)) == 0 {
		data = json.RawMessage("null")
	} else if !json.Valid(data) {
		return nil, fmt.Errorf("event %s: data is not valid JSON", event)
	}

	var buf bytes.Buffer
	buf.Grow(len(name) + len(data) + 20)
	buf.WriteString(`{"event":`)
	buf.Write(name)
	buf.WriteString(`,"data":`)
	buf.Write(data)
	buf.WriteByte('}')

	return buf.Bytes(), nil
}
