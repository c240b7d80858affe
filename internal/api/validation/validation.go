package validation

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/nkkko/notify-relay/internal/api/errors"
	"github.com/nkkko/notify-relay/pkg/proto"
)

// CheckRecord validates a notification record received over HTTP before it is
// put on the bus. The record is accepted only if a subscriber would be able to
// route it.
func CheckRecord(body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return errors.ValidationError("empty_request_body", "Request body is empty")
	}
	if !json.Valid(body) {
		return errors.ValidationError("invalid_json", "Request body is not valid JSON")
	}

	if _, err := proto.DecodeNotification(body); err != nil {
		switch {
		case stderrors.Is(err, proto.ErrMissingUser):
			return Required("user", "")
		case stderrors.Is(err, proto.ErrInvalidIdentity):
			return errors.ValidationError("invalid_user", "user must be a non-empty string or a number")
		default:
			return errors.ValidationError("invalid_record", "notification record must be a JSON object")
		}
	}
	return nil
}

// CheckSize rejects bodies larger than limit bytes. A limit of zero disables
// the check.
func CheckSize(body []byte, limit int) error {
	if limit > 0 && len(body) > limit {
		return errors.TooLargeError(
			"body_too_large",
			fmt.Sprintf("request body must be at most %d bytes", limit),
		)
	}
	return nil
}

// Required validates that a string is not empty
func Required(field, value string) error {
	if value == "" {
		return errors.ValidationError(
			"required_field_missing",
			field+" is required",
		)
	}
	return nil
}
