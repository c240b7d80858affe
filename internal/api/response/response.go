package response

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/nkkko/notify-relay/internal/api/errors"
)

// Response represents a standardized API response
type Response struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     any    `json:"error,omitempty"`
}

// New builds a response envelope for data
func New(statusCode int, requestID string, data any) Response {
	return Response{
		Success:   statusCode >= 200 && statusCode < 300,
		RequestID: requestID,
		Data:      data,
	}
}

// NewError builds an error envelope and returns the HTTP status to send it with
func NewError(err error, requestID string) (int, Response) {
	apiErr := errors.FromError(err).WithRequestID(requestID)
	return apiErr.HTTPCode, Response{
		Success:   false,
		RequestID: requestID,
		Error:     apiErr,
	}
}

// JSON sends a JSON response
func JSON(w http.ResponseWriter, r *http.Request, statusCode int, data any) {
	sendJSON(w, statusCode, New(statusCode, middleware.GetReqID(r.Context()), data))
}

// Error sends an error response
func Error(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := NewError(err, middleware.GetReqID(r.Context()))
	sendJSON(w, status, resp)
}

func sendJSON(w http.ResponseWriter, statusCode int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"success":false,"error":{"type":"internal","code":"json_encode_error","message":"Failed to encode JSON response"}}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}
