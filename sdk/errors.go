package decisra

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx response from the session backend.
type APIError struct {
	Status  int
	Message string
	Payload json.RawMessage
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("request failed (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("request failed (%d)", e.Status)
}

// TransportError wraps a network-level failure (dial, read, TLS).
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrStreamingUnsupported is returned when a push endpoint answers
// 404/405/501. Retrying a structurally unsupported endpoint is a bug,
// not resilience, so subscriptions surface this once and stop.
var ErrStreamingUnsupported = errors.New("server does not support streaming")

// ErrSessionEnded is returned when the backend reports the session as
// ended (HTTP 410). Terminal, not retryable.
var ErrSessionEnded = errors.New("session has ended")

// ErrSessionMissing is returned when the session id does not resolve
// (HTTP 404). Terminal, not retryable.
var ErrSessionMissing = errors.New("session not found")

// ErrAssistantDisabled is returned by assistant operations while the
// session is disabled (quota exhausted or backend error). The state is
// sticky: it survives stream drops and rehydration from the store, and
// clears only when a Connect preflight reports budget again.
var ErrAssistantDisabled = errors.New("assistant is disabled for this session")

// ErrAssistantNotConnected is returned when a turn is submitted while
// the assistant socket is not open.
var ErrAssistantNotConnected = errors.New("assistant is not connected")

// ErrJoinInFlight is returned when a join is submitted while a previous
// submission has not resolved yet.
var ErrJoinInFlight = errors.New("join submission already in flight")

func permanentStreamStatus(status int) bool {
	switch status {
	case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return true
	default:
		return false
	}
}

func apiErrorStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
