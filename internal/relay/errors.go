package relay

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies relay failures.
type Kind int

const (
	// KindMalformedRequest means the inbound body was not a JSON object.
	KindMalformedRequest Kind = iota + 1
	// KindBackend means the backend answered with a non-200 status.
	KindBackend
	// KindTransport covers connection, timeout, DNS and read failures, and
	// unreadable 200 responses.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindMalformedRequest:
		return "malformed_request"
	case KindBackend:
		return "backend"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error is a terminal relay failure. Status is the HTTP status to surface to
// the caller and Detail the message placed in the error envelope.
type Error struct {
	Kind   Kind
	Status int
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil && !strings.Contains(e.Detail, e.Err.Error()) {
		return fmt.Sprintf("%s error (status %d): %s: %v", e.Kind, e.Status, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s error (status %d): %s", e.Kind, e.Status, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func malformedRequest(err error) *Error {
	return &Error{
		Kind:   KindMalformedRequest,
		Status: http.StatusBadRequest,
		Detail: "Invalid JSON in request body",
		Err:    err,
	}
}

func backendStatus(status int, body []byte) *Error {
	return &Error{
		Kind:   KindBackend,
		Status: status,
		Detail: string(body),
	}
}

func transport(err error) *Error {
	return &Error{
		Kind:   KindTransport,
		Status: http.StatusInternalServerError,
		Detail: err.Error(),
		Err:    err,
	}
}

// AsError converts any error into a *Error, treating unknown errors as
// transport failures.
func AsError(err error) *Error {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr
	}
	return transport(err)
}
