package chatsync

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNetwork      = errors.New("network error")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation failed")
	ErrClosed       = errors.New("connection closed")

	// ErrTimeout is a network error: a missing acknowledgment or an
	// expired request deadline.
	ErrTimeout = fmt.Errorf("timeout: %w", ErrNetwork)

	// ErrNotConnected is returned by Emit while the socket is down.
	ErrNotConnected = fmt.Errorf("not connected: %w", ErrNetwork)
)

// APIError is a non-2xx response from the REST API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	if e.Message == "" {
		return fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// Is maps the HTTP status onto the sentinel taxonomy.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case ErrValidation:
		return e.Status == http.StatusBadRequest || e.Status == http.StatusUnprocessableEntity
	case ErrNetwork:
		return e.Status >= 500
	}
	return false
}

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
