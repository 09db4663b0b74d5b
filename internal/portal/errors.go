package portal

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized means the backend rejected the credentials or token.
	ErrUnauthorized = errors.New("invalid credentials or expired token")
	// ErrInvalidPayload wraps every local validation failure.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrPasswordMismatch is a local registration check.
	ErrPasswordMismatch = fmt.Errorf("%w: passwords do not match", ErrInvalidPayload)
	// ErrNoToken means a successful auth response carried no token.
	ErrNoToken = errors.New("backend response carried no token")
)

// APIError is a non-2xx answer from the backend, reached through Strategy.
type APIError struct {
	StatusCode int
	Message    string
	Strategy   string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("portal error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("portal error %d", e.StatusCode)
}

// Is implements errors.Is for sentinel error matching.
func (e *APIError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return target == ErrUnauthorized
	}
	return false
}
