package dispatch

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoPath is matched by every terminal failure.
	ErrNoPath = errors.New("no connection path reached the backend")

	// ErrNoCompatibleStrategy means every strategy was skipped for the method.
	ErrNoCompatibleStrategy = errors.New("no strategy supports the request method")

	// ErrIncompleteResponse is matched when the backend answered but the
	// body could not be read in full.
	ErrIncompleteResponse = errors.New("backend response body incomplete")

	errBuildRequest = errors.New("cannot build request")

	errBodyTimeout = fmt.Errorf("response body not received in time: %w", context.DeadlineExceeded)
)

// NoPathError is returned when every compatible strategy failed. Attempts
// holds one record per attempted strategy in registry order.
type NoPathError struct {
	Method   string
	Attempts AttemptLog

	// Cause is set when the caller's context ended the loop early.
	Cause error
}

func (e *NoPathError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dispatch aborted after %d attempt(s): %v", len(e.Attempts), e.Cause)
	}

	last, ok := e.Attempts.Last()
	if !ok {
		return fmt.Sprintf("all connection paths failed: no strategy supports %s", e.Method)
	}
	return fmt.Sprintf("all connection paths failed (last tried: %s, %s); check that the walled-garden allow-list includes the backend and relay hosts",
		last.Strategy, last.Kind)
}

// Is matches ErrNoPath only when the strategies were exhausted; a cancelled
// dispatch matches its Cause instead.
func (e *NoPathError) Is(target error) bool {
	if e.Cause != nil {
		return false
	}
	switch target {
	case ErrNoPath:
		return true
	case ErrNoCompatibleStrategy:
		return len(e.Attempts) == 0
	}
	return false
}

func (e *NoPathError) Unwrap() error {
	return e.Cause
}

// IncompleteResponseError is returned when a strategy delivered the status
// line and headers but the body stalled or broke. The request reached the
// backend, so no further strategy is tried.
type IncompleteResponseError struct {
	Strategy   string
	StatusCode int
	Received   int
	Err        error

	// Attempts that failed before Strategy answered.
	Attempts AttemptLog
}

func (e *IncompleteResponseError) Error() string {
	return fmt.Sprintf("%s answered with status %d but the body failed after %d bytes: %v",
		e.Strategy, e.StatusCode, e.Received, e.Err)
}

func (e *IncompleteResponseError) Is(target error) bool {
	return target == ErrIncompleteResponse
}

func (e *IncompleteResponseError) Unwrap() error {
	return e.Err
}
