package dispatch

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
)

// Outcome is the transport-level verdict on one attempt.
type Outcome int

const (
	// OutcomeResponse means an HTTP response arrived, whatever its status.
	OutcomeResponse Outcome = iota
	// OutcomeFailure means no response; the strategy should be recorded and skipped.
	OutcomeFailure
)

// errRedirectLoop is returned by the client's redirect policy.
var errRedirectLoop = errors.New("stopped after too many redirects")

// Classify separates "got an HTTP response" from "the path failed". A nil
// err is always OutcomeResponse: the status code never matters here.
// attemptCtx is the context bounding the attempt; a deadline recorded as its
// cancellation cause is our own timeout, whatever the transport error says.
func Classify(err error, attemptCtx context.Context) (Outcome, FailureKind) {
	if err == nil {
		return OutcomeResponse, ""
	}

	if attemptCtx != nil && errors.Is(context.Cause(attemptCtx), context.DeadlineExceeded) {
		return OutcomeFailure, FailureTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeFailure, FailureTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeFailure, FailureTimeout
	}

	if isRejected(err) {
		return OutcomeFailure, FailureRejected
	}

	return OutcomeFailure, FailureNetwork
}

// isRejected reports errors raised before or instead of a round trip: the
// request could not be built, used an unsupported scheme, or redirected
// forever. TLS and DNS failures remain network errors.
func isRejected(err error) bool {
	if errors.Is(err, errRedirectLoop) || errors.Is(err, errBuildRequest) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil &&
		strings.Contains(urlErr.Err.Error(), "unsupported protocol scheme") {
		return true
	}
	return false
}
