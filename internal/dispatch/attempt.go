package dispatch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// FailureKind classifies why a single strategy attempt produced no response.
type FailureKind string

const (
	FailureTimeout  FailureKind = "timeout"
	FailureNetwork  FailureKind = "network-error"
	FailureRejected FailureKind = "rejected"
)

// LogicalRequest is what the caller wants delivered. TargetURL is always the
// true backend URL; strategies derive the dialled URL from it.
type LogicalRequest struct {
	Method    string
	TargetURL string
	Header    http.Header
	Body      []byte
}

// Response is the first transport-level answer, whatever its status.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Truncated is set when Body was cut at the configured size cap.
	Truncated bool

	// Strategy that produced the response.
	Strategy string

	// Attempts that failed before Strategy succeeded.
	Attempts AttemptLog
}

// AttemptRecord describes one failed strategy attempt.
type AttemptRecord struct {
	Strategy  string        `json:"strategy"`
	Kind      FailureKind   `json:"kind"`
	Timestamp time.Time     `json:"timestamp"`
	Elapsed   time.Duration `json:"-"`
	Err       error         `json:"-"`
}

func (r AttemptRecord) String() string {
	return fmt.Sprintf("%s: %s after %s", r.Strategy, r.Kind, r.Elapsed.Round(time.Millisecond))
}

// MarshalJSON adds the human-readable fields dropped above.
func (r AttemptRecord) MarshalJSON() ([]byte, error) {
	type alias AttemptRecord
	out := struct {
		alias
		ElapsedMS int64  `json:"elapsed_ms"`
		Error     string `json:"error,omitempty"`
	}{
		alias:     alias(r),
		ElapsedMS: r.Elapsed.Milliseconds(),
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// AttemptLog is the ordered record of failures within one dispatch call.
type AttemptLog []AttemptRecord

// Strategies lists the attempted strategy names in order.
func (l AttemptLog) Strategies() []string {
	names := make([]string, len(l))
	for i, r := range l {
		names[i] = r.Strategy
	}
	return names
}

// Last returns the most recent record.
func (l AttemptLog) Last() (AttemptRecord, bool) {
	if len(l) == 0 {
		return AttemptRecord{}, false
	}
	return l[len(l)-1], true
}

func (l AttemptLog) String() string {
	parts := make([]string, len(l))
	for i, r := range l {
		parts[i] = r.String()
	}
	return strings.Join(parts, "; ")
}

func (l AttemptLog) clone() AttemptLog {
	if l == nil {
		return nil
	}
	out := make(AttemptLog, len(l))
	copy(out, l)
	return out
}
