// Package dispatch delivers a logical request to the backend by trying each
// transport strategy in registry order until one yields an HTTP response.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"portal-bridge/internal/events"
	"portal-bridge/internal/strategy"
)

const (
	// DefaultMaxBodyBytes caps a buffered response body.
	DefaultMaxBodyBytes int64 = 10 << 20

	maxRedirects = 10
)

// hopByHopHeaders are connection-scoped and never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type requestIDKey struct{}

// WithRequestID attaches an id used in logs and events for this dispatch.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the id set by WithRequestID, if any.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func newRequestID() string {
	return "req-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Dispatcher executes logical requests against the strategy registry. It is
// safe for concurrent use; each call keeps its own attempt log.
type Dispatcher struct {
	registry     atomic.Pointer[strategy.Registry]
	client       atomic.Pointer[http.Client]
	maxBodyBytes atomic.Int64
	logger       *slog.Logger
	publisher    events.Publisher
	observer     Observer
}

// Observer is told about every dispatch that ran to completion. winner is
// empty when no strategy produced a response.
type Observer interface {
	ObserveDispatch(winner string, attempts AttemptLog, elapsed time.Duration)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient sets the client used for every attempt. Its Timeout should
// be zero; each attempt is bounded by its strategy's timeout instead.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		d.SetHTTPClient(client)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithPublisher publishes dispatch outcomes to an event bus.
func WithPublisher(publisher events.Publisher) Option {
	return func(d *Dispatcher) {
		d.publisher = publisher
	}
}

// WithObserver reports finished dispatches, e.g. to a metrics collector.
func WithObserver(observer Observer) Option {
	return func(d *Dispatcher) {
		d.observer = observer
	}
}

// WithMaxBodyBytes caps how much of a response body is buffered.
func WithMaxBodyBytes(n int64) Option {
	return func(d *Dispatcher) {
		d.SetMaxBodyBytes(n)
	}
}

// New creates a dispatcher over registry.
func New(registry *strategy.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{logger: slog.Default()}
	d.client.Store(&http.Client{CheckRedirect: limitRedirects})
	d.maxBodyBytes.Store(DefaultMaxBodyBytes)
	for _, opt := range opts {
		opt(d)
	}
	d.registry.Store(registry)
	return d
}

// SetRegistry swaps the catalogue. Calls already in flight keep the registry
// they started with.
func (d *Dispatcher) SetRegistry(registry *strategy.Registry) {
	d.registry.Store(registry)
}

// SetHTTPClient swaps the client used for new attempts, e.g. after the
// upstream proxy changed.
func (d *Dispatcher) SetHTTPClient(client *http.Client) {
	c := *client
	if c.CheckRedirect == nil {
		c.CheckRedirect = limitRedirects
	}
	d.client.Store(&c)
}

// SetMaxBodyBytes changes the body cap for new attempts. n <= 0 is ignored.
func (d *Dispatcher) SetMaxBodyBytes(n int64) {
	if n > 0 {
		d.maxBodyBytes.Store(n)
	}
}

// Registry returns the current catalogue.
func (d *Dispatcher) Registry() *strategy.Registry {
	return d.registry.Load()
}

func limitRedirects(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errRedirectLoop
	}
	return nil
}

// Dispatch tries each compatible strategy in order and returns the first
// HTTP response, whatever its status code. Failed attempts are carried in
// Response.Attempts. When no strategy produces a response the error is a
// *NoPathError holding the full attempt log; it matches ErrNoPath.
//
// Strategies run strictly one after another. ctx cancellation stops the loop
// between or during attempts.
func (d *Dispatcher) Dispatch(ctx context.Context, req *LogicalRequest) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("dispatch: request is nil")
	}
	if req.TargetURL == "" {
		return nil, fmt.Errorf("dispatch: target URL is required")
	}
	registry := d.registry.Load()
	if registry == nil {
		return nil, fmt.Errorf("dispatch: no strategy registry configured")
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	requestID := RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = newRequestID()
	}

	strategies := registry.Strategies()
	started := time.Now()

	// Scoped to this call; never shared.
	var attempts AttemptLog

	for i, s := range strategies {
		if err := ctx.Err(); err != nil {
			return nil, d.aborted(requestID, method, attempts, err)
		}

		if !s.Allows(method) {
			d.logger.Debug(fmt.Sprintf("⏭️ [Dispatch] [%s] Skipping %s: %s not supported", requestID, s.Name(), method))
			continue
		}

		d.logger.Debug(fmt.Sprintf("🎯 [Dispatch] [%s] Trying %s (%d/%d, timeout %s)",
			requestID, s.Name(), i+1, len(strategies), s.Timeout()))

		resp, record, partial := d.attempt(ctx, s, method, req)
		if partial != nil {
			// The backend answered; falling back could submit the call twice
			return nil, d.incomplete(requestID, method, req.TargetURL, attempts, started, partial)
		}
		if record == nil {
			resp.Attempts = attempts.clone()
			d.logger.Info(fmt.Sprintf("✅ [Dispatch] [%s] %s %s via %s: status %d (%d failed attempt(s), %s)",
				requestID, method, redactURL(req.TargetURL), s.Name(), resp.StatusCode, len(attempts),
				time.Since(started).Round(time.Millisecond)))
			d.publish(events.EventDispatchSucceeded, events.PriorityNormal, map[string]interface{}{
				"request_id":  requestID,
				"method":      method,
				"strategy":    s.Name(),
				"status_code": resp.StatusCode,
				"attempts":    len(attempts),
				"duration_ms": time.Since(started).Milliseconds(),
			})
			d.observe(s.Name(), attempts, time.Since(started))
			return resp, nil
		}

		// Parent cancellation is not a path failure
		if err := ctx.Err(); err != nil {
			return nil, d.aborted(requestID, method, attempts, err)
		}

		attempts = append(attempts, *record)
		d.logger.Warn(fmt.Sprintf("⚠️ [Dispatch] [%s] %s failed: %s after %s",
			requestID, s.Name(), record.Kind, record.Elapsed.Round(time.Millisecond)), "error", record.Err)
	}

	failure := &NoPathError{Method: method, Attempts: attempts.clone()}
	d.logger.Error(fmt.Sprintf("❌ [Dispatch] [%s] %s %s: %v", requestID, method, redactURL(req.TargetURL), failure))
	d.publish(events.EventDispatchFailed, events.PriorityHigh, map[string]interface{}{
		"request_id": requestID,
		"method":     method,
		"attempts":   attempts.clone(),
		"message":    failure.Error(),
	})
	d.observe("", attempts, time.Since(started))
	return nil, failure
}

// attempt issues one request. The strategy timeout bounds the wait for
// response headers; once they arrive the strategy is committed and the body
// is read under a fresh deadline of the same length. A non-nil record means
// the path failed and the next strategy may be tried. A non-nil
// IncompleteResponseError means the backend answered but its body could not
// be read.
func (d *Dispatcher) attempt(parent context.Context, s strategy.Strategy, method string, req *LogicalRequest) (*Response, *AttemptRecord, *IncompleteResponseError) {
	start := time.Now()

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	headerDeadline := time.AfterFunc(s.Timeout(), func() { cancel(context.DeadlineExceeded) })
	httpResp, err := d.send(ctx, s, method, req)
	headerDeadline.Stop()

	if outcome, kind := Classify(err, ctx); outcome == OutcomeFailure {
		return nil, &AttemptRecord{
			Strategy:  s.Name(),
			Kind:      kind,
			Timestamp: start,
			Elapsed:   time.Since(start),
			Err:       err,
		}, nil
	}
	defer httpResp.Body.Close()

	bodyDeadline := time.AfterFunc(s.Timeout(), func() { cancel(errBodyTimeout) })
	defer bodyDeadline.Stop()

	limit := d.maxBodyBytes.Load()
	data, err := io.ReadAll(io.LimitReader(httpResp.Body, limit+1))
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
		return nil, nil, &IncompleteResponseError{
			Strategy:   s.Name(),
			StatusCode: httpResp.StatusCode,
			Received:   len(data),
			Err:        err,
		}
	}

	truncated := false
	if int64(len(data)) > limit {
		data = data[:limit]
		truncated = true
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
		Truncated:  truncated,
		Strategy:   s.Name(),
	}, nil, nil
}

func (d *Dispatcher) send(ctx context.Context, s strategy.Strategy, method string, req *LogicalRequest) (*http.Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, s.Target(req.TargetURL), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBuildRequest, err)
	}

	httpReq.Header = s.ApplyCredentials(req.Header)
	for _, h := range hopByHopHeaders {
		httpReq.Header.Del(h)
	}

	return d.client.Load().Do(httpReq)
}

// incomplete reports a committed strategy whose body failed. The path
// worked, so metrics count the strategy as the winner.
func (d *Dispatcher) incomplete(requestID, method, target string, attempts AttemptLog, started time.Time, partial *IncompleteResponseError) error {
	partial.Attempts = attempts.clone()
	d.logger.Error(fmt.Sprintf("❌ [Dispatch] [%s] %s %s: %v", requestID, method, redactURL(target), partial))
	d.publish(events.EventDispatchFailed, events.PriorityHigh, map[string]interface{}{
		"request_id":  requestID,
		"method":      method,
		"strategy":    partial.Strategy,
		"status_code": partial.StatusCode,
		"attempts":    attempts.clone(),
		"message":     partial.Error(),
	})
	d.observe(partial.Strategy, attempts, time.Since(started))
	return partial
}

func (d *Dispatcher) aborted(requestID, method string, attempts AttemptLog, cause error) error {
	d.logger.Warn(fmt.Sprintf("🛑 [Dispatch] [%s] %s cancelled after %d failed attempt(s): %v",
		requestID, method, len(attempts), cause))
	return &NoPathError{Method: method, Attempts: attempts.clone(), Cause: cause}
}

func (d *Dispatcher) publish(eventType events.EventType, priority events.EventPriority, data map[string]interface{}) {
	if d.publisher == nil {
		return
	}
	d.publisher.Publish(events.Event{
		Type:     eventType,
		Source:   "dispatcher",
		Priority: priority,
		Data:     data,
	})
}

func (d *Dispatcher) observe(winner string, attempts AttemptLog, elapsed time.Duration) {
	if d.observer != nil {
		d.observer.ObserveDispatch(winner, attempts.clone(), elapsed)
	}
}

// redactURL drops the query string, which may carry credentials.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}

// IsNoPath reports whether err is a terminal dispatch failure and returns it.
func IsNoPath(err error) (*NoPathError, bool) {
	var npe *NoPathError
	if errors.As(err, &npe) {
		return npe, true
	}
	return nil, false
}
