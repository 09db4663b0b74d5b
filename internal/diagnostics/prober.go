// Package diagnostics checks which connection paths are reachable from the
// current network, so a blocked walled garden can be explained to the user.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"portal-bridge/config"
	"portal-bridge/internal/dispatch"
	"portal-bridge/internal/events"
	"portal-bridge/internal/store"
	"portal-bridge/internal/strategy"
)

// ErrThrottled is returned by TriggerSweep when on-demand sweeps come too fast.
var ErrThrottled = errors.New("diagnostics sweep throttled")

// Status of a single target.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOK      Status = "ok"
	StatusBlocked Status = "blocked"

	// StatusAborted marks a probe cut short by the caller, not the network.
	StatusAborted Status = "aborted"
)

// Result is the outcome of probing one target.
type Result struct {
	Target
	Status     Status               `json:"status"`
	StatusCode int                  `json:"status_code,omitempty"`
	Kind       dispatch.FailureKind `json:"kind,omitempty"`
	Latency    time.Duration        `json:"-"`
	LatencyMS  int64                `json:"latency_ms"`
	Error      string               `json:"error,omitempty"`
	CheckedAt  time.Time            `json:"checked_at"`
}

// Sweep is one pass over every target.
type Sweep struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Results    []Result  `json:"results"`

	// Aborted sweeps are returned to the caller but never recorded,
	// persisted or published.
	Aborted bool `json:"aborted,omitempty"`
}

// Reachable counts targets that answered.
func (s *Sweep) Reachable() int {
	n := 0
	for _, r := range s.Results {
		if r.Status == StatusOK {
			n++
		}
	}
	return n
}

// Recorder persists sweeps. *store.ProbeStore satisfies it.
type Recorder interface {
	Record(ctx context.Context, records []store.ProbeRecord) error
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}

// Prober runs periodic and on-demand probe sweeps.
type Prober struct {
	logger    *slog.Logger
	publisher events.Publisher
	recorder  Recorder

	mu          sync.RWMutex
	client      *http.Client
	cfg         config.DiagnosticsConfig
	targets     []Target
	retention   time.Duration
	limiter     *rate.Limiter
	last        *Sweep
	statuses    map[string]Status
	lastCleanup time.Time

	sweepMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	reload chan struct{}
}

// Option configures a Prober.
type Option func(*Prober)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Prober) { p.logger = logger }
}

func WithPublisher(publisher events.Publisher) Option {
	return func(p *Prober) { p.publisher = publisher }
}

// WithRecorder persists each sweep and prunes entries past retention.
func WithRecorder(recorder Recorder, retention time.Duration) Option {
	return func(p *Prober) {
		p.recorder = recorder
		p.retention = retention
	}
}

// NewProber creates a prober for cfg. client should carry the same
// transport as the dispatcher so probes see the same network.
func NewProber(cfg *config.Config, registry *strategy.Registry, client *http.Client, opts ...Option) *Prober {
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Prober{
		client:   client,
		logger:   slog.Default(),
		statuses: make(map[string]Status),
		ctx:      ctx,
		cancel:   cancel,
		reload:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.apply(cfg, registry)
	return p
}

func (p *Prober) apply(cfg *config.Config, registry *strategy.Registry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg.Diagnostics
	p.targets = BuildTargets(cfg, registry)
	burst := cfg.Diagnostics.OnDemandBurst
	if burst < 1 {
		burst = 1
	}
	p.limiter = rate.NewLimiter(rate.Every(cfg.Diagnostics.OnDemandRate), burst)
}

// UpdateConfig swaps targets and timing; a running loop picks up the new
// interval after its current wait.
func (p *Prober) UpdateConfig(cfg *config.Config, registry *strategy.Registry) {
	p.apply(cfg, registry)
	select {
	case p.reload <- struct{}{}:
	default:
	}
}

// SetHTTPClient swaps the client used by later sweeps.
func (p *Prober) SetHTTPClient(client *http.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client = client
}

// Targets returns the current probe targets.
func (p *Prober) Targets() []Target {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Target, len(p.targets))
	copy(out, p.targets)
	return out
}

// Latest returns the most recent sweep, if any.
func (p *Prober) Latest() (*Sweep, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last, p.last != nil
}

// Start runs a sweep immediately and then every configured interval.
func (p *Prober) Start() {
	p.wg.Add(1)
	go p.loop()
}

// Stop ends the periodic loop and waits for it.
func (p *Prober) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Prober) loop() {
	defer p.wg.Done()

	p.logger.Info("🩺 [Diagnostics] Probe loop started")
	p.Run(p.ctx)

	for {
		p.mu.RLock()
		interval := p.cfg.Interval
		p.mu.RUnlock()

		timer := time.NewTimer(interval)
		select {
		case <-p.ctx.Done():
			timer.Stop()
			p.logger.Info("🩺 [Diagnostics] Probe loop stopped")
			return
		case <-p.reload:
			timer.Stop()
		case <-timer.C:
			p.Run(p.ctx)
		}
	}
}

// TriggerSweep runs an on-demand sweep unless the rate limit denies it.
func (p *Prober) TriggerSweep(ctx context.Context) (*Sweep, error) {
	p.mu.RLock()
	limiter := p.limiter
	p.mu.RUnlock()

	if !limiter.Allow() {
		return nil, ErrThrottled
	}
	return p.Run(ctx), nil
}

// Run probes every target concurrently and returns the sweep. Sweeps never
// overlap; a second caller waits for the first to finish.
func (p *Prober) Run(ctx context.Context) *Sweep {
	p.sweepMu.Lock()
	defer p.sweepMu.Unlock()

	p.mu.RLock()
	targets := make([]Target, len(p.targets))
	copy(targets, p.targets)
	limit := p.cfg.MaxConcurrency
	timeout := p.cfg.Timeout
	client := p.client
	p.mu.RUnlock()

	if limit < 1 {
		limit = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	sweep := &Sweep{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		Results:   make([]Result, len(targets)),
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, t := range targets {
		g.Go(func() error {
			sweep.Results[i] = p.probe(ctx, client, t, timeout)
			return nil
		})
	}
	g.Wait()

	sweep.DurationMS = time.Since(sweep.StartedAt).Milliseconds()

	if err := ctx.Err(); err != nil {
		sweep.Aborted = true
		p.logger.Warn(fmt.Sprintf("🛑 [Diagnostics] Sweep %s aborted after %dms: %v",
			sweep.ID[:8], sweep.DurationMS, err))
		return sweep
	}

	p.logger.Debug(fmt.Sprintf("🩺 [Diagnostics] Sweep %s done: %d/%d reachable in %dms",
		sweep.ID[:8], sweep.Reachable(), len(sweep.Results), sweep.DurationMS))

	p.record(sweep)
	p.persist(ctx, sweep)
	p.publish(events.EventProbeSweepCompleted, events.PriorityLow, map[string]interface{}{
		"sweep_id":    sweep.ID,
		"reachable":   sweep.Reachable(),
		"total":       len(sweep.Results),
		"duration_ms": sweep.DurationMS,
	})
	return sweep
}

// probe fetches one target. Any HTTP response means the path is open.
func (p *Prober) probe(parent context.Context, client *http.Client, t Target, timeout time.Duration) Result {
	start := time.Now()
	res := Result{Target: t, CheckedAt: start}

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		res.Status = StatusBlocked
		res.Kind = dispatch.FailureRejected
		res.Error = err.Error()
		return res
	}

	resp, err := client.Do(req)
	res.Latency = time.Since(start)
	res.LatencyMS = res.Latency.Milliseconds()

	if outcome, kind := dispatch.Classify(err, ctx); outcome == dispatch.OutcomeFailure {
		if cause := context.Cause(parent); cause != nil {
			res.Status = StatusAborted
			res.Error = cause.Error()
			return res
		}
		res.Status = StatusBlocked
		res.Kind = kind
		res.Error = err.Error()
		return res
	}

	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	res.Status = StatusOK
	res.StatusCode = resp.StatusCode
	return res
}

// record stores the sweep and reports targets whose status flipped.
func (p *Prober) record(sweep *Sweep) {
	p.mu.Lock()
	p.last = sweep
	type change struct {
		result Result
		prev   Status
	}
	var changes []change
	for _, r := range sweep.Results {
		prev, seen := p.statuses[r.Label]
		if !seen {
			prev = StatusUnknown
		}
		p.statuses[r.Label] = r.Status
		if prev == r.Status || (prev == StatusUnknown && r.Status == StatusOK) {
			continue
		}
		changes = append(changes, change{result: r, prev: prev})
	}
	p.mu.Unlock()

	for _, c := range changes {
		r := c.result
		if r.Status == StatusOK {
			p.logger.Info(fmt.Sprintf("✅ [Diagnostics] %s reachable again - status: %d, latency: %dms",
				r.Label, r.StatusCode, r.LatencyMS))
		} else {
			p.logger.Warn(fmt.Sprintf("❌ [Diagnostics] %s blocked - %s: %s", r.Label, r.Kind, r.Error))
		}
		p.publish(events.EventProbeStatusChanged, events.PriorityHigh, map[string]interface{}{
			"label":      r.Label,
			"url":        r.URL,
			"strategy":   r.Strategy,
			"old_status": string(c.prev),
			"new_status": string(r.Status),
			"kind":       string(r.Kind),
			"latency_ms": r.LatencyMS,
		})
	}
}

func (p *Prober) persist(ctx context.Context, sweep *Sweep) {
	if p.recorder == nil {
		return
	}

	records := make([]store.ProbeRecord, len(sweep.Results))
	for i, r := range sweep.Results {
		records[i] = store.ProbeRecord{
			SweepID:    sweep.ID,
			Label:      r.Label,
			URL:        r.URL,
			Strategy:   r.Strategy,
			Status:     string(r.Status),
			StatusCode: r.StatusCode,
			Latency:    r.Latency,
			LatencyMS:  r.LatencyMS,
			Error:      r.Error,
			CheckedAt:  r.CheckedAt,
		}
	}

	// A cancelled sweep still gets written
	writeCtx := context.WithoutCancel(ctx)
	if err := p.recorder.Record(writeCtx, records); err != nil {
		p.logger.Error(fmt.Sprintf("❌ [Diagnostics] Failed to persist sweep %s: %v", sweep.ID[:8], err))
		p.publish(events.EventSystemError, events.PriorityCritical, map[string]interface{}{
			"component": "probe_store",
			"message":   err.Error(),
		})
		return
	}

	if p.retention <= 0 || time.Since(p.lastCleanup) < time.Hour {
		return
	}
	p.lastCleanup = time.Now()
	if _, err := p.recorder.Cleanup(writeCtx, p.retention); err != nil {
		p.logger.Warn(fmt.Sprintf("⚠️ [Diagnostics] Cleanup failed: %v", err))
	}
}

func (p *Prober) publish(eventType events.EventType, priority events.EventPriority, data map[string]interface{}) {
	if p.publisher == nil {
		return
	}
	p.publisher.Publish(events.Event{
		Type:     eventType,
		Source:   "prober",
		Priority: priority,
		Data:     data,
	})
}

// Summary renders a sweep as aligned text lines for terminals.
func (s *Sweep) Summary() string {
	var b strings.Builder
	for _, r := range s.Results {
		if r.Status == StatusOK {
			fmt.Fprintf(&b, "✅ %-12s %-8s %3d %6dms  %s\n", r.Label, r.Status, r.StatusCode, r.LatencyMS, r.URL)
		} else {
			fmt.Fprintf(&b, "❌ %-12s %-8s %-13s %s\n", r.Label, r.Status, r.Kind, r.URL)
		}
	}
	fmt.Fprintf(&b, "%d/%d reachable in %dms\n", s.Reachable(), len(s.Results), s.DurationMS)
	return b.String()
}
