// Package monitor keeps in-memory dispatch statistics: how often each
// strategy is tried, how often it wins, and why it fails.
package monitor

import (
	"sort"
	"sync"
	"time"

	"portal-bridge/internal/dispatch"
)

// DefaultMaxHistoryPoints keeps two and a half hours at 30s intervals.
const DefaultMaxHistoryPoints = 300

// StrategyMetrics tracks one strategy.
type StrategyMetrics struct {
	Name           string                         `json:"name"`
	Attempts       int64                          `json:"attempts"`
	Wins           int64                          `json:"wins"`
	Failures       int64                          `json:"failures"`
	FailuresByKind map[dispatch.FailureKind]int64 `json:"failures_by_kind"`
	FailureTime    time.Duration                  `json:"-"`
	LastUsed       time.Time                      `json:"last_used"`
	LastFailure    dispatch.FailureKind           `json:"last_failure,omitempty"`
}

// WinRate is Wins/Attempts in percent.
func (s *StrategyMetrics) WinRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Attempts) * 100
}

// RequestDataPoint is a snapshot of the counters at one time.
type RequestDataPoint struct {
	Timestamp  time.Time `json:"timestamp"`
	Total      int64     `json:"total"`
	Successful int64     `json:"successful"`
	Failed     int64     `json:"failed"`
}

// ResponseTimePoint is a snapshot of dispatch latency at one time.
type ResponseTimePoint struct {
	Timestamp   time.Time     `json:"timestamp"`
	AverageTime time.Duration `json:"average_ns"`
	MinTime     time.Duration `json:"min_ns"`
	MaxTime     time.Duration `json:"max_ns"`
}

// Metrics collects dispatch outcomes. It implements dispatch.Observer.
type Metrics struct {
	mu sync.RWMutex

	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64

	TotalResponseTime time.Duration
	MinResponseTime   time.Duration
	MaxResponseTime   time.Duration
	ResponseTimes     []time.Duration

	StrategyStats map[string]*StrategyMetrics

	StartTime time.Time

	RequestHistory   []RequestDataPoint
	ResponseHistory  []ResponseTimePoint
	MaxHistoryPoints int
}

// NewMetrics creates an empty collector.
func NewMetrics() *Metrics {
	return &Metrics{
		StrategyStats:    make(map[string]*StrategyMetrics),
		StartTime:        time.Now(),
		MaxHistoryPoints: DefaultMaxHistoryPoints,
	}
}

func (m *Metrics) strategy(name string) *StrategyMetrics {
	s, ok := m.StrategyStats[name]
	if !ok {
		s = &StrategyMetrics{Name: name, FailuresByKind: make(map[dispatch.FailureKind]int64)}
		m.StrategyStats[name] = s
	}
	return s
}

// ObserveDispatch records one finished dispatch.
func (m *Metrics) ObserveDispatch(winner string, attempts dispatch.AttemptLog, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalRequests++
	for _, a := range attempts {
		s := m.strategy(a.Strategy)
		s.Attempts++
		s.Failures++
		s.FailuresByKind[a.Kind]++
		s.FailureTime += a.Elapsed
		s.LastUsed = a.Timestamp
		s.LastFailure = a.Kind
	}

	if winner == "" {
		m.FailedRequests++
		return
	}

	m.SuccessfulRequests++
	s := m.strategy(winner)
	s.Attempts++
	s.Wins++
	s.LastUsed = time.Now()

	m.TotalResponseTime += elapsed
	if m.MinResponseTime == 0 || elapsed < m.MinResponseTime {
		m.MinResponseTime = elapsed
	}
	if elapsed > m.MaxResponseTime {
		m.MaxResponseTime = elapsed
	}
	m.ResponseTimes = append(m.ResponseTimes, elapsed)
	if len(m.ResponseTimes) > 1000 {
		m.ResponseTimes = m.ResponseTimes[len(m.ResponseTimes)-1000:]
	}
}

// GetAverageResponseTime is the mean latency of successful dispatches.
func (m *Metrics) GetAverageResponseTime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.averageResponseTimeLocked()
}

func (m *Metrics) averageResponseTimeLocked() time.Duration {
	if m.SuccessfulRequests == 0 {
		return 0
	}
	return m.TotalResponseTime / time.Duration(m.SuccessfulRequests)
}

// GetSuccessRate is the share of dispatches that reached the backend, in percent.
func (m *Metrics) GetSuccessRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.SuccessfulRequests) / float64(m.TotalRequests) * 100
}

// GetP95ResponseTime over the most recent successful dispatches.
func (m *Metrics) GetP95ResponseTime() time.Duration {
	m.mu.RLock()
	times := make([]time.Duration, len(m.ResponseTimes))
	copy(times, m.ResponseTimes)
	m.mu.RUnlock()

	if len(times) == 0 {
		return 0
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	idx := int(float64(len(times))*0.95) - 1
	if idx < 0 {
		idx = 0
	}
	return times[idx]
}

// GetStrategyStats returns copies of the per-strategy counters, ordered by name.
func (m *Metrics) GetStrategyStats() []StrategyMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]StrategyMetrics, 0, len(m.StrategyStats))
	for _, s := range m.StrategyStats {
		c := *s
		c.FailuresByKind = make(map[dispatch.FailureKind]int64, len(s.FailuresByKind))
		for k, v := range s.FailuresByKind {
			c.FailuresByKind[k] = v
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddHistoryDataPoints snapshots the counters; called periodically.
func (m *Metrics) AddHistoryDataPoints() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.RequestHistory = append(m.RequestHistory, RequestDataPoint{
		Timestamp:  now,
		Total:      m.TotalRequests,
		Successful: m.SuccessfulRequests,
		Failed:     m.FailedRequests,
	})
	m.ResponseHistory = append(m.ResponseHistory, ResponseTimePoint{
		Timestamp:   now,
		AverageTime: m.averageResponseTimeLocked(),
		MinTime:     m.MinResponseTime,
		MaxTime:     m.MaxResponseTime,
	})

	if len(m.RequestHistory) > m.MaxHistoryPoints {
		m.RequestHistory = m.RequestHistory[len(m.RequestHistory)-m.MaxHistoryPoints:]
	}
	if len(m.ResponseHistory) > m.MaxHistoryPoints {
		m.ResponseHistory = m.ResponseHistory[len(m.ResponseHistory)-m.MaxHistoryPoints:]
	}
}

// GetRequestHistory returns the points recorded within the last window.
func (m *Metrics) GetRequestHistory(window time.Duration) []RequestDataPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	var out []RequestDataPoint
	for _, p := range m.RequestHistory {
		if p.Timestamp.After(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

// Snapshot is the JSON view served by the API.
type Snapshot struct {
	TotalRequests      int64              `json:"total_requests"`
	SuccessfulRequests int64              `json:"successful_requests"`
	FailedRequests     int64              `json:"failed_requests"`
	SuccessRate        float64            `json:"success_rate"`
	AverageMS          int64              `json:"average_response_ms"`
	P95MS              int64              `json:"p95_response_ms"`
	Strategies         []StrategyMetrics  `json:"strategies"`
	History            []RequestDataPoint `json:"history,omitempty"`
	Since              time.Time          `json:"since"`
}

// Snapshot gathers everything the stats endpoint reports.
func (m *Metrics) Snapshot(historyWindow time.Duration) Snapshot {
	m.mu.RLock()
	total, ok, failed, since := m.TotalRequests, m.SuccessfulRequests, m.FailedRequests, m.StartTime
	m.mu.RUnlock()

	return Snapshot{
		TotalRequests:      total,
		SuccessfulRequests: ok,
		FailedRequests:     failed,
		SuccessRate:        m.GetSuccessRate(),
		AverageMS:          m.GetAverageResponseTime().Milliseconds(),
		P95MS:              m.GetP95ResponseTime().Milliseconds(),
		Strategies:         m.GetStrategyStats(),
		History:            m.GetRequestHistory(historyWindow),
		Since:              since,
	}
}
