package monitor

import (
	"log/slog"
	"sync"
	"time"
)

// HistoryCollector snapshots Metrics on a fixed interval.
type HistoryCollector struct {
	metrics  *Metrics
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}
}

// NewHistoryCollector creates a collector; a zero interval means 30s.
func NewHistoryCollector(metrics *Metrics, interval time.Duration, logger *slog.Logger) *HistoryCollector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryCollector{metrics: metrics, interval: interval, logger: logger}
}

func (hc *HistoryCollector) Start() {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if hc.running {
		return
	}
	hc.running = true
	hc.stopChan = make(chan struct{})
	hc.done = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(hc.interval)
		defer ticker.Stop()

		hc.logger.Debug("📊 History collector started", "interval", hc.interval)
		for {
			select {
			case <-ticker.C:
				hc.metrics.AddHistoryDataPoints()
			case <-stop:
				hc.logger.Debug("📊 History collector stopped")
				return
			}
		}
	}(hc.stopChan, hc.done)
}

func (hc *HistoryCollector) Stop() {
	hc.mu.Lock()
	if !hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = false
	close(hc.stopChan)
	done := hc.done
	hc.mu.Unlock()
	<-done
}
