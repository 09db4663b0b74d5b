package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// EventBus fans events out to the SSE broadcaster.
type EventBus interface {
	Publish(event Event)

	SetSSEBroadcaster(broadcaster SSEBroadcaster)

	Start() error
	Stop() error

	GetStats() BusStats
}

// Publisher is the narrow view producers depend on.
type Publisher interface {
	Publish(event Event)
}

// SSEBroadcaster delivers events to connected clients.
type SSEBroadcaster interface {
	BroadcastEvent(eventType string, data map[string]interface{})
	IsEventManagerActive() bool
}

// EventFilter controls whether and how often an event type is broadcast.
type EventFilter struct {
	ShouldBroadcast func(event Event) bool

	DataTransformer func(event Event) map[string]interface{}

	// RateLimit is the minimum gap between broadcasts; 0 means unlimited.
	RateLimit time.Duration
}

type eventBus struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	eventChan      chan Event
	sseBroadcaster SSEBroadcaster
	broadcasterMu  sync.RWMutex

	filters      map[EventType]EventFilter
	rateLimiters map[EventType]*rate.Limiter

	stats   BusStats
	statsMu sync.RWMutex

	// runMu guards running and the close of eventChan against Publish.
	runMu   sync.RWMutex
	running bool
	wg      sync.WaitGroup
}

// BusStats counts events seen by the bus.
type BusStats struct {
	TotalEvents      int64                   `json:"total_events"`
	ProcessedEvents  int64                   `json:"processed_events"`
	DroppedEvents    int64                   `json:"dropped_events"`
	EventsByType     map[EventType]int64     `json:"events_by_type"`
	EventsByPriority map[EventPriority]int64 `json:"events_by_priority"`
	StartTime        time.Time               `json:"start_time"`
}

// sensitiveKeys never leave the process.
var sensitiveKeys = map[string]bool{
	"token":         true,
	"authorization": true,
	"password":      true,
}

// NewEventBus creates a stopped bus.
func NewEventBus(logger *slog.Logger) EventBus {
	ctx, cancel := context.WithCancel(context.Background())

	bus := &eventBus{
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger,
		eventChan:    make(chan Event, 1000),
		filters:      make(map[EventType]EventFilter),
		rateLimiters: make(map[EventType]*rate.Limiter),
		stats: BusStats{
			EventsByType:     make(map[EventType]int64),
			EventsByPriority: make(map[EventPriority]int64),
			StartTime:        time.Now(),
		},
	}

	bus.setupDefaultFilters()

	return bus
}

func (eb *eventBus) setupDefaultFilters() {
	always := func(event Event) bool { return true }

	// Dispatch outcomes can be frequent when many clients sign in at once
	eb.filters[EventDispatchSucceeded] = EventFilter{
		ShouldBroadcast: always,
		DataTransformer: redact,
		RateLimit:       100 * time.Millisecond,
	}
	eb.filters[EventDispatchFailed] = EventFilter{
		ShouldBroadcast: always,
		DataTransformer: redact,
		RateLimit:       0,
	}

	// Reachability changes are the whole point of diagnostics, never throttle
	eb.filters[EventProbeStatusChanged] = EventFilter{
		ShouldBroadcast: always,
		DataTransformer: redact,
		RateLimit:       0,
	}
	eb.filters[EventProbeSweepCompleted] = EventFilter{
		ShouldBroadcast: always,
		DataTransformer: redact,
		RateLimit:       5 * time.Second,
	}

	eb.filters[EventSystemError] = EventFilter{
		ShouldBroadcast: always,
		DataTransformer: redact,
		RateLimit:       0,
	}
	eb.filters[EventConfigChanged] = EventFilter{
		ShouldBroadcast: always,
		DataTransformer: redact,
		RateLimit:       0,
	}

	for eventType, filter := range eb.filters {
		if filter.RateLimit > 0 {
			eb.rateLimiters[eventType] = rate.NewLimiter(rate.Every(filter.RateLimit), 1)
		}
	}
}

func redact(event Event) map[string]interface{} {
	data := make(map[string]interface{}, len(event.Data))
	for k, v := range event.Data {
		if sensitiveKeys[k] {
			continue
		}
		data[k] = v
	}
	return data
}

// Publish queues an event. It never blocks; events are dropped when the
// buffer is full or the bus is stopped.
func (eb *eventBus) Publish(event Event) {
	eb.runMu.RLock()
	defer eb.runMu.RUnlock()

	if !eb.running {
		eb.logger.Debug("EventBus not running, dropping event", "type", event.Type)
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.updateStats(event, "total")

	select {
	case eb.eventChan <- event:
	default:
		eb.updateStats(event, "dropped")
		eb.logger.Warn("EventBus buffer full, dropping event", "type", event.Type, "source", event.Source)
	}
}

func (eb *eventBus) SetSSEBroadcaster(broadcaster SSEBroadcaster) {
	eb.broadcasterMu.Lock()
	eb.sseBroadcaster = broadcaster
	eb.broadcasterMu.Unlock()
}

func (eb *eventBus) Start() error {
	eb.runMu.Lock()
	defer eb.runMu.Unlock()

	if eb.running {
		return nil
	}

	eb.running = true
	eb.wg.Add(1)

	go eb.eventProcessor()

	eb.logger.Info("📡 EventBus started")
	return nil
}

func (eb *eventBus) Stop() error {
	eb.runMu.Lock()
	if !eb.running {
		eb.runMu.Unlock()
		return nil
	}
	eb.running = false
	close(eb.eventChan)
	eb.runMu.Unlock()

	eb.wg.Wait()
	eb.cancel()

	eb.logger.Info("📡 EventBus stopped")
	return nil
}

// GetStats returns a deep copy of the counters.
func (eb *eventBus) GetStats() BusStats {
	eb.statsMu.RLock()
	defer eb.statsMu.RUnlock()

	stats := BusStats{
		TotalEvents:      eb.stats.TotalEvents,
		ProcessedEvents:  eb.stats.ProcessedEvents,
		DroppedEvents:    eb.stats.DroppedEvents,
		EventsByType:     make(map[EventType]int64),
		EventsByPriority: make(map[EventPriority]int64),
		StartTime:        eb.stats.StartTime,
	}

	for k, v := range eb.stats.EventsByType {
		stats.EventsByType[k] = v
	}
	for k, v := range eb.stats.EventsByPriority {
		stats.EventsByPriority[k] = v
	}

	return stats
}

func (eb *eventBus) eventProcessor() {
	defer eb.wg.Done()

	eb.logger.Debug("EventBus processor started")

	for {
		select {
		case event, ok := <-eb.eventChan:
			if !ok {
				eb.logger.Debug("EventBus processor stopped")
				return
			}

			eb.processEvent(event)

		case <-eb.ctx.Done():
			eb.logger.Debug("EventBus processor context cancelled")
			return
		}
	}
}

func (eb *eventBus) processEvent(event Event) {
	eb.updateStats(event, "processed")

	filter, exists := eb.filters[event.Type]
	if !exists {
		eb.logger.Debug("No filter for event type", "type", event.Type)
		return
	}

	if !filter.ShouldBroadcast(event) {
		eb.logger.Debug("Event filtered out", "type", event.Type)
		return
	}

	if limiter, exists := eb.rateLimiters[event.Type]; exists {
		if !limiter.Allow() {
			eb.logger.Debug("Event rate limited", "type", event.Type)
			return
		}
	}

	eb.broadcasterMu.RLock()
	broadcaster := eb.sseBroadcaster
	eb.broadcasterMu.RUnlock()

	if broadcaster == nil {
		eb.logger.Debug("No SSE broadcaster set")
		return
	}

	if !broadcaster.IsEventManagerActive() {
		eb.logger.Debug("SSE EventManager not active")
		return
	}

	data := filter.DataTransformer(event)
	data["event"] = string(event.Type)
	data["source"] = event.Source
	data["timestamp"] = event.Timestamp.Format(time.RFC3339)

	if frontendEventType, exists := EventTypeMapping[event.Type]; exists {
		broadcaster.BroadcastEvent(frontendEventType, data)
		eb.logger.Debug("Event broadcasted", "type", event.Type, "frontend_type", frontendEventType)
	} else {
		eb.logger.Warn("No frontend mapping for event type", "type", event.Type)
	}
}

func (eb *eventBus) updateStats(event Event, statType string) {
	eb.statsMu.Lock()
	defer eb.statsMu.Unlock()

	switch statType {
	case "total":
		eb.stats.TotalEvents++
		eb.stats.EventsByType[event.Type]++
		eb.stats.EventsByPriority[event.Priority]++
	case "processed":
		eb.stats.ProcessedEvents++
	case "dropped":
		eb.stats.DroppedEvents++
	}
}
