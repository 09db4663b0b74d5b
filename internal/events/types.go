package events

import "time"

// EventType identifies what happened.
type EventType string

const (
	// Dispatch outcomes
	EventDispatchSucceeded EventType = "dispatch_succeeded"
	EventDispatchFailed    EventType = "dispatch_failed"

	// Connectivity diagnostics
	EventProbeStatusChanged  EventType = "probe_status_changed"
	EventProbeSweepCompleted EventType = "probe_sweep_completed"

	// System
	EventSystemError   EventType = "system_error"
	EventConfigChanged EventType = "config_changed"
)

// EventPriority orders events for consumers that care.
type EventPriority int

const (
	PriorityLow      EventPriority = iota // periodic summaries
	PriorityNormal                        // per-request outcomes
	PriorityHigh                          // reachability changes
	PriorityCritical                      // system errors
)

// Event is one message on the bus.
type Event struct {
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Priority  EventPriority          `json:"priority"`
}

// EventTypeMapping maps bus events to the SSE event name clients subscribe to.
var EventTypeMapping = map[EventType]string{
	EventDispatchSucceeded:   "dispatch",
	EventDispatchFailed:      "dispatch",
	EventProbeStatusChanged:  "diagnostics",
	EventProbeSweepCompleted: "diagnostics",
	EventSystemError:         "status",
	EventConfigChanged:       "config",
}
