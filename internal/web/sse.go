package web

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	clientBuffer  = 32
	pingInterval  = 30 * time.Second
	defaultFilter = "dispatch,diagnostics,status"
)

type sseMessage struct {
	event string
	data  map[string]interface{}
}

type sseClient struct {
	id     string
	filter map[string]bool
	ch     chan sseMessage
}

// eventHub fans bus events out to connected stream clients. A slow client
// loses messages instead of blocking the bus.
type eventHub struct {
	mu      sync.RWMutex
	clients map[string]*sseClient
	stopped bool
	logger  *slog.Logger
}

func newEventHub(logger *slog.Logger) *eventHub {
	return &eventHub{clients: make(map[string]*sseClient), logger: logger}
}

func (h *eventHub) BroadcastEvent(eventType string, data map[string]interface{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		if !c.filter[eventType] {
			continue
		}
		select {
		case c.ch <- sseMessage{event: eventType, data: data}:
		default:
			h.logger.Debug("SSE client buffer full, dropping event", "client_id", c.id, "event", eventType)
		}
	}
}

func (h *eventHub) IsEventManagerActive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return !h.stopped
}

func (h *eventHub) add(filter map[string]bool, id string) (*sseClient, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil, false
	}
	if _, taken := h.clients[id]; taken {
		id = uuid.NewString()
	}
	c := &sseClient{id: id, filter: filter, ch: make(chan sseMessage, clientBuffer)}
	h.clients[id] = c
	return c, true
}

func (h *eventHub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(c.ch)
	}
}

func (h *eventHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop disconnects every client.
func (h *eventHub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.ch)
	}
}

func parseEventFilter(param string) map[string]bool {
	if param == "" {
		param = defaultFilter
	}
	filter := make(map[string]bool)
	for _, name := range strings.Split(param, ",") {
		switch name = strings.TrimSpace(name); name {
		case "dispatch", "diagnostics", "status", "config":
			filter[name] = true
		}
	}
	return filter
}

// handleEvents streams bus events. ?events=dispatch,diagnostics,status,config
// selects what to receive; config is opt-in.
func (s *Server) handleEvents(c *gin.Context) {
	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	client, ok := s.hub.add(parseEventFilter(c.Query("events")), clientID)
	if !ok {
		c.JSON(503, gin.H{"error": "event stream is shutting down"})
		return
	}
	clientID = client.id
	defer s.hub.remove(clientID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	s.logger.Debug("SSE client connected", "client_id", clientID)

	c.SSEvent("connection", gin.H{
		"status":    "established",
		"client_id": clientID,
		"timestamp": time.Now().Format(time.RFC3339),
	})
	c.Writer.Flush()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case msg, open := <-client.ch:
			if !open {
				return
			}
			c.SSEvent(msg.event, msg.data)
			c.Writer.Flush()
		case <-ping.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case <-ctx.Done():
			s.logger.Debug("SSE client disconnected", "client_id", clientID)
			return
		}
	}
}
