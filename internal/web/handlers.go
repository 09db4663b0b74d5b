package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"portal-bridge/internal/diagnostics"
	"portal-bridge/internal/dispatch"
	"portal-bridge/internal/portal"
	"portal-bridge/internal/utils"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"uptime":        utils.FormatUptime(time.Since(s.startTime)),
		"start_time":    s.startTime.Format(time.RFC3339),
		"config_file":   s.configPath,
		"strategies":    s.dispatcher.Registry().Len(),
		"event_clients": s.hub.count(),
	})
}

func (s *Server) handleStrategies(c *gin.Context) {
	strategies := s.dispatcher.Registry().Strategies()
	out := make([]gin.H, 0, len(strategies))
	for i, st := range strategies {
		out = append(out, gin.H{
			"order":       i + 1,
			"name":        st.Name(),
			"kind":        st.Kind().String(),
			"prefix":      st.Prefix(),
			"host":        st.Host(),
			"methods":     st.Methods(),
			"timeout":     utils.FormatResponseTime(st.Timeout()),
			"timeout_ms":  st.Timeout().Milliseconds(),
			"credentials": st.Credentials().String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"strategies": out, "total": len(out)})
}

func (s *Server) handleWalledGarden(c *gin.Context) {
	hosts := diagnostics.WalledGarden(s.currentConfig(), s.dispatcher.Registry())
	c.JSON(http.StatusOK, gin.H{"hosts": hosts, "total": len(hosts)})
}

func (s *Server) handleDiagnostics(c *gin.Context) {
	if s.prober == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "diagnostics disabled"})
		return
	}

	resp := gin.H{"targets": s.prober.Targets()}
	if sweep, ok := s.prober.Latest(); ok {
		resp["sweep"] = sweep
	} else if s.history != nil {
		records, err := s.history.LatestSweep(c.Request.Context())
		if err != nil {
			s.logger.Warn(fmt.Sprintf("⚠️ [API] Loading stored sweep failed: %v", err))
		} else if len(records) > 0 {
			resp["stored_sweep"] = records
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRunDiagnostics(c *gin.Context) {
	if s.prober == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "diagnostics disabled"})
		return
	}

	sweep, err := s.prober.TriggerSweep(c.Request.Context())
	if errors.Is(err, diagnostics.ErrThrottled) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		return
	}
	if sweep.Aborted {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "diagnostics sweep aborted", "sweep": sweep})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sweep": sweep})
}

func (s *Server) handleDiagnosticsHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "probe history store disabled"})
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := s.history.History(c.Request.Context(), c.Query("label"), limit)
	if err != nil {
		s.logger.Error(fmt.Sprintf("❌ [API] Loading probe history failed: %v", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load probe history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": records, "total": len(records)})
}

func (s *Server) handleStats(c *gin.Context) {
	if s.metrics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dispatch metrics disabled"})
		return
	}

	window := time.Hour
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "window must be a positive duration, e.g. 30m"})
			return
		}
		window = d
	}

	snapshot := s.metrics.Snapshot(window)
	c.JSON(http.StatusOK, gin.H{
		"stats":        snapshot,
		"uptime":       utils.FormatUptime(time.Since(snapshot.Since)),
		"success_rate": utils.FormatPercentage(snapshot.SuccessfulRequests, snapshot.TotalRequests),
	})
}

// respondError maps portal and dispatch failures to HTTP answers. A terminal
// dispatch failure becomes 502 with the attempt log and kicks off a
// diagnostics sweep so the next status check explains what is blocked.
func (s *Server) respondError(c *gin.Context, err error) {
	requestID := dispatch.RequestIDFromContext(c.Request.Context())

	var apiErr *portal.APIError
	switch {
	case errors.Is(err, portal.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

	case errors.As(err, &apiErr):
		c.JSON(apiErr.StatusCode, gin.H{"error": apiErr.Message, "strategy": apiErr.Strategy})

	case errors.Is(err, dispatch.ErrNoPath):
		npe, _ := dispatch.IsNoPath(err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":      npe.Error(),
			"attempts":   npe.Attempts,
			"request_id": requestID,
		})
		s.sweepAfterFailure()

	case errors.Is(err, dispatch.ErrIncompleteResponse):
		var ire *dispatch.IncompleteResponseError
		errors.As(err, &ire)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":       err.Error(),
			"strategy":    ire.Strategy,
			"status_code": ire.StatusCode,
			"request_id":  requestID,
		})

	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error(), "request_id": requestID})

	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads this.
		c.Status(http.StatusServiceUnavailable)

	case errors.Is(err, portal.ErrNoToken):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "request_id": requestID})

	default:
		s.logger.Error(fmt.Sprintf("❌ [API] [%s] %v", requestID, err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "request_id": requestID})
	}
}

func (s *Server) sweepAfterFailure() {
	if s.prober == nil {
		return
	}
	go func() {
		if _, err := s.prober.TriggerSweep(context.Background()); err != nil {
			s.logger.Debug(fmt.Sprintf("🩺 [Diagnostics] Follow-up sweep skipped: %v", err))
		}
	}()
}
