package web

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"portal-bridge/internal/dispatch"
	"portal-bridge/internal/response"
)

// Request headers that describe the client hop rather than the call.
var skippedRequestHeaders = map[string]bool{
	"Host":            true,
	"Content-Length":  true,
	"Accept-Encoding": true,
	"X-Request-Id":    true,
}

// handleBackend forwards an arbitrary call below the backend base URL through
// the dispatcher and writes back whatever the backend answered.
func (s *Server) handleBackend(c *gin.Context) {
	cfg := s.currentConfig()

	target, err := backendTarget(cfg.Backend.BaseURL, c.Param("path"), c.Request.URL.RawQuery)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var body []byte
	if c.Request.Body != nil {
		body, err = io.ReadAll(io.LimitReader(c.Request.Body, cfg.Backend.MaxBodyBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("failed to read request body: %v", err)})
			return
		}
		if int64(len(body)) > cfg.Backend.MaxBodyBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
	}

	header := make(http.Header)
	for key, values := range c.Request.Header {
		if skippedRequestHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		header[key] = append([]string(nil), values...)
	}

	ctx := c.Request.Context()
	resp, err := s.dispatcher.Dispatch(ctx, &dispatch.LogicalRequest{
		Method:    c.Request.Method,
		TargetURL: target,
		Header:    header,
		Body:      body,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	processor := response.NewProcessor(s.logger)
	decoded, err := processor.Decode(ctx, resp.Header, resp.Body, resp.Strategy)
	if err != nil {
		s.logger.Error(fmt.Sprintf("❌ [API] Decoding backend response from %s failed: %v", resp.Strategy, err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to decode backend response", "strategy": resp.Strategy})
		return
	}

	processor.CopyResponseHeaders(resp.Header, c.Writer)
	c.Header("X-Strategy", resp.Strategy)
	if resp.Truncated {
		c.Header("X-Body-Truncated", "true")
	}
	c.Status(resp.StatusCode)
	if _, err := c.Writer.Write(decoded); err != nil {
		s.logger.Debug(fmt.Sprintf("🔌 [API] Client went away while writing backend response: %v", err))
	}
}

// backendTarget resolves path below base. Paths may not climb above base.
func backendTarget(base, path, rawQuery string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid backend base URL: %w", err)
	}
	if !strings.HasSuffix(baseURL.Path, "/") {
		baseURL.Path += "/"
	}

	rel := strings.TrimPrefix(path, "/")
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path may not leave the backend base URL")
		}
	}

	target := baseURL.ResolveReference(&url.URL{Path: rel})
	target.RawQuery = rawQuery
	return target.String(), nil
}
