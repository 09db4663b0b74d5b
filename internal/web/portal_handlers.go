package web

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"portal-bridge/internal/portal"
)

type verifyOTPRequest struct {
	Code string `json:"code" binding:"required"`
}

// bearerToken returns the token from "Authorization: Bearer <token>".
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

func requireToken(c *gin.Context) (string, bool) {
	token, ok := bearerToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
	}
	return token, ok
}

// handleRegister creates the account and, for phone sign-ups, asks for the
// verification SMS straight away. A failed SMS request still returns the
// token so the client can retry it on its own.
func (s *Server) handleRegister(c *gin.Context) {
	var payload portal.RegistrationPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	client := s.portalClient()
	ctx := c.Request.Context()

	auth, err := client.Register(ctx, payload)
	if err != nil {
		s.respondError(c, err)
		return
	}

	resp := gin.H{"token": auth.Token, "strategy": auth.Strategy, "otp_requested": false}
	if payload.Method == "" || payload.Method == portal.DefaultRegistrationMethod {
		if err := client.RequestOTP(ctx, auth.Token); err != nil {
			s.logger.Warn(fmt.Sprintf("⚠️ [Portal] OTP request after registration failed: %v", err))
			resp["otp_error"] = err.Error()
		} else {
			resp["otp_requested"] = true
		}
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleLogin(c *gin.Context) {
	var payload portal.LoginPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	if strings.TrimSpace(payload.Username) == "" || payload.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	result, err := s.portalClient().SignIn(c.Request.Context(), payload)
	if err != nil && result == nil {
		s.respondError(c, err)
		return
	}

	resp := gin.H{"token": result.Token, "strategy": result.Strategy, "usage": result.Usage}
	if err != nil {
		resp["usage_error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRequestOTP(c *gin.Context) {
	token, ok := requireToken(c)
	if !ok {
		return
	}
	if err := s.portalClient().RequestOTP(c.Request.Context(), token); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

func (s *Server) handleVerifyOTP(c *gin.Context) {
	token, ok := requireToken(c)
	if !ok {
		return
	}

	var body verifyOTPRequest
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Code) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
		return
	}

	if err := s.portalClient().VerifyOTP(c.Request.Context(), token, body.Code); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "verified"})
}

func (s *Server) handleUsage(c *gin.Context) {
	token, ok := requireToken(c)
	if !ok {
		return
	}
	usage, err := s.portalClient().Usage(c.Request.Context(), token)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}
