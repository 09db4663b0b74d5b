// Package portal is the typed client for the captive-portal account API.
// Every call goes through a dispatcher, so a blocked direct path falls back
// to the configured relays transparently.
package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"portal-bridge/internal/dispatch"
	"portal-bridge/internal/response"
)

// Dispatcher delivers logical requests.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *dispatch.LogicalRequest) (*dispatch.Response, error)
}

// Client wraps the five backend operations.
type Client struct {
	baseURL     string
	defaultPlan string
	dispatcher  Dispatcher
	processor   *response.Processor
	logger      *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDefaultPlan sets the plan pricing sent with registrations that name none.
func WithDefaultPlan(plan string) ClientOption {
	return func(c *Client) {
		c.defaultPlan = plan
	}
}

// NewClient creates a client for the account API rooted at baseURL.
func NewClient(baseURL string, dispatcher Dispatcher, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:    baseURL,
		dispatcher: dispatcher,
		processor:  response.NewProcessor(logger),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthResult is returned by Register and Login.
type AuthResult struct {
	Token    string `json:"token"`
	Strategy string `json:"strategy"`
}

// SignInResult bundles a login with the usage lookup that follows it.
type SignInResult struct {
	Token    string        `json:"token"`
	Strategy string        `json:"strategy"`
	Usage    *UsageSummary `json:"usage,omitempty"`
}

// Register creates an account. The payload is normalized and validated
// before anything is sent.
func (c *Client) Register(ctx context.Context, p RegistrationPayload) (*AuthResult, error) {
	p.Normalize(c.defaultPlan)
	if err := p.Validate(); err != nil {
		return nil, err
	}

	req, err := NewRegisterRequest(c.baseURL, p)
	if err != nil {
		return nil, err
	}

	var auth authResponse
	resp, err := c.do(ctx, "register", req, &auth)
	if err != nil {
		return nil, err
	}
	return c.authResult(resp, auth)
}

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, p LoginPayload) (*AuthResult, error) {
	p.Username = strings.TrimSpace(p.Username)

	req, err := NewLoginRequest(c.baseURL, p)
	if err != nil {
		return nil, err
	}

	var auth authResponse
	resp, err := c.do(ctx, "login", req, &auth)
	if err != nil {
		return nil, err
	}
	return c.authResult(resp, auth)
}

// RequestOTP asks the backend to send a verification code.
func (c *Client) RequestOTP(ctx context.Context, token string) error {
	_, err := c.do(ctx, "request-otp", NewRequestOTPRequest(c.baseURL, token), nil)
	return err
}

// VerifyOTP submits the verification code.
func (c *Client) VerifyOTP(ctx context.Context, token, code string) error {
	req, err := NewVerifyOTPRequest(c.baseURL, token, strings.TrimSpace(code))
	if err != nil {
		return err
	}
	_, err = c.do(ctx, "verify-otp", req, nil)
	return err
}

// Usage fetches and summarizes the data allowance.
func (c *Client) Usage(ctx context.Context, token string) (*UsageSummary, error) {
	var usage UsageResponse
	if _, err := c.do(ctx, "usage", NewUsageRequest(c.baseURL, token), &usage); err != nil {
		return nil, err
	}
	summary := Summarize(usage)
	return &summary, nil
}

// SignIn logs in and then looks up usage with the new token. A usage
// failure after a successful login is returned alongside the token.
func (c *Client) SignIn(ctx context.Context, p LoginPayload) (*SignInResult, error) {
	auth, err := c.Login(ctx, p)
	if err != nil {
		return nil, err
	}

	result := &SignInResult{Token: auth.Token, Strategy: auth.Strategy}
	usage, err := c.Usage(ctx, auth.Token)
	if err != nil {
		return result, fmt.Errorf("usage lookup: %w", err)
	}
	result.Usage = usage
	return result, nil
}

func (c *Client) authResult(resp *dispatch.Response, auth authResponse) (*AuthResult, error) {
	token := auth.token()
	if token == "" {
		return nil, ErrNoToken
	}
	return &AuthResult{Token: token, Strategy: resp.Strategy}, nil
}

// do dispatches req, turns non-2xx answers into *APIError and decodes a
// 2xx JSON body into out when out is non-nil.
func (c *Client) do(ctx context.Context, op string, req *dispatch.LogicalRequest, out interface{}) (*dispatch.Response, error) {
	resp, err := c.dispatcher.Dispatch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	body, err := c.processor.Decode(ctx, resp.Header, resp.Body, resp.Strategy)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(body, resp.StatusCode),
			Strategy:   resp.Strategy,
		}
		c.logger.Warn(fmt.Sprintf("🚫 [Portal] %s rejected via %s: %v", op, resp.Strategy, apiErr))
		return nil, apiErr
	}

	c.logger.Debug(fmt.Sprintf("📨 [Portal] %s ok via %s (status %d)", op, resp.Strategy, resp.StatusCode))

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", op, err)
		}
	}
	return resp, nil
}

// errorMessage extracts the most useful message from an error body: the
// "detail" field, the first field error, or the raw text.
func errorMessage(body []byte, status int) string {
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		if text := strings.TrimSpace(string(body)); text != "" {
			return text
		}
		return fmt.Sprintf("Status %d", status)
	}

	if detail, ok := doc["detail"].(string); ok && detail != "" {
		return detail
	}
	for _, field := range []string{"username", "phone_number", "email", "password1", "non_field_errors", "code"} {
		if list, ok := doc[field].([]interface{}); ok && len(list) > 0 {
			if msg, ok := list[0].(string); ok {
				return msg
			}
		}
	}
	return fmt.Sprintf("Status %d", status)
}
