package portal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"portal-bridge/internal/dispatch"
)

// Backend paths, relative to the account base URL.
const (
	pathRegister  = ""
	pathLogin     = "token/"
	pathUsage     = "usage/"
	pathOTPSend   = "phone/token/"
	pathOTPVerify = "phone/verify/"
)

// endpoint joins base and path; base is treated as a directory.
func endpoint(base, path string) string {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + path
}

func jsonHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	return h
}

func bearer(h http.Header, token string) http.Header {
	h.Set("Authorization", "Bearer "+token)
	return h
}

func jsonRequest(method, url string, header http.Header, v interface{}) (*dispatch.LogicalRequest, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return &dispatch.LogicalRequest{Method: method, TargetURL: url, Header: header, Body: body}, nil
}

// NewRegisterRequest builds the account-creation call.
func NewRegisterRequest(base string, p RegistrationPayload) (*dispatch.LogicalRequest, error) {
	return jsonRequest(http.MethodPost, endpoint(base, pathRegister), jsonHeaders(), p)
}

// NewLoginRequest builds the token-issuance call.
func NewLoginRequest(base string, p LoginPayload) (*dispatch.LogicalRequest, error) {
	return jsonRequest(http.MethodPost, endpoint(base, pathLogin), jsonHeaders(), p)
}

// NewRequestOTPRequest asks the backend to text a one-time code. The body
// is intentionally empty.
func NewRequestOTPRequest(base, token string) *dispatch.LogicalRequest {
	return &dispatch.LogicalRequest{
		Method:    http.MethodPost,
		TargetURL: endpoint(base, pathOTPSend),
		Header:    bearer(jsonHeaders(), token),
	}
}

// NewVerifyOTPRequest submits the one-time code.
func NewVerifyOTPRequest(base, token, code string) (*dispatch.LogicalRequest, error) {
	return jsonRequest(http.MethodPost, endpoint(base, pathOTPVerify), bearer(jsonHeaders(), token),
		map[string]string{"code": code})
}

// NewUsageRequest fetches the data counters for the session.
func NewUsageRequest(base, token string) *dispatch.LogicalRequest {
	h := http.Header{}
	h.Set("Accept", "application/json")
	return &dispatch.LogicalRequest{
		Method:    http.MethodGet,
		TargetURL: endpoint(base, pathUsage),
		Header:    bearer(h, token),
	}
}
