package portal

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portal-bridge/internal/dispatch"
	"portal-bridge/internal/strategy"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDispatcher answers from a table keyed by method and URL.
type fakeDispatcher struct {
	responses map[string]*dispatch.Response
	err       error
	requests  []*dispatch.LogicalRequest
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req *dispatch.LogicalRequest) (*dispatch.Response, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	resp, ok := f.responses[req.Method+" "+req.TargetURL]
	if !ok {
		return &dispatch.Response{StatusCode: http.StatusNotFound, Strategy: "Direct"}, nil
	}
	return resp, nil
}

func jsonResponse(status int, body string) *dispatch.Response {
	return &dispatch.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(body),
		Strategy:   "CorsProxy",
	}
}

func TestClient_LoginTokenFields(t *testing.T) {
	for _, field := range []string{"token", "key", "token_key"} {
		t.Run(field, func(t *testing.T) {
			fd := &fakeDispatcher{responses: map[string]*dispatch.Response{
				"POST " + base + "token/": jsonResponse(http.StatusOK, `{"`+field+`":"abc"}`),
			}}
			c := NewClient(base, fd, discard())

			auth, err := c.Login(context.Background(), LoginPayload{Username: " u ", Password: "p"})
			require.NoError(t, err)
			assert.Equal(t, "abc", auth.Token)
			assert.Equal(t, "CorsProxy", auth.Strategy)

			require.Len(t, fd.requests, 1)
			assert.JSONEq(t, `{"username":"u","password":"p"}`, string(fd.requests[0].Body))
		})
	}
}

func TestClient_LoginErrors(t *testing.T) {
	fd := &fakeDispatcher{responses: map[string]*dispatch.Response{
		"POST " + base + "token/": jsonResponse(http.StatusBadRequest, `{"detail":"Incorrect phone number or password."}`),
	}}
	c := NewClient(base, fd, discard())

	_, err := c.Login(context.Background(), LoginPayload{Username: "u", Password: "bad"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "Incorrect phone number or password.", apiErr.Message)
	assert.Equal(t, "CorsProxy", apiErr.Strategy)

	fd.responses["POST "+base+"token/"] = jsonResponse(http.StatusUnauthorized, `not json`)
	_, err = c.Login(context.Background(), LoginPayload{Username: "u", Password: "bad"})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "not json")

	fd.responses["POST "+base+"token/"] = jsonResponse(http.StatusOK, `{}`)
	_, err = c.Login(context.Background(), LoginPayload{Username: "u", Password: "p"})
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestClient_RegisterFieldError(t *testing.T) {
	fd := &fakeDispatcher{responses: map[string]*dispatch.Response{
		"POST " + base: jsonResponse(http.StatusBadRequest, `{"username":["A user with that username already exists."]}`),
	}}
	c := NewClient(base, fd, discard())

	_, err := c.Register(context.Background(), RegistrationPayload{Username: "u", Password1: "p", Password2: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestClient_RegisterSendsDefaultPlan(t *testing.T) {
	const plan = "6a2d4c1e-8f3b-4e6a-9c7d-2b1f0e5a3c9d"
	fd := &fakeDispatcher{responses: map[string]*dispatch.Response{
		"POST " + base: jsonResponse(http.StatusCreated, `{"key":"tok"}`),
	}}
	c := NewClient(base, fd, discard(), WithDefaultPlan(plan))

	auth, err := c.Register(context.Background(), RegistrationPayload{Username: "0820000000", Password1: "p", Password2: "p"})
	require.NoError(t, err)
	assert.Equal(t, "tok", auth.Token)

	require.Len(t, fd.requests, 1)
	var sent map[string]string
	require.NoError(t, json.Unmarshal(fd.requests[0].Body, &sent))
	assert.Equal(t, plan, sent["plan_pricing"])
}

func TestClient_RegisterValidatesLocally(t *testing.T) {
	fd := &fakeDispatcher{}
	c := NewClient(base, fd, discard())

	_, err := c.Register(context.Background(), RegistrationPayload{Username: "u", Password1: "a", Password2: "b"})
	assert.ErrorIs(t, err, ErrPasswordMismatch)
	assert.Empty(t, fd.requests)
}

func TestClient_NoPathPropagates(t *testing.T) {
	fd := &fakeDispatcher{err: &dispatch.NoPathError{Method: "GET", Attempts: dispatch.AttemptLog{{Strategy: "Direct", Kind: dispatch.FailureTimeout}}}}
	c := NewClient(base, fd, discard())

	_, err := c.Usage(context.Background(), "tok")
	require.Error(t, err)
	assert.ErrorIs(t, err, dispatch.ErrNoPath)

	npe, ok := dispatch.IsNoPath(err)
	require.True(t, ok)
	assert.Equal(t, []string{"Direct"}, npe.Attempts.Strategies())
}

func TestClient_UsageDecodesCompressedBody(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, _ = gz.Write([]byte(`{"checks":[{"value":2097152,"result":1048576}]}`))
	require.NoError(t, gz.Close())

	resp := jsonResponse(http.StatusOK, "")
	resp.Body = buf.Bytes()
	resp.Header.Set("Content-Encoding", "gzip")

	fd := &fakeDispatcher{responses: map[string]*dispatch.Response{"GET " + base + "usage/": resp}}
	c := NewClient(base, fd, discard())

	usage, err := c.Usage(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "1.00", usage.RemainingMB)
	assert.True(t, usage.HasData)
}

// End to end: the direct path is dead, the relay forwards to a fake backend.
func TestClient_SignInThroughRelay(t *testing.T) {
	backend := http.NewServeMux()
	backend.HandleFunc("/account/token/", func(w http.ResponseWriter, r *http.Request) {
		var p LoginPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		if p.Password != "secret" {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"detail":"Incorrect phone number or password."}`)
			return
		}
		io.WriteString(w, `{"key":"tok-1"}`)
	})
	backend.HandleFunc("/account/usage/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, `{"checks":[{"value":10485760,"result":0}]}`)
	})
	backendSrv := httptest.NewServer(backend)
	defer backendSrv.Close()

	// The relay fetches ?url= on our behalf
	relaySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := http.NewRequest(r.Method, r.URL.Query().Get("url"), r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		req.Header = r.Header.Clone()
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
	}))
	defer relaySrv.Close()

	// The router blocks the backend origin; only the relay can reach it
	blocked := backendSrv.Listener.Addr().String()
	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if addr == blocked {
				return nil, errors.New("connection refused by walled garden")
			}
			return (&net.Dialer{}).DialContext(ctx, network, addr)
		},
	}}

	directS, err := strategy.New("Direct", strategy.KindDirect, "", []string{"GET", "POST"}, time.Second, strategy.CredentialsForward)
	require.NoError(t, err)
	relayS, err := strategy.New("Relay", strategy.KindRelay, relaySrv.URL+"/?url=", []string{"GET", "POST"}, time.Second, strategy.CredentialsForward)
	require.NoError(t, err)
	reg, err := strategy.NewRegistry(directS, relayS)
	require.NoError(t, err)

	d := dispatch.New(reg, dispatch.WithLogger(discard()), dispatch.WithHTTPClient(client))
	c := NewClient(backendSrv.URL+"/account/", d, discard())

	result, err := c.SignIn(context.Background(), LoginPayload{Username: "0820000000", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "tok-1", result.Token)
	assert.Equal(t, "Relay", result.Strategy)
	require.NotNil(t, result.Usage)
	assert.Equal(t, "10.00", result.Usage.RemainingMB)

	_, err = c.SignIn(context.Background(), LoginPayload{Username: "0820000000", Password: "wrong"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Incorrect phone number or password.", apiErr.Message)
}
