// Package transport builds the outbound HTTP transport, optionally routed
// through an upstream HTTP(S) or SOCKS5 proxy.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"portal-bridge/config"
)

// CreateTransport returns a transport honouring cfg.Proxy. No overall
// timeouts are set here; callers bound each request with a context.
func CreateTransport(cfg *config.Config) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	t := &http.Transport{
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if cfg == nil || !cfg.Proxy.Enabled {
		return t, nil
	}

	proxyURL, err := proxyURL(cfg.Proxy)
	if err != nil {
		return nil, err
	}

	switch cfg.Proxy.Type {
	case "http", "https":
		t.Proxy = http.ProxyURL(proxyURL)

	case "socks5":
		var auth *proxy.Auth
		if cfg.Proxy.Username != "" {
			auth = &proxy.Auth{User: cfg.Proxy.Username, Password: cfg.Proxy.Password}
		}
		socks, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		contextDialer, ok := socks.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
		}
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return contextDialer.DialContext(ctx, network, addr)
		}

	default:
		return nil, fmt.Errorf("unsupported proxy type: %s", cfg.Proxy.Type)
	}

	return t, nil
}

// NewClient wraps CreateTransport in a client without a global timeout.
func NewClient(cfg *config.Config) (*http.Client, error) {
	t, err := CreateTransport(cfg)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: t}, nil
}

func proxyURL(pc config.ProxyConfig) (*url.URL, error) {
	raw := pc.URL
	if raw == "" {
		raw = pc.Type + "://" + net.JoinHostPort(pc.Host, strconv.Itoa(pc.Port))
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid proxy URL %q: missing host", raw)
	}
	if pc.Username != "" && u.User == nil {
		u.User = url.UserPassword(pc.Username, pc.Password)
	}
	return u, nil
}

// GetProxyInfo describes the proxy for startup logs, without credentials.
func GetProxyInfo(cfg *config.Config) string {
	if cfg == nil || !cfg.Proxy.Enabled {
		return "direct (no upstream proxy)"
	}
	u, err := proxyURL(cfg.Proxy)
	if err != nil {
		return fmt.Sprintf("%s proxy (invalid: %v)", cfg.Proxy.Type, err)
	}
	info := fmt.Sprintf("%s proxy %s", cfg.Proxy.Type, u.Host)
	if u.User != nil {
		info += " (authenticated)"
	}
	return info
}
