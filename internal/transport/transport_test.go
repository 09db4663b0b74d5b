package transport

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portal-bridge/config"
)

func TestCreateTransport_NoProxy(t *testing.T) {
	tr, err := CreateTransport(&config.Config{})
	require.NoError(t, err)
	assert.Nil(t, tr.Proxy)
	assert.Equal(t, "direct (no upstream proxy)", GetProxyInfo(&config.Config{}))
}

func TestCreateTransport_HTTPProxy(t *testing.T) {
	// The proxy sees the absolute target URL and answers for it
	var seen string
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.String()
		io.WriteString(w, "via proxy")
	}))
	defer proxySrv.Close()

	cfg := &config.Config{Proxy: config.ProxyConfig{Enabled: true, Type: "http", URL: proxySrv.URL}}
	client, err := NewClient(cfg)
	require.NoError(t, err)

	resp, err := client.Get("http://portal.example.com/api/usage/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "via proxy", string(body))
	assert.Equal(t, "http://portal.example.com/api/usage/", seen)
}

func TestCreateTransport_SOCKS5(t *testing.T) {
	cfg := &config.Config{Proxy: config.ProxyConfig{
		Enabled:  true,
		Type:     "socks5",
		Host:     "127.0.0.1",
		Port:     1080,
		Username: "user",
		Password: "secret",
	}}

	tr, err := CreateTransport(cfg)
	require.NoError(t, err)
	assert.Nil(t, tr.Proxy)
	assert.NotNil(t, tr.DialContext)

	info := GetProxyInfo(cfg)
	assert.Equal(t, "socks5 proxy 127.0.0.1:1080 (authenticated)", info)
	assert.NotContains(t, info, "secret")
}

func TestCreateTransport_InvalidProxy(t *testing.T) {
	_, err := CreateTransport(&config.Config{Proxy: config.ProxyConfig{Enabled: true, Type: "http", URL: "::bad"}})
	assert.Error(t, err)

	_, err = CreateTransport(&config.Config{Proxy: config.ProxyConfig{Enabled: true, Type: "ftp", URL: "ftp://x:21"}})
	assert.Error(t, err)
}
