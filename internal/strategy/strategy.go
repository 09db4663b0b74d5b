// Package strategy holds the fixed, ordered catalogue of ways to reach the
// portal backend: a direct connection or a relay that forwards on our behalf.
package strategy

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"portal-bridge/config"
)

// Kind selects the URL construction rule of a strategy.
type Kind int

const (
	KindDirect Kind = iota // target used as-is
	KindRelay              // relay prefix + percent-encoded target
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// CredentialPolicy decides what happens to auth headers on a strategy.
type CredentialPolicy int

const (
	CredentialsForward CredentialPolicy = iota
	CredentialsOmit
)

func (p CredentialPolicy) String() string {
	if p == CredentialsOmit {
		return "omit"
	}
	return "forward"
}

// credentialHeaders are stripped under CredentialsOmit.
var credentialHeaders = []string{
	"Authorization",
	"Proxy-Authorization",
	"Cookie",
	"X-Api-Key",
}

// Strategy is an immutable descriptor of one path to the backend.
type Strategy struct {
	name        string
	kind        Kind
	prefix      string
	methods     map[string]struct{}
	timeout     time.Duration
	credentials CredentialPolicy
}

// New builds a strategy. Methods are matched case-insensitively.
func New(name string, kind Kind, prefix string, methods []string, timeout time.Duration, credentials CredentialPolicy) (Strategy, error) {
	if name == "" {
		return Strategy{}, fmt.Errorf("strategy name is required")
	}
	if timeout <= 0 {
		return Strategy{}, fmt.Errorf("strategy %s: timeout must be positive", name)
	}
	if len(methods) == 0 {
		return Strategy{}, fmt.Errorf("strategy %s: at least one method is required", name)
	}
	switch kind {
	case KindDirect:
		if prefix != "" {
			return Strategy{}, fmt.Errorf("strategy %s: direct strategies take no prefix", name)
		}
	case KindRelay:
		if prefix == "" {
			return Strategy{}, fmt.Errorf("strategy %s: relay prefix is required", name)
		}
	default:
		return Strategy{}, fmt.Errorf("strategy %s: unknown kind %d", name, kind)
	}

	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
	}

	return Strategy{
		name:        name,
		kind:        kind,
		prefix:      prefix,
		methods:     set,
		timeout:     timeout,
		credentials: credentials,
	}, nil
}

// FromConfig converts one configured strategy.
func FromConfig(sc config.StrategyConfig) (Strategy, error) {
	kind := KindDirect
	switch strings.ToLower(sc.Kind) {
	case config.StrategyKindDirect, "":
	case config.StrategyKindRelay:
		kind = KindRelay
	default:
		return Strategy{}, fmt.Errorf("strategy %s: unknown kind %q", sc.Name, sc.Kind)
	}

	credentials := CredentialsForward
	if !sc.CredentialsForwarded() {
		credentials = CredentialsOmit
	}

	return New(sc.Name, kind, sc.Prefix, sc.Methods, sc.Timeout, credentials)
}

func (s Strategy) Name() string                  { return s.name }
func (s Strategy) Kind() Kind                    { return s.kind }
func (s Strategy) Prefix() string                { return s.prefix }
func (s Strategy) Timeout() time.Duration        { return s.timeout }
func (s Strategy) Credentials() CredentialPolicy { return s.credentials }

// Methods returns the allowed methods, sorted.
func (s Strategy) Methods() []string {
	out := make([]string, 0, len(s.methods))
	for m := range s.methods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Allows reports whether the strategy can carry the given method.
func (s Strategy) Allows(method string) bool {
	_, ok := s.methods[strings.ToUpper(method)]
	return ok
}

// Target returns the URL actually dialled for the true backend URL.
func (s Strategy) Target(targetURL string) string {
	if s.kind == KindDirect {
		return targetURL
	}
	return s.prefix + EncodeURIComponent(targetURL)
}

// Host returns the hostname the strategy connects to, or "" for direct
// strategies where that depends on the request.
func (s Strategy) Host() string {
	if s.kind == KindDirect {
		return ""
	}
	u, err := url.Parse(s.prefix)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// ApplyCredentials returns a copy of h adjusted to the credential policy.
// h itself is never modified.
func (s Strategy) ApplyCredentials(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}
	if s.credentials == CredentialsOmit {
		for _, name := range credentialHeaders {
			out.Del(name)
		}
	}
	return out
}

func (s Strategy) String() string {
	return fmt.Sprintf("%s(%s, %s, %s)", s.name, s.kind, strings.Join(s.Methods(), "+"), s.timeout)
}

// EncodeURIComponent escapes everything except A-Z a-z 0-9 - _ . ! ~ * ' ( ),
// the same set browsers leave alone, so relays see the form they expect.
func EncodeURIComponent(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s) * 3)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}
