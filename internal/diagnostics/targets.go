package diagnostics

import (
	"net/url"
	"strings"

	"portal-bridge/config"
	"portal-bridge/internal/strategy"
)

// Target is one URL the prober fetches.
type Target struct {
	Label    string `json:"label"`
	URL      string `json:"url"`
	Strategy string `json:"strategy,omitempty"`
}

// BuildTargets returns the configured targets, or the backend favicon plus
// the probe target fetched through every relay.
func BuildTargets(cfg *config.Config, registry *strategy.Registry) []Target {
	if len(cfg.Diagnostics.Targets) > 0 {
		out := make([]Target, 0, len(cfg.Diagnostics.Targets))
		for _, t := range cfg.Diagnostics.Targets {
			out = append(out, Target{Label: t.Label, URL: t.URL})
		}
		return out
	}

	var out []Target
	if origin := originOf(cfg.Backend.BaseURL); origin != "" {
		out = append(out, Target{Label: "Backend", URL: origin + "/favicon.ico"})
	}
	if registry == nil {
		return out
	}
	for _, s := range registry.Relays() {
		out = append(out, Target{
			Label:    s.Name(),
			URL:      s.Target(cfg.Diagnostics.ProbeTarget),
			Strategy: s.Name(),
		})
	}
	return out
}

// WalledGarden lists the hostnames a captive-portal router must let through
// before sign-in for every strategy to work: the backend first, then each
// relay, then any extra hosts. Duplicates are dropped, order is kept.
func WalledGarden(cfg *config.Config, registry *strategy.Registry) []string {
	seen := make(map[string]bool)
	var hosts []string
	add := func(h string) {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" || seen[h] {
			return
		}
		seen[h] = true
		hosts = append(hosts, h)
	}

	if u, err := url.Parse(cfg.Backend.BaseURL); err == nil {
		add(u.Hostname())
	}
	if registry != nil {
		for _, s := range registry.Relays() {
			add(s.Host())
		}
	}
	for _, h := range cfg.Diagnostics.ExtraHosts {
		add(h)
	}
	return hosts
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
