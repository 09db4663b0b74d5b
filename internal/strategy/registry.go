package strategy

import (
	"fmt"
	"strings"

	"portal-bridge/config"
)

// Registry is the ordered catalogue. It is built once and never mutated,
// so concurrent readers need no locking.
type Registry struct {
	strategies []Strategy
}

// NewRegistry validates the strategies and fixes their order.
func NewRegistry(strategies ...Strategy) (*Registry, error) {
	seen := make(map[string]bool, len(strategies))
	for _, s := range strategies {
		if s.name == "" {
			return nil, fmt.Errorf("registry: strategy without a name")
		}
		key := strings.ToLower(s.name)
		if seen[key] {
			return nil, fmt.Errorf("registry: duplicate strategy %s", s.name)
		}
		seen[key] = true
	}

	list := make([]Strategy, len(strategies))
	copy(list, strategies)
	return &Registry{strategies: list}, nil
}

// NewRegistryFromConfig builds the registry in configured order.
func NewRegistryFromConfig(cfg *config.Config) (*Registry, error) {
	strategies := make([]Strategy, 0, len(cfg.Strategies))
	for _, sc := range cfg.Strategies {
		s, err := FromConfig(sc)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, s)
	}
	return NewRegistry(strategies...)
}

// Strategies returns the catalogue in fallback order.
func (r *Registry) Strategies() []Strategy {
	out := make([]Strategy, len(r.strategies))
	copy(out, r.strategies)
	return out
}

func (r *Registry) Len() int {
	return len(r.strategies)
}

// Lookup finds a strategy by name, case-insensitively.
func (r *Registry) Lookup(name string) (Strategy, bool) {
	for _, s := range r.strategies {
		if strings.EqualFold(s.name, name) {
			return s, true
		}
	}
	return Strategy{}, false
}

// Relays returns only the relay strategies, in order.
func (r *Registry) Relays() []Strategy {
	var out []Strategy
	for _, s := range r.strategies {
		if s.kind == KindRelay {
			out = append(out, s)
		}
	}
	return out
}
