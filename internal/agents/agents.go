// Package agents defines agent profiles and the registry that resolves
// mention names to them.
package agents

import (
	"errors"
	"fmt"
	"strings"
)

// Defaults applied by the configuration layer when a profile omits
// the corresponding field.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 4096
)

// ErrUnknownAgent is returned when a name resolves to no configured
// agent.
var ErrUnknownAgent = errors.New("unknown agent")

// Profile describes one configured agent persona.
type Profile struct {
	// Name is the canonical agent name used in @mentions.
	Name string
	// Provider selects the LLM backend: anthropic, openai, gemini, ollama.
	Provider string
	// Model is the provider-specific model identifier.
	Model string
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string
	// SystemPrompt is the persona instruction text.
	SystemPrompt string
	// Temperature is the sampling temperature.
	Temperature float64
	// MaxTokens bounds the context window for this agent.
	MaxTokens int
	// BaseURL overrides the provider endpoint (local gateways, tests).
	BaseURL string
}

// Registry resolves agent names to profiles. Lookups try an exact
// match first, then a case-insensitive scan.
type Registry struct {
	profiles    map[string]*Profile
	order       []string
	defaultName string
}

// NewRegistry builds a registry from profiles in declaration order.
// The default agent must resolve to one of them.
func NewRegistry(defaultName string, profiles []*Profile) (*Registry, error) {
	if len(profiles) == 0 {
		return nil, errors.New("no agents configured")
	}

	r := &Registry{profiles: make(map[string]*Profile, len(profiles))}
	for _, p := range profiles {
		if p.Name == "" {
			return nil, errors.New("agent with empty name")
		}
		if _, dup := r.profiles[p.Name]; dup {
			return nil, fmt.Errorf("duplicate agent %q", p.Name)
		}
		r.profiles[p.Name] = p
		r.order = append(r.order, p.Name)
	}

	def, err := r.Get(defaultName)
	if err != nil {
		return nil, fmt.Errorf("default agent: %w", err)
	}
	r.defaultName = def.Name

	return r, nil
}

// Get resolves an agent by name, trying exact then case-insensitive
// match before failing with ErrUnknownAgent.
func (r *Registry) Get(name string) (*Profile, error) {
	if p, ok := r.profiles[name]; ok {
		return p, nil
	}
	for _, canonical := range r.order {
		if strings.EqualFold(canonical, name) {
			return r.profiles[canonical], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
}

// DefaultName returns the canonical name of the default agent.
func (r *Registry) DefaultName() string {
	return r.defaultName
}

// Default returns the default agent's profile.
func (r *Registry) Default() *Profile {
	return r.profiles[r.defaultName]
}

// Names returns canonical agent names in declaration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}
