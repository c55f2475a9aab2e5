// Package router decides which agents answer a message.
//
// Selection is driven by @mentions: "@Coder fix this" routes to the
// agent named Coder with the mention stripped from the text. Unknown
// mentions pass through untouched, and a message with no valid mention
// falls back to the default agent. The router also watches agent
// replies for handoff suggestions and caches one provider handle per
// agent.
package router

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/torvan/parley/internal/agents"
	"github.com/torvan/parley/internal/llm"
)

// mentionPattern matches "@" followed by alphanumerics or underscores,
// anywhere in the text.
var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_]+)`)

// ParseMentions returns the mentioned names in order of appearance,
// duplicates retained, without the "@".
func ParseMentions(text string) []string {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

// DispatchPolicy controls how many mentioned agents answer a single
// message.
type DispatchPolicy string

const (
	// DispatchAll routes to every valid mentioned agent, in mention order.
	DispatchAll DispatchPolicy = "all"
	// DispatchFirst routes only to the first valid mentioned agent.
	DispatchFirst DispatchPolicy = "first"
)

// ParsePolicy converts a config string to a DispatchPolicy. Empty means
// DispatchAll.
func ParsePolicy(s string) (DispatchPolicy, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return DispatchAll, true
	case "first":
		return DispatchFirst, true
	default:
		return "", false
	}
}

// maxDecisionLog bounds the in-memory routing decision log.
const maxDecisionLog = 100

// Decision records one routing outcome, kept in a bounded in-memory
// log for the dashboard and /status.
type Decision struct {
	Time    time.Time `json:"time"`
	Input   string    `json:"input"`
	Agents  []string  `json:"agents"`
	Cleaned string    `json:"cleaned"`
}

// Selector routes messages to agents and hands out provider clients.
type Selector struct {
	registry *agents.Registry
	policy   DispatchPolicy
	logger   *slog.Logger

	mu        sync.Mutex
	providers map[string]llm.Provider
	decisions []Decision
}

// NewSelector builds a selector over the given registry.
func NewSelector(registry *agents.Registry, policy DispatchPolicy, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == "" {
		policy = DispatchAll
	}
	return &Selector{
		registry:  registry,
		policy:    policy,
		logger:    logger,
		providers: make(map[string]llm.Provider),
	}
}

// SelectAgents returns the canonical names of the agents that should
// answer text, plus the text with every valid mention stripped.
//
// Mentions resolve case-insensitively; names come back canonical and
// de-duplicated, first occurrence wins. Mentions that match no
// configured agent stay in the text. When nothing resolves, the default
// agent answers the text unmodified except for whitespace trimming.
// Under DispatchFirst only the first resolved agent is returned, but
// the text is cleaned the same way.
func (s *Selector) SelectAgents(text string) ([]string, string) {
	var selected []string
	seen := make(map[string]bool)
	for _, name := range ParseMentions(text) {
		p, err := s.registry.Get(name)
		if err != nil {
			continue
		}
		if seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		selected = append(selected, p.Name)
	}

	if len(selected) == 0 {
		selected = []string{s.registry.DefaultName()}
		cleaned := strings.TrimSpace(text)
		s.recordDecision(text, selected, cleaned)
		return selected, cleaned
	}

	cleaned := mentionPattern.ReplaceAllStringFunc(text, func(tag string) string {
		if _, err := s.registry.Get(tag[1:]); err == nil {
			return ""
		}
		return tag
	})

	if s.policy == DispatchFirst {
		selected = selected[:1]
	}
	trimmed := strings.TrimSpace(cleaned)
	s.recordDecision(text, selected, trimmed)
	return selected, trimmed
}

// recordDecision appends to the decision log, dropping the oldest
// entry once full.
func (s *Selector) recordDecision(input string, selected []string, cleaned string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.decisions) >= maxDecisionLog {
		s.decisions = s.decisions[1:]
	}
	s.decisions = append(s.decisions, Decision{
		Time:    time.Now(),
		Input:   input,
		Agents:  selected,
		Cleaned: cleaned,
	})
}

// Recent returns up to limit of the latest routing decisions, oldest
// first. limit <= 0 means all retained decisions.
func (s *Selector) Recent(limit int) []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.decisions) {
		limit = len(s.decisions)
	}
	out := make([]Decision, limit)
	copy(out, s.decisions[len(s.decisions)-limit:])
	return out
}

// DetectHandoff scans an agent's reply for a mention of another
// configured agent. It returns the first such canonical name, or ""
// when the reply suggests no handoff. Self-mentions are ignored
// case-insensitively. Advisory only: the caller decides whether to
// follow it.
func (s *Selector) DetectHandoff(reply, currentAgent string) string {
	for _, name := range ParseMentions(reply) {
		p, err := s.registry.Get(name)
		if err != nil {
			continue
		}
		if strings.EqualFold(p.Name, currentAgent) {
			continue
		}
		return p.Name
	}
	return ""
}

// ProviderFor returns the provider handle for an agent, constructing it
// on first use and caching it for the life of the selector. Credentials
// are bound at construction; rotating keys means building a new
// selector.
func (s *Selector) ProviderFor(agentName, apiKey string) (llm.Provider, error) {
	p, err := s.registry.Get(agentName)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.providers[p.Name]; ok {
		return h, nil
	}

	h, err := llm.New(p.Provider, p.Model, apiKey, p.BaseURL, s.logger)
	if err != nil {
		return nil, err
	}
	s.providers[p.Name] = h
	s.logger.Debug("provider constructed", "agent", p.Name, "provider", p.Provider, "model", p.Model)
	return h, nil
}
