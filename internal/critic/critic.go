// Package critic runs background audits of executed tool actions.
//
// After the gate runs a tool, the critic asks a dedicated agent profile
// to review the action and its result. The audit is fire-and-forget: it
// never blocks the turn, and every failure along the way (no critic
// agent configured, missing key, provider error) is swallowed. Only a
// reply containing "STATUS: ALERT" surfaces, as a warning log and a bus
// event.
package critic

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/torvan/parley/internal/agents"
	"github.com/torvan/parley/internal/creds"
	"github.com/torvan/parley/internal/events"
	"github.com/torvan/parley/internal/llm"
)

const (
	// auditTimeout bounds one background audit call.
	auditTimeout = 60 * time.Second
	// auditTruncate caps the action and result text embedded in the
	// audit prompt.
	auditTruncate = 2000
	// auditTemperature keeps the critic deterministic.
	auditTemperature = 0.1
	// auditMaxTokens bounds the critic's verdict.
	auditMaxTokens = 500
)

// ProviderFn hands out a provider client for an agent, typically
// router.Selector.ProviderFor.
type ProviderFn func(agentName, apiKey string) (llm.Provider, error)

// Alert is a parsed critic verdict.
type Alert struct {
	Agent    string
	Severity string
	Issue    string
	Fix      string
}

// Critic audits completed tool actions through a configured agent.
type Critic struct {
	agentName   string
	registry    *agents.Registry
	providerFor ProviderFn
	resolver    *creds.Resolver
	bus         *events.Bus
	logger      *slog.Logger
}

// New builds a critic that audits through the named agent profile.
func New(agentName string, registry *agents.Registry, providerFor ProviderFn, resolver *creds.Resolver, bus *events.Bus, logger *slog.Logger) *Critic {
	if logger == nil {
		logger = slog.Default()
	}
	if agentName == "" {
		agentName = "Critic"
	}
	return &Critic{
		agentName:   agentName,
		registry:    registry,
		providerFor: providerFor,
		resolver:    resolver,
		bus:         bus,
		logger:      logger,
	}
}

// Audit reviews an action in the background. It returns immediately;
// the verdict arrives as a log line and a critic_alert event, or not at
// all. Safe to call on a nil receiver (auditing disabled).
func (c *Critic) Audit(actingAgent, action, result string) {
	if c == nil {
		return
	}
	if strings.EqualFold(actingAgent, c.agentName) {
		// The critic does not audit itself.
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()
		c.runAudit(ctx, actingAgent, action, result)
	}()
}

// runAudit performs one audit synchronously. Every early return is a
// silent skip.
func (c *Critic) runAudit(ctx context.Context, actingAgent, action, result string) {
	profile, err := c.registry.Get(c.agentName)
	if err != nil {
		c.logger.Debug("critic agent not configured, skipping audit", "critic", c.agentName)
		return
	}

	key := c.resolver.Resolve(profile.APIKeyEnv, profile.Provider)
	if key == "" && creds.EnvVarFor(profile.Provider) != "" {
		c.logger.Debug("critic key not configured, skipping audit", "critic", c.agentName)
		return
	}

	provider, err := c.providerFor(profile.Name, key)
	if err != nil {
		c.logger.Debug("critic provider unavailable", "critic", c.agentName, "error", err)
		return
	}

	comp, err := provider.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "user", Content: auditPrompt(actingAgent, action, result)},
		},
		SystemPrompt: profile.SystemPrompt,
		Temperature:  auditTemperature,
		MaxTokens:    auditMaxTokens,
	})
	if err != nil {
		c.logger.Debug("critic audit failed", "agent", actingAgent, "error", err)
		return
	}

	if !strings.Contains(comp.Content, "STATUS: ALERT") {
		c.logger.Debug("critic audit clear", "agent", actingAgent)
		return
	}

	alert := parseAlert(actingAgent, comp.Content)
	c.logger.Warn("critic alert",
		"agent", alert.Agent,
		"severity", alert.Severity,
		"issue", alert.Issue,
		"fix", alert.Fix)
	c.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceCritic,
		Kind:      events.KindCriticAlert,
		Data: map[string]any{
			"agent":    alert.Agent,
			"severity": alert.Severity,
			"issue":    alert.Issue,
			"fix":      alert.Fix,
		},
	})
}

// auditPrompt builds the review request sent to the critic agent.
func auditPrompt(actingAgent, action, result string) string {
	return fmt.Sprintf(`[SHADOW AUDIT REQUEST]
Agent '@%s' just performed an action.
ACTION: %s
RESULT: %s

Your task:
1. Review this action for security risks, bugs, or major architectural violations.
2. If the action is SAFE and correct, respond with exactly: "STATUS: CLEAR"
3. If you find a MAJOR or CRITICAL issue, respond with:
   "STATUS: ALERT"
   "SEVERITY: [Critical/Major]"
   "ISSUE: [Brief description]"
   "FIX: [Brief recommendation]"

Be concise. Do not chat.`,
		actingAgent, truncate(action, auditTruncate), truncate(result, auditTruncate))
}

// parseAlert extracts the structured fields from an alert reply,
// falling back to placeholders when the critic strayed from the format.
func parseAlert(actingAgent, text string) Alert {
	alert := Alert{
		Agent:    actingAgent,
		Severity: "Major",
		Issue:    "Unknown issue",
		Fix:      "Check logs",
	}
	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.Contains(line, "SEVERITY:"):
			alert.Severity = afterColon(line)
		case strings.Contains(line, "ISSUE:"):
			alert.Issue = afterColon(line)
		case strings.Contains(line, "FIX:"):
			alert.Fix = afterColon(line)
		}
	}
	return alert
}

func afterColon(line string) string {
	_, rest, ok := strings.Cut(line, ":")
	if !ok {
		return strings.TrimSpace(line)
	}
	return strings.TrimSpace(rest)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
