// Package chat runs conversational turns. One turn takes a raw user
// message through agent selection, admission control, context
// trimming, the provider call, tool-call gating, and handoff
// detection. The engine owns no connections of its own; every
// collaborator is injected so rooms and tests can run isolated
// instances.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/torvan/parley/internal/agents"
	"github.com/torvan/parley/internal/budget"
	"github.com/torvan/parley/internal/creds"
	"github.com/torvan/parley/internal/events"
	"github.com/torvan/parley/internal/gate"
	"github.com/torvan/parley/internal/history"
	"github.com/torvan/parley/internal/llm"
	"github.com/torvan/parley/internal/ratelimit"
	"github.com/torvan/parley/internal/router"
	"github.com/torvan/parley/internal/toolcall"
	"github.com/torvan/parley/internal/usage"
)

// historyWindow bounds how many stored messages are loaded as trim
// candidates. The budgeter cuts further; this only caps the query.
const historyWindow = 100

// maxHandoffs bounds how many handoff suggestions one turn follows, so
// two agents mentioning each other cannot ping-pong forever.
const maxHandoffs = 3

// ProviderFn hands out a provider client for an agent, typically
// [router.Selector.ProviderFor].
type ProviderFn func(agentName, apiKey string) (llm.Provider, error)

// Sink receives turn progress for display. Implementations must not
// block; the REPL writes to the terminal, tests record.
type Sink interface {
	// AgentStarted signals that an agent is about to answer.
	AgentStarted(agent, model string)
	// Chunk delivers one streamed fragment of the agent's reply.
	Chunk(agent, text string)
	// Reply delivers the complete reply and its context usage.
	Reply(agent, content string, u budget.Usage)
	// ToolResult delivers the outcome of one executed tool call.
	ToolResult(agent, tool, result string)
	// Notice delivers operational asides: rate-limit waits, skipped
	// tool calls, handoffs.
	Notice(text string)
}

// Engine orchestrates turns for one process. Safe for sequential use;
// concurrent turns sharing an Engine are serialized per provider and
// per agent by the limiter and ledger themselves.
type Engine struct {
	registry    *agents.Registry
	selector    *router.Selector
	limiter     *ratelimit.Limiter
	budgeter    *budget.Budgeter
	gate        *gate.Gate
	store       *history.Store
	usage       *usage.Store
	resolver    *creds.Resolver
	confirmer   gate.Confirmer
	providerFor ProviderFn
	bus         *events.Bus
	logger      *slog.Logger

	preserveFirst  int
	followHandoffs bool
	toolPrompt     string
}

// Options bundle the engine's collaborators. Registry, Selector,
// Limiter, Gate, Store, and ProviderFor are required; the rest may be
// nil or zero.
type Options struct {
	Registry    *agents.Registry
	Selector    *router.Selector
	Limiter     *ratelimit.Limiter
	Budgeter    *budget.Budgeter
	Gate        *gate.Gate
	Store       *history.Store
	Usage       *usage.Store
	Resolver    *creds.Resolver
	Confirmer   gate.Confirmer
	ProviderFor ProviderFn
	Bus         *events.Bus
	Logger      *slog.Logger

	// PreserveFirst pins that many messages after the system prompt
	// during trimming.
	PreserveFirst int
	// FollowHandoffs makes the engine dispatch to an agent mentioned in
	// another agent's reply, up to a per-turn hop limit.
	FollowHandoffs bool
	// ToolPrompt is appended to every agent's system prompt, typically
	// the registry's tool list.
	ToolPrompt string
}

// NewEngine builds a turn engine from its collaborators.
func NewEngine(o Options) *Engine {
	if o.Budgeter == nil {
		o.Budgeter = budget.New(nil)
	}
	if o.Resolver == nil {
		o.Resolver = creds.NewResolver()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Engine{
		registry:       o.Registry,
		selector:       o.Selector,
		limiter:        o.Limiter,
		budgeter:       o.Budgeter,
		gate:           o.Gate,
		store:          o.Store,
		usage:          o.Usage,
		resolver:       o.Resolver,
		confirmer:      o.Confirmer,
		providerFor:    o.ProviderFor,
		bus:            o.Bus,
		logger:         o.Logger,
		preserveFirst:  o.PreserveFirst,
		followHandoffs: o.FollowHandoffs,
		toolPrompt:     o.ToolPrompt,
	}
}

// Turn processes one user message in a room. Every selected agent
// answers in mention order; a failure for one agent is reported
// through the sink and does not stop the others. The returned error
// covers turn-level failures only (storage, cancellation).
func (e *Engine) Turn(ctx context.Context, room, text string, sink Sink) error {
	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceChat,
		Kind:      events.KindTurnStarted,
		Data:      map[string]any{"room": room, "text_len": len(text)},
	})

	selected, cleaned := e.selector.SelectAgents(text)
	if cleaned == "" {
		return nil
	}

	// The user message is stored once, however many agents answer it.
	if _, err := e.store.AddMessage(room, "user", cleaned, ""); err != nil {
		return fmt.Errorf("store user message: %w", err)
	}

	hops := 0
	queue := append([]string(nil), selected...)
	answered := map[string]bool{}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		agent := queue[0]
		queue = queue[1:]
		answered[agent] = true

		reply, err := e.runAgent(ctx, room, agent, sink)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			e.logger.Error("agent turn failed", "room", room, "agent", agent, "error", err)
			sink.Notice(fmt.Sprintf("%s failed: %v", agent, err))
			continue
		}

		target := e.selector.DetectHandoff(reply, agent)
		if target == "" {
			continue
		}
		e.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceChat,
			Kind:      events.KindHandoff,
			Data:      map[string]any{"room": room, "from": agent, "to": target},
		})
		if !e.followHandoffs || answered[target] || hops >= maxHandoffs {
			sink.Notice(fmt.Sprintf("%s suggests handing off to %s", agent, target))
			continue
		}
		hops++
		sink.Notice(fmt.Sprintf("%s hands off to %s", agent, target))
		queue = append(queue, target)
	}

	return nil
}

// runAgent produces one agent's reply: admission, trimming, the
// provider call with retry, storage, and tool-call handling. It
// returns the raw reply text for handoff detection.
func (e *Engine) runAgent(ctx context.Context, room, agent string, sink Sink) (string, error) {
	profile, err := e.registry.Get(agent)
	if err != nil {
		return "", err
	}

	key := e.resolver.Resolve(profile.APIKeyEnv, profile.Provider)
	if key == "" && creds.EnvVarFor(profile.Provider) != "" {
		envVar := profile.APIKeyEnv
		if envVar == "" {
			envVar = creds.EnvVarFor(profile.Provider)
		}
		return "", fmt.Errorf("no API key for provider %s (set %s)", profile.Provider, envVar)
	}

	provider, err := e.providerFor(profile.Name, key)
	if err != nil {
		return "", err
	}

	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceChat,
		Kind:      events.KindAgentSelected,
		Data:      map[string]any{"room": room, "agent": profile.Name},
	})
	sink.AgentStarted(profile.Name, profile.Model)

	if err := e.admit(ctx, profile.Provider, sink); err != nil {
		return "", err
	}

	req, err := e.buildRequest(room, profile)
	if err != nil {
		return "", err
	}

	comp, err := e.callWithRetry(ctx, profile, provider, req, sink)
	if err != nil {
		return "", err
	}

	if _, err := e.store.AddMessage(room, "assistant", comp.Content, profile.Name); err != nil {
		return "", fmt.Errorf("store reply: %w", err)
	}
	e.recordUsage(ctx, room, profile, comp)

	msgs, _ := e.store.Recent(room, historyWindow)
	sink.Reply(profile.Name, comp.Content, e.budgeter.Usage(toLLMMessages(msgs), profile.MaxTokens))

	e.runToolCalls(ctx, room, profile.Name, comp.Content, sink)

	return comp.Content, nil
}

// admit consumes one request token for the provider, waiting for a
// refill when the bucket is empty. Unknown providers pass freely.
func (e *Engine) admit(ctx context.Context, provider string, sink Sink) error {
	wait := e.limiter.WaitTime(provider, 1)
	if wait > 0 && wait != ratelimit.UnlimitedWait {
		e.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceRateLimit,
			Kind:      events.KindRateLimited,
			Data:      map[string]any{"provider": provider, "wait_ms": wait.Milliseconds()},
		})
		sink.Notice(fmt.Sprintf("rate limit: waiting %s for %s", wait.Round(time.Millisecond), provider))
	}
	return e.limiter.WaitIfNeeded(ctx, provider, 1)
}

// buildRequest loads recent room history and trims it to the agent's
// context ceiling.
func (e *Engine) buildRequest(room string, profile *agents.Profile) (llm.Request, error) {
	stored, err := e.store.Recent(room, historyWindow)
	if err != nil {
		return llm.Request{}, fmt.Errorf("load history: %w", err)
	}

	systemPrompt := profile.SystemPrompt
	if e.toolPrompt != "" {
		if systemPrompt != "" {
			systemPrompt += "\n\n"
		}
		systemPrompt += e.toolPrompt
	}

	trimmed := e.budgeter.Trim(toLLMMessages(stored), systemPrompt, profile.MaxTokens, e.preserveFirst)
	return llm.Request{
		Messages:    trimmed,
		Temperature: profile.Temperature,
		MaxTokens:   profile.MaxTokens,
	}, nil
}

// callWithRetry streams the completion, falling back to Complete for
// providers without streaming. Provider failures retry on the
// limiter's backoff schedule until ShouldRetry says stop.
func (e *Engine) callWithRetry(ctx context.Context, profile *agents.Profile, provider llm.Provider, req llm.Request, sink Sink) (*llm.Completion, error) {
	for {
		comp, err := e.call(ctx, profile, provider, req, sink)
		if err == nil {
			e.limiter.ResetRetry(profile.Provider)
			return comp, nil
		}

		var perr *llm.ProviderError
		if !errors.As(err, &perr) {
			return nil, err
		}

		e.limiter.IncrementRetry(profile.Provider)
		if !e.limiter.ShouldRetry(profile.Provider) {
			e.limiter.ResetRetry(profile.Provider)
			return nil, fmt.Errorf("provider %s failed after retries: %w", profile.Provider, err)
		}

		backoff := e.limiter.BackoffTime(profile.Provider)
		e.logger.Warn("provider call failed, backing off",
			"provider", profile.Provider,
			"agent", profile.Name,
			"backoff", backoff,
			"error", err)
		sink.Notice(fmt.Sprintf("%s error, retrying in %s", profile.Provider, backoff.Round(time.Millisecond)))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (e *Engine) call(ctx context.Context, profile *agents.Profile, provider llm.Provider, req llm.Request, sink Sink) (*llm.Completion, error) {
	comp, err := provider.Stream(ctx, req, func(chunk string) error {
		sink.Chunk(profile.Name, chunk)
		return nil
	})
	if errors.Is(err, llm.ErrStreamingUnsupported) {
		return provider.Complete(ctx, req)
	}
	return comp, err
}

// recordUsage persists token counts for one completed call. Accounting
// failures are logged, never surfaced into the turn.
func (e *Engine) recordUsage(ctx context.Context, room string, profile *agents.Profile, comp *llm.Completion) {
	if e.usage == nil {
		return
	}
	err := e.usage.Record(ctx, usage.Record{
		Timestamp:    time.Now(),
		Room:         room,
		Agent:        profile.Name,
		Provider:     profile.Provider,
		Model:        comp.Model,
		InputTokens:  comp.InputTokens,
		OutputTokens: comp.OutputTokens,
	})
	if err != nil {
		e.logger.Warn("usage record failed", "room", room, "agent", profile.Name, "error", err)
	}
}

// runToolCalls parses and executes every tool call in a reply. Gated
// calls go through the confirmer; denial skips the call, it is not an
// error. Results are stored so later context includes them.
func (e *Engine) runToolCalls(ctx context.Context, room, agent, reply string, sink Sink) {
	for _, call := range toolcall.Parse(reply) {
		decision := e.gate.Decide(agent, call)

		if !decision.AutoExecute {
			if e.confirmer == nil {
				sink.Notice(fmt.Sprintf("tool %s needs confirmation but no confirmer is wired; skipped", call.Name))
				continue
			}
			req := gate.ConfirmRequest{Agent: agent, Call: call}
			if decision.NeedsDiff {
				req.Diff = e.gate.WriteDiff(call)
			}
			if !e.confirmer.Confirm(ctx, req) {
				sink.Notice(fmt.Sprintf("tool %s denied", call.Name))
				continue
			}
		}

		result := e.gate.Execute(ctx, agent, call)
		sink.ToolResult(agent, call.Name, result)

		stored := fmt.Sprintf("[%s result]\n%s", call.Name, result)
		if _, err := e.store.AddMessage(room, "assistant", stored, agent); err != nil {
			e.logger.Warn("store tool result failed", "room", room, "tool", call.Name, "error", err)
		}
	}
}

// toLLMMessages converts stored history rows to provider messages.
func toLLMMessages(msgs []history.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{
			Role:     m.Role,
			Content:  m.Content,
			AgentTag: m.AgentTag,
		})
	}
	return out
}

// Usage reports current context consumption for an agent in a room,
// for the /status REPL command.
func (e *Engine) Usage(room, agent string) (budget.Usage, error) {
	profile, err := e.registry.Get(agent)
	if err != nil {
		return budget.Usage{}, err
	}
	msgs, err := e.store.Recent(room, historyWindow)
	if err != nil {
		return budget.Usage{}, err
	}
	return e.budgeter.Usage(toLLMMessages(msgs), profile.MaxTokens), nil
}
