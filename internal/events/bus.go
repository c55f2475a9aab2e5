// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (chat engine, tool gate,
// rate limiter, trust ledger, critic) to subscribers (WebSocket handler,
// MQTT publisher). The bus is nil-safe: calling Publish on a nil *Bus is
// a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceChat identifies events from the chat engine.
	SourceChat = "chat"
	// SourceGate identifies events from the tool gate.
	SourceGate = "gate"
	// SourceRateLimit identifies events from the rate limiter.
	SourceRateLimit = "ratelimit"
	// SourceTrust identifies events from the trust ledger.
	SourceTrust = "trust"
	// SourceCritic identifies events from the shadow critic.
	SourceCritic = "critic"
	// SourceWeb identifies events from the dashboard server.
	SourceWeb = "web"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStarted signals the beginning of a conversational turn.
	// Data: room, text_len.
	KindTurnStarted = "turn_started"
	// KindAgentSelected signals an agent was chosen to answer.
	// Data: room, agent, via ("mention" or "default" or "handoff").
	KindAgentSelected = "agent_selected"
	// KindReply signals an agent produced a reply.
	// Data: room, agent, model, tokens_in, tokens_out, elapsed_ms.
	KindReply = "reply"
	// KindHandoff signals an agent mentioned another agent in its reply.
	// Data: room, from, to.
	KindHandoff = "handoff"

	// KindRateLimited signals a provider call had to wait for tokens.
	// Data: provider, wait_ms.
	KindRateLimited = "rate_limited"

	// KindToolCall signals a tool invocation was parsed from a reply.
	// Data: room, agent, tool, auto (whether it ran without confirmation).
	KindToolCall = "tool_call"
	// KindToolResult signals a tool invocation finished.
	// Data: room, agent, tool, ok, duration_ms.
	KindToolResult = "tool_result"

	// KindTrustGranted signals an agent was granted autonomous execution.
	// Data: agent, expires_at.
	KindTrustGranted = "trust_granted"
	// KindTrustRevoked signals a trust grant was removed explicitly.
	// Data: agent.
	KindTrustRevoked = "trust_revoked"
	// KindTrustExpired signals a trust grant lapsed and was purged.
	// Data: agent.
	KindTrustExpired = "trust_expired"

	// KindCriticAlert signals the shadow critic flagged a tool action.
	// Data: agent, severity, issue, fix.
	KindCriticAlert = "critic_alert"
)

// Event is one operational event published by a component.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; a subscriber that falls behind misses events
// rather than stalling the publisher.
type Bus struct {
	mu sync.RWMutex
	// Keyed by the receive-only view handed to the subscriber, so
	// Unsubscribe can accept what Subscribe returned. The value is the
	// same channel with its send side intact.
	subs map[<-chan Event]chan Event
}

// New creates an event bus with no subscribers.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber whose buffer has room and
// drops it for the rest. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a new subscriber with the given channel buffer
// and returns its receive side. Callers must Unsubscribe when done;
// 64 is a reasonable buffer for WebSocket and MQTT consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Calling
// it twice for the same channel is a no-op.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount reports how many subscribers are registered.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
