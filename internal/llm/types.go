// Package llm provides provider clients for LLM chat completion APIs.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message is a single chat message.
type Message struct {
	Role     string `json:"role"` // system, user, assistant
	Content  string `json:"content"`
	AgentTag string `json:"agent_tag,omitempty"` // which agent produced an assistant message
}

// Request carries everything a provider needs for one completion call.
// SystemPrompt, when set, is applied in the provider's native form
// (top-level field, systemInstruction, or a leading system message).
// System-role messages already present in Messages are folded in the
// same way, so callers may supply either.
type Request struct {
	Messages     []Message
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// Completion is the provider-neutral result of a completion call.
type Completion struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
}

// StreamFunc receives incremental text chunks during a streaming call.
// Returning an error aborts the stream.
type StreamFunc func(chunk string) error

// Provider is the capability every LLM backend exposes.
type Provider interface {
	// Complete sends a request and returns the full response.
	Complete(ctx context.Context, req Request) (*Completion, error)

	// Stream sends a request and delivers text chunks to fn as they
	// arrive, returning the assembled completion. Providers without
	// streaming support return ErrStreamingUnsupported so callers can
	// fall back to Complete.
	Stream(ctx context.Context, req Request, fn StreamFunc) (*Completion, error)
}

// ErrUnknownProvider reports a provider id with no registered client.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrStreamingUnsupported signals that a provider has no streaming
// endpoint. It is a capability marker, not a failure.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// ProviderError is a failed upstream call: transport, auth, or quota.
// Status is the HTTP status code, 0 for transport-level failures.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// New constructs a client for the given provider id. The model is fixed
// per client; one agent profile maps to one handle. baseURL overrides
// the vendor default (required for ollama-compatible deployments,
// useful everywhere for tests).
func New(providerID, model, apiKey, baseURL string, logger *slog.Logger) (Provider, error) {
	switch providerID {
	case "anthropic":
		return NewAnthropic(model, apiKey, baseURL, logger), nil
	case "openai":
		return NewOpenAI(model, apiKey, baseURL, logger), nil
	case "gemini":
		return NewGemini(model, apiKey, baseURL, logger), nil
	case "ollama":
		return NewOllama(model, baseURL, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, providerID)
	}
}
