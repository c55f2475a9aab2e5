// Package budget assembles token-bounded conversation context. It
// trims a candidate message list to a model's context ceiling while
// preserving pinned messages, using a deterministic character-based
// token estimate.
package budget

import (
	"strings"

	"github.com/torvan/parley/internal/llm"
)

const (
	// baselineTokens models the response framing overhead present in
	// every request.
	baselineTokens = 3

	// messageOverhead is the per-message framing cost (role + separators).
	messageOverhead = 4
)

// Estimator approximates token counts. Implementations must be
// deterministic; exactness is not required, consistency is.
type Estimator interface {
	// EstimateText returns the approximate token count of s: 0 for
	// empty text, at least 1 otherwise.
	EstimateText(s string) int

	// EstimateMessages returns the approximate token count of a
	// message list including framing overhead.
	EstimateMessages(msgs []llm.Message) int
}

// CharEstimator estimates tokens from character length. Four
// characters per token is a workable baseline for English across the
// supported providers. Swap in a provider-specific tokenizer through
// the Estimator interface if exact accounting is ever needed.
type CharEstimator struct {
	CharsPerToken float64
}

// NewCharEstimator returns the default 4.0 chars/token estimator.
func NewCharEstimator() *CharEstimator {
	return &CharEstimator{CharsPerToken: 4.0}
}

// EstimateText estimates tokens in a string.
func (e *CharEstimator) EstimateText(s string) int {
	if s == "" {
		return 0
	}
	n := int(float64(len(s)) / e.CharsPerToken)
	if n < 1 {
		return 1
	}
	return n
}

// EstimateMessages estimates tokens for a message list, adding
// per-message framing overhead and a small response-framing buffer.
func (e *CharEstimator) EstimateMessages(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += e.EstimateText(m.Content) + messageOverhead
	}
	return total + baselineTokens
}

// Usage is a point-in-time report of context window consumption.
type Usage struct {
	TotalTokens int `json:"total_tokens"`
	MaxTokens   int `json:"max_tokens"`
	Percent     int `json:"usage_percent"`
}

// Budgeter trims message lists to fit a token ceiling.
type Budgeter struct {
	est Estimator
}

// New creates a Budgeter. A nil estimator gets the default
// CharEstimator.
func New(est Estimator) *Budgeter {
	if est == nil {
		est = NewCharEstimator()
	}
	return &Budgeter{est: est}
}

// Trim returns the subset of messages to send to a provider, in
// chronological order, within maxTokens.
//
// A non-empty systemPrompt is prepended as a synthetic system message
// and any pre-existing system-role messages are dropped to avoid
// duplication. Pinned messages (the leading system message plus the
// next preserveFirstN) always survive; if they alone exceed the
// ceiling, only the first pinned message is returned. Remaining budget
// is filled newest-first, stopping at the first message that would
// overflow.
func (b *Budgeter) Trim(messages []llm.Message, systemPrompt string, maxTokens, preserveFirstN int) []llm.Message {
	full := make([]llm.Message, 0, len(messages)+1)
	if systemPrompt != "" {
		full = append(full, llm.Message{Role: "system", Content: systemPrompt})
	}
	for _, m := range messages {
		if m.Role == "system" && systemPrompt != "" {
			continue
		}
		full = append(full, m)
	}
	if len(full) == 0 {
		return nil
	}

	// Pinned messages form a contiguous prefix.
	fixedCount := 0
	if full[0].Role == "system" {
		fixedCount = 1
	}
	fixedCount += preserveFirstN
	if fixedCount > len(full) {
		fixedCount = len(full)
	}
	fixed := full[:fixedCount]

	fixedTokens := 0
	for _, m := range fixed {
		fixedTokens += b.est.EstimateText(m.Content) + messageOverhead
	}

	if baselineTokens+fixedTokens > maxTokens {
		// Over budget before any recent history. Degrade to the first
		// pinned message, typically the system prompt.
		if len(fixed) == 0 {
			return nil
		}
		return fixed[:1]
	}

	budget := maxTokens - baselineTokens - fixedTokens

	// Walk backward from the newest message, greedily including while
	// they fit. The first overflow ends the walk; older messages are
	// discarded wholesale, never partially included.
	var recent []llm.Message
	running := 0
	for i := len(full) - 1; i >= fixedCount; i-- {
		cost := b.est.EstimateText(full[i].Content) + messageOverhead
		if running+cost > budget {
			break
		}
		recent = append(recent, full[i])
		running += cost
	}

	result := make([]llm.Message, 0, len(fixed)+len(recent))
	result = append(result, fixed...)
	for i := len(recent) - 1; i >= 0; i-- {
		result = append(result, recent[i])
	}
	return result
}

// Usage reports estimated consumption of messages against maxTokens.
// Percent is 0 when maxTokens is not positive.
func (b *Budgeter) Usage(messages []llm.Message, maxTokens int) Usage {
	total := b.est.EstimateMessages(messages)
	u := Usage{TotalTokens: total, MaxTokens: maxTokens}
	if maxTokens > 0 {
		u.Percent = int(float64(total) / float64(maxTokens) * 100)
	}
	return u
}

// MaxContextTokens returns the context window size for a known model
// name, falling back to a conservative default. Used for display, not
// enforcement; trimming uses the per-agent max_tokens setting.
func MaxContextTokens(model string) int {
	model = strings.ToLower(model)

	switch {
	case strings.Contains(model, "gemini-1.5-pro"):
		return 2_000_000
	case strings.Contains(model, "gemini-1.5-flash"):
		return 1_000_000
	case strings.Contains(model, "claude-3"), strings.Contains(model, "claude-4"),
		strings.Contains(model, "claude-sonnet-4"), strings.Contains(model, "claude-opus-4"):
		return 200_000
	case strings.Contains(model, "gpt-4o"), strings.Contains(model, "gpt-4-turbo"):
		return 128_000
	case strings.Contains(model, "gpt-4"):
		return 8_192
	case strings.Contains(model, "gpt-3.5-turbo"):
		return 16_385
	default:
		return 4_096
	}
}
