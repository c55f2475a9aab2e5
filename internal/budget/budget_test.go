package budget

import (
	"strings"
	"testing"

	"github.com/torvan/parley/internal/llm"
)

func msg(role, content string) llm.Message {
	return llm.Message{Role: role, Content: content}
}

// text returns a string estimating to exactly n tokens.
func text(n int) string {
	return strings.Repeat("x", n*4)
}

func TestCharEstimatorText(t *testing.T) {
	e := NewCharEstimator()

	tests := []struct {
		name string
		in   string
		want int
	}{
		{"empty", "", 0},
		{"short clamps to one", "abc", 1},
		{"exactly one token", "abcd", 1},
		{"two tokens", "abcdefgh", 2},
		{"long text", strings.Repeat("a", 100), 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.EstimateText(tt.in); got != tt.want {
				t.Errorf("EstimateText(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestCharEstimatorMessages(t *testing.T) {
	e := NewCharEstimator()
	msgs := []llm.Message{
		msg("user", text(2)),
		msg("assistant", text(2)),
	}

	// Two messages at 2 tokens each, plus 4 overhead apiece, plus the
	// 3-token baseline.
	want := (2+4)*2 + 3
	if got := e.EstimateMessages(msgs); got != want {
		t.Errorf("EstimateMessages = %d, want %d", got, want)
	}

	if got := e.EstimateMessages(nil); got != 3 {
		t.Errorf("EstimateMessages(nil) = %d, want 3", got)
	}
}

func TestTrimEmptyInput(t *testing.T) {
	b := New(nil)

	if got := b.Trim(nil, "", 1000, 0); got != nil {
		t.Errorf("Trim(nil, no prompt) = %v, want nil", got)
	}

	got := b.Trim(nil, "you are helpful", 1000, 0)
	if len(got) != 1 || got[0].Role != "system" {
		t.Fatalf("Trim(nil, prompt) = %v, want single system message", got)
	}
}

func TestTrimSystemPromptDedup(t *testing.T) {
	b := New(nil)
	msgs := []llm.Message{
		msg("system", "stale prompt"),
		msg("user", "hello"),
		msg("assistant", "hi there"),
	}

	got := b.Trim(msgs, "fresh prompt", 1000, 0)

	systems := 0
	for _, m := range got {
		if m.Role == "system" {
			systems++
		}
		if m.Content == "stale prompt" {
			t.Errorf("stale system message survived: %v", got)
		}
	}
	if systems != 1 {
		t.Errorf("got %d system messages, want 1", systems)
	}
	if got[0].Role != "system" || got[0].Content != "fresh prompt" {
		t.Errorf("first message = %+v, want fresh system prompt", got[0])
	}
}

func TestTrimKeepsStoredSystemWithoutPrompt(t *testing.T) {
	b := New(nil)
	msgs := []llm.Message{
		msg("system", "stored prompt"),
		msg("user", "hello"),
	}

	got := b.Trim(msgs, "", 1000, 0)
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if got[0].Role != "system" || got[0].Content != "stored prompt" {
		t.Errorf("first message = %+v, want stored system message", got[0])
	}
}

func TestTrimFitsWithinCeiling(t *testing.T) {
	b := New(nil)

	var msgs []llm.Message
	for i := 0; i < 30; i++ {
		msgs = append(msgs, msg("user", text(10)))
	}

	const maxTokens = 100
	got := b.Trim(msgs, "", maxTokens, 0)

	if len(got) == 0 {
		t.Fatal("trim returned nothing")
	}
	if u := b.Usage(got, maxTokens); u.TotalTokens > maxTokens {
		t.Errorf("trimmed context estimates to %d tokens, ceiling %d", u.TotalTokens, maxTokens)
	}

	// Each message costs 14 tokens against a 97-token budget, so the
	// six newest survive.
	if len(got) != 6 {
		t.Errorf("got %d messages, want 6", len(got))
	}
}

func TestTrimChronologicalOrder(t *testing.T) {
	b := New(nil)
	msgs := []llm.Message{
		msg("user", "first"),
		msg("assistant", "second"),
		msg("user", "third"),
		msg("assistant", "fourth"),
	}

	got := b.Trim(msgs, "sys", 1000, 0)
	want := []string{"sys", "first", "second", "third", "fourth"}
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i, m := range got {
		if m.Content != want[i] {
			t.Errorf("message %d = %q, want %q", i, m.Content, want[i])
		}
	}
}

func TestTrimPinnedOverBudget(t *testing.T) {
	b := New(nil)
	msgs := []llm.Message{
		msg("user", "hello"),
		msg("assistant", "hi"),
	}

	// System prompt alone costs 10+4 tokens plus the 3-token baseline,
	// over a 16-token ceiling. Degrade to just the system message.
	got := b.Trim(msgs, text(10), 16, 0)
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if got[0].Role != "system" {
		t.Errorf("surviving message role = %q, want system", got[0].Role)
	}
}

func TestTrimNothingPinnedOverBudget(t *testing.T) {
	b := New(nil)
	msgs := []llm.Message{msg("user", text(50))}

	// No pinned messages and a ceiling below even the baseline.
	if got := b.Trim(msgs, "", 2, 0); len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}
}

func TestTrimPreserveFirst(t *testing.T) {
	b := New(nil)

	msgs := []llm.Message{msg("user", text(2))} // the pinned opener
	for i := 0; i < 10; i++ {
		msgs = append(msgs, msg("user", text(10)))
	}

	// Pinned: system (6) + opener (6) + baseline 3 = 15. Ceiling 43
	// leaves a 28-token budget, exactly two 14-token fillers.
	got := b.Trim(msgs, text(2), 43, 1)

	if len(got) != 4 {
		t.Fatalf("got %d messages, want 4", len(got))
	}
	if got[0].Role != "system" {
		t.Errorf("message 0 role = %q, want system", got[0].Role)
	}
	if got[1].Content != msgs[0].Content || got[1].Role != "user" {
		t.Errorf("pinned opener missing, message 1 = %+v", got[1])
	}
}

func TestTrimStopsAtFirstOverflow(t *testing.T) {
	b := New(nil)
	msgs := []llm.Message{
		msg("user", text(1)),   // would fit, but is behind the wall
		msg("user", text(100)), // the wall
		msg("user", text(1)),
	}

	// Budget 20: newest costs 5, the wall costs 104 and ends the walk.
	// The oldest message is discarded even though it would fit.
	got := b.Trim(msgs, "", 23, 0)
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if got[0].Content != msgs[2].Content {
		t.Errorf("survivor = %q, want newest message", got[0].Content)
	}
}

func TestUsage(t *testing.T) {
	b := New(nil)
	msgs := []llm.Message{
		msg("user", text(2)),
		msg("assistant", text(2)),
	}

	u := b.Usage(msgs, 60)
	if u.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15", u.TotalTokens)
	}
	if u.Percent != 25 {
		t.Errorf("Percent = %d, want 25", u.Percent)
	}

	if u := b.Usage(msgs, 0); u.Percent != 0 {
		t.Errorf("Percent with zero ceiling = %d, want 0", u.Percent)
	}
}

func TestMaxContextTokens(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"claude-3-5-sonnet-20241022", 200_000},
		{"claude-sonnet-4-20250514", 200_000},
		{"gpt-4o-mini", 128_000},
		{"gpt-4-turbo", 128_000},
		{"gpt-4", 8_192},
		{"gpt-3.5-turbo", 16_385},
		{"gemini-1.5-pro-latest", 2_000_000},
		{"gemini-1.5-flash", 1_000_000},
		{"llama3.2", 4_096},
		{"", 4_096},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := MaxContextTokens(tt.model); got != tt.want {
				t.Errorf("MaxContextTokens(%q) = %d, want %d", tt.model, got, tt.want)
			}
		})
	}
}
