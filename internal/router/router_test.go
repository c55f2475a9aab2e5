package router

import (
	"errors"
	"log/slog"
	"reflect"
	"testing"

	"github.com/torvan/parley/internal/agents"
)

func newTestSelector(t *testing.T, policy DispatchPolicy) *Selector {
	t.Helper()
	reg, err := agents.NewRegistry("Architect", []*agents.Profile{
		{Name: "Architect", Provider: "gemini", Model: "gemini-1.5-pro"},
		{Name: "Coder", Provider: "openai", Model: "gpt-4o"},
		{Name: "Reviewer", Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return NewSelector(reg, policy, slog.Default())
}

func TestParseMentions(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"Hello world", nil},
		{"@Coder fix this", []string{"Coder"}},
		{"@Architect @Coder plan?", []string{"Architect", "Coder"}},
		{"@a @b @a duplicates kept", []string{"a", "b", "a"}},
		{"mid-sentence @Reviewer check", []string{"Reviewer"}},
		{"underscore @code_bot ok", []string{"code_bot"}},
		{"email user@host.com", []string{"host"}},
		{"@", nil},
	}

	for _, tt := range tests {
		if got := ParseMentions(tt.text); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseMentions(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestSelectAgentsDefault(t *testing.T) {
	s := newTestSelector(t, DispatchAll)

	names, text := s.SelectAgents("Hello world")
	if !reflect.DeepEqual(names, []string{"Architect"}) {
		t.Errorf("names = %v, want [Architect]", names)
	}
	if text != "Hello world" {
		t.Errorf("text = %q, want unchanged", text)
	}
}

func TestSelectAgentsSingleMention(t *testing.T) {
	s := newTestSelector(t, DispatchAll)

	names, text := s.SelectAgents("@Coder Fix this bug")
	if !reflect.DeepEqual(names, []string{"Coder"}) {
		t.Errorf("names = %v, want [Coder]", names)
	}
	if text != "Fix this bug" {
		t.Errorf("text = %q, want %q", text, "Fix this bug")
	}
}

func TestSelectAgentsMultiMention(t *testing.T) {
	s := newTestSelector(t, DispatchAll)

	names, text := s.SelectAgents("@Architect @Coder plan?")
	if !reflect.DeepEqual(names, []string{"Architect", "Coder"}) {
		t.Errorf("names = %v, want [Architect Coder]", names)
	}
	if text != "plan?" {
		t.Errorf("text = %q, want %q", text, "plan?")
	}
}

func TestSelectAgentsCaseInsensitiveCanonical(t *testing.T) {
	s := newTestSelector(t, DispatchAll)

	names, text := s.SelectAgents("@coder fix")
	if !reflect.DeepEqual(names, []string{"Coder"}) {
		t.Errorf("names = %v, want canonical [Coder]", names)
	}
	if text != "fix" {
		t.Errorf("text = %q, want %q", text, "fix")
	}
}

func TestSelectAgentsDuplicatesCollapsed(t *testing.T) {
	s := newTestSelector(t, DispatchAll)

	names, text := s.SelectAgents("@Coder @coder go")
	if !reflect.DeepEqual(names, []string{"Coder"}) {
		t.Errorf("names = %v, want [Coder]", names)
	}
	if text != "go" {
		t.Errorf("text = %q, want %q", text, "go")
	}
}

func TestSelectAgentsUnknownMentionFallsBack(t *testing.T) {
	s := newTestSelector(t, DispatchAll)

	names, text := s.SelectAgents("  @Ghost help me  ")
	if !reflect.DeepEqual(names, []string{"Architect"}) {
		t.Errorf("names = %v, want default [Architect]", names)
	}
	if text != "@Ghost help me" {
		t.Errorf("text = %q, want unknown mention kept", text)
	}
}

func TestSelectAgentsMixedKnownUnknown(t *testing.T) {
	s := newTestSelector(t, DispatchAll)

	names, text := s.SelectAgents("@Ghost @Coder fix")
	if !reflect.DeepEqual(names, []string{"Coder"}) {
		t.Errorf("names = %v, want [Coder]", names)
	}
	// Only the valid mention is stripped; the unknown one survives.
	if text != "@Ghost  fix" {
		t.Errorf("text = %q, want %q", text, "@Ghost  fix")
	}
}

func TestSelectAgentsFirstPolicy(t *testing.T) {
	s := newTestSelector(t, DispatchFirst)

	names, text := s.SelectAgents("@Architect @Coder plan?")
	if !reflect.DeepEqual(names, []string{"Architect"}) {
		t.Errorf("names = %v, want [Architect]", names)
	}
	// Cleaning is the same under either policy.
	if text != "plan?" {
		t.Errorf("text = %q, want %q", text, "plan?")
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in   string
		want DispatchPolicy
		ok   bool
	}{
		{"", DispatchAll, true},
		{"all", DispatchAll, true},
		{"First", DispatchFirst, true},
		{" first ", DispatchFirst, true},
		{"both", "", false},
	}

	for _, tt := range tests {
		got, ok := ParsePolicy(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParsePolicy(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDetectHandoff(t *testing.T) {
	s := newTestSelector(t, DispatchAll)

	tests := []struct {
		name    string
		reply   string
		current string
		want    string
	}{
		{"suggests another agent", "This needs tests. @Coder should take over.", "Architect", "Coder"},
		{"self mention ignored", "As @Architect I think we wait.", "Architect", ""},
		{"self mention case insensitive", "As @architect I think we wait.", "Architect", ""},
		{"self then other", "I (@Architect) defer to @Reviewer.", "Architect", "Reviewer"},
		{"unknown mention skipped", "Ask @Ghost or @Coder.", "Architect", "Coder"},
		{"no mentions", "All done.", "Architect", ""},
		{"canonical name returned", "over to @coder", "Architect", "Coder"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.DetectHandoff(tt.reply, tt.current); got != tt.want {
				t.Errorf("DetectHandoff(%q, %q) = %q, want %q", tt.reply, tt.current, got, tt.want)
			}
		})
	}
}

func TestProviderForMemoized(t *testing.T) {
	s := newTestSelector(t, DispatchAll)

	p1, err := s.ProviderFor("Coder", "test-key")
	if err != nil {
		t.Fatalf("ProviderFor: %v", err)
	}
	p2, err := s.ProviderFor("Coder", "other-key")
	if err != nil {
		t.Fatalf("ProviderFor: %v", err)
	}
	if p1 != p2 {
		t.Error("second call returned a new handle, want cached")
	}

	// Case-insensitive lookups share the canonical cache entry.
	p3, err := s.ProviderFor("coder", "test-key")
	if err != nil {
		t.Fatalf("ProviderFor: %v", err)
	}
	if p1 != p3 {
		t.Error("case-insensitive lookup missed the cache")
	}
}

func TestProviderForUnknownAgent(t *testing.T) {
	s := newTestSelector(t, DispatchAll)

	_, err := s.ProviderFor("Ghost", "key")
	if !errors.Is(err, agents.ErrUnknownAgent) {
		t.Fatalf("error = %v, want ErrUnknownAgent", err)
	}
}

func TestRecentDecisions(t *testing.T) {
	s := newTestSelector(t, DispatchAll)

	s.SelectAgents("@Coder one")
	s.SelectAgents("two")
	s.SelectAgents("@Reviewer three")

	recent := s.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("len(Recent(2)) = %d, want 2", len(recent))
	}
	if recent[0].Input != "two" || !reflect.DeepEqual(recent[0].Agents, []string{"Architect"}) {
		t.Errorf("recent[0] = %+v, want default-agent decision for %q", recent[0], "two")
	}
	if recent[1].Cleaned != "three" || !reflect.DeepEqual(recent[1].Agents, []string{"Reviewer"}) {
		t.Errorf("recent[1] = %+v, want Reviewer decision", recent[1])
	}

	if got := s.Recent(0); len(got) != 3 {
		t.Errorf("len(Recent(0)) = %d, want all 3", len(got))
	}
}

func TestDecisionLogBounded(t *testing.T) {
	s := newTestSelector(t, DispatchAll)

	for i := 0; i < maxDecisionLog+5; i++ {
		s.SelectAgents("message")
	}

	if got := len(s.Recent(0)); got != maxDecisionLog {
		t.Errorf("decision log length = %d, want %d", got, maxDecisionLog)
	}
}
