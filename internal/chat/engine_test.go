package chat

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/torvan/parley/internal/agents"
	"github.com/torvan/parley/internal/budget"
	"github.com/torvan/parley/internal/creds"
	"github.com/torvan/parley/internal/gate"
	"github.com/torvan/parley/internal/history"
	"github.com/torvan/parley/internal/llm"
	"github.com/torvan/parley/internal/ratelimit"
	"github.com/torvan/parley/internal/router"
	"github.com/torvan/parley/internal/tools"
	"github.com/torvan/parley/internal/trust"
)

// stubProvider replays canned replies and records requests.
type stubProvider struct {
	mu       sync.Mutex
	replies  []string
	errs     []error
	requests []llm.Request
	calls    int
	noStream bool
}

func (p *stubProvider) next() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return "", p.errs[i]
	}
	if i < len(p.replies) {
		return p.replies[i], nil
	}
	return "ok", nil
}

func (p *stubProvider) Complete(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	content, err := p.next()
	if err != nil {
		return nil, err
	}
	return &llm.Completion{Content: content, Model: "stub", InputTokens: 10, OutputTokens: 5}, nil
}

func (p *stubProvider) Stream(ctx context.Context, req llm.Request, fn llm.StreamFunc) (*llm.Completion, error) {
	if p.noStream {
		return nil, llm.ErrStreamingUnsupported
	}
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	content, err := p.next()
	if err != nil {
		return nil, err
	}
	if err := fn(content); err != nil {
		return nil, err
	}
	return &llm.Completion{Content: content, Model: "stub", InputTokens: 10, OutputTokens: 5}, nil
}

// recordingSink captures everything the engine reports.
type recordingSink struct {
	mu       sync.Mutex
	started  []string
	chunks   []string
	replies  map[string]string
	tools    []string
	notices  []string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{replies: make(map[string]string)}
}

func (s *recordingSink) AgentStarted(agent, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, agent)
}

func (s *recordingSink) Chunk(agent, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, text)
}

func (s *recordingSink) Reply(agent, content string, u budget.Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[agent] = content
}

func (s *recordingSink) ToolResult(agent, tool, result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append(s.tools, fmt.Sprintf("%s:%s", tool, result))
}

func (s *recordingSink) Notice(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, text)
}

type testHarness struct {
	engine    *Engine
	sink      *recordingSink
	providers map[string]*stubProvider
	store     *history.Store
	ledger    *trust.Ledger
	limiter   *ratelimit.Limiter
}

func newTestEngine(t *testing.T, opts func(*Options)) *testHarness {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := history.NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.CreateRoom("dev", ""); err != nil {
		t.Fatalf("create room: %v", err)
	}

	registry, err := agents.NewRegistry("Architect", []*agents.Profile{
		{Name: "Architect", Provider: "ollama", Model: "m", MaxTokens: 4096, SystemPrompt: "You plan."},
		{Name: "Coder", Provider: "ollama", Model: "m", MaxTokens: 4096, SystemPrompt: "You code."},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	logger := slog.Default()
	selector := router.NewSelector(registry, router.DispatchAll, logger)
	limiter := ratelimit.NewLimiter(map[string]ratelimit.Limit{}, ratelimit.WithBackoff(time.Millisecond, 2))
	ledger := trust.NewLedger(nil, logger)

	reg := tools.NewRegistry()
	reg.Register(&tools.Tool{
		Name:        "shell",
		Description: "Run a command",
		PrimaryArg:  "command",
		Handler: func(ctx context.Context, args map[string]string) (string, error) {
			return "ran: " + args["command"], nil
		},
	})
	g := gate.New(reg, ledger, nil, logger)

	providers := map[string]*stubProvider{
		"Architect": {},
		"Coder":     {},
	}

	sink := newRecordingSink()
	o := Options{
		Registry: registry,
		Selector: selector,
		Limiter:  limiter,
		Gate:     g,
		Store:    store,
		Resolver: creds.NewStaticResolver(nil),
		ProviderFor: func(agentName, apiKey string) (llm.Provider, error) {
			p, ok := providers[agentName]
			if !ok {
				return nil, fmt.Errorf("no stub for %s", agentName)
			}
			return p, nil
		},
		Logger: logger,
	}
	if opts != nil {
		opts(&o)
	}

	return &testHarness{
		engine:    NewEngine(o),
		sink:      sink,
		providers: providers,
		store:     store,
		ledger:    ledger,
		limiter:   limiter,
	}
}

func TestTurnDefaultAgent(t *testing.T) {
	h := newTestEngine(t, nil)
	h.providers["Architect"].replies = []string{"Here is the plan."}

	if err := h.engine.Turn(context.Background(), "dev", "Hello world", h.sink); err != nil {
		t.Fatalf("Turn failed: %v", err)
	}

	if got := h.sink.replies["Architect"]; got != "Here is the plan." {
		t.Errorf("reply = %q", got)
	}
	if len(h.sink.started) != 1 || h.sink.started[0] != "Architect" {
		t.Errorf("started = %v, want [Architect]", h.sink.started)
	}

	msgs, err := h.store.Recent("dev", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected user + assistant stored, got %d messages", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "Hello world" {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].AgentTag != "Architect" {
		t.Errorf("assistant tag = %q", msgs[1].AgentTag)
	}
}

func TestTurnMultiAgentMention(t *testing.T) {
	h := newTestEngine(t, nil)
	h.providers["Architect"].replies = []string{"plan"}
	h.providers["Coder"].replies = []string{"code"}

	if err := h.engine.Turn(context.Background(), "dev", "@Architect @Coder plan?", h.sink); err != nil {
		t.Fatalf("Turn failed: %v", err)
	}

	want := []string{"Architect", "Coder"}
	if len(h.sink.started) != 2 || h.sink.started[0] != want[0] || h.sink.started[1] != want[1] {
		t.Errorf("started = %v, want %v", h.sink.started, want)
	}

	// The user message is stored exactly once, cleaned.
	msgs, _ := h.store.Recent("dev", 10)
	userCount := 0
	for _, m := range msgs {
		if m.Role == "user" {
			userCount++
			if m.Content != "plan?" {
				t.Errorf("cleaned user message = %q, want %q", m.Content, "plan?")
			}
		}
	}
	if userCount != 1 {
		t.Errorf("user message stored %d times, want once", userCount)
	}
}

func TestTurnSystemPromptReachesProvider(t *testing.T) {
	h := newTestEngine(t, nil)
	h.providers["Architect"].replies = []string{"ok"}

	if err := h.engine.Turn(context.Background(), "dev", "hi", h.sink); err != nil {
		t.Fatalf("Turn failed: %v", err)
	}

	reqs := h.providers["Architect"].requests
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	if len(reqs[0].Messages) == 0 || reqs[0].Messages[0].Role != "system" {
		t.Fatalf("expected leading system message, got %+v", reqs[0].Messages)
	}
	if reqs[0].Messages[0].Content != "You plan." {
		t.Errorf("system content = %q", reqs[0].Messages[0].Content)
	}
}

func TestTurnRetriesProviderErrors(t *testing.T) {
	h := newTestEngine(t, nil)
	h.providers["Architect"].errs = []error{
		&llm.ProviderError{Provider: "ollama", Status: 500, Message: "boom"},
		nil,
	}
	h.providers["Architect"].replies = []string{"", "recovered"}

	if err := h.engine.Turn(context.Background(), "dev", "hi", h.sink); err != nil {
		t.Fatalf("Turn failed: %v", err)
	}
	if got := h.sink.replies["Architect"]; got != "recovered" {
		t.Errorf("reply = %q, want recovered", got)
	}
	if h.limiter.RetryCount("ollama") != 0 {
		t.Errorf("retry count not reset after success")
	}
}

func TestTurnGivesUpAfterMaxRetries(t *testing.T) {
	h := newTestEngine(t, nil)
	perr := &llm.ProviderError{Provider: "ollama", Status: 500, Message: "down"}
	h.providers["Architect"].errs = []error{perr, perr, perr, perr, perr}

	if err := h.engine.Turn(context.Background(), "dev", "hi", h.sink); err != nil {
		t.Fatalf("Turn should absorb agent failure, got %v", err)
	}

	failed := false
	for _, n := range h.sink.notices {
		if strings.Contains(n, "failed") {
			failed = true
		}
	}
	if !failed {
		t.Errorf("expected failure notice, got %v", h.sink.notices)
	}
	if _, ok := h.sink.replies["Architect"]; ok {
		t.Error("no reply expected after exhausted retries")
	}
}

func TestTurnStreamingFallback(t *testing.T) {
	h := newTestEngine(t, nil)
	h.providers["Architect"].noStream = true
	h.providers["Architect"].replies = []string{"via complete"}

	if err := h.engine.Turn(context.Background(), "dev", "hi", h.sink); err != nil {
		t.Fatalf("Turn failed: %v", err)
	}
	if got := h.sink.replies["Architect"]; got != "via complete" {
		t.Errorf("reply = %q", got)
	}
	if len(h.sink.chunks) != 0 {
		t.Errorf("no chunks expected on Complete fallback, got %v", h.sink.chunks)
	}
}

func TestTrustedToolCallAutoExecutes(t *testing.T) {
	h := newTestEngine(t, nil)
	h.ledger.Grant("Architect", time.Minute)
	h.providers["Architect"].replies = []string{`<tool_call name="shell">ls -la</tool_call>`}

	if err := h.engine.Turn(context.Background(), "dev", "list files", h.sink); err != nil {
		t.Fatalf("Turn failed: %v", err)
	}

	if len(h.sink.tools) != 1 || h.sink.tools[0] != "shell:ran: ls -la" {
		t.Errorf("tool results = %v", h.sink.tools)
	}

	// The result is stored so later turns can see it.
	msgs, _ := h.store.Recent("dev", 10)
	last := msgs[len(msgs)-1]
	if !strings.Contains(last.Content, "ran: ls -la") {
		t.Errorf("tool result not stored: %q", last.Content)
	}
}

func TestUntrustedToolCallNeedsConfirmation(t *testing.T) {
	confirmed := make(chan gate.ConfirmRequest, 1)
	h := newTestEngine(t, func(o *Options) {
		o.Confirmer = gate.ConfirmerFunc(func(ctx context.Context, req gate.ConfirmRequest) bool {
			confirmed <- req
			return false // deny
		})
	})
	h.providers["Architect"].replies = []string{`<tool_call name="shell">rm -rf /tmp/x</tool_call>`}

	if err := h.engine.Turn(context.Background(), "dev", "clean up", h.sink); err != nil {
		t.Fatalf("Turn failed: %v", err)
	}

	select {
	case req := <-confirmed:
		if req.Call.Name != "shell" {
			t.Errorf("confirm request tool = %q", req.Call.Name)
		}
	default:
		t.Fatal("confirmer was never consulted")
	}
	if len(h.sink.tools) != 0 {
		t.Errorf("denied call still executed: %v", h.sink.tools)
	}
}

func TestHandoffFollowed(t *testing.T) {
	h := newTestEngine(t, func(o *Options) {
		o.FollowHandoffs = true
	})
	h.providers["Architect"].replies = []string{"Looks like a job for @Coder."}
	h.providers["Coder"].replies = []string{"On it."}

	if err := h.engine.Turn(context.Background(), "dev", "hi", h.sink); err != nil {
		t.Fatalf("Turn failed: %v", err)
	}

	if len(h.sink.started) != 2 || h.sink.started[1] != "Coder" {
		t.Errorf("started = %v, want handoff to Coder", h.sink.started)
	}
	if got := h.sink.replies["Coder"]; got != "On it." {
		t.Errorf("Coder reply = %q", got)
	}
}

func TestHandoffAdvisoryWhenDisabled(t *testing.T) {
	h := newTestEngine(t, nil)
	h.providers["Architect"].replies = []string{"Try @Coder."}

	if err := h.engine.Turn(context.Background(), "dev", "hi", h.sink); err != nil {
		t.Fatalf("Turn failed: %v", err)
	}

	if len(h.sink.started) != 1 {
		t.Errorf("handoff dispatched despite FollowHandoffs=false: %v", h.sink.started)
	}
	suggested := false
	for _, n := range h.sink.notices {
		if strings.Contains(n, "suggests handing off to Coder") {
			suggested = true
		}
	}
	if !suggested {
		t.Errorf("expected advisory notice, got %v", h.sink.notices)
	}
}

func TestHandoffLoopBounded(t *testing.T) {
	h := newTestEngine(t, func(o *Options) {
		o.FollowHandoffs = true
	})
	// Each agent forever points at the other. The answered set plus the
	// hop cap must end the turn.
	h.providers["Architect"].replies = []string{"@Coder take it", "@Coder again"}
	h.providers["Coder"].replies = []string{"@Architect back to you", "@Architect again"}

	done := make(chan error, 1)
	go func() {
		done <- h.engine.Turn(context.Background(), "dev", "hi", h.sink)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Turn failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handoff loop did not terminate")
	}

	if len(h.sink.started) > 3 {
		t.Errorf("too many dispatches: %v", h.sink.started)
	}
}

func TestUsageReport(t *testing.T) {
	h := newTestEngine(t, nil)
	h.providers["Architect"].replies = []string{"short"}
	if err := h.engine.Turn(context.Background(), "dev", "hi", h.sink); err != nil {
		t.Fatalf("Turn failed: %v", err)
	}

	u, err := h.engine.Usage("dev", "Architect")
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if u.MaxTokens != 4096 {
		t.Errorf("MaxTokens = %d", u.MaxTokens)
	}
	if u.TotalTokens <= 0 {
		t.Errorf("TotalTokens = %d, want > 0", u.TotalTokens)
	}
}
