// Package gate decides whether a parsed tool call may execute without
// human confirmation, and runs it against the tool registry.
//
// The verdict is driven by the trust ledger: a trusted agent's calls
// run automatically, everything else needs the caller to obtain
// consent. Pending file writes additionally carry a unified diff so the
// human sees what would change before approving. Execution failures are
// folded into the result text — a turn never aborts because a tool
// failed.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/torvan/parley/internal/events"
	"github.com/torvan/parley/internal/toolcall"
	"github.com/torvan/parley/internal/tools"
	"github.com/torvan/parley/internal/trust"
)

// writeToolName is the registered tool whose pending writes are
// previewed as a diff before confirmation.
const writeToolName = "write_file"

// Decision is the gate's verdict for one tool call.
type Decision struct {
	// AutoExecute means the acting agent holds an unexpired trust grant
	// and the call runs without confirmation.
	AutoExecute bool
	// NeedsDiff means the caller must present a diff of the pending
	// file write before asking for confirmation.
	NeedsDiff bool
}

// ConfirmRequest is handed to the presentation layer when a call needs
// human approval.
type ConfirmRequest struct {
	Agent string
	Call  toolcall.Call
	Diff  string // unified diff for file writes, "" otherwise
}

// Confirmer obtains human approval for a gated call. Implementations
// must treat any failure to ask (closed stdin, disconnected client) as
// a denial.
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmRequest) bool
}

// ConfirmerFunc adapts a function to the Confirmer interface.
type ConfirmerFunc func(ctx context.Context, req ConfirmRequest) bool

// Confirm calls f.
func (f ConfirmerFunc) Confirm(ctx context.Context, req ConfirmRequest) bool {
	return f(ctx, req)
}

// Auditor reviews a completed tool action in the background. It must
// return promptly and swallow its own failures.
type Auditor interface {
	Audit(actingAgent, action, result string)
}

// Snapshot returns the current content of a workspace file, ok=false
// when the file does not exist or cannot be read.
type Snapshot func(path string) (content string, ok bool)

// Gate sits between parsed tool calls and the tool registry.
type Gate struct {
	registry *tools.Registry
	ledger   *trust.Ledger
	bus      *events.Bus
	logger   *slog.Logger
	snapshot Snapshot
	auditor  Auditor
}

// New builds a gate over the registry and trust ledger. bus may be nil.
func New(registry *tools.Registry, ledger *trust.Ledger, bus *events.Bus, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{registry: registry, ledger: ledger, bus: bus, logger: logger}
}

// SetSnapshot wires the file reader used to build write previews.
func (g *Gate) SetSnapshot(fn Snapshot) {
	g.snapshot = fn
}

// SetAuditor wires the background reviewer invoked after each
// execution.
func (g *Gate) SetAuditor(a Auditor) {
	g.auditor = a
}

// Decide returns the gating verdict for one call.
func (g *Gate) Decide(agent string, call toolcall.Call) Decision {
	d := Decision{AutoExecute: g.ledger.IsTrusted(agent)}
	if !d.AutoExecute && call.Name == writeToolName {
		d.NeedsDiff = true
	}
	return d
}

// WriteDiff builds the unified diff between a file's current content
// and the content a write_file call proposes. Empty when the call is
// not a file write, no snapshot source is wired, or nothing would
// change. A missing target diffs from empty content.
func (g *Gate) WriteDiff(call toolcall.Call) string {
	if call.Name != writeToolName || g.snapshot == nil {
		return ""
	}
	proposed, ok := call.Args["content"]
	if !ok {
		proposed = call.Body
	}
	old, _ := g.snapshot(call.Args["path"])
	return Diff(old, proposed, call.Args["path"])
}

// Execute resolves the call against the registry and runs it. The
// tool's declared primary argument is filled from the tag body when the
// attributes omit it. The result is always text: unknown tools and
// handler errors come back as descriptive messages for the model to
// read.
func (g *Gate) Execute(ctx context.Context, agent string, call toolcall.Call) string {
	tool := g.registry.Get(call.Name)
	if tool == nil {
		g.logger.Warn("unknown tool requested", "tool", call.Name, "agent", agent)
		return fmt.Sprintf("Error: Tool '%s' not found.", call.Name)
	}

	auto := g.ledger.IsTrusted(agent)
	g.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceGate,
		Kind:      events.KindToolCall,
		Data:      map[string]any{"tool": call.Name, "agent": agent, "auto": auto},
	})
	g.logger.Info("executing tool", "tool", call.Name, "agent", agent, "auto", auto)

	start := time.Now()
	result, err := tool.Handler(ctx, resolveArgs(tool, call))
	if err != nil {
		g.logger.Warn("tool failed", "tool", call.Name, "agent", agent, "error", err)
		result = fmt.Sprintf("Error: %v", err)
	}
	g.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceGate,
		Kind:      events.KindToolResult,
		Data: map[string]any{
			"tool":        call.Name,
			"agent":       agent,
			"ok":          err == nil,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	})

	if g.auditor != nil {
		g.auditor.Audit(agent, describeCall(call), result)
	}
	return result
}

// resolveArgs copies the call's attributes and fills the tool's primary
// argument from the body when the attributes omit it.
func resolveArgs(tool *tools.Tool, call toolcall.Call) map[string]string {
	args := make(map[string]string, len(call.Args)+1)
	for k, v := range call.Args {
		args[k] = v
	}
	if tool.PrimaryArg != "" && call.Body != "" {
		if _, present := args[tool.PrimaryArg]; !present {
			args[tool.PrimaryArg] = call.Body
		}
	}
	return args
}

// describeCall summarizes a call for the audit trail: tool name plus
// its payload.
func describeCall(call toolcall.Call) string {
	payload := call.Body
	if payload == "" {
		for _, k := range []string{"command", "path", "query", "url", "title"} {
			if v := call.Args[k]; v != "" {
				payload = v
				break
			}
		}
	}
	return fmt.Sprintf("%s: %s", call.Name, payload)
}
