// Package tools defines the tools agents can invoke from their
// replies and the registry that dispatches them. Tools are registered
// explicitly at startup; there is no discovery mechanism.
package tools

import (
	"context"
	"fmt"
	"strings"
)

// Tool represents a callable tool.
type Tool struct {
	// Name identifies the tool in tool-call tags.
	Name string `json:"name"`
	// Description is shown to models in the system prompt.
	Description string `json:"description"`
	// PrimaryArg names the argument the tag body fills when it is not
	// supplied as an attribute. Empty means the tool takes no body.
	PrimaryArg string `json:"primary_arg,omitempty"`
	// Handler executes the tool. Attribute values arrive as strings;
	// handlers parse numbers themselves.
	Handler func(ctx context.Context, args map[string]string) (string, error) `json:"-"`
}

// Registry holds available tools in registration order.
type Registry struct {
	tools map[string]*Tool
	order []string
}

// NewRegistry creates an empty tool registry. Built-in groups are
// added through the Set* methods as their dependencies come online.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, replacing any existing tool of the same name.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get returns a tool by name, or nil if not registered.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Execute runs a tool by name. Unknown tools are an error; the caller
// decides whether that aborts anything (the gate reports it as text).
func (r *Registry) Execute(ctx context.Context, name string, args map[string]string) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return tool.Handler(ctx, args)
}

// PromptBlock renders the tool list for inclusion in a system prompt.
// Returns an empty string when no tools are registered.
func (r *Registry) PromptBlock() string {
	if len(r.order) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Available tools (invoke with <tool_call name=\"tool_name\" attr=\"value\">primary argument</tool_call>):\n")
	for _, name := range r.order {
		t := r.tools[name]
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	return b.String()
}
