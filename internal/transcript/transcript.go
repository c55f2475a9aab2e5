// Package transcript renders stored room messages for the dashboard.
// Message content is treated as markdown; agents routinely reply with
// headings, lists, and fenced code blocks.
package transcript

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/torvan/parley/internal/history"
	"github.com/torvan/parley/internal/toolcall"
)

// Entry is one message prepared for HTML display.
type Entry struct {
	Role      string
	Speaker   string // agent tag for assistant messages, role otherwise
	Timestamp string
	HTML      template.HTML
}

// RenderMarkdown converts markdown to an HTML fragment.
func RenderMarkdown(md string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return template.HTML(buf.String()), nil
}

// Render prepares stored messages for the room transcript page.
// Tool-call tags are stripped from assistant replies; the executed
// calls appear as separate tool-result messages already. Messages that
// fail markdown rendering fall back to escaped plain text.
func Render(messages []history.Message) []Entry {
	entries := make([]Entry, 0, len(messages))
	for _, m := range messages {
		content := m.Content
		if m.Role == "assistant" {
			if stripped := toolcall.Strip(content); stripped != "" {
				content = stripped
			}
		}

		html, err := RenderMarkdown(content)
		if err != nil {
			html = template.HTML("<p>" + template.HTMLEscapeString(content) + "</p>")
		}

		entries = append(entries, Entry{
			Role:      m.Role,
			Speaker:   speaker(m),
			Timestamp: m.Timestamp.Format("2006-01-02 15:04:05"),
			HTML:      html,
		})
	}
	return entries
}

// speaker labels a message for display: the agent tag when present,
// otherwise the capitalized role.
func speaker(m history.Message) string {
	if m.AgentTag != "" {
		return m.AgentTag
	}
	if m.Role == "" {
		return ""
	}
	return strings.ToUpper(m.Role[:1]) + m.Role[1:]
}
