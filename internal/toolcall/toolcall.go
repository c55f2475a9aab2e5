// Package toolcall parses tool invocations out of model output. The
// recognized syntax is an XML-like tag chosen for reliability across
// models:
//
//	<tool_call name="shell" timeout="5">ls -la</tool_call>
//
// Parsing is pure text extraction. It never executes anything and
// malformed tags are dropped rather than reported.
package toolcall

import (
	"regexp"
	"strings"
)

var (
	tagPattern  = regexp.MustCompile(`(?s)<tool_call([^>]*)>(.*?)</tool_call>`)
	attrPattern = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)="([^"]*)"`)
)

// Call is one parsed tool invocation.
type Call struct {
	// Name identifies the tool to run.
	Name string
	// Args holds the tag's attributes minus name. Never nil.
	Args map[string]string
	// Body is the raw text between the opening and closing tags.
	Body string
}

// Parse extracts every well-formed tool call from text, in order of
// appearance. Tags without a name attribute are skipped.
func Parse(text string) []Call {
	matches := tagPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	calls := make([]Call, 0, len(matches))
	for _, m := range matches {
		args := make(map[string]string)
		for _, attr := range attrPattern.FindAllStringSubmatch(m[1], -1) {
			args[attr[1]] = attr[2]
		}
		name := args["name"]
		if name == "" {
			continue
		}
		delete(args, "name")
		calls = append(calls, Call{Name: name, Args: args, Body: m[2]})
	}
	if len(calls) == 0 {
		return nil
	}
	return calls
}

// Strip removes all tool-call tags from text, well-formed or not, and
// trims the result. Used when rendering a reply whose tool calls are
// reported separately.
func Strip(text string) string {
	return strings.TrimSpace(tagPattern.ReplaceAllString(text, ""))
}
