// GitHub issue tools, registered only when a token is configured.
package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/torvan/parley/internal/forge"
)

// SetGitHubTools registers the GitHub issue tools backed by the given
// client. No-op when the client is nil.
func (r *Registry) SetGitHubTools(c *forge.Client) {
	if c == nil {
		return
	}

	r.Register(&Tool{
		Name:        "github_issue_search",
		Description: "Search GitHub issues. Argument is the search query; scoped to the configured repository unless the query carries a repo: qualifier.",
		PrimaryArg:  "query",
		Handler: func(ctx context.Context, args map[string]string) (string, error) {
			query := args["query"]
			if query == "" {
				return "", fmt.Errorf("github_issue_search: query is required")
			}

			issues, err := c.SearchIssues(ctx, query)
			if err != nil {
				return "", err
			}
			if len(issues) == 0 {
				return fmt.Sprintf("No issues found for %q.", query), nil
			}

			var b strings.Builder
			for _, issue := range issues {
				fmt.Fprintf(&b, "#%d [%s] %s (%s)\n  %s\n",
					issue.Number, issue.State, issue.Title, issue.Author, issue.URL)
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	})

	r.Register(&Tool{
		Name:        "github_issue_create",
		Description: "Create a GitHub issue. Provide the title attribute and optionally repo (owner/name); the tag body becomes the issue body.",
		PrimaryArg:  "body",
		Handler: func(ctx context.Context, args map[string]string) (string, error) {
			title := args["title"]
			if title == "" {
				return "", fmt.Errorf("github_issue_create: title attribute is required")
			}

			issue, err := c.CreateIssue(ctx, args["repo"], title, args["body"])
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Created issue #%d: %s", issue.Number, issue.URL), nil
		},
	})
}
