// Package forge provides a thin GitHub client for the issue tools.
// It wraps the go-github SDK with the small surface agents need:
// searching issues and opening new ones.
package forge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v69/github"
)

// Issue represents a single issue on GitHub.
type Issue struct {
	// Number is the forge-assigned issue number.
	Number int
	// Title is the issue title.
	Title string
	// Body is the issue description body.
	Body string
	// State is the current state, e.g. "open" or "closed".
	State string
	// Author is the username of the issue creator.
	Author string
	// URL is the web URL of the issue.
	URL string
	// CreatedAt is when the issue was created.
	CreatedAt time.Time
}

// Client talks to the GitHub API on behalf of the issue tools.
type Client struct {
	client *gogithub.Client
	// repo is the default "owner/name" target for unqualified calls.
	repo string
}

// NewClient creates a GitHub client. repo is the default repository in
// owner/name form; it may be empty, in which case every call must
// qualify its target. baseURL overrides the API endpoint for GitHub
// Enterprise or tests; empty means api.github.com. httpClient may be
// nil.
func NewClient(httpClient *http.Client, token, repo, baseURL string) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("forge: github token is required")
	}
	if repo != "" {
		if _, _, err := splitRepo(repo); err != nil {
			return nil, err
		}
	}

	gh := gogithub.NewClient(httpClient).WithAuthToken(token)
	if baseURL != "" && baseURL != "https://api.github.com" {
		var err error
		gh, err = gh.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("forge: invalid base url: %w", err)
		}
	}

	return &Client{client: gh, repo: repo}, nil
}

// DefaultRepo returns the configured default repository, if any.
func (c *Client) DefaultRepo() string {
	return c.repo
}

// splitRepo splits a "owner/repo" string into its two parts.
func splitRepo(repo string) (string, string, error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo %q: expected owner/repo", repo)
	}
	return parts[0], parts[1], nil
}

// checkRateLimit logs a warning when remaining API calls drop below threshold.
func checkRateLimit(resp *gogithub.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Remaining < 100 {
		slog.Warn("forge: github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time,
		)
	}
}

// resolveRepo picks the explicit repo when given, else the default.
func (c *Client) resolveRepo(repo string) (string, error) {
	if repo == "" {
		repo = c.repo
	}
	if repo == "" {
		return "", fmt.Errorf("forge: no repository specified and no default configured")
	}
	return repo, nil
}

// SearchIssues queries GitHub's issue search. When the query carries
// no repo: qualifier and a default repository is configured, the
// search is scoped to it.
func (c *Client) SearchIssues(ctx context.Context, query string) ([]*Issue, error) {
	if query == "" {
		return nil, fmt.Errorf("forge: search query is required")
	}
	if c.repo != "" && !strings.Contains(query, "repo:") {
		query = query + " repo:" + c.repo
	}

	opts := &gogithub.SearchOptions{ListOptions: gogithub.ListOptions{PerPage: 10}}
	r, resp, err := c.client.Search.Issues(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("forge: search issues: %w", err)
	}
	checkRateLimit(resp)

	issues := make([]*Issue, 0, len(r.Issues))
	for _, item := range r.Issues {
		issues = append(issues, convertIssue(item))
	}
	return issues, nil
}

// CreateIssue opens a new issue. repo may be empty when a default
// repository is configured.
func (c *Client) CreateIssue(ctx context.Context, repo, title, body string) (*Issue, error) {
	if title == "" {
		return nil, fmt.Errorf("forge: issue title is required")
	}
	repo, err := c.resolveRepo(repo)
	if err != nil {
		return nil, err
	}
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	req := &gogithub.IssueRequest{Title: &title, Body: &body}
	result, resp, err := c.client.Issues.Create(ctx, owner, name, req)
	if err != nil {
		return nil, fmt.Errorf("forge: create issue: %w", err)
	}
	checkRateLimit(resp)
	return convertIssue(result), nil
}

// convertIssue maps a go-github Issue to our Issue type.
func convertIssue(i *gogithub.Issue) *Issue {
	if i == nil {
		return nil
	}
	return &Issue{
		Number:    i.GetNumber(),
		Title:     i.GetTitle(),
		Body:      i.GetBody(),
		State:     i.GetState(),
		Author:    i.GetUser().GetLogin(),
		URL:       i.GetHTMLURL(),
		CreatedAt: i.GetCreatedAt().Time,
	}
}
