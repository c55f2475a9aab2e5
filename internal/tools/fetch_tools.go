// Web fetch tool backed by the fetch package.
package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/torvan/parley/internal/fetch"
)

// SetFetchTool registers the fetch tool. No-op when the fetcher is nil.
func (r *Registry) SetFetchTool(f *fetch.Fetcher) {
	if f == nil {
		return
	}

	r.Register(&Tool{
		Name:        "fetch",
		Description: "Fetch a web page and extract its readable text. Argument is the URL; optional max_chars attribute limits output length.",
		PrimaryArg:  "url",
		Handler: func(ctx context.Context, args map[string]string) (string, error) {
			url := args["url"]
			if url == "" {
				return "", fmt.Errorf("fetch: url is required")
			}

			maxChars := 0
			if v := args["max_chars"]; v != "" {
				n, err := strconv.Atoi(v)
				if err != nil {
					return "", fmt.Errorf("fetch: invalid max_chars %q", v)
				}
				maxChars = n
			}

			result, err := f.Fetch(ctx, url, maxChars)
			if err != nil {
				return "", err
			}

			var b strings.Builder
			if result.Title != "" {
				fmt.Fprintf(&b, "Title: %s\n", result.Title)
			}
			fmt.Fprintf(&b, "URL: %s (status %d)\n\n", result.URL, result.StatusCode)
			b.WriteString(result.Content)
			if result.Truncated {
				b.WriteString("\n\n[... truncated ...]")
			}
			return b.String(), nil
		},
	})
}
