// Workspace keyword search. A plain substring scan is deliberate:
// agents refine queries iteratively and a dependency-free scan keeps
// results deterministic across platforms.
package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const searchMaxResults = 20

var (
	searchIgnoredDirs = map[string]bool{
		".git":         true,
		".hg":          true,
		"node_modules": true,
		"vendor":       true,
		"__pycache__":  true,
		".venv":        true,
	}
	searchIgnoredExts = map[string]bool{
		".bin":  true,
		".exe":  true,
		".so":   true,
		".dll":  true,
		".db":   true,
		".lock": true,
		".png":  true,
		".jpg":  true,
		".gif":  true,
		".zip":  true,
		".gz":   true,
	}
)

// searchWorkspace scans files under root for a case-insensitive
// substring, returning "path:line: text" entries capped at
// searchMaxResults.
func searchWorkspace(root, query string) ([]string, error) {
	queryLower := strings.ToLower(query)
	var results []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Unreadable entries are skipped, not fatal.
		}
		if d.IsDir() {
			if searchIgnoredDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if searchIgnoredExts[filepath.Ext(d.Name())] {
			return nil
		}
		if len(results) >= searchMaxResults {
			return filepath.SkipAll
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		content := string(data)
		if !strings.Contains(strings.ToLower(content), queryLower) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		for i, line := range strings.Split(content, "\n") {
			if strings.Contains(strings.ToLower(line), queryLower) {
				results = append(results, fmt.Sprintf("%s:%d: %s", rel, i+1, strings.TrimSpace(line)))
				if len(results) >= searchMaxResults {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// SetSearchTool registers the workspace search tool. No-op when the
// workspace is not configured.
func (r *Registry) SetSearchTool(ft *FileTools) {
	if !ft.Enabled() {
		return
	}

	r.Register(&Tool{
		Name:        "search",
		Description: "Search for a keyword in workspace files. Argument is the query string; returns matching lines as path:line: text.",
		PrimaryArg:  "query",
		Handler: func(ctx context.Context, args map[string]string) (string, error) {
			query := args["query"]
			if query == "" {
				return "", fmt.Errorf("search: query is required")
			}

			results, err := searchWorkspace(ft.WorkspacePath(), query)
			if err != nil {
				return "", fmt.Errorf("search: %w", err)
			}
			if len(results) == 0 {
				return fmt.Sprintf("No results found for %q.", query), nil
			}
			out := strings.Join(results, "\n")
			if len(results) >= searchMaxResults {
				out += "\n... (more results may exist, refine the query)"
			}
			return out, nil
		},
	})
}
