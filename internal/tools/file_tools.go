// File operation tools confined to a configured workspace directory.
package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// blockedPaths matches sensitive locations that file tools refuse to
// touch even inside the workspace.
var blockedPaths = regexp.MustCompile(`(?i)/etc/passwd|/etc/shadow|\.ssh/|\.aws/|\.env$|\.key$|\.pem$|id_rsa|credentials`)

// FileTools provides file read/write/list capabilities within a workspace.
type FileTools struct {
	workspacePath string
}

// NewFileTools creates a new FileTools instance.
// If workspacePath is empty, file tools will be disabled.
func NewFileTools(workspacePath string) *FileTools {
	return &FileTools{workspacePath: workspacePath}
}

// Enabled returns true if file tools are available.
func (ft *FileTools) Enabled() bool {
	return ft.workspacePath != ""
}

// WorkspacePath returns the configured workspace path.
func (ft *FileTools) WorkspacePath() string {
	return ft.workspacePath
}

// resolvePath converts a relative path to an absolute path within the
// workspace. Returns an error if the path would escape the workspace
// or touches a blocked location.
func (ft *FileTools) resolvePath(path string) (string, error) {
	if ft.workspacePath == "" {
		return "", fmt.Errorf("workspace not configured")
	}
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("invalid path")
	}

	workspaceAbs, err := filepath.Abs(ft.workspacePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace: %w", err)
	}

	var absPath string
	if filepath.IsAbs(path) {
		absPath = filepath.Clean(path)
	} else {
		absPath = filepath.Clean(filepath.Join(workspaceAbs, path))
	}

	if absPath != workspaceAbs && !strings.HasPrefix(absPath, workspaceAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	if blockedPaths.MatchString(absPath) {
		return "", fmt.Errorf("access to sensitive file blocked: %s", path)
	}

	return absPath, nil
}

// Read reads the contents of a file. offset and limit select a line
// range; zero values read the whole file.
func (ft *FileTools) Read(ctx context.Context, path string, offset, limit int) (string, error) {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	content := string(data)

	if offset > 0 || limit > 0 {
		lines := strings.Split(content, "\n")

		// Convert 1-indexed offset to 0-indexed
		startLine := 0
		if offset > 0 {
			startLine = offset - 1
		}
		if startLine >= len(lines) {
			return "", fmt.Errorf("offset %d exceeds file length (%d lines)", offset, len(lines))
		}

		endLine := len(lines)
		if limit > 0 && startLine+limit < endLine {
			endLine = startLine + limit
		}

		content = strings.Join(lines[startLine:endLine], "\n")

		if startLine > 0 || endLine < len(lines) {
			content = fmt.Sprintf("[Lines %d-%d of %d]\n%s", startLine+1, endLine, len(lines), content)
		}
	}

	const maxBytes = 50 * 1024
	if len(content) > maxBytes {
		content = content[:maxBytes] + "\n\n[... truncated, use offset/limit for more ...]"
	}

	return content, nil
}

// Write writes content to a file, creating directories as needed.
func (ft *FileTools) Write(ctx context.Context, path, content string) error {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(absPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

// List lists entries in a directory, directories marked with a
// trailing slash.
func (ft *FileTools) List(ctx context.Context, path string) ([]string, error) {
	if path == "" {
		path = "."
	}
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var result []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		result = append(result, name)
	}

	return result, nil
}

// SetFileTools registers read_file, write_file, and list_files backed
// by the given workspace. No-op when the workspace is not configured.
func (r *Registry) SetFileTools(ft *FileTools) {
	if !ft.Enabled() {
		return
	}

	r.Register(&Tool{
		Name:        "read_file",
		Description: "Read the contents of a file in the workspace. Provide the path as the tool argument; optional offset and limit attributes select a line range.",
		PrimaryArg:  "path",
		Handler: func(ctx context.Context, args map[string]string) (string, error) {
			path := args["path"]
			if path == "" {
				return "", fmt.Errorf("read_file: path is required")
			}
			offset, limit := 0, 0
			if v := args["offset"]; v != "" {
				n, err := strconv.Atoi(v)
				if err != nil {
					return "", fmt.Errorf("read_file: invalid offset %q", v)
				}
				offset = n
			}
			if v := args["limit"]; v != "" {
				n, err := strconv.Atoi(v)
				if err != nil {
					return "", fmt.Errorf("read_file: invalid limit %q", v)
				}
				limit = n
			}
			return ft.Read(ctx, path, offset, limit)
		},
	})

	r.Register(&Tool{
		Name:        "write_file",
		Description: "Write content to a file in the workspace. Provide the path attribute; the tag body becomes the file content.",
		PrimaryArg:  "content",
		Handler: func(ctx context.Context, args map[string]string) (string, error) {
			path := args["path"]
			if path == "" {
				return "", fmt.Errorf("write_file: path attribute is required")
			}
			content := args["content"]
			if err := ft.Write(ctx, path, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
		},
	})

	r.Register(&Tool{
		Name:        "list_files",
		Description: "List files in a workspace directory. Provide the path as the tool argument; defaults to the workspace root.",
		PrimaryArg:  "path",
		Handler: func(ctx context.Context, args map[string]string) (string, error) {
			entries, err := ft.List(ctx, args["path"])
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "Directory is empty.", nil
			}
			return strings.Join(entries, "\n"), nil
		},
	})
}
