package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileTools_ResolvePath(t *testing.T) {
	workspace := t.TempDir()
	ft := NewFileTools(workspace)

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"relative path", "test.txt", false},
		{"nested path", "dir/subdir/file.txt", false},
		{"dot prefix", "./test.txt", false},
		{"workspace root", ".", false},
		{"parent escape attempt", "../outside.txt", true},
		{"absolute escape attempt", "/etc/passwd", true},
		{"sneaky escape", "dir/../../outside.txt", true},
		{"ssh dir blocked", ".ssh/known_hosts", true},
		{"env file blocked", "project/.env", true},
		{"pem file blocked", "certs/server.pem", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ft.resolvePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("resolvePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestFileTools_ReadWrite(t *testing.T) {
	workspace := t.TempDir()
	ft := NewFileTools(workspace)
	ctx := context.Background()

	content := "Hello, World!\nLine 2\nLine 3"
	if err := ft.Write(ctx, "test.txt", content); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(workspace, "test.txt")); err != nil {
		t.Fatalf("File not created: %v", err)
	}

	readContent, err := ft.Read(ctx, "test.txt", 0, 0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if readContent != content {
		t.Errorf("Read content mismatch: got %q, want %q", readContent, content)
	}

	// Line range selection.
	readContent, err = ft.Read(ctx, "test.txt", 2, 1)
	if err != nil {
		t.Fatalf("Read with offset failed: %v", err)
	}
	if !strings.Contains(readContent, "Line 2") || strings.Contains(readContent, "Line 3") {
		t.Errorf("offset read = %q, want only Line 2", readContent)
	}
	if !strings.HasPrefix(readContent, "[Lines 2-2 of 3]") {
		t.Errorf("offset read missing range header: %q", readContent)
	}
}

func TestFileTools_WriteCreatesDirectories(t *testing.T) {
	workspace := t.TempDir()
	ft := NewFileTools(workspace)

	if err := ft.Write(context.Background(), "a/b/c.txt", "deep"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(workspace, "a", "b", "c.txt"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "deep" {
		t.Errorf("got %q, want deep", data)
	}
}

func TestFileTools_ReadMissing(t *testing.T) {
	ft := NewFileTools(t.TempDir())

	_, err := ft.Read(context.Background(), "nope.txt", 0, 0)
	if err == nil || !strings.Contains(err.Error(), "file not found") {
		t.Errorf("error = %v, want file not found", err)
	}
}

func TestFileTools_List(t *testing.T) {
	workspace := t.TempDir()
	ft := NewFileTools(workspace)
	ctx := context.Background()

	if err := ft.Write(ctx, "b.txt", "x"); err != nil {
		t.Fatal(err)
	}
	if err := ft.Write(ctx, "sub/a.txt", "x"); err != nil {
		t.Fatal(err)
	}

	entries, err := ft.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2: %v", len(entries), entries)
	}
	// os.ReadDir sorts by name; directories carry a trailing slash.
	if entries[0] != "b.txt" || entries[1] != "sub/" {
		t.Errorf("entries = %v, want [b.txt sub/]", entries)
	}
}

func TestFileTools_DisabledRegistersNothing(t *testing.T) {
	r := NewRegistry()
	r.SetFileTools(NewFileTools(""))

	if names := r.Names(); len(names) != 0 {
		t.Errorf("registered %v with no workspace", names)
	}
}

func TestFileTools_Handlers(t *testing.T) {
	workspace := t.TempDir()
	r := NewRegistry()
	r.SetFileTools(NewFileTools(workspace))
	ctx := context.Background()

	out, err := r.Execute(ctx, "write_file", map[string]string{"path": "hello.txt", "content": "world"})
	if err != nil {
		t.Fatalf("write_file: %v", err)
	}
	if !strings.Contains(out, "Successfully wrote") {
		t.Errorf("write_file output = %q", out)
	}

	out, err = r.Execute(ctx, "read_file", map[string]string{"path": "hello.txt"})
	if err != nil {
		t.Fatalf("read_file: %v", err)
	}
	if out != "world" {
		t.Errorf("read_file = %q, want world", out)
	}

	out, err = r.Execute(ctx, "list_files", map[string]string{})
	if err != nil {
		t.Fatalf("list_files: %v", err)
	}
	if out != "hello.txt" {
		t.Errorf("list_files = %q, want hello.txt", out)
	}

	// Missing required attributes surface as errors for the gate to report.
	if _, err := r.Execute(ctx, "write_file", map[string]string{"content": "x"}); err == nil {
		t.Error("write_file without path should error")
	}
	if _, err := r.Execute(ctx, "read_file", map[string]string{}); err == nil {
		t.Error("read_file without path should error")
	}
}

func TestFileTools_EmptyDirListing(t *testing.T) {
	r := NewRegistry()
	r.SetFileTools(NewFileTools(t.TempDir()))

	out, err := r.Execute(context.Background(), "list_files", map[string]string{})
	if err != nil {
		t.Fatalf("list_files: %v", err)
	}
	if out != "Directory is empty." {
		t.Errorf("got %q, want empty-directory message", out)
	}
}
