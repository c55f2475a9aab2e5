// Shell execution for agents. Commands run through sh -c inside the
// configured workspace, screened against denied patterns and bounded
// by a timeout.
package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ShellExec provides command execution capabilities.
type ShellExec struct {
	workingDir     string
	deniedCmds     []string
	defaultTimeout time.Duration
	maxOutputBytes int
}

// ShellExecConfig configures the shell executor.
type ShellExecConfig struct {
	WorkingDir     string
	DeniedCmds     []string
	DefaultTimeout time.Duration
	MaxOutputBytes int
}

// DefaultDeniedCmds are command substrings blocked regardless of
// configuration overrides.
func DefaultDeniedCmds() []string {
	return []string{
		"rm -rf /",
		"rm -rf /*",
		"mkfs",
		"dd if=",
		"> /dev/sd",
		"chmod -R 777 /",
		":(){ :|:& };:", // Fork bomb
	}
}

// NewShellExec creates a new shell executor.
func NewShellExec(cfg ShellExecConfig) *ShellExec {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = 100 * 1024
	}
	if cfg.DeniedCmds == nil {
		cfg.DeniedCmds = DefaultDeniedCmds()
	}
	return &ShellExec{
		workingDir:     cfg.WorkingDir,
		deniedCmds:     cfg.DeniedCmds,
		defaultTimeout: cfg.DefaultTimeout,
		maxOutputBytes: cfg.MaxOutputBytes,
	}
}

// ExecResult contains the result of a command execution.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// Exec executes a shell command.
func (s *ShellExec) Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	cmdLower := strings.ToLower(command)
	for _, denied := range s.deniedCmds {
		if strings.Contains(cmdLower, strings.ToLower(denied)) {
			return nil, fmt.Errorf("command blocked by security policy: matches denied pattern %q", denied)
		}
	}

	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	// Cap at 5 minutes
	if timeout > 5*time.Minute {
		timeout = 5 * time.Minute
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if s.workingDir != "" {
		cmd.Dir = s.workingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := &ExecResult{
		Stdout: truncateOutput(stdout.String(), s.maxOutputBytes),
		Stderr: truncateOutput(stderr.String(), s.maxOutputBytes),
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			return result, fmt.Errorf("shell: %w", err)
		}
	}

	return result, nil
}

// SetShellExec registers the shell tool backed by the given executor.
func (r *Registry) SetShellExec(s *ShellExec) {
	r.Register(&Tool{
		Name:        "shell",
		Description: "Execute a shell command in the workspace. Use for filesystem operations, git, or running scripts. Optional timeout attribute in seconds.",
		PrimaryArg:  "command",
		Handler: func(ctx context.Context, args map[string]string) (string, error) {
			command := args["command"]
			if command == "" {
				return "", fmt.Errorf("shell: command is required")
			}

			var timeout time.Duration
			if v := args["timeout"]; v != "" {
				sec, err := strconv.Atoi(v)
				if err != nil {
					return "", fmt.Errorf("shell: invalid timeout %q", v)
				}
				timeout = time.Duration(sec) * time.Second
			}

			result, err := s.Exec(ctx, command, timeout)
			if err != nil {
				return "", err
			}
			return formatExecResult(result), nil
		},
	})
}

// formatExecResult renders an ExecResult as text for the model.
func formatExecResult(res *ExecResult) string {
	out := strings.TrimSpace(res.Stdout)
	errOut := strings.TrimSpace(res.Stderr)

	if res.TimedOut {
		if out != "" {
			return fmt.Sprintf("Command timed out. Partial output:\n%s", out)
		}
		return "Command timed out."
	}
	if errOut != "" {
		return fmt.Sprintf("Output:\n%s\nErrors:\n%s", out, errOut)
	}
	if res.ExitCode != 0 {
		if out != "" {
			return fmt.Sprintf("%s\n(exit code %d)", out, res.ExitCode)
		}
		return fmt.Sprintf("Command exited with code %d.", res.ExitCode)
	}
	if out == "" {
		return "Command executed successfully (no output)."
	}
	return out
}

// truncateOutput truncates output to maxBytes, adding a note if truncated.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n\n[... output truncated ...]"
}
