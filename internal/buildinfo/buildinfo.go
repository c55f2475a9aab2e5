// Package buildinfo exposes version metadata stamped by the release
// build via -ldflags, plus process uptime for status reporting.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Stamped by the Makefile; "dev" builds keep the zero values.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info returns build and runtime metadata keyed for JSON output.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": commit(),
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// commit prefers the ldflags value and falls back to the VCS revision
// embedded by the Go toolchain, so plain `go install` builds still
// report something useful.
func commit() string {
	if GitCommit != "unknown" {
		return GitCommit
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" {
				return s.Value
			}
		}
	}
	return GitCommit
}

// Uptime returns the time since process start, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent identifies parley on outbound HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("parley/%s", Version)
}

// String returns a one-line summary for startup logging.
func String() string {
	return fmt.Sprintf("Parley %s (%s@%s) built %s", Version, commit(), GitBranch, BuildTime)
}
