// Package creds resolves provider API keys from the environment.
//
// An empty result means "not configured" — callers decide whether that
// is fatal (a reply turn needs a key) or ignorable (the critic silently
// skips audits). Resolution itself never fails.
package creds

import (
	"os"
	"strings"
)

// defaultEnvVars maps provider IDs to their conventional key variables.
// Ollama is local and keyless, so it has no entry.
var defaultEnvVars = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"gemini":    "GOOGLE_API_KEY",
}

// Resolver looks up API keys, preferring an agent's explicit env var
// over the provider's conventional one.
type Resolver struct {
	lookup func(string) string
}

// NewResolver returns a resolver backed by the process environment.
func NewResolver() *Resolver {
	return &Resolver{lookup: os.Getenv}
}

// NewStaticResolver returns a resolver backed by a fixed map, for tests.
func NewStaticResolver(env map[string]string) *Resolver {
	return &Resolver{lookup: func(name string) string { return env[name] }}
}

// Resolve returns the key for an agent: envVar when the profile names
// one, otherwise the provider's conventional variable. Empty when
// neither is set.
func (r *Resolver) Resolve(envVar, provider string) string {
	if envVar != "" {
		return r.lookup(envVar)
	}
	if def := EnvVarFor(provider); def != "" {
		return r.lookup(def)
	}
	return ""
}

// EnvVarFor returns the conventional environment variable for a
// provider, or "" if the provider is keyless or unknown.
func EnvVarFor(provider string) string {
	return defaultEnvVars[strings.ToLower(provider)]
}

// Redact shortens a key for log output, keeping the first 8 and last 3
// characters.
func Redact(key string) string {
	if key == "" {
		return "[empty]"
	}
	if len(key) <= 11 {
		return "***"
	}
	return key[:8] + "..." + key[len(key)-3:]
}
