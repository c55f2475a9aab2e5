// Package config handles parley configuration loading.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/torvan/parley/internal/agents"
	"github.com/torvan/parley/internal/ratelimit"
	"github.com/torvan/parley/internal/router"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./parley.yaml, ~/.config/parley/config.yaml,
// /usr/local/etc/parley/config.yaml, /etc/parley/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"parley.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}

	paths = append(paths, "/usr/local/etc/parley/config.yaml", "/etc/parley/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Duration wraps time.Duration so YAML values like "30s" or "10m"
// decode directly.
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in time.Duration notation.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all parley configuration.
type Config struct {
	LogLevel      string                   `yaml:"log_level"`
	LogFormat     string                   `yaml:"log_format"` // text or json
	DataDir       string                   `yaml:"data_dir"`
	DefaultAgent  string                   `yaml:"default_agent"`
	Dispatch      string                   `yaml:"dispatch"`       // all or first
	PreserveFirst int                      `yaml:"preserve_first"` // pinned messages after the system prompt
	Providers     map[string]ProviderLimit `yaml:"providers"`
	Retry         RetryConfig              `yaml:"retry"`
	Agents        map[string]AgentConfig   `yaml:"agents"`
	Tools         ToolsConfig              `yaml:"tools"`
	Critic        CriticConfig             `yaml:"critic"`
	Trust         TrustConfig              `yaml:"trust"`
	Web           WebConfig                `yaml:"web"`
	MQTT          MQTTConfig               `yaml:"mqtt"`
}

// ProviderLimit is one provider's admission budget: Limit requests per
// Window.
type ProviderLimit struct {
	Limit  int      `yaml:"limit"`
	Window Duration `yaml:"window"`
}

// RetryConfig shapes the exponential backoff for failed provider calls.
type RetryConfig struct {
	// MaxRetries bounds attempts per provider. nil means the default
	// (3); an explicit 0 disables retries.
	MaxRetries *int     `yaml:"max_retries"`
	BaseDelay  Duration `yaml:"base_delay"`
	Multiplier float64  `yaml:"multiplier"`
}

// AgentConfig defines one agent profile.
type AgentConfig struct {
	Provider     string   `yaml:"provider"` // anthropic, openai, gemini, ollama
	Model        string   `yaml:"model"`
	APIKeyEnv    string   `yaml:"api_key_env"`
	SystemPrompt string   `yaml:"system_prompt"`
	Temperature  *float64 `yaml:"temperature"` // nil means 0.7
	MaxTokens    int      `yaml:"max_tokens"`  // context ceiling, 0 means 4096
	BaseURL      string   `yaml:"base_url"`
}

// ToolsConfig defines the tool surface offered to agents.
type ToolsConfig struct {
	// Enabled turns the whole tool layer on. nil means enabled.
	Enabled *bool `yaml:"enabled"`
	// Workspace is the root directory for file operations. All file
	// tool paths resolve inside it. If empty, file tools are disabled.
	Workspace string `yaml:"workspace"`
	// ShellTimeout is the default command timeout (default 30s).
	ShellTimeout Duration `yaml:"shell_timeout"`
	// DeniedCommands replaces the built-in denied substring list.
	DeniedCommands []string     `yaml:"denied_commands"`
	GitHub         GitHubConfig `yaml:"github"`
}

// GitHubConfig enables the GitHub issue tools when Repo is set.
type GitHubConfig struct {
	Repo     string `yaml:"repo"`      // owner/repo
	TokenEnv string `yaml:"token_env"` // default GITHUB_TOKEN
	BaseURL  string `yaml:"base_url"`  // enterprise endpoint override
}

// CriticConfig enables the shadow critic.
type CriticConfig struct {
	Enabled bool   `yaml:"enabled"`
	Agent   string `yaml:"agent"` // default "Critic"
}

// TrustConfig shapes trust grants issued from the REPL.
type TrustConfig struct {
	// DefaultDuration is used by /trust when no duration is given.
	DefaultDuration Duration `yaml:"default_duration"`
}

// WebConfig enables the dashboard server.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // default 127.0.0.1:8484
}

// MQTTConfig enables the telemetry publisher.
type MQTTConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Broker      string   `yaml:"broker"` // e.g. mqtt://host:1883
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	ClientID    string   `yaml:"client_id"`    // default "parley"
	TopicPrefix string   `yaml:"topic_prefix"` // default "parley"
	Interval    Duration `yaml:"interval"`     // default 30s
}

// knownProviders are the provider ids the llm package can construct.
var knownProviders = map[string]bool{
	"anthropic": true,
	"openai":    true,
	"gemini":    true,
	"ollama":    true,
}

// Load reads configuration from a YAML file. Environment variables in
// the raw file are expanded before decoding, and unknown keys are
// rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a keyless local configuration: one assistant on
// ollama, tools confined to the current directory.
func Default() *Config {
	cfg := &Config{
		DefaultAgent: "Assistant",
		Agents: map[string]AgentConfig{
			"Assistant": {
				Provider:     "ollama",
				Model:        "qwen3:4b",
				SystemPrompt: "You are a helpful assistant.",
			},
		},
		Tools: ToolsConfig{Workspace: "."},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills the optional knobs users rarely set.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".local", "share", "parley")
		} else {
			c.DataDir = ".parley"
		}
	} else {
		c.DataDir = expandHome(c.DataDir)
	}
	if c.Retry.MaxRetries == nil {
		three := 3
		c.Retry.MaxRetries = &three
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = Duration(time.Second)
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2.0
	}
	if c.Tools.ShellTimeout == 0 {
		c.Tools.ShellTimeout = Duration(30 * time.Second)
	}
	c.Tools.Workspace = expandHome(c.Tools.Workspace)
	if c.Tools.GitHub.TokenEnv == "" {
		c.Tools.GitHub.TokenEnv = "GITHUB_TOKEN"
	}
	if c.Critic.Agent == "" {
		c.Critic.Agent = "Critic"
	}
	if c.Trust.DefaultDuration == 0 {
		c.Trust.DefaultDuration = Duration(10 * time.Minute)
	}
	if c.Web.Listen == "" {
		c.Web.Listen = "127.0.0.1:8484"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "parley"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "parley"
	}
	if c.MQTT.Interval == 0 {
		c.MQTT.Interval = Duration(30 * time.Second)
	}

	for name, a := range c.Agents {
		a.Provider = strings.ToLower(strings.TrimSpace(a.Provider))
		c.Agents[name] = a
	}
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}

	if len(c.Agents) == 0 {
		return fmt.Errorf("no agents configured")
	}
	if c.DefaultAgent == "" {
		return fmt.Errorf("default_agent is required")
	}
	if !c.hasAgent(c.DefaultAgent) {
		return fmt.Errorf("default_agent %q not found in agents", c.DefaultAgent)
	}
	for name, a := range c.Agents {
		if a.Provider == "" {
			return fmt.Errorf("agent %q: provider is required", name)
		}
		if !knownProviders[a.Provider] {
			return fmt.Errorf("agent %q: unknown provider %q (valid: anthropic, openai, gemini, ollama)", name, a.Provider)
		}
		if a.Model == "" {
			return fmt.Errorf("agent %q: model is required", name)
		}
		if a.MaxTokens < 0 {
			return fmt.Errorf("agent %q: max_tokens must not be negative", name)
		}
	}

	if _, ok := router.ParsePolicy(c.Dispatch); !ok {
		return fmt.Errorf("unknown dispatch policy %q (valid: all, first)", c.Dispatch)
	}
	if c.PreserveFirst < 0 {
		return fmt.Errorf("preserve_first must not be negative")
	}

	for name, pl := range c.Providers {
		if pl.Limit <= 0 {
			return fmt.Errorf("provider %q: limit must be positive", name)
		}
		if pl.Window <= 0 {
			return fmt.Errorf("provider %q: window must be positive", name)
		}
	}

	if *c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1")
	}

	if c.Critic.Enabled && !c.hasAgent(c.Critic.Agent) {
		return fmt.Errorf("critic.agent %q not found in agents", c.Critic.Agent)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Tools.GitHub.Repo != "" && !strings.Contains(c.Tools.GitHub.Repo, "/") {
		return fmt.Errorf("tools.github.repo must be owner/repo, got %q", c.Tools.GitHub.Repo)
	}

	return nil
}

func (c *Config) hasAgent(name string) bool {
	if _, ok := c.Agents[name]; ok {
		return true
	}
	for n := range c.Agents {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

// ToolsEnabled reports whether the tool layer should be registered.
func (c *Config) ToolsEnabled() bool {
	return c.Tools.Enabled == nil || *c.Tools.Enabled
}

// AgentProfiles converts the agents section into registry profiles,
// sorted by name, with the documented defaults applied.
func (c *Config) AgentProfiles() []*agents.Profile {
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)

	profiles := make([]*agents.Profile, 0, len(names))
	for _, name := range names {
		a := c.Agents[name]
		p := &agents.Profile{
			Name:         name,
			Provider:     a.Provider,
			Model:        a.Model,
			APIKeyEnv:    a.APIKeyEnv,
			SystemPrompt: a.SystemPrompt,
			Temperature:  agents.DefaultTemperature,
			MaxTokens:    a.MaxTokens,
			BaseURL:      a.BaseURL,
		}
		if a.Temperature != nil {
			p.Temperature = *a.Temperature
		}
		if p.MaxTokens == 0 {
			p.MaxTokens = agents.DefaultMaxTokens
		}
		profiles = append(profiles, p)
	}
	return profiles
}

// ProviderLimits converts the providers section into rate-limiter
// budgets, falling back to the stock limits when none are configured.
func (c *Config) ProviderLimits() map[string]ratelimit.Limit {
	if len(c.Providers) == 0 {
		return ratelimit.DefaultLimits()
	}
	out := make(map[string]ratelimit.Limit, len(c.Providers))
	for name, pl := range c.Providers {
		out[strings.ToLower(name)] = ratelimit.Limit{
			Requests: pl.Limit,
			Window:   pl.Window.Std(),
		}
	}
	return out
}
