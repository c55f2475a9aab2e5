// Parley is a terminal chat room for talking to multiple LLM agents.
//
// Messages route by @mention to named agent profiles; replies can
// invoke tools behind a confirmation gate, and a time-boxed /trust
// grant lets an agent act autonomously. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	parley chat [-room name]  Start an interactive chat session
//	parley ask <question>     One-shot question to the default agent
//	parley serve              Headless dashboard and telemetry
//	parley init [dir]         Initialize a working directory with defaults
//	parley rooms              List stored rooms
//	parley version            Print version and build information
//	parley -o json version    Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/torvan/parley/internal/agents"
	"github.com/torvan/parley/internal/budget"
	"github.com/torvan/parley/internal/buildinfo"
	"github.com/torvan/parley/internal/chat"
	"github.com/torvan/parley/internal/config"
	"github.com/torvan/parley/internal/creds"
	"github.com/torvan/parley/internal/critic"
	"github.com/torvan/parley/internal/events"
	"github.com/torvan/parley/internal/fetch"
	"github.com/torvan/parley/internal/forge"
	"github.com/torvan/parley/internal/gate"
	"github.com/torvan/parley/internal/history"
	"github.com/torvan/parley/internal/mqtt"
	"github.com/torvan/parley/internal/ratelimit"
	"github.com/torvan/parley/internal/router"
	"github.com/torvan/parley/internal/tools"
	"github.com/torvan/parley/internal/trust"
	"github.com/torvan/parley/internal/usage"
	"github.com/torvan/parley/internal/web"
)

// defaultRoom is joined when -room is not given.
const defaultRoom = "lobby"

// main is intentionally minimal. It constructs the OS-level
// environment and delegates to [run] so the full lifecycle can be
// driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which makes it impossible
// to call run concurrently from tests, and our flag surface is small.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var room string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-room" && i+1 < len(args):
			room = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-room="):
			room = strings.TrimPrefix(args[i], "-room=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}
	if room == "" {
		room = defaultRoom
	}

	switch command {
	case "", "chat":
		return runChat(ctx, stdin, stdout, stderr, configPath, room)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: parley ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, strings.Join(cmdArgs, " "))
	case "serve":
		return runServe(ctx, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "rooms":
		return runRooms(stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Parley - multi-agent chat rooms in the terminal")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: parley [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat            Start an interactive chat session (default)")
	fmt.Fprintln(w, "  ask <question>  One-shot question to the default agent")
	fmt.Fprintln(w, "  serve           Headless mode: dashboard and telemetry only")
	fmt.Fprintln(w, "  init [dir]      Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  rooms           List stored rooms")
	fmt.Fprintln(w, "  version         Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -room <name>      Room to join (default: lobby)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "In chat, type /help for room commands.")
	return nil
}

// loadConfig finds and loads configuration, validating it before use.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("%s: %w", path, err)
	}
	return cfg, path, nil
}

// runRooms lists stored rooms with their activity metadata.
func runRooms(stdout io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store, err := history.Open(filepath.Join(cfg.DataDir, "history.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	rooms, err := store.ListRooms()
	if err != nil {
		return err
	}
	if len(rooms) == 0 {
		fmt.Fprintln(stdout, "no rooms yet")
		return nil
	}
	for _, r := range rooms {
		fmt.Fprintf(stdout, "%-20s %5d messages  last active %s\n",
			r.Name, r.MessageCount, r.LastActive.Format("2006-01-02 15:04"))
	}
	return nil
}

// runChat builds the orchestration core and runs the interactive REPL
// until stdin closes, /quit, or a shutdown signal.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath, room string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := config.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("starting parley", "version", buildinfo.Version, "config", cfgPath)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Stores ---
	store, err := history.Open(filepath.Join(cfg.DataDir, "history.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	usageStore, err := usage.Open(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return err
	}
	defer usageStore.Close()

	if _, err := store.JoinRoom(room); err != nil {
		return err
	}

	c, err := buildCore(cfg, logger)
	if err != nil {
		return err
	}

	repl := newREPL(stdout, room)
	engine := chat.NewEngine(chat.Options{
		Registry:       c.registry,
		Selector:       c.selector,
		Limiter:        c.limiter,
		Budgeter:       budget.New(nil),
		Gate:           c.gate,
		Store:          store,
		Usage:          usageStore,
		Resolver:       c.resolver,
		Confirmer:      repl,
		ProviderFor:    c.selector.ProviderFor,
		Bus:            c.bus,
		Logger:         logger,
		PreserveFirst:  cfg.PreserveFirst,
		FollowHandoffs: true,
		ToolPrompt:     c.tools.PromptBlock(),
	})
	repl.bind(engine, store, c.registry, c.ledger, c.limiter, usageStore, cfg)

	// --- Optional services ---
	if cfg.Web.Enabled {
		srv := newDashboard(cfg, c, store, usageStore, logger)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
	}

	if cfg.MQTT.Enabled {
		stop := startTelemetry(ctx, cfg, c, store, usageStore, logger)
		defer stop()
	}

	return repl.Run(ctx, stdin)
}

// runAsk answers one question from the default agent and exits. The
// room is in-memory: nothing is persisted and no tool runs without a
// trust grant (there is no one to confirm).
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, question string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := config.NewLogger(stderr, "warn", cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return fmt.Errorf("open scratch store: %w", err)
	}
	defer db.Close()
	store, err := history.NewStore(db)
	if err != nil {
		return err
	}
	if _, err := store.JoinRoom("ask"); err != nil {
		return err
	}

	c, err := buildCore(cfg, logger)
	if err != nil {
		return err
	}

	sink := newREPL(stdout, "ask")
	engine := chat.NewEngine(chat.Options{
		Registry:      c.registry,
		Selector:      c.selector,
		Limiter:       c.limiter,
		Budgeter:      budget.New(nil),
		Gate:          c.gate,
		Store:         store,
		Resolver:      c.resolver,
		ProviderFor:   c.selector.ProviderFor,
		Bus:           c.bus,
		Logger:        logger,
		PreserveFirst: cfg.PreserveFirst,
		ToolPrompt:    c.tools.PromptBlock(),
	})

	return engine.Turn(ctx, "ask", question, sink)
}

// runServe runs the dashboard and telemetry without a chat session:
// other parley processes (or an earlier session) own the data, this
// one just watches it.
func runServe(ctx context.Context, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := config.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("starting parley in serve mode", "version", buildinfo.Version, "config", cfgPath)

	store, err := history.Open(filepath.Join(cfg.DataDir, "history.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	usageStore, err := usage.Open(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return err
	}
	defer usageStore.Close()

	c, err := buildCore(cfg, logger)
	if err != nil {
		return err
	}

	if cfg.MQTT.Enabled {
		stop := startTelemetry(ctx, cfg, c, store, usageStore, logger)
		defer stop()
	}

	// Serve implies the dashboard regardless of web.enabled.
	srv := newDashboard(cfg, c, store, usageStore, logger)
	logger.Info("dashboard listening", "addr", cfg.Web.Listen)
	return srv.Start(ctx)
}

// core bundles the orchestration pieces shared by chat, ask, and serve.
type core struct {
	bus      *events.Bus
	registry *agents.Registry
	selector *router.Selector
	limiter  *ratelimit.Limiter
	ledger   *trust.Ledger
	resolver *creds.Resolver
	tools    *tools.Registry
	gate     *gate.Gate
}

func buildCore(cfg *config.Config, logger *slog.Logger) (*core, error) {
	bus := events.New()

	registry, err := agents.NewRegistry(cfg.DefaultAgent, cfg.AgentProfiles())
	if err != nil {
		return nil, err
	}

	policy, _ := router.ParsePolicy(cfg.Dispatch)
	selector := router.NewSelector(registry, policy, logger)

	limiter := ratelimit.NewLimiter(cfg.ProviderLimits(),
		ratelimit.WithMaxRetries(*cfg.Retry.MaxRetries),
		ratelimit.WithBackoff(cfg.Retry.BaseDelay.Std(), cfg.Retry.Multiplier),
		ratelimit.WithLogger(logger),
	)

	ledger := trust.NewLedger(bus, logger)
	resolver := creds.NewResolver()

	registryTools, fileTools := buildTools(cfg, logger)

	g := gate.New(registryTools, ledger, bus, logger)
	if fileTools != nil {
		g.SetSnapshot(func(path string) (string, bool) {
			content, err := fileTools.Read(context.Background(), path, 0, 0)
			if err != nil {
				return "", false
			}
			return content, true
		})
	}
	if cfg.Critic.Enabled {
		g.SetAuditor(critic.New(cfg.Critic.Agent, registry, selector.ProviderFor, resolver, bus, logger))
	}

	return &core{
		bus:      bus,
		registry: registry,
		selector: selector,
		limiter:  limiter,
		ledger:   ledger,
		resolver: resolver,
		tools:    registryTools,
		gate:     g,
	}, nil
}

func newDashboard(cfg *config.Config, c *core, store *history.Store, usageStore *usage.Store, logger *slog.Logger) *web.Server {
	return web.NewServer(web.Options{
		Listen:   cfg.Web.Listen,
		Bus:      c.bus,
		Store:    store,
		Usage:    usageStore,
		Limiter:  c.limiter,
		Ledger:   c.ledger,
		Selector: c.selector,
		Registry: c.registry,
		Logger:   logger,
	})
}

// startTelemetry launches the MQTT publisher and returns a function
// that flushes the offline message on shutdown.
func startTelemetry(ctx context.Context, cfg *config.Config, c *core, store *history.Store, usageStore *usage.Store, logger *slog.Logger) func() {
	pub := mqtt.New(mqtt.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		ClientID:    cfg.MQTT.ClientID,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		Interval:    cfg.MQTT.Interval.Std(),
	}, &statsAdapter{store: store, ledger: c.ledger, usage: usageStore}, c.bus, logger)

	go func() {
		if err := pub.Start(ctx); err != nil {
			logger.Error("mqtt publisher failed", "error", err)
		}
	}()

	return func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pub.Stop(stopCtx)
	}
}

// buildTools assembles the tool registry from configuration. Returns
// the registry and the file-tool handle (nil when no workspace is
// configured) for the gate's diff snapshot.
func buildTools(cfg *config.Config, logger *slog.Logger) (*tools.Registry, *tools.FileTools) {
	reg := tools.NewRegistry()
	if !cfg.ToolsEnabled() {
		return reg, nil
	}

	var fileTools *tools.FileTools
	if cfg.Tools.Workspace != "" {
		fileTools = tools.NewFileTools(cfg.Tools.Workspace)
		reg.SetFileTools(fileTools)
		reg.SetSearchTool(fileTools)
	}

	shell := tools.NewShellExec(tools.ShellExecConfig{
		WorkingDir:     cfg.Tools.Workspace,
		DefaultTimeout: cfg.Tools.ShellTimeout.Std(),
		DeniedCmds:     cfg.Tools.DeniedCommands,
	})
	reg.SetShellExec(shell)

	reg.SetFetchTool(fetch.New())

	if cfg.Tools.GitHub.Repo != "" {
		token := os.Getenv(cfg.Tools.GitHub.TokenEnv)
		if token == "" {
			logger.Warn("github tools disabled: token not set", "env", cfg.Tools.GitHub.TokenEnv)
		} else if client, err := forge.NewClient(nil, token, cfg.Tools.GitHub.Repo, cfg.Tools.GitHub.BaseURL); err != nil {
			logger.Warn("github tools disabled", "error", err)
		} else {
			reg.SetGitHubTools(client)
		}
	}

	return reg, fileTools
}

// statsAdapter feeds the MQTT publisher from the stores.
type statsAdapter struct {
	store  *history.Store
	ledger *trust.Ledger
	usage  *usage.Store
}

func (a *statsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (a *statsAdapter) Version() string       { return buildinfo.Version }

func (a *statsAdapter) Rooms() int {
	rooms, err := a.store.ListRooms()
	if err != nil {
		return 0
	}
	return len(rooms)
}

func (a *statsAdapter) TrustedAgents() int {
	return len(a.ledger.Active())
}

func (a *statsAdapter) TokensToday() (int64, int64) {
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	sum, err := a.usage.Summary(midnight, now)
	if err != nil {
		return 0, 0
	}
	return sum.TotalInputTokens, sum.TotalOutputTokens
}
