package main

import (
	"bufio"
	"context"
	"fmt"
	"html/template"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/torvan/parley/internal/agents"
	"github.com/torvan/parley/internal/budget"
	"github.com/torvan/parley/internal/chat"
	"github.com/torvan/parley/internal/config"
	"github.com/torvan/parley/internal/gate"
	"github.com/torvan/parley/internal/history"
	"github.com/torvan/parley/internal/ratelimit"
	"github.com/torvan/parley/internal/transcript"
	"github.com/torvan/parley/internal/trust"
	"github.com/torvan/parley/internal/usage"
)

// repl is the interactive chat loop. It implements [chat.Sink] for
// display and [gate.Confirmer] for tool-call approval prompts, reading
// both chat lines and confirmations from the same input stream.
type repl struct {
	out  io.Writer
	in   *bufio.Scanner
	room string

	engine   *chat.Engine
	store    *history.Store
	registry *agents.Registry
	ledger   *trust.Ledger
	limiter  *ratelimit.Limiter
	usage    *usage.Store
	cfg      *config.Config

	// streaming tracks whether the current agent's chunks have started,
	// so the label prints once per reply.
	streaming bool
}

func newREPL(out io.Writer, room string) *repl {
	return &repl{out: out, room: room}
}

// bind wires the collaborators the slash commands need. Separate from
// construction because the engine needs the repl as its confirmer.
func (r *repl) bind(engine *chat.Engine, store *history.Store, registry *agents.Registry, ledger *trust.Ledger, limiter *ratelimit.Limiter, usageStore *usage.Store, cfg *config.Config) {
	r.engine = engine
	r.store = store
	r.registry = registry
	r.ledger = ledger
	r.limiter = limiter
	r.usage = usageStore
	r.cfg = cfg
}

// Run reads lines until EOF, /quit, or ctx cancellation.
func (r *repl) Run(ctx context.Context, stdin io.Reader) error {
	r.in = bufio.NewScanner(stdin)
	r.in.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fmt.Fprintf(r.out, "parley — room %q, default agent %s. /help for commands.\n", r.room, r.registry.DefaultName())

	for {
		fmt.Fprintf(r.out, "\n%s ❯ ", r.room)
		if !r.in.Scan() {
			fmt.Fprintln(r.out)
			return r.in.Err()
		}
		if err := ctx.Err(); err != nil {
			return nil
		}

		line := strings.TrimSpace(r.in.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				fmt.Fprintf(r.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		if err := r.engine.Turn(ctx, r.room, line, r); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
	}
}

// command dispatches one slash command. Returns quit=true for /quit.
func (r *repl) command(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/quit", "/exit", "/q", "/leave":
		return true, nil

	case "/help":
		r.printHelp()

	case "/agent":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /agent <name>")
		}
		p, err := r.registry.Get(args[0])
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "%s — %s/%s", p.Name, p.Provider, p.Model)
		if p.MaxTokens > 0 {
			fmt.Fprintf(r.out, ", max %d tokens", p.MaxTokens)
		}
		fmt.Fprintln(r.out)
		if p.SystemPrompt != "" {
			fmt.Fprintln(r.out, strings.TrimSpace(p.SystemPrompt))
		}

	case "/agents":
		for _, name := range r.registry.Names() {
			p, err := r.registry.Get(name)
			if err != nil {
				continue
			}
			marker := " "
			if name == r.registry.DefaultName() {
				marker = "*"
			}
			trusted := ""
			if r.ledger.IsTrusted(name) {
				trusted = fmt.Sprintf("  [trusted %s]", r.ledger.Remaining(name).Round(time.Second))
			}
			fmt.Fprintf(r.out, "%s %-12s %s/%s%s\n", marker, p.Name, p.Provider, p.Model, trusted)
		}

	case "/rooms":
		rooms, err := r.store.ListRooms()
		if err != nil {
			return false, err
		}
		for _, room := range rooms {
			fmt.Fprintf(r.out, "%-20s %5d messages\n", room.Name, room.MessageCount)
		}

	case "/join", "/switch":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: %s <room>", cmd)
		}
		if _, err := r.store.JoinRoom(args[0]); err != nil {
			return false, err
		}
		r.room = args[0]
		fmt.Fprintf(r.out, "joined %s\n", r.room)

	case "/trust":
		if len(args) < 1 {
			return false, fmt.Errorf("usage: /trust <agent> [duration]")
		}
		p, err := r.registry.Get(args[0])
		if err != nil {
			return false, err
		}
		d := r.cfg.Trust.DefaultDuration.Std()
		if len(args) > 1 {
			d, err = time.ParseDuration(args[1])
			if err != nil {
				return false, fmt.Errorf("bad duration %q: %w", args[1], err)
			}
		}
		expires := r.ledger.Grant(p.Name, d)
		fmt.Fprintf(r.out, "%s trusted until %s — tool calls run without confirmation\n", p.Name, expires.Format("15:04:05"))

	case "/revoke":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /revoke <agent>")
		}
		p, err := r.registry.Get(args[0])
		if err != nil {
			return false, err
		}
		if r.ledger.Revoke(p.Name) {
			fmt.Fprintf(r.out, "%s trust revoked\n", p.Name)
		} else {
			fmt.Fprintf(r.out, "%s was not trusted\n", p.Name)
		}

	case "/history":
		limit := 20
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return false, fmt.Errorf("usage: /history [count]")
			}
			limit = n
		}
		msgs, err := r.store.Recent(r.room, limit)
		if err != nil {
			return false, err
		}
		for _, m := range msgs {
			speaker := m.Role
			if m.AgentTag != "" {
				speaker = m.AgentTag
			}
			fmt.Fprintf(r.out, "%s  %-12s %s\n",
				m.Timestamp.Format("15:04:05"), speaker, firstLine(m.Content))
		}

	case "/status":
		r.printStatus()

	case "/trusted":
		grants := r.ledger.Active()
		if len(grants) == 0 {
			fmt.Fprintln(r.out, "no active trust grants")
			break
		}
		for _, g := range grants {
			fmt.Fprintf(r.out, "%-12s until %s\n", g.Agent, g.ExpiresAt.Format("15:04:05"))
		}

	case "/export":
		path := fmt.Sprintf("parley-%s.html", r.room)
		if len(args) > 0 {
			path = args[0]
		}
		if err := r.export(path); err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "wrote %s\n", path)

	case "/usage":
		u, err := r.engine.Usage(r.room, r.registry.DefaultName())
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "context: %d / %d tokens (%d%%)\n", u.TotalTokens, u.MaxTokens, u.Percent)

	case "/clear":
		if err := r.store.ClearRoom(r.room); err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "%s cleared\n", r.room)

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return false, nil
}

func (r *repl) printHelp() {
	fmt.Fprintln(r.out, "Commands:")
	fmt.Fprintln(r.out, "  /agents                 List configured agents (* = default)")
	fmt.Fprintln(r.out, "  /agent <name>           Show one agent's profile")
	fmt.Fprintln(r.out, "  /rooms                  List stored rooms")
	fmt.Fprintln(r.out, "  /join <room>            Switch to (or create) a room (alias: /switch)")
	fmt.Fprintln(r.out, "  /history [count]        Show recent messages in this room")
	fmt.Fprintln(r.out, "  /trust <agent> [dur]    Let an agent run tools without confirmation")
	fmt.Fprintln(r.out, "  /revoke <agent>         Revoke a trust grant")
	fmt.Fprintln(r.out, "  /trusted                List active trust grants")
	fmt.Fprintln(r.out, "  /status                 Provider buckets and trust grants")
	fmt.Fprintln(r.out, "  /usage                  Context window consumption for this room")
	fmt.Fprintln(r.out, "  /export [file]          Write this room's transcript as HTML")
	fmt.Fprintln(r.out, "  /clear                  Delete this room's messages")
	fmt.Fprintln(r.out, "  /quit                   Exit (aliases: /exit /q /leave)")
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "Mention agents with @Name to route a message; several mentions")
	fmt.Fprintln(r.out, "in one message make each mentioned agent answer in turn.")
}

// export renders the whole room as a standalone HTML transcript.
func (r *repl) export(path string) error {
	msgs, err := r.store.Messages(r.room, exportLimit, 0)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>%s</title></head>\n<body>\n", template.HTMLEscapeString(r.room))
	fmt.Fprintf(&b, "<h1>%s</h1>\n", template.HTMLEscapeString(r.room))
	for _, e := range transcript.Render(msgs) {
		fmt.Fprintf(&b, "<section><h3>%s <small>%s</small></h3>\n%s</section>\n",
			template.HTMLEscapeString(e.Speaker), e.Timestamp, e.HTML)
	}
	b.WriteString("</body></html>\n")

	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// exportLimit caps /export; rooms bigger than this are truncated to
// the oldest messages, which matches how Messages pages.
const exportLimit = 10000

// firstLine truncates multi-line content for the /history listing.
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " …"
	}
	if runes := []rune(s); len(runes) > 100 {
		s = string(runes[:100]) + "…"
	}
	return s
}

func (r *repl) printStatus() {
	for provider, st := range r.limiter.Snapshot() {
		fmt.Fprintf(r.out, "%-12s %5.1f/%.0f requests available", provider, st.Available, st.Capacity)
		if st.RetryCount > 0 {
			fmt.Fprintf(r.out, "  (%d retries pending)", st.RetryCount)
		}
		fmt.Fprintln(r.out)
	}
	grants := r.ledger.Active()
	if len(grants) == 0 {
		fmt.Fprintln(r.out, "no active trust grants")
		return
	}
	for _, g := range grants {
		fmt.Fprintf(r.out, "trust: %s until %s\n", g.Agent, g.ExpiresAt.Format("15:04:05"))
	}
}

// --- chat.Sink ---

func (r *repl) AgentStarted(agent, model string) {
	fmt.Fprintf(r.out, "\n%s (%s):\n", agent, model)
	r.streaming = false
}

func (r *repl) Chunk(agent, text string) {
	fmt.Fprint(r.out, text)
	r.streaming = true
}

func (r *repl) Reply(agent, content string, u budget.Usage) {
	if !r.streaming {
		// Complete fallback: nothing was streamed, print the whole reply.
		fmt.Fprint(r.out, content)
	}
	fmt.Fprintf(r.out, "\n[%d/%d tokens, %d%%]\n", u.TotalTokens, u.MaxTokens, u.Percent)
	r.streaming = false
}

func (r *repl) ToolResult(agent, tool, result string) {
	fmt.Fprintf(r.out, "\n-- %s --\n%s\n", tool, result)
}

func (r *repl) Notice(text string) {
	fmt.Fprintf(r.out, "* %s\n", text)
}

// --- gate.Confirmer ---

// Confirm shows the pending call (and diff, for file writes) and asks
// for a y/N answer on the chat input stream. Any read failure denies.
func (r *repl) Confirm(ctx context.Context, req gate.ConfirmRequest) bool {
	fmt.Fprintf(r.out, "\n%s wants to run %s", req.Agent, req.Call.Name)
	if len(req.Call.Args) > 0 {
		fmt.Fprintf(r.out, " %v", req.Call.Args)
	}
	fmt.Fprintln(r.out)
	if req.Call.Body != "" {
		fmt.Fprintf(r.out, "%s\n", strings.TrimSpace(req.Call.Body))
	}
	if req.Diff != "" {
		fmt.Fprintf(r.out, "\n%s\n", req.Diff)
	}
	fmt.Fprint(r.out, "execute? [y/N] ")

	if !r.in.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(r.in.Text()))
	return answer == "y" || answer == "yes"
}
