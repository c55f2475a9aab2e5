// Command parley-import migrates ateam chat exports into parley's
// history database.
//
// This is a one-time migration tool for people moving off the old
// ateam CLI. ateam exports one JSONL transcript per room; each line is
// a single message.
//
// Usage:
//
//	parley-import -from /path/to/ateam/export -data ~/.local/share/parley
//
// Rooms that already hold messages are skipped so re-runs are safe;
// pass -purge to clear and re-import them instead.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/torvan/parley/internal/history"
)

func main() {
	fromDir := flag.String("from", "", "Path to the ateam export directory (one .jsonl per room)")
	dataDir := flag.String("data", "", "Path to the parley data directory (where history.db lives)")
	dryRun := flag.Bool("dry-run", false, "Parse and report without writing to the database")
	purge := flag.Bool("purge", false, "Clear destination rooms that already exist and re-import")
	verbose := flag.Bool("verbose", false, "Verbose output")
	flag.Parse()

	if *fromDir == "" || *dataDir == "" {
		fmt.Fprintf(os.Stderr, "Usage: parley-import -from /path/to/export -data /path/to/parley/data\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	files, err := filepath.Glob(filepath.Join(*fromDir, "*.jsonl"))
	if err != nil {
		logger.Error("glob failed", "error", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		logger.Error("no .jsonl transcripts found", "path", *fromDir)
		os.Exit(1)
	}

	var rooms []parsedRoom
	total := 0
	for _, f := range files {
		room, err := parseTranscript(f, logger)
		if err != nil {
			logger.Warn("failed to parse transcript", "file", filepath.Base(f), "error", err)
			continue
		}
		if err := history.ValidateRoomName(room.name); err != nil {
			logger.Warn("skipping transcript with unusable room name",
				"file", filepath.Base(f), "error", err)
			continue
		}
		rooms = append(rooms, room)
		total += len(room.messages)
	}

	logger.Info("parsed transcripts", "rooms", len(rooms), "messages", total)

	if *dryRun {
		fmt.Printf("\n=== Dry Run Summary ===\n")
		fmt.Printf("Rooms:    %d\n", len(rooms))
		fmt.Printf("Messages: %d\n", total)
		fmt.Printf("\nRooms:\n")
		for _, r := range rooms {
			span := "empty"
			if len(r.messages) > 0 {
				span = fmt.Sprintf("%s → %s",
					r.messages[0].ts.Format("2006-01-02 15:04"),
					r.messages[len(r.messages)-1].ts.Format("2006-01-02 15:04"))
			}
			fmt.Printf("  %-20s %5d msgs  %s\n", r.name, len(r.messages), span)
		}
		return
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", "error", err)
		os.Exit(1)
	}

	historyPath := filepath.Join(*dataDir, "history.db")
	store, err := history.Open(historyPath)
	if err != nil {
		logger.Error("failed to open history store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	imported, skipped := 0, 0
	for _, room := range rooms {
		switch count, err := store.MessageCount(room.name); {
		case err != nil:
			logger.Warn("failed to check destination room", "room", room.name, "error", err)
			continue
		case count > 0 && !*purge:
			logger.Debug("skipping room with existing messages", "room", room.name, "messages", count)
			skipped++
			continue
		case count > 0:
			if err := store.ClearRoom(room.name); err != nil {
				logger.Error("purge failed", "room", room.name, "error", err)
				continue
			}
			logger.Info("purged destination room", "room", room.name, "messages_removed", count)
		}

		if err := importRoom(store, room, logger); err != nil {
			logger.Error("failed to import room", "room", room.name, "error", err)
			continue
		}
		imported++
	}

	logger.Info("import complete",
		"imported", imported,
		"skipped", skipped,
		"failed", len(rooms)-imported-skipped,
		"history_path", historyPath,
	)

	stats := store.Stats()
	fmt.Printf("\n=== Import Complete ===\n")
	fmt.Printf("History: %s\n", historyPath)
	fmt.Printf("Rooms imported: %d / %d\n", imported, len(rooms))
	fmt.Printf("Total stored messages: %v\n", stats["messages"])
}

// --- Parsing ---

type parsedRoom struct {
	name     string
	messages []parsedMessage
}

type parsedMessage struct {
	role    string
	content string
	agent   string
	ts      time.Time
}

// transcriptLine is one JSONL line from an ateam export.
type transcriptLine struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Agent     string `json:"agent,omitempty"`
	Timestamp string `json:"timestamp"`
}

func parseTranscript(path string, logger *slog.Logger) (parsedRoom, error) {
	f, err := os.Open(path)
	if err != nil {
		return parsedRoom{}, err
	}
	defer f.Close()

	room := parsedRoom{name: strings.TrimSuffix(filepath.Base(path), ".jsonl")}

	scanner := bufio.NewScanner(f)
	// Tool results embedded in assistant messages can be large.
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry transcriptLine
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Debug("skipping malformed line",
				"file", filepath.Base(path), "line", lineNum, "error", err)
			continue
		}
		if entry.Content == "" {
			continue
		}

		role := entry.Role
		if role != "user" && role != "assistant" {
			// ateam stored tool output under a "tool" role; parley keeps
			// tool results as tagged assistant messages.
			role = "assistant"
		}

		room.messages = append(room.messages, parsedMessage{
			role:    role,
			content: entry.Content,
			agent:   entry.Agent,
			ts:      parseTimestamp(entry.Timestamp),
		})
	}
	if err := scanner.Err(); err != nil {
		return room, fmt.Errorf("scan error: %w", err)
	}

	return room, nil
}

func parseTimestamp(isoStr string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, isoStr); err == nil {
			return t
		}
	}
	return time.Now()
}

// --- Importing ---

func importRoom(store *history.Store, room parsedRoom, logger *slog.Logger) error {
	if _, err := store.JoinRoom(room.name); err != nil {
		return fmt.Errorf("create room: %w", err)
	}

	for i, m := range room.messages {
		if _, err := store.AddMessageAt(room.name, m.role, m.content, m.agent, m.ts); err != nil {
			return fmt.Errorf("message %d: %w", i+1, err)
		}
	}

	logger.Debug("imported room",
		"room", room.name,
		"messages", len(room.messages),
	)
	return nil
}
