package main

import (
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/torvan/parley/internal/history"
)

const sampleTranscript = `{"role":"user","content":"plan the sprint","timestamp":"2024-05-01T09:00:00Z"}
{"role":"assistant","content":"here is the plan","agent":"Architect","timestamp":"2024-05-01T09:00:05Z"}
not json at all
{"role":"tool","content":"[shell_exec result]\nok","agent":"Coder","timestamp":"2024-05-01T09:01:00Z"}
{"role":"user","content":"","timestamp":"2024-05-01T09:02:00Z"}
`

func writeTranscript(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
	return path
}

func TestParseTranscript(t *testing.T) {
	dir := t.TempDir()
	path := writeTranscript(t, dir, "sprint.jsonl", sampleTranscript)

	room, err := parseTranscript(path, slog.Default())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if room.name != "sprint" {
		t.Errorf("room name = %q, want sprint", room.name)
	}
	// Malformed and empty-content lines drop; 3 messages survive.
	if len(room.messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(room.messages))
	}
	if room.messages[0].role != "user" || room.messages[0].content != "plan the sprint" {
		t.Errorf("first message = %+v", room.messages[0])
	}
	if room.messages[1].agent != "Architect" {
		t.Errorf("agent = %q, want Architect", room.messages[1].agent)
	}
	// The legacy "tool" role maps to a tagged assistant message.
	if room.messages[2].role != "assistant" || room.messages[2].agent != "Coder" {
		t.Errorf("tool message = %+v", room.messages[2])
	}
	want := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	if !room.messages[0].ts.Equal(want) {
		t.Errorf("timestamp = %v, want %v", room.messages[0].ts, want)
	}
}

func TestImportRoomPreservesOrderAndTimes(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := history.NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	old := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	room := parsedRoom{
		name: "sprint",
		messages: []parsedMessage{
			{role: "user", content: "plan the sprint", ts: old},
			{role: "assistant", content: "here is the plan", agent: "Architect", ts: old.Add(5 * time.Second)},
		},
	}

	if err := importRoom(store, room, slog.Default()); err != nil {
		t.Fatalf("import: %v", err)
	}

	msgs, err := store.Messages("sprint", 0, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if !msgs[0].Timestamp.Equal(old) {
		t.Errorf("timestamp = %v, want %v", msgs[0].Timestamp, old)
	}
	if msgs[1].AgentTag != "Architect" {
		t.Errorf("agent tag = %q, want Architect", msgs[1].AgentTag)
	}
}

func TestParseTimestampFallback(t *testing.T) {
	before := time.Now()
	got := parseTimestamp("garbage")
	if got.Before(before) {
		t.Errorf("fallback timestamp %v predates call", got)
	}
	if ts := parseTimestamp("2024-05-01 09:00:00"); ts.Year() != 2024 {
		t.Errorf("space layout not parsed: %v", ts)
	}
}
