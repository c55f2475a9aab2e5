package history

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	// Deterministic, strictly increasing clock.
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	store.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	return store
}

func TestValidateRoomName(t *testing.T) {
	valid := []string{"dev", "my-project", "room_2", "A"}
	for _, name := range valid {
		if err := ValidateRoomName(name); err != nil {
			t.Errorf("ValidateRoomName(%q): %v", name, err)
		}
	}

	invalid := []string{"", "has space", "a/b", "room!", "..", "CON",
		"this-name-is-way-too-long-to-be-a-valid-room-name-for-sure"}
	for _, name := range invalid {
		if err := ValidateRoomName(name); !errors.Is(err, ErrInvalidRoomName) {
			t.Errorf("ValidateRoomName(%q) = %v, want ErrInvalidRoomName", name, err)
		}
	}
}

func TestCreateRoom(t *testing.T) {
	store := setupTestStore(t)

	room, err := store.CreateRoom("dev", "backend work")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if room.Name != "dev" || room.Description != "backend work" {
		t.Errorf("room = %+v", room)
	}
	if room.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	if _, err := store.CreateRoom("dev", ""); !errors.Is(err, ErrRoomExists) {
		t.Errorf("duplicate create = %v, want ErrRoomExists", err)
	}
}

func TestJoinRoomCreates(t *testing.T) {
	store := setupTestStore(t)

	room, err := store.JoinRoom("fresh")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if room.Name != "fresh" {
		t.Errorf("name = %q", room.Name)
	}

	// Joining again bumps activity instead of failing.
	again, err := store.JoinRoom("fresh")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if !again.LastActive.After(room.LastActive) {
		t.Errorf("LastActive not bumped: %v then %v", room.LastActive, again.LastActive)
	}
}

func TestGetRoomNotFound(t *testing.T) {
	store := setupTestStore(t)
	if _, err := store.GetRoom("ghost"); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("got %v, want ErrRoomNotFound", err)
	}
}

func TestAddMessageRoundTrip(t *testing.T) {
	store := setupTestStore(t)

	msg, err := store.AddMessage("dev", "user", "hello there", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if msg.ID == "" {
		t.Error("message id not generated")
	}
	if msg.Tokens != len("hello there")/4 {
		t.Errorf("tokens = %d", msg.Tokens)
	}

	if _, err := store.AddMessage("dev", "assistant", "hi, how can I help?", "Coder"); err != nil {
		t.Fatalf("add: %v", err)
	}

	msgs, err := store.Messages("dev", 0, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "hello there" {
		t.Errorf("first = %+v", msgs[0])
	}
	if msgs[1].AgentTag != "Coder" {
		t.Errorf("agent tag = %q", msgs[1].AgentTag)
	}
	if !msgs[0].Timestamp.Before(msgs[1].Timestamp) {
		t.Error("messages out of order")
	}

	// The room was created implicitly and counts its messages.
	room, err := store.GetRoom("dev")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if room.MessageCount != 2 {
		t.Errorf("MessageCount = %d", room.MessageCount)
	}
}

func TestAddMessageAtPreservesTimestamp(t *testing.T) {
	store := setupTestStore(t)

	old := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	msg, err := store.AddMessageAt("imported", "user", "from the archive", "", old)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !msg.Timestamp.Equal(old) {
		t.Errorf("timestamp = %v, want %v", msg.Timestamp, old)
	}

	msgs, err := store.Messages("imported", 0, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].Timestamp.Equal(old) {
		t.Errorf("stored timestamp = %v, want %v", msgs[0].Timestamp, old)
	}

	// A later live message must not let last_active move backwards when
	// an older import lands afterwards.
	if _, err := store.AddMessage("imported", "user", "live", ""); err != nil {
		t.Fatalf("add live: %v", err)
	}
	room, err := store.GetRoom("imported")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	live := room.LastActive

	older := old.Add(-time.Hour)
	if _, err := store.AddMessageAt("imported", "user", "straggler", "", older); err != nil {
		t.Fatalf("add straggler: %v", err)
	}
	room, err = store.GetRoom("imported")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if room.LastActive.Before(live) {
		t.Errorf("last_active moved backwards: %v then %v", live, room.LastActive)
	}
}

func TestMessagesLimitOffset(t *testing.T) {
	store := setupTestStore(t)

	for i := 0; i < 5; i++ {
		if _, err := store.AddMessage("dev", "user", "msg"+string(rune('a'+i)), ""); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := store.Messages("dev", 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Content != "msgb" || msgs[1].Content != "msgc" {
		t.Errorf("got %+v", msgs)
	}
}

func TestRecent(t *testing.T) {
	store := setupTestStore(t)

	for _, content := range []string{"one", "two", "three", "four", "five"} {
		if _, err := store.AddMessage("dev", "user", content, ""); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := store.Recent("dev", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Content != "three" || msgs[2].Content != "five" {
		t.Errorf("recent window wrong: %q .. %q", msgs[0].Content, msgs[2].Content)
	}
}

func TestSearch(t *testing.T) {
	store := setupTestStore(t)

	store.AddMessage("dev", "user", "deploy the api", "")
	store.AddMessage("dev", "assistant", "deployment started", "Coder")
	store.AddMessage("dev", "user", "unrelated chatter", "")

	msgs, err := store.Search("dev", "deploy")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d matches", len(msgs))
	}
	// Newest first.
	if msgs[0].Content != "deployment started" {
		t.Errorf("first match = %q", msgs[0].Content)
	}
}

func TestClearRoomKeepsRoom(t *testing.T) {
	store := setupTestStore(t)

	store.AddMessage("dev", "user", "hello", "")
	if err := store.ClearRoom("dev"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	count, err := store.MessageCount("dev")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("count = %d after clear", count)
	}

	if _, err := store.GetRoom("dev"); err != nil {
		t.Errorf("room should survive clear: %v", err)
	}
}

func TestDeleteRoom(t *testing.T) {
	store := setupTestStore(t)

	store.AddMessage("dev", "user", "hello", "")
	if err := store.DeleteRoom("dev"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetRoom("dev"); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("got %v, want ErrRoomNotFound", err)
	}

	if err := store.DeleteRoom("ghost"); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("delete missing = %v, want ErrRoomNotFound", err)
	}
}

func TestListRoomsMostRecentFirst(t *testing.T) {
	store := setupTestStore(t)

	store.CreateRoom("older", "")
	store.CreateRoom("newer", "")
	// Activity in the older room moves it to the front.
	store.AddMessage("older", "user", "ping", "")

	rooms, err := store.ListRooms()
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 2 {
		t.Fatalf("got %d rooms", len(rooms))
	}
	if rooms[0].Name != "older" {
		t.Errorf("first room = %q, want older", rooms[0].Name)
	}
}

func TestStats(t *testing.T) {
	store := setupTestStore(t)

	store.AddMessage("dev", "user", "four char chunks here", "")
	store.AddMessage("ops", "user", "more text", "")

	stats := store.Stats()
	if stats["rooms"] != 2 {
		t.Errorf("rooms = %v", stats["rooms"])
	}
	if stats["messages"] != 2 {
		t.Errorf("messages = %v", stats["messages"])
	}
}
