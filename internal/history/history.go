// Package history provides persistent room and message storage.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrRoomNotFound is returned when a named room does not exist.
var ErrRoomNotFound = errors.New("room not found")

// ErrRoomExists is returned by CreateRoom for duplicate names.
var ErrRoomExists = errors.New("room already exists")

// ErrInvalidRoomName is returned for names that fail validation.
var ErrInvalidRoomName = errors.New("invalid room name")

// DefaultHistoryLimit bounds Messages when the caller passes no limit.
const DefaultHistoryLimit = 50

var roomNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// reservedRoomNames would collide with path components or Windows
// device names if a room ever maps to a directory.
var reservedRoomNames = map[string]bool{
	".":   true,
	"..":  true,
	"con": true,
	"prn": true,
	"aux": true,
	"nul": true,
}

// ValidateRoomName checks that a room name is safe to store: 1-50
// characters of letters, digits, hyphens, and underscores.
func ValidateRoomName(name string) error {
	if !roomNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q (use letters, digits, hyphens, underscores; max 50 chars)", ErrInvalidRoomName, name)
	}
	if reservedRoomNames[strings.ToLower(name)] {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidRoomName, name)
	}
	return nil
}

// Message is one stored conversation message.
type Message struct {
	ID        string    `json:"id"`
	Room      string    `json:"room"`
	Role      string    `json:"role"` // user, assistant, system
	Content   string    `json:"content"`
	AgentTag  string    `json:"agent_tag,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Tokens    int       `json:"tokens"`
}

// Room is a named conversation with its activity metadata.
type Room struct {
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActive   time.Time `json:"last_active"`
	MessageCount int       `json:"message_count"`
}

// Store is a SQLite-backed history store. All rooms share one
// database file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore wraps an open database handle and ensures the schema
// exists. The caller keeps ownership of db unless Close is used.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return s, nil
}

// Open opens (or creates) the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	store, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		name TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		last_active TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		room TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		agent_tag TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMP NOT NULL,
		tokens INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (room) REFERENCES rooms(name) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRoom creates a new room. Fails with ErrRoomExists if the name
// is taken.
func (s *Store) CreateRoom(name, description string) (*Room, error) {
	if err := ValidateRoomName(name); err != nil {
		return nil, err
	}

	now := s.now()
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO rooms (name, description, created_at, last_active)
		VALUES (?, ?, ?, ?)
	`, name, description, now, now)
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRoomExists, name)
	}

	return &Room{
		Name:        name,
		Description: description,
		CreatedAt:   now,
		LastActive:  now,
	}, nil
}

// JoinRoom returns the named room, creating it if needed, and marks
// it active.
func (s *Store) JoinRoom(name string) (*Room, error) {
	if err := ValidateRoomName(name); err != nil {
		return nil, err
	}

	now := s.now()
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO rooms (name, description, created_at, last_active)
		VALUES (?, '', ?, ?)
	`, name, now, now)
	if err != nil {
		return nil, fmt.Errorf("join room: %w", err)
	}

	if _, err := s.db.Exec(`UPDATE rooms SET last_active = ? WHERE name = ?`, now, name); err != nil {
		return nil, fmt.Errorf("touch room: %w", err)
	}

	return s.GetRoom(name)
}

// GetRoom retrieves one room with its message count.
func (s *Store) GetRoom(name string) (*Room, error) {
	row := s.db.QueryRow(`
		SELECT r.name, r.description, r.created_at, r.last_active,
		       (SELECT COUNT(*) FROM messages m WHERE m.room = r.name)
		FROM rooms r WHERE r.name = ?
	`, name)

	var room Room
	err := row.Scan(&room.Name, &room.Description, &room.CreatedAt, &room.LastActive, &room.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	return &room, nil
}

// ListRooms returns all rooms, most recently active first.
func (s *Store) ListRooms() ([]*Room, error) {
	rows, err := s.db.Query(`
		SELECT r.name, r.description, r.created_at, r.last_active,
		       (SELECT COUNT(*) FROM messages m WHERE m.room = r.name)
		FROM rooms r ORDER BY r.last_active DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []*Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.Name, &room.Description, &room.CreatedAt, &room.LastActive, &room.MessageCount); err != nil {
			return nil, err
		}
		rooms = append(rooms, &room)
	}
	return rooms, rows.Err()
}

// DeleteRoom removes a room and all its messages.
func (s *Store) DeleteRoom(name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE room = ?`, name); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM rooms WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, name)
	}

	return tx.Commit()
}

// AddMessage appends a message to a room, creating the room if
// needed. Returns the stored message with its generated id.
func (s *Store) AddMessage(room, role, content, agentTag string) (*Message, error) {
	return s.AddMessageAt(room, role, content, agentTag, s.now())
}

// AddMessageAt is AddMessage with an explicit timestamp. Import tools
// use it to preserve original message times; the room's last_active
// never moves backwards.
func (s *Store) AddMessageAt(room, role, content, agentTag string, ts time.Time) (*Message, error) {
	if err := ValidateRoomName(room); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR IGNORE INTO rooms (name, description, created_at, last_active)
		VALUES (?, '', ?, ?)
	`, room, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("ensure room: %w", err)
	}

	msg := &Message{
		ID:        id.String(),
		Room:      room,
		Role:      role,
		Content:   content,
		AgentTag:  agentTag,
		Timestamp: ts,
		Tokens:    estimateTokens(content),
	}

	_, err = s.db.Exec(`
		INSERT INTO messages (id, room, role, content, agent_tag, timestamp, tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.Room, msg.Role, msg.Content, msg.AgentTag, msg.Timestamp, msg.Tokens)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	_, err = s.db.Exec(`UPDATE rooms SET last_active = MAX(last_active, ?) WHERE name = ?`, ts, room)
	if err != nil {
		return nil, fmt.Errorf("touch room: %w", err)
	}

	return msg, nil
}

// Messages retrieves messages for a room in chronological order.
// A non-positive limit means DefaultHistoryLimit.
func (s *Store) Messages(room string, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := s.db.Query(`
		SELECT id, room, role, content, agent_tag, timestamp, tokens
		FROM messages WHERE room = ?
		ORDER BY timestamp ASC, id ASC
		LIMIT ? OFFSET ?
	`, room, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// Recent retrieves the last limit messages in chronological order.
func (s *Store) Recent(room string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	// Select newest first, then flip back to chronological order.
	rows, err := s.db.Query(`
		SELECT id, room, role, content, agent_tag, timestamp, tokens FROM (
			SELECT id, room, role, content, agent_tag, timestamp, tokens
			FROM messages WHERE room = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		) ORDER BY timestamp ASC, id ASC
	`, room, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// Search returns messages whose content contains query, newest first.
func (s *Store) Search(room, query string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, room, role, content, agent_tag, timestamp, tokens
		FROM messages WHERE room = ? AND content LIKE ?
		ORDER BY timestamp DESC, id DESC
	`, room, "%"+query+"%")
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// MessageCount returns the number of messages in a room.
func (s *Store) MessageCount(room string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE room = ?`, room).Scan(&count)
	return count, err
}

// ClearRoom deletes a room's messages but keeps the room.
func (s *Store) ClearRoom(room string) error {
	if _, err := s.db.Exec(`DELETE FROM messages WHERE room = ?`, room); err != nil {
		return fmt.Errorf("clear room: %w", err)
	}
	_, err := s.db.Exec(`UPDATE rooms SET last_active = ? WHERE name = ?`, s.now(), room)
	return err
}

// Stats returns store-wide counters for the dashboard.
func (s *Store) Stats() map[string]any {
	var roomCount, msgCount, tokenTotal int

	_ = s.db.QueryRow(`SELECT COUNT(*) FROM rooms`).Scan(&roomCount)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&msgCount)
	_ = s.db.QueryRow(`SELECT COALESCE(SUM(tokens), 0) FROM messages`).Scan(&tokenTotal)

	return map[string]any{
		"rooms":        roomCount,
		"messages":     msgCount,
		"total_tokens": tokenTotal,
	}
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var m Message
		var agentTag sql.NullString
		if err := rows.Scan(&m.ID, &m.Room, &m.Role, &m.Content, &agentTag, &m.Timestamp, &m.Tokens); err != nil {
			return nil, err
		}
		if agentTag.Valid {
			m.AgentTag = agentTag.String
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// estimateTokens is the rough 4-characters-per-token rule.
func estimateTokens(text string) int {
	return len(text) / 4
}
