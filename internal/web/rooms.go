package web

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/torvan/parley/internal/history"
	"github.com/torvan/parley/internal/transcript"
)

// RoomData is the template context for the transcript page.
type RoomData struct {
	Title   string
	Room    *history.Room
	Entries []transcript.Entry
}

// handleRoom renders one room's transcript.
func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "history store not configured", http.StatusServiceUnavailable)
		return
	}

	name := r.PathValue("name")
	room, err := s.store.GetRoom(name)
	if err != nil {
		if errors.Is(err, history.ErrRoomNotFound) {
			http.NotFound(w, r)
			return
		}
		s.logger.Error("room load failed", "room", name, "error", err)
		http.Error(w, "load failed", http.StatusInternalServerError)
		return
	}

	msgs, err := s.store.Messages(name, 200, 0)
	if err != nil {
		s.logger.Error("room messages failed", "room", name, "error", err)
		http.Error(w, "load failed", http.StatusInternalServerError)
		return
	}

	s.render(w, "room.html", RoomData{
		Title:   "parley — " + room.Name,
		Room:    room,
		Entries: transcript.Render(msgs),
	})
}

// handleRooms serves the room list as JSON.
func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "history store not configured", http.StatusServiceUnavailable)
		return
	}
	rooms, err := s.store.ListRooms()
	if err != nil {
		s.logger.Error("room list failed", "error", err)
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, rooms)
}

// handleRoomMessages serves one room's messages as JSON, newest last.
// ?limit= bounds the result (default 50).
func (s *Server) handleRoomMessages(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "history store not configured", http.StatusServiceUnavailable)
		return
	}

	name := r.PathValue("name")
	if _, err := s.store.GetRoom(name); err != nil {
		if errors.Is(err, history.ErrRoomNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "load failed", http.StatusInternalServerError)
		return
	}

	limit := history.DefaultHistoryLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	msgs, err := s.store.Recent(name, limit)
	if err != nil {
		s.logger.Error("room messages failed", "room", name, "error", err)
		http.Error(w, "load failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, msgs)
}
