// Package web serves the parley dashboard: a runtime overview page,
// per-room transcripts, JSON status endpoints, and a WebSocket feed of
// orchestration events. The dashboard is read-only; conversation
// happens in the terminal.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/torvan/parley/internal/agents"
	"github.com/torvan/parley/internal/events"
	"github.com/torvan/parley/internal/history"
	"github.com/torvan/parley/internal/ratelimit"
	"github.com/torvan/parley/internal/router"
	"github.com/torvan/parley/internal/trust"
	"github.com/torvan/parley/internal/usage"
)

// Server is the dashboard HTTP server. All data sources are optional;
// missing ones render as empty sections rather than errors.
type Server struct {
	listen    string
	logger    *slog.Logger
	templates map[string]*template.Template

	bus      *events.Bus
	store    *history.Store
	usage    *usage.Store
	limiter  *ratelimit.Limiter
	ledger   *trust.Ledger
	selector *router.Selector
	registry *agents.Registry

	httpServer *http.Server
}

// Options carries the dashboard's data sources.
type Options struct {
	Listen   string
	Bus      *events.Bus
	Store    *history.Store
	Usage    *usage.Store
	Limiter  *ratelimit.Limiter
	Ledger   *trust.Ledger
	Selector *router.Selector
	Registry *agents.Registry
	Logger   *slog.Logger
}

// NewServer builds the dashboard server. Call Start to serve.
func NewServer(o Options) *Server {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Server{
		listen:    o.Listen,
		logger:    o.Logger,
		templates: loadTemplates(),
		bus:       o.Bus,
		store:     o.Store,
		usage:     o.Usage,
		limiter:   o.Limiter,
		ledger:    o.Ledger,
		selector:  o.Selector,
		registry:  o.Registry,
	}
}

// Handler returns the dashboard's route table, exposed separately so
// tests can drive it with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleDashboard)
	mux.HandleFunc("GET /rooms/{name}", s.handleRoom)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/rooms", s.handleRooms)
	mux.HandleFunc("GET /api/rooms/{name}/messages", s.handleRoomMessages)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()
	s.logger.Info("dashboard listening", "addr", s.listen)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// writeJSON encodes v with an application/json content type. Encoding
// failures are logged; headers are already gone by then.
func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.logger.Error("json encode failed", "error", err)
	}
}
