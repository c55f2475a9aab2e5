package web

import (
	"net/http"
	"time"

	"github.com/torvan/parley/internal/buildinfo"
	"github.com/torvan/parley/internal/ratelimit"
	"github.com/torvan/parley/internal/router"
	"github.com/torvan/parley/internal/trust"
	"github.com/torvan/parley/internal/usage"
)

// AgentRow is one configured agent for the dashboard table.
type AgentRow struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Trusted  bool   `json:"trusted"`
	// TrustRemaining is the grant's remaining time, "" when untrusted.
	TrustRemaining string `json:"trust_remaining,omitempty"`
}

// Stats is the shared payload behind "/" and "/api/stats".
type Stats struct {
	Version   string                      `json:"version"`
	Uptime    time.Duration               `json:"uptime_seconds"`
	Agents    []AgentRow                  `json:"agents"`
	Default   string                      `json:"default_agent"`
	Providers map[string]ratelimit.Status `json:"providers"`
	Grants    []trust.Grant               `json:"trust_grants"`
	Rooms     []roomRow                   `json:"rooms"`
	Decisions []router.Decision           `json:"recent_decisions"`
	Usage     *usage.Summary              `json:"usage,omitempty"`
}

type roomRow struct {
	Name         string    `json:"name"`
	MessageCount int       `json:"message_count"`
	LastActive   time.Time `json:"last_active"`
}

// DashboardData is the template context for the overview page.
type DashboardData struct {
	Title string
	Stats Stats
}

func (s *Server) collectStats() Stats {
	st := Stats{
		Version: buildinfo.Version,
		Uptime:  buildinfo.Uptime(),
	}

	if s.registry != nil {
		st.Default = s.registry.DefaultName()
		for _, name := range s.registry.Names() {
			p, err := s.registry.Get(name)
			if err != nil {
				continue
			}
			row := AgentRow{Name: p.Name, Provider: p.Provider, Model: p.Model}
			if s.ledger != nil && s.ledger.IsTrusted(p.Name) {
				row.Trusted = true
				row.TrustRemaining = s.ledger.Remaining(p.Name).Round(time.Second).String()
			}
			st.Agents = append(st.Agents, row)
		}
	}

	if s.limiter != nil {
		st.Providers = s.limiter.Snapshot()
	}
	if s.ledger != nil {
		st.Grants = s.ledger.Active()
	}
	if s.selector != nil {
		st.Decisions = s.selector.Recent(10)
	}

	if s.store != nil {
		if rooms, err := s.store.ListRooms(); err == nil {
			for _, r := range rooms {
				st.Rooms = append(st.Rooms, roomRow{
					Name:         r.Name,
					MessageCount: r.MessageCount,
					LastActive:   r.LastActive,
				})
			}
		}
	}

	if s.usage != nil {
		start := time.Now().AddDate(0, 0, -1)
		if sum, err := s.usage.Summary(start, time.Now()); err == nil {
			st.Usage = sum
		}
	}

	return st
}

// handleDashboard renders the runtime overview page at "/".
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	s.render(w, "dashboard.html", DashboardData{
		Title: "parley",
		Stats: s.collectStats(),
	})
}

// handleStats serves the overview data as JSON.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.collectStats())
}
