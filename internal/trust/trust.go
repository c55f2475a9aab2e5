// Package trust tracks time-boxed autonomous-execution grants per
// agent. A trusted agent's tool calls run without per-call human
// confirmation until the grant expires or is revoked. Expiry is lazy:
// stale grants are purged when checked, there is no background sweep.
package trust

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/torvan/parley/internal/events"
)

// Grant reports one active trust entry.
type Grant struct {
	Agent     string    `json:"agent"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Ledger maps agent names to grant expiry times. At most one grant
// exists per agent; a later grant overwrites the earlier one. Safe for
// concurrent use.
type Ledger struct {
	mu     sync.Mutex
	grants map[string]time.Time
	bus    *events.Bus
	logger *slog.Logger

	now func() time.Time
}

// NewLedger creates an empty ledger. The bus may be nil.
func NewLedger(bus *events.Bus, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		grants: make(map[string]time.Time),
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// Grant trusts an agent for the given duration, overwriting any
// existing grant. It returns the expiry time.
func (l *Ledger) Grant(agent string, d time.Duration) time.Time {
	now := l.now()
	expires := now.Add(d)

	l.mu.Lock()
	l.grants[agent] = expires
	l.mu.Unlock()

	l.logger.Info("trust granted", "agent", agent, "duration", d, "expires_at", expires)
	l.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceTrust,
		Kind:      events.KindTrustGranted,
		Data:      map[string]any{"agent": agent, "expires_at": expires},
	})
	return expires
}

// Revoke removes an agent's grant immediately. Idempotent; reports
// whether a grant existed.
func (l *Ledger) Revoke(agent string) bool {
	l.mu.Lock()
	_, existed := l.grants[agent]
	delete(l.grants, agent)
	l.mu.Unlock()

	if existed {
		l.logger.Info("trust revoked", "agent", agent)
		l.bus.Publish(events.Event{
			Timestamp: l.now(),
			Source:    events.SourceTrust,
			Kind:      events.KindTrustRevoked,
			Data:      map[string]any{"agent": agent},
		})
	}
	return existed
}

// IsTrusted reports whether an agent holds an unexpired grant. A grant
// whose expiry has arrived is purged as a side effect of the check.
func (l *Ledger) IsTrusted(agent string) bool {
	l.mu.Lock()
	expires, ok := l.grants[agent]
	if !ok {
		l.mu.Unlock()
		return false
	}
	if !l.now().Before(expires) {
		delete(l.grants, agent)
		l.mu.Unlock()
		l.expired(agent)
		return false
	}
	l.mu.Unlock()
	return true
}

// Remaining returns how long an agent's grant has left, or zero if the
// agent is untrusted. It never returns a negative duration.
func (l *Ledger) Remaining(agent string) time.Duration {
	l.mu.Lock()
	expires, ok := l.grants[agent]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	remaining := expires.Sub(l.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Active returns all unexpired grants sorted by agent name, purging
// any that have lapsed.
func (l *Ledger) Active() []Grant {
	now := l.now()

	l.mu.Lock()
	var active []Grant
	var lapsed []string
	for agent, expires := range l.grants {
		if !now.Before(expires) {
			delete(l.grants, agent)
			lapsed = append(lapsed, agent)
			continue
		}
		active = append(active, Grant{Agent: agent, ExpiresAt: expires})
	}
	l.mu.Unlock()

	for _, agent := range lapsed {
		l.expired(agent)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Agent < active[j].Agent })
	return active
}

func (l *Ledger) expired(agent string) {
	l.logger.Info("trust expired", "agent", agent)
	l.bus.Publish(events.Event{
		Timestamp: l.now(),
		Source:    events.SourceTrust,
		Kind:      events.KindTrustExpired,
		Data:      map[string]any{"agent": agent},
	})
}
