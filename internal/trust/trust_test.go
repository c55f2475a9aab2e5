package trust

import (
	"sync"
	"testing"
	"time"

	"github.com/torvan/parley/internal/events"
)

// fakeClock lets tests control the ledger's notion of now.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLedger(t *testing.T, bus *events.Bus) (*Ledger, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	l := NewLedger(bus, nil)
	l.now = clock.Now
	return l, clock
}

func TestGrantThenTrusted(t *testing.T) {
	l, _ := newTestLedger(t, nil)

	if l.IsTrusted("Coder") {
		t.Fatal("untrusted agent reported as trusted")
	}

	l.Grant("Coder", 2*time.Second)
	if !l.IsTrusted("Coder") {
		t.Error("granted agent not trusted")
	}
	if got := l.Remaining("Coder"); got <= 0 || got > 2*time.Second {
		t.Errorf("Remaining = %v, want in (0, 2s]", got)
	}
}

func TestGrantExpires(t *testing.T) {
	l, clock := newTestLedger(t, nil)

	l.Grant("Architect", time.Second)
	if !l.IsTrusted("Architect") {
		t.Fatal("fresh grant not trusted")
	}

	clock.Advance(1100 * time.Millisecond)
	if l.IsTrusted("Architect") {
		t.Error("expired grant still trusted")
	}
	if got := l.Remaining("Architect"); got != 0 {
		t.Errorf("Remaining after expiry = %v, want 0", got)
	}
}

func TestExpiryAtBoundary(t *testing.T) {
	l, clock := newTestLedger(t, nil)

	l.Grant("Coder", time.Second)
	clock.Advance(time.Second)

	// Exactly at the expiry instant the grant is gone.
	if l.IsTrusted("Coder") {
		t.Error("grant at exact expiry still trusted")
	}
}

func TestRevoke(t *testing.T) {
	l, _ := newTestLedger(t, nil)

	l.Grant("Coder", time.Hour)
	if !l.Revoke("Coder") {
		t.Error("Revoke of existing grant returned false")
	}
	if l.IsTrusted("Coder") {
		t.Error("revoked agent still trusted")
	}

	// Idempotent.
	if l.Revoke("Coder") {
		t.Error("Revoke of absent grant returned true")
	}
}

func TestGrantOverwrites(t *testing.T) {
	l, clock := newTestLedger(t, nil)

	l.Grant("Coder", time.Second)
	l.Grant("Coder", time.Hour)

	clock.Advance(10 * time.Second)
	if !l.IsTrusted("Coder") {
		t.Error("later grant did not overwrite earlier expiry")
	}

	grants := l.Active()
	if len(grants) != 1 {
		t.Fatalf("Active() returned %d grants, want 1", len(grants))
	}
}

func TestLazyPurgeOnCheck(t *testing.T) {
	l, clock := newTestLedger(t, nil)

	l.Grant("Coder", time.Second)
	clock.Advance(2 * time.Second)

	// The check itself removes the stale entry.
	if l.IsTrusted("Coder") {
		t.Fatal("expired grant reported trusted")
	}

	l.mu.Lock()
	_, present := l.grants["Coder"]
	l.mu.Unlock()
	if present {
		t.Error("stale grant not purged by IsTrusted")
	}
}

func TestActiveSortedAndPurged(t *testing.T) {
	l, clock := newTestLedger(t, nil)

	l.Grant("Researcher", time.Hour)
	l.Grant("Architect", time.Hour)
	l.Grant("Coder", time.Second)

	clock.Advance(time.Minute)

	grants := l.Active()
	if len(grants) != 2 {
		t.Fatalf("Active() returned %d grants, want 2", len(grants))
	}
	if grants[0].Agent != "Architect" || grants[1].Agent != "Researcher" {
		t.Errorf("Active() order = %q, %q; want Architect, Researcher", grants[0].Agent, grants[1].Agent)
	}
}

func TestEventsPublished(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	l, clock := newTestLedger(t, bus)

	l.Grant("Coder", time.Second)
	l.Revoke("Coder")
	l.Grant("Coder", time.Second)
	clock.Advance(2 * time.Second)
	l.IsTrusted("Coder")

	wantKinds := []string{
		events.KindTrustGranted,
		events.KindTrustRevoked,
		events.KindTrustGranted,
		events.KindTrustExpired,
	}
	for i, want := range wantKinds {
		select {
		case got := <-ch:
			if got.Kind != want {
				t.Errorf("event %d kind = %q, want %q", i, got.Kind, want)
			}
			if got.Source != events.SourceTrust {
				t.Errorf("event %d source = %q, want %q", i, got.Source, events.SourceTrust)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d (%s)", i, want)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	l, _ := newTestLedger(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Grant("Coder", time.Hour)
				l.IsTrusted("Coder")
				l.Remaining("Coder")
				l.Active()
				l.Revoke("Coder")
			}
		}()
	}
	wg.Wait()

	if l.IsTrusted("Coder") == true && l.Remaining("Coder") == 0 {
		t.Error("inconsistent trust state after concurrent access")
	}
}
