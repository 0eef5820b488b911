package pairing

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/example/provider-matching/internal/models"
)

// fakePresence records every frame sent per principal.
type fakePresence struct {
	mu      sync.Mutex
	offline map[string]bool
	frames  map[string][]notice
}

func newFakePresence(ids ...string) *fakePresence {
	f := &fakePresence{offline: make(map[string]bool), frames: make(map[string][]notice)}
	for _, id := range ids {
		f.offline[id] = false
	}
	return f
}

func (f *fakePresence) Send(principalID, event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off, known := f.offline[principalID]; !known || off {
		return models.ErrRecipientOffline
	}
	f.frames[principalID] = append(f.frames[principalID], notice{principalID, event, data})
	return nil
}

func (f *fakePresence) Connected(principalID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	off, known := f.offline[principalID]
	return known && !off
}

func (f *fakePresence) received(principalID, event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fr := range f.frames[principalID] {
		if fr.event == event {
			n++
		}
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCreateRequestedProviderOffline(t *testing.T) {
	p := newFakePresence("c1")
	m := NewManager(p, testLogger())
	_, err := m.CreateRequested("c1", "ghost", "plumbing", nil)
	if !errors.Is(err, models.ErrProviderOffline) {
		t.Fatalf("err = %v, want ErrProviderOffline", err)
	}
}

func TestLifecycleRequestedToCompleted(t *testing.T) {
	p := newFakePresence("c1", "p1")
	m := NewManager(p, testLogger())

	s, err := m.CreateRequested("c1", "p1", "plumbing", nil)
	if err != nil {
		t.Fatalf("CreateRequested: %v", err)
	}
	if s.Status != models.SessionRequested {
		t.Fatalf("status = %s, want requested", s.Status)
	}

	if s, err = m.Accept(s.ID); err != nil || s.Status != models.SessionAccepted {
		t.Fatalf("Accept: %v status=%s", err, s.Status)
	}

	// first provider location relay flips accepted -> active
	s, err = m.RelayLocation(s.ID, "p1", models.Coord{Lat: 40.80, Lng: -74.0})
	if err != nil {
		t.Fatalf("RelayLocation: %v", err)
	}
	if s.Status != models.SessionActive {
		t.Fatalf("status after first relay = %s, want active", s.Status)
	}
	if p.received("c1", EventLocationUpdate) != 1 {
		t.Fatalf("customer got %d location frames, want 1", p.received("c1", EventLocationUpdate))
	}

	if _, err = m.Complete(s.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if p.received("c1", EventPairCompleted) != 1 || p.received("p1", EventPairCompleted) != 1 {
		t.Fatal("both parties should hear pair:completed once")
	}
	if _, ok := m.SessionFor("c1"); ok {
		t.Fatal("session survived completion")
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount = %d, want 0", m.ActiveCount())
	}
}

func TestInvalidTransitions(t *testing.T) {
	p := newFakePresence("c1", "p1")
	m := NewManager(p, testLogger())
	s, _ := m.CreateRequested("c1", "p1", "plumbing", nil)

	if _, err := m.Complete(s.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("complete from requested: err = %v, want ErrInvalidTransition", err)
	}
	if _, err := m.MarkActive(s.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("activate from requested: err = %v, want ErrInvalidTransition", err)
	}
	if _, err := m.Accept(s.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, err := m.Accept(s.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("double accept: err = %v, want ErrInvalidTransition", err)
	}
	if _, err := m.Accept("no-such-session"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("unknown session: err = %v, want ErrNotFound", err)
	}
}

func TestNewPairingDisplacesOldAndNotifiesOnce(t *testing.T) {
	p := newFakePresence("c1", "c2", "p1", "p2")
	m := NewManager(p, testLogger())

	first, _ := m.CreateRequested("c1", "p1", "plumbing", nil)
	_, _ = m.Accept(first.ID)

	// c1 picks a different provider: p1's session dies, p1 told once
	second, err := m.CreateRequested("c1", "p2", "plumbing", nil)
	if err != nil {
		t.Fatalf("CreateRequested: %v", err)
	}
	if got := p.received("p1", EventPairCancelled); got != 1 {
		t.Fatalf("displaced counterpart got %d cancel frames, want 1", got)
	}
	if _, ok := m.SessionFor("p1"); ok {
		t.Fatal("p1 still indexed after displacement")
	}

	// p2 now gets claimed by another customer: c1 told once
	_, err = m.CreateRequested("c2", "p2", "plumbing", nil)
	if err != nil {
		t.Fatalf("CreateRequested: %v", err)
	}
	if got := p.received("c1", EventPairCancelled); got != 1 {
		t.Fatalf("c1 got %d cancel frames, want 1", got)
	}
	if _, ok := m.SessionFor(second.CustomerID); ok {
		t.Fatal("c1 still indexed after displacement")
	}
}

func TestDisconnectCleansBothSidesNotifiesOnce(t *testing.T) {
	p := newFakePresence("c1", "p1")
	m := NewManager(p, testLogger())
	s, _ := m.CreateRequested("c1", "p1", "plumbing", nil)
	_, _ = m.Accept(s.ID)

	old, ok := m.DisconnectPrincipal("c1")
	if !ok || old.ID != s.ID {
		t.Fatalf("DisconnectPrincipal: ok=%v session=%+v", ok, old)
	}
	if got := p.received("p1", EventPeerDisconnected); got != 1 {
		t.Fatalf("counterpart got %d disconnect frames, want 1", got)
	}
	if _, stillThere := m.SessionFor("p1"); stillThere {
		t.Fatal("provider side not cleaned up")
	}
	if _, stillThere := m.SessionFor("c1"); stillThere {
		t.Fatal("customer side not cleaned up")
	}
	// no session, no second notification
	if _, ok := m.DisconnectPrincipal("c1"); ok {
		t.Fatal("second disconnect found a session")
	}
	if got := p.received("p1", EventPeerDisconnected); got != 1 {
		t.Fatalf("duplicate disconnect notification: %d", got)
	}
}

func TestArrivalNotifiedOnceBelow100m(t *testing.T) {
	p := newFakePresence("c1", "p1")
	m := NewManager(p, testLogger())
	s, _ := m.CreateRequested("c1", "p1", "plumbing", nil)
	_, _ = m.Accept(s.ID)

	customerAt := models.Coord{Lat: 40.7128, Lng: -74.0060}
	if _, err := m.RelayLocation(s.ID, "c1", customerAt); err != nil {
		t.Fatalf("customer relay: %v", err)
	}

	// ~1.1 km away: no arrival yet
	far := models.Coord{Lat: 40.7228, Lng: -74.0060}
	if _, err := m.RelayLocation(s.ID, "p1", far); err != nil {
		t.Fatalf("provider relay: %v", err)
	}
	if p.received("c1", EventPairArrived) != 0 {
		t.Fatal("arrived too early")
	}

	// ~55 m away: both parties told, once
	near := models.Coord{Lat: 40.7133, Lng: -74.0060}
	if _, err := m.RelayLocation(s.ID, "p1", near); err != nil {
		t.Fatalf("provider relay: %v", err)
	}
	if p.received("c1", EventPairArrived) != 1 || p.received("p1", EventPairArrived) != 1 {
		t.Fatal("both parties should hear pair:arrived once")
	}

	// continued relays keep working in active and do not re-announce
	if st, err := m.RelayLocation(s.ID, "p1", near); err != nil || st.Status != models.SessionActive {
		t.Fatalf("relay after arrival: %v status=%s", err, st.Status)
	}
	if p.received("c1", EventPairArrived) != 1 {
		t.Fatal("arrival announced more than once")
	}
}

func TestRelayLocationOfflineCounterpartIsSilent(t *testing.T) {
	p := newFakePresence("c1", "p1")
	m := NewManager(p, testLogger())
	s, _ := m.CreateRequested("c1", "p1", "plumbing", nil)
	_, _ = m.Accept(s.ID)

	p.mu.Lock()
	p.offline["c1"] = true
	p.mu.Unlock()

	// transient blip: the sender must not see an error
	if _, err := m.RelayLocation(s.ID, "p1", models.Coord{Lat: 40.7, Lng: -74.0}); err != nil {
		t.Fatalf("relay to offline counterpart: %v", err)
	}
}

func TestRelayMessage(t *testing.T) {
	p := newFakePresence("c1", "p1")
	m := NewManager(p, testLogger())
	s, _ := m.CreateRequested("c1", "p1", "plumbing", nil)

	if err := m.RelayMessage(s.ID, "c1", "Alice", "on my way?"); err != nil {
		t.Fatalf("RelayMessage: %v", err)
	}
	if p.received("p1", EventMessageReceive) != 1 {
		t.Fatal("provider should receive the message")
	}

	// chat, unlike location, surfaces an offline recipient
	p.mu.Lock()
	p.offline["p1"] = true
	p.mu.Unlock()
	if err := m.RelayMessage(s.ID, "c1", "Alice", "hello?"); !errors.Is(err, models.ErrRecipientOffline) {
		t.Fatalf("err = %v, want ErrRecipientOffline", err)
	}

	if err := m.RelayMessage(s.ID, "stranger", "Eve", "hi"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("stranger relay: err = %v, want ErrNotFound", err)
	}
}

func TestOnTerminalFiresForEveryTerminalPath(t *testing.T) {
	p := newFakePresence("c1", "c2", "p1", "p2")
	m := NewManager(p, testLogger())
	var mu sync.Mutex
	var ended []models.SessionStatus
	m.OnTerminal = func(s Session) {
		mu.Lock()
		ended = append(ended, s.Status)
		mu.Unlock()
	}

	// explicit cancel
	s1, _ := m.CreateRequested("c1", "p1", "plumbing", nil)
	_, _ = m.Cancel(s1.ID, "declined")
	// displacement
	s2, _ := m.CreateRequested("c1", "p1", "plumbing", nil)
	_ = s2
	_, _ = m.CreateRequested("c1", "p2", "plumbing", nil)
	// disconnect
	_, _ = m.DisconnectPrincipal("c1")

	mu.Lock()
	defer mu.Unlock()
	if len(ended) != 3 {
		t.Fatalf("OnTerminal fired %d times, want 3 (%v)", len(ended), ended)
	}
	for _, st := range ended {
		if st != models.SessionCancelled {
			t.Fatalf("unexpected terminal status %s", st)
		}
	}
}
