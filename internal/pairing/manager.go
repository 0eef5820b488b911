// Package pairing owns the customer/provider session state machine and the
// relay of locations and messages between the paired parties.
package pairing

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/provider-matching/internal/geomath"
	"github.com/example/provider-matching/internal/models"
)

// Events emitted by the manager. The gateway reuses these names on its
// own sends so the wire surface stays in one vocabulary.
const (
	EventPairCancelled    = "pair:cancelled"
	EventPairCompleted    = "pair:completed"
	EventPairArrived      = "pair:arrived"
	EventPeerDisconnected = "peer:disconnected"
	EventLocationUpdate   = "location:update"
	EventMessageReceive   = "message:receive"
)

// Presence is the slice of the connection registry the manager needs.
type Presence interface {
	Send(principalID, event string, data any) error
	Connected(principalID string) bool
}

// Session is a read-only snapshot of one pairing.
type Session struct {
	ID         string               `json:"session_id"`
	CustomerID string               `json:"customer_id"`
	ProviderID string               `json:"provider_id"`
	ServiceID  string               `json:"service_id"`
	Status     models.SessionStatus `json:"status"`
	StartedAt  time.Time            `json:"started_at"`
	Quote      *models.PriceQuote   `json:"quote,omitempty"`
	PaymentRef string               `json:"-"`
}

type session struct {
	Session
	customerLoc *models.Coord
	providerLoc *models.Coord
	arrived     bool
}

// LocationPayload is what the counterpart receives on every relay.
type LocationPayload struct {
	From      string  `json:"from"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// MessagePayload is a relayed chat message. Not persisted here; durable
// chat history is an external collaborator concern.
type MessagePayload struct {
	From      string    `json:"from"`
	FromName  string    `json:"fromName"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type TerminalPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

type notice struct {
	to    string
	event string
	data  any
}

// Manager holds every live session. Mutations take the manager lock;
// outbound notifications are collected under it and flushed after release
// so a slow transport never serializes unrelated sessions.
type Manager struct {
	presence Presence
	logger   *slog.Logger

	mu          sync.Mutex
	sessions    map[string]*session
	byPrincipal map[string]string

	// OnTerminal runs after a session reaches completed or cancelled, for
	// side effects like payment capture/release and booking events.
	OnTerminal func(Session)
}

func NewManager(presence Presence, logger *slog.Logger) *Manager {
	return &Manager{
		presence:    presence,
		logger:      logger,
		sessions:    make(map[string]*session),
		byPrincipal: make(map[string]string),
	}
}

// CreateRequested opens a new session in the requested state. Any session
// either party already holds is cancelled first, and that session's other
// party told once. Fails with ErrProviderOffline when the provider has no
// live connection.
func (m *Manager) CreateRequested(customerID, providerID, serviceID string, quote *models.PriceQuote) (Session, error) {
	if !m.presence.Connected(providerID) {
		return Session{}, fmt.Errorf("provider %s: %w", providerID, models.ErrProviderOffline)
	}

	m.mu.Lock()
	var notices []notice
	var displaced []Session
	for _, principal := range []string{customerID, providerID} {
		if old, ok := m.terminateLocked(principal, models.SessionCancelled, "superseded", &notices); ok {
			displaced = append(displaced, old)
		}
	}
	s := &session{Session: Session{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		ProviderID: providerID,
		ServiceID:  serviceID,
		Status:     models.SessionRequested,
		StartedAt:  time.Now(),
		Quote:      quote,
	}}
	m.sessions[s.ID] = s
	m.byPrincipal[customerID] = s.ID
	m.byPrincipal[providerID] = s.ID
	snap := s.Session
	m.mu.Unlock()

	m.flush(notices)
	m.fireTerminal(displaced)
	return snap, nil
}

// Accept moves requested -> accepted.
func (m *Manager) Accept(sessionID string) (Session, error) {
	return m.transition(sessionID, models.SessionAccepted)
}

// MarkActive moves accepted -> active. Usually implicit: the first
// provider location relay flips the session on its own.
func (m *Manager) MarkActive(sessionID string) (Session, error) {
	return m.transition(sessionID, models.SessionActive)
}

func (m *Manager) transition(sessionID string, next models.SessionStatus) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	if !s.Status.CanTransitionTo(next) {
		return Session{}, fmt.Errorf("%s -> %s: %w", s.Status, next, models.ErrInvalidTransition)
	}
	s.Status = next
	return s.Session, nil
}

// RelayLocation records the sender's position, forwards it to the paired
// counterpart, and handles the two side effects of a relay: the first
// provider update activates an accepted session, and closing within 100 m
// notifies both parties of arrival exactly once. A counterpart that is
// momentarily offline is logged, not an error.
func (m *Manager) RelayLocation(sessionID, fromID string, loc models.Coord) (Session, error) {
	if !geomath.ValidCoord(loc) {
		return Session{}, models.ErrInvalidCoordinates
	}

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	other, err := s.counterpart(fromID)
	if err != nil {
		m.mu.Unlock()
		return Session{}, err
	}

	point := loc
	if fromID == s.ProviderID {
		s.providerLoc = &point
		if s.Status == models.SessionAccepted {
			s.Status = models.SessionActive
		}
	} else {
		s.customerLoc = &point
	}

	var notices []notice
	notices = append(notices, notice{other, EventLocationUpdate, LocationPayload{
		From: fromID, Latitude: loc.Lat, Longitude: loc.Lng,
	}})
	if !s.arrived && s.customerLoc != nil && s.providerLoc != nil &&
		geomath.Arrived(geomath.HaversineKm(*s.customerLoc, *s.providerLoc)) {
		s.arrived = true
		payload := TerminalPayload{SessionID: s.ID}
		notices = append(notices,
			notice{s.CustomerID, EventPairArrived, payload},
			notice{s.ProviderID, EventPairArrived, payload})
	}
	snap := s.Session
	m.mu.Unlock()

	m.flush(notices)
	return snap, nil
}

// RelayMessage forwards a chat message to the sender's counterpart.
func (m *Manager) RelayMessage(sessionID, fromID, fromName, text string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	other, err := s.counterpart(fromID)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.presence.Send(other, EventMessageReceive, MessagePayload{
		From: fromID, FromName: fromName, Text: text, Timestamp: time.Now().UTC(),
	})
}

// Complete moves an active session to completed, tells both parties, and
// drops the session immediately.
func (m *Manager) Complete(sessionID string) (Session, error) {
	return m.finish(sessionID, models.SessionCompleted, "")
}

// Cancel terminates a session from any live state.
func (m *Manager) Cancel(sessionID, reason string) (Session, error) {
	return m.finish(sessionID, models.SessionCancelled, reason)
}

func (m *Manager) finish(sessionID string, status models.SessionStatus, reason string) (Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	if !s.Status.CanTransitionTo(status) {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%s -> %s: %w", s.Status, status, models.ErrInvalidTransition)
	}
	s.Status = status
	m.removeLocked(s)
	event := EventPairCompleted
	if status == models.SessionCancelled {
		event = EventPairCancelled
	}
	payload := TerminalPayload{SessionID: s.ID, Reason: reason}
	notices := []notice{
		{s.CustomerID, event, payload},
		{s.ProviderID, event, payload},
	}
	snap := s.Session
	m.mu.Unlock()

	m.flush(notices)
	m.fireTerminal([]Session{snap})
	return snap, nil
}

// DisconnectPrincipal tears down whatever session the principal holds and
// notifies the counterpart exactly once. Called synchronously from the
// gateway's disconnect handler.
func (m *Manager) DisconnectPrincipal(principalID string) (Session, bool) {
	m.mu.Lock()
	var notices []notice
	old, ok := m.terminateLocked(principalID, models.SessionCancelled, "", &notices)
	m.mu.Unlock()
	if !ok {
		return Session{}, false
	}

	// replace the generic cancel notice with the disconnect event; the
	// departing principal has no transport anyway
	other := old.CustomerID
	if principalID == old.CustomerID {
		other = old.ProviderID
	}
	m.flush([]notice{{other, EventPeerDisconnected, map[string]string{"id": principalID}}})
	m.fireTerminal([]Session{old})
	return old, true
}

// SessionFor returns the live session the principal belongs to.
func (m *Manager) SessionFor(principalID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byPrincipal[principalID]
	if !ok {
		return Session{}, false
	}
	return m.sessions[id].Session, true
}

// SetPaymentRef attaches the payment hold reference so terminal handling
// can capture or release it.
func (m *Manager) SetPaymentRef(sessionID, ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.PaymentRef = ref
	}
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// terminateLocked cancels the principal's current session, queueing one
// notification to that session's other party. Caller holds m.mu.
func (m *Manager) terminateLocked(principalID string, status models.SessionStatus, reason string, notices *[]notice) (Session, bool) {
	id, ok := m.byPrincipal[principalID]
	if !ok {
		return Session{}, false
	}
	s := m.sessions[id]
	s.Status = status
	m.removeLocked(s)

	other := s.CustomerID
	if principalID == s.CustomerID {
		other = s.ProviderID
	}
	if reason != "" {
		*notices = append(*notices, notice{other, EventPairCancelled, TerminalPayload{SessionID: s.ID, Reason: reason}})
	}
	return s.Session, true
}

func (m *Manager) removeLocked(s *session) {
	delete(m.sessions, s.ID)
	if m.byPrincipal[s.CustomerID] == s.ID {
		delete(m.byPrincipal, s.CustomerID)
	}
	if m.byPrincipal[s.ProviderID] == s.ID {
		delete(m.byPrincipal, s.ProviderID)
	}
}

func (m *Manager) flush(notices []notice) {
	for _, n := range notices {
		if err := m.presence.Send(n.to, n.event, n.data); err != nil {
			m.logger.Debug("notify skipped", "to", n.to, "event", n.event, "error", err)
		}
	}
}

func (m *Manager) fireTerminal(sessions []Session) {
	if m.OnTerminal == nil {
		return
	}
	for _, s := range sessions {
		m.OnTerminal(s)
	}
}

func (s *session) counterpart(principalID string) (string, error) {
	switch principalID {
	case s.CustomerID:
		return s.ProviderID, nil
	case s.ProviderID:
		return s.CustomerID, nil
	default:
		return "", fmt.Errorf("principal %s not in session %s: %w", principalID, s.ID, models.ErrNotFound)
	}
}
