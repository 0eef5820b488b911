// Package presence tracks which principals currently hold a live transport
// and owns the only write path to those transports.
package presence

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/provider-matching/internal/models"
)

// Frame is the wire envelope: every server-to-client payload travels as
// {"event": ..., "data": ...} on the single socket.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Sender is a live transport handle. The websocket-backed Conn is the
// production implementation; tests substitute fakes.
type Sender interface {
	Send(event string, data any) error
	Close() error
}

const writeWait = 10 * time.Second

// Conn wraps a websocket connection with a write mutex so concurrent
// handlers never interleave frames.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func NewConn(ws *websocket.Conn) *Conn { return &Conn{ws: ws} }

func (c *Conn) Send(event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(Frame{Event: event, Data: data})
}

func (c *Conn) Close() error { return c.ws.Close() }

// Registry maps principal id to its active transport. One transport per
// principal: a second registration replaces the first (last write wins).
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Sender
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Sender)}
}

// Register installs s as the principal's transport and returns the handle
// it displaced, if any, so the caller can close it.
func (r *Registry) Register(principalID string, s Sender) (replaced Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	replaced = r.conns[principalID]
	r.conns[principalID] = s
	return replaced
}

// Unregister removes the principal's transport. Idempotent. When s is
// non-nil the entry is only removed if it still refers to s, so a stale
// connection tearing down cannot evict its replacement.
func (r *Registry) Unregister(principalID string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.conns[principalID]
	if !ok {
		return
	}
	if s != nil && current != s {
		return
	}
	delete(r.conns, principalID)
}

func (r *Registry) Lookup(principalID string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.conns[principalID]
	return s, ok
}

func (r *Registry) Connected(principalID string) bool {
	_, ok := r.Lookup(principalID)
	return ok
}

// Send delivers one frame to the principal, or ErrRecipientOffline if no
// transport is registered.
func (r *Registry) Send(principalID, event string, data any) error {
	s, ok := r.Lookup(principalID)
	if !ok {
		return models.ErrRecipientOffline
	}
	return s.Send(event, data)
}

// Broadcast delivers one frame to every connected principal, best effort.
func (r *Registry) Broadcast(event string, data any) {
	r.mu.RLock()
	targets := make([]Sender, 0, len(r.conns))
	for _, s := range r.conns {
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	for _, s := range targets {
		_ = s.Send(event, data)
	}
}
