// Package router implements the Delta Router (component G): it keeps the
// registry of live ClientSessions and, for every normalized ChangeEvent
// coming from the Pub/Sub Consumer or Hydrator, fans it out to every
// session so each can classify and collapse it against its own viewport
// and pending-op state (session.Session.ApplyChangeEvent carries the
// actual classification logic, grounded on §4.G). This mirrors the
// teacher's GameServer register/unregister/broadcast loop, generalized
// from one shared channel to a per-session collapsing call.
package router

import (
	"sync"

	"github.com/annel0/mmo-game/internal/marker"
	"github.com/annel0/mmo-game/internal/session"
)

// Router holds the set of connected sessions and fans out change events.
type Router struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

func New() *Router {
	return &Router{sessions: make(map[string]*session.Session)}
}

// Register adds a session to the fan-out set (called on connect).
func (r *Router) Register(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Unregister removes a session from the fan-out set (called on disconnect).
func (r *Router) Unregister(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.ID)
}

// Route folds a ChangeEvent into every connected session's pending-op map.
func (r *Router) Route(ev marker.ChangeEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		s.ApplyChangeEvent(ev)
	}
}

// Sessions returns a snapshot slice of the currently registered sessions,
// used by the Batch Coalescer to iterate and flush each one in turn.
func (r *Router) Sessions() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
