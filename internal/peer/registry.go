package peer

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Registry holds the sessions that reached the connected state, keyed by
// exchange id. A Negotiator adds sessions on connect and removes them once
// their connection fails or closes.
type Registry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uuid.UUID]*Session)}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ExchangeID()] = s
}

// Remove drops the session for exchangeID if it is still s. A nil s
// removes unconditionally.
func (r *Registry) Remove(exchangeID uuid.UUID, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[exchangeID]; ok && (s == nil || current == s) {
		delete(r.sessions, exchangeID)
	}
}

func (r *Registry) Get(exchangeID uuid.UUID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[exchangeID]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns the current sessions ordered by exchange id.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ExchangeID(), out[j].ExchangeID()
		return a.String() < b.String()
	})
	return out
}

// PeerClientIDs lists the distinct remote client ids of all sessions.
// They are sent as establishedClients so the server does not pair this
// client with a peer it is already connected to.
func (r *Registry) PeerClientIDs() []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	var ids []uuid.UUID
	for _, s := range r.Snapshot() {
		id := s.PeerClientID()
		if id == uuid.Nil {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// CloseAll closes and forgets every session.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[uuid.UUID]*Session)
	r.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
