package session

import (
	"fmt"
	"sync"
	"time"
)

var ErrDuplicateClientID = fmt.Errorf("client already has a live session")

// Registry maps client ids to their live session. A single mutex guards the
// map and is never held across I/O.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ClientID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateClientID, s.ClientID)
	}
	r.sessions[s.ClientID] = s
	s.Registered = true

	return nil
}

func (r *Registry) Lookup(clientID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[clientID]
	return s, ok
}

// Remove deletes the session for clientID and reports whether it was there.
// Only the caller that gets true may run the session's cleanup.
func (r *Registry) Remove(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[clientID]
	if !ok {
		return false
	}
	delete(r.sessions, clientID)
	s.Registered = false

	return true
}

// RemoveSession deletes s only if it is still the live session for its
// client id, so a stale session can never remove a newer one.
func (r *Registry) RemoveSession(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.ClientID] != s {
		return false
	}
	delete(r.sessions, s.ClientID)
	s.Registered = false
	s.uploading = false

	return true
}

// HoldForUpload marks s as waiting on its archive upload. Sweep leaves held
// sessions and their sample files alone until RemoveSession.
func (r *Registry) HoldForUpload(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.ClientID] != s {
		return false
	}
	s.uploading = true

	return true
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

// Sessions returns a snapshot of the live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// SessionsOf returns the live sessions whose analyst is a T.
func SessionsOf[T any](r *Registry) []*Session {
	var out []*Session
	for _, s := range r.Sessions() {
		if _, ok := s.Analyst.(T); ok {
			out = append(out, s)
		}
	}
	return out
}

// Sweep removes sessions created more than maxAge ago and returns them,
// skipping sessions held for upload. A session is only returned by the call
// that removed it.
func (r *Registry) Sweep(maxAge time.Duration) []*Session {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []*Session
	for id, s := range r.sessions {
		if s.CreatedAt.Before(cutoff) && !s.uploading {
			delete(r.sessions, id)
			s.Registered = false
			expired = append(expired, s)
		}
	}
	return expired
}
