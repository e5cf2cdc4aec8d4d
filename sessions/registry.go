package sessions

import (
	"errors"
	"sort"
	"sync"
)

// ErrSessionExists is returned by Registry.Add when the account already has a
// live session.
var ErrSessionExists = errors.New("session already registered for account")

// Registry is the process-wide table of live sessions keyed by account id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers s. It fails with ErrSessionExists when the account already
// has an entry.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.AccountID()]; ok {
		return ErrSessionExists
	}
	r.sessions[s.AccountID()] = s
	return nil
}

// Get returns the live session for accountID.
func (r *Registry) Get(accountID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[accountID]
	return s, ok
}

// Remove deletes s from the registry only if it is still the registered
// session for its account. It reports whether an entry was removed.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[s.AccountID()]
	if !ok || cur != s {
		return false
	}
	delete(r.sessions, s.AccountID())
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns the live sessions ordered by account id.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID() < out[j].AccountID() })
	return out
}

// Summaries returns the public view of every live session ordered by account id.
func (r *Registry) Summaries() []Summary {
	list := r.List()
	out := make([]Summary, len(list))
	for i, s := range list {
		out[i] = s.Summary()
	}
	return out
}
