// Package secretstore manages the invocation secrets an InvokeHostedChannel
// is checked against: a permanent list from configuration, plus a
// runtime-managed temporary list that is one-shot -- a temporary secret
// is consumed the first time a client successfully invokes with it.
package secretstore

import (
	"bytes"
	"sync"
)

// Store holds the permanent and temporary invocation secrets, per
// SPEC_FULL.md §3.1.
type Store struct {
	mu        sync.Mutex
	permanent [][]byte
	temporary [][]byte
}

// New builds a Store seeded with permanent (immutable at runtime, loaded
// from config.PermanentSecrets).
func New(permanent [][]byte) *Store {
	return &Store{permanent: permanent}
}

// Add registers a one-shot temporary secret, via add-hc-secret.
func (s *Store) Add(secret []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temporary = append(s.temporary, append([]byte(nil), secret...))
}

// Remove deletes a temporary secret without consuming it, via
// remove-hc-secret.
func (s *Store) Remove(secret []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.temporary {
		if bytes.Equal(t, secret) {
			s.temporary = append(s.temporary[:i], s.temporary[i+1:]...)
			return true
		}
	}
	return false
}

// Check reports whether secret matches a permanent secret (which stays
// usable indefinitely) or a temporary one (which is consumed on match).
// An empty secret list with RequireSecret disabled always passes; that
// policy decision belongs to the caller, not this store.
func (s *Store) Check(secret []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.permanent {
		if bytes.Equal(p, secret) {
			return true
		}
	}
	for i, t := range s.temporary {
		if bytes.Equal(t, secret) {
			s.temporary = append(s.temporary[:i], s.temporary[i+1:]...)
			return true
		}
	}
	return false
}
