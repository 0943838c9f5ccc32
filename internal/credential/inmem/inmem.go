// Package inmem provides an in-memory credential.Store suitable for tests.
package inmem

import (
	"context"
	"sync"

	"github.com/sandboxgw/core/internal/credential"
)

// Store is a sync.RWMutex-guarded map of cached credentials.
type Store struct {
	mu          sync.RWMutex
	credentials map[string]credential.Credential
}

// New returns an empty Store.
func New() *Store {
	return &Store{credentials: make(map[string]credential.Credential)}
}

// Load returns the cached credential for toolSourceID.
func (s *Store) Load(_ context.Context, toolSourceID string) (credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[toolSourceID]
	if !ok {
		return credential.Credential{}, credential.ErrNotFound
	}
	return c, nil
}

// Save caches c.
func (s *Store) Save(_ context.Context, c credential.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[c.ToolSourceID] = c
	return nil
}

// Reset clears the cache. Test helper.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials = make(map[string]credential.Credential)
}
