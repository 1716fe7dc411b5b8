// SPDX-License-Identifier: MIT

package persona

import (
	"context"
	"sync"
)

// MemoryStore is the in-process Store used for single-node deployments and
// tests.
type MemoryStore struct {
	mu       sync.RWMutex
	personas map[string]*Persona
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{personas: make(map[string]*Persona)}
}

// Put adds or replaces a persona.
func (s *MemoryStore) Put(p *Persona) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.personas[p.ID] = p
}

// Delete removes a persona.
func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.personas, id)
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.personas[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

var _ Store = (*MemoryStore)(nil)
