// Package sessionstore keeps committed identities between requests.
package sessionstore

import (
	"context"
	"sync"
	"time"

	"github.com/sufield/cosign/internal/core/domain"
	"github.com/sufield/cosign/internal/core/ports"
)

// Memory is a process-local IdentityStore. Stored identities are cloned on
// the way in and out so callers never share a record.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*domain.Identity
}

var _ ports.IdentityStore = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*domain.Identity)}
}

// Load implements ports.IdentityStore.
func (m *Memory) Load(_ context.Context, key string) (*domain.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[key].Clone(), nil
}

// Save implements ports.IdentityStore.
func (m *Memory) Save(_ context.Context, key string, identity *domain.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = identity.Clone()
	return nil
}

// Delete implements ports.IdentityStore.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Len returns the number of stored sessions.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Sweep drops identities last validated at or before now-maxAge and returns
// how many were removed.
func (m *Memory) Sweep(now time.Time, maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, id := range m.entries {
		if !(now.Sub(id.LastValidated) < maxAge) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}
