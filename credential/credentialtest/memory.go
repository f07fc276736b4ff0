// Package credentialtest provides an in-memory credential.Store for tests.
package credentialtest

import (
	"context"
	"sync"

	"github.com/onnwee/soundbot/credential"
)

// MemoryStore is a credential.Store backed by a field. The exported error
// fields make the next matching call fail.
type MemoryStore struct {
	mu      sync.Mutex
	cred    credential.Credential
	has     bool
	saves   int
	clears  int
	LoadErr error
	SaveErr error
}

// NewMemoryStore returns a store preloaded with c unless c is zero.
func NewMemoryStore(c credential.Credential) *MemoryStore {
	return &MemoryStore{cred: c, has: !c.IsZero()}
}

func (m *MemoryStore) Load(ctx context.Context) (credential.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return credential.Credential{}, m.LoadErr
	}
	if !m.has {
		return credential.Credential{}, credential.ErrNotFound
	}
	return m.cred, nil
}

func (m *MemoryStore) Save(ctx context.Context, c credential.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.cred, m.has = c, true
	m.saves++
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred, m.has = credential.Credential{}, false
	m.clears++
	return nil
}

// Saved returns the stored credential and whether one is present.
func (m *MemoryStore) Saved() (credential.Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred, m.has
}

// Saves reports how many successful Save calls were made.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Clears reports how many Clear calls were made.
func (m *MemoryStore) Clears() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clears
}
