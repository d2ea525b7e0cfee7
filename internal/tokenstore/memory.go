package tokenstore

import (
	"context"
	"sync"
)

// MemoryStore keeps the credential for the lifetime of the process only.
// Used when no durable cache location is configured.
type MemoryStore struct {
	mu   sync.Mutex
	cred *Credential
}

// Compile-time check to ensure MemoryStore implements TokenStore
var _ TokenStore = (*MemoryStore)(nil)

// Load returns a copy of the held credential or ErrNotFound.
func (m *MemoryStore) Load(ctx context.Context) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return nil, ErrNotFound
	}
	return m.cred.Clone(), nil
}

// Save replaces the held credential.
func (m *MemoryStore) Save(ctx context.Context, cred *Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cred.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = cred.Clone()
	return nil
}

// Clear drops the held credential.
func (m *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = nil
	return nil
}
