package tokenstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Load when no credential has been stored yet.
	ErrNotFound = errors.New("no stored credential")

	// ErrReadOnly is returned by Save and Clear on backends that cannot be written.
	ErrReadOnly = errors.New("token storage is read-only")
)

// TokenStore reads and writes a single credential to persistent storage.
//
// Interactive OAuth authentication requires writable storage.
type TokenStore interface {
	// Load returns the stored credential. Returns ErrNotFound if nothing is stored.
	Load(ctx context.Context) (*Credential, error)

	// Save persists the credential, replacing any previous value.
	Save(ctx context.Context, cred *Credential) error

	// Clear removes the stored credential. Clearing an empty store is not an error.
	Clear(ctx context.Context) error
}
