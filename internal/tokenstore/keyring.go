package tokenstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeyringStore provides OS-native secure credential storage.
// Uses macOS Keychain, Windows Credential Manager, or Linux Secret Service.
// The credential is stored as the same JSON document FileStore writes.
type KeyringStore struct {
	service string
	user    string
}

// Compile-time check to ensure KeyringStore implements TokenStore
var _ TokenStore = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore for the OS-native credential storage
// (macOS Keychain, Windows Credential Manager, etc.) using the given service and user identifiers.
func NewKeyringStore(service, user string) (*KeyringStore, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}
	if user == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}

	return &KeyringStore{
		service: service,
		user:    user,
	}, nil
}

// Load returns the credential from the system keyring. Returns ErrNotFound if no entry exists.
func (k *KeyringStore) Load(ctx context.Context) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	secret, err := keyring.Get(k.service, k.user)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading keyring: %w", err)
	}

	return decodeCredential(fmt.Sprintf("keyring %s/%s", k.service, k.user), []byte(secret))
}

// Save persists the credential to the system keyring, overwriting any existing value.
func (k *KeyringStore) Save(ctx context.Context, cred *Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encodeCredential(cred)
	if err != nil {
		return err
	}

	if err := keyring.Set(k.service, k.user, string(data)); err != nil {
		return fmt.Errorf("writing keyring: %w", err)
	}
	return nil
}

// Clear deletes the keyring entry. A missing entry is not an error.
func (k *KeyringStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := keyring.Delete(k.service, k.user); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("deleting keyring entry: %w", err)
	}
	return nil
}
