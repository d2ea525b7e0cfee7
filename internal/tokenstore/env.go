package tokenstore

import (
	"context"
	"fmt"
	"os"
)

// EnvStore provides read-only access to an access token stored in an environment variable.
// The token is exposed as a bearer credential without refresh token, so it suits
// headless use where no interactive authorization is possible.
type EnvStore struct {
	envKey string
}

// Compile-time check to ensure EnvStore implements TokenStore
var _ TokenStore = (*EnvStore)(nil)

// NewEnvStore creates an EnvStore for the given environment variable.
// Returns error if the variable name is empty or not set in the environment.
func NewEnvStore(envKey string) (*EnvStore, error) {
	if envKey == "" {
		return nil, fmt.Errorf("environment key cannot be empty")
	}

	if _, exists := os.LookupEnv(envKey); !exists {
		return nil, fmt.Errorf("environment variable %s not set", envKey)
	}

	return &EnvStore{
		envKey: envKey,
	}, nil
}

// Load returns a credential wrapping the token from the environment variable.
// An empty variable is reported as ErrNotFound.
func (e *EnvStore) Load(ctx context.Context) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	token := os.Getenv(e.envKey)
	if token == "" {
		return nil, ErrNotFound
	}
	return &Credential{
		AccessToken: token,
		TokenType:   "bearer",
	}, nil
}

// Save is not supported for environment variables (they are read-only).
func (e *EnvStore) Save(ctx context.Context, _ *Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return fmt.Errorf("environment variable %s: %w", e.envKey, ErrReadOnly)
}

// Clear is not supported for environment variables (they are read-only).
func (e *EnvStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return fmt.Errorf("environment variable %s: %w", e.envKey, ErrReadOnly)
}
