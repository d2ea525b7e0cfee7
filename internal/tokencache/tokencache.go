// Package tokencache holds the in-process credential and coordinates its acquisition
// and refresh.
//
// A Cache is the single authority for "the current token". Refresh and interactive
// acquisition are single-flight: concurrent callers observing the same stale token wait
// for one in-flight operation instead of issuing redundant requests to the provider,
// which may invalidate a refresh token on first use.
package tokencache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/florianilch/fitbit-client/internal/tokenstore"
)

// ErrUnauthenticated is returned when no credential is stored and none can be acquired
// because interactive authorization is unavailable.
var ErrUnauthenticated = errors.New("not authenticated: no stored credential and interactive authorization unavailable")

// singleflight keys
const (
	keyAcquire = "acquire"
	keyRefresh = "refresh"
)

// Acquirer obtains credentials from the provider.
// *tokensource.Authorizer satisfies it.
type Acquirer interface {
	// Authorize runs the interactive flow and returns a fresh credential.
	Authorize(ctx context.Context) (*tokenstore.Credential, error)

	// Refresh exchanges the credential's refresh token for a new credential.
	Refresh(ctx context.Context, cred *tokenstore.Credential) (*tokenstore.Credential, error)
}

// Cache holds the current credential in memory, backed by a TokenStore.
type Cache struct {
	store    tokenstore.TokenStore
	acquirer Acquirer

	// interactive gates Acquirer.Authorize; refresh works regardless
	interactive bool

	mu      sync.RWMutex
	current *tokenstore.Credential
	// generation is bumped by Clear; flights started before it must not commit
	generation uint64

	// writeMu orders commits against Clear so a cleared credential is never written back
	writeMu sync.Mutex

	group singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithAcquirer sets the provider client used for refresh and, when interactive,
// for acquiring new credentials.
func WithAcquirer(acquirer Acquirer, interactive bool) Option {
	return func(c *Cache) {
		c.acquirer = acquirer
		c.interactive = interactive
	}
}

// New creates a Cache backed by store. No I/O is performed until the first call.
func New(store tokenstore.TokenStore, opts ...Option) (*Cache, error) {
	if store == nil {
		return nil, fmt.Errorf("missing token store")
	}

	c := &Cache{store: store}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns a copy of the in-memory credential, or nil if none is loaded.
func (c *Cache) Get() *tokenstore.Credential {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.Clone()
}

// EnsureLoaded returns the current credential, loading it from the store or running
// interactive authorization if needed. A newly acquired credential is persisted.
//
// Returns ErrUnauthenticated if nothing is stored and interactive authorization is
// unavailable.
func (c *Cache) EnsureLoaded(ctx context.Context) (*tokenstore.Credential, error) {
	// Hot path: read lock only
	if cred := c.Get(); cred != nil {
		return cred, nil
	}

	return c.do(ctx, keyAcquire, func(ctx context.Context) (*tokenstore.Credential, error) {
		// Double-check after winning the flight: a previous flight may have just finished
		if cred := c.Get(); cred != nil {
			return cred, nil
		}
		gen := c.currentGeneration()

		cred, err := c.store.Load(ctx)
		switch {
		case err == nil:
			slog.DebugContext(ctx, "loaded stored credential")
			if !c.commit(ctx, gen, cred, false) {
				return nil, ErrUnauthenticated
			}
			return cred, nil
		case !errors.Is(err, tokenstore.ErrNotFound):
			return nil, fmt.Errorf("loading stored credential: %w", err)
		}

		if c.acquirer == nil || !c.interactive {
			return nil, ErrUnauthenticated
		}

		cred, err = c.acquirer.Authorize(ctx)
		if err != nil {
			return nil, err
		}
		if !c.commit(ctx, gen, cred, true) {
			slog.InfoContext(ctx, "discarding credential acquired after logout")
			return nil, ErrUnauthenticated
		}
		return cred, nil
	})
}

// Refresh replaces the credential the caller observed as stale with a refreshed one.
//
// It returns (nil, nil) when the current credential has no refresh token, without any
// network I/O: the caller must fall back to interactive authorization or fail. When
// another caller already replaced stale, the current credential is returned as is.
// A rejected refresh clears memory and storage, so the dead refresh token is never
// retried, and returns (nil, err).
func (c *Cache) Refresh(ctx context.Context, stale *tokenstore.Credential) (*tokenstore.Credential, error) {
	return c.do(ctx, keyRefresh, func(ctx context.Context) (*tokenstore.Credential, error) {
		gen := c.currentGeneration()
		current := c.Get()
		if current == nil {
			return nil, nil
		}
		if stale != nil && current.AccessToken != stale.AccessToken {
			// Already refreshed by a flight this caller did not join
			return current, nil
		}
		if !current.CanRefresh() || c.acquirer == nil {
			return nil, nil
		}

		fresh, err := c.acquirer.Refresh(ctx, current)
		if err != nil {
			slog.WarnContext(ctx, "token refresh rejected, discarding credential", "error", err)
			if clearErr := c.Clear(ctx); clearErr != nil {
				return nil, errors.Join(err, clearErr)
			}
			return nil, err
		}

		if !c.commit(ctx, gen, fresh, true) {
			slog.InfoContext(ctx, "discarding credential refreshed after logout")
			return nil, nil
		}
		return fresh, nil
	})
}

// Clear drops the in-memory credential and removes it from storage. Acquisitions and
// refreshes still in flight complete without storing their result.
func (c *Cache) Clear(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.current = nil
	c.generation++
	c.mu.Unlock()

	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("clearing stored credential: %w", err)
	}
	return nil
}

func (c *Cache) currentGeneration() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// commit installs cred and optionally persists it, unless Clear ran since gen was read.
func (c *Cache) commit(ctx context.Context, gen uint64, cred *tokenstore.Credential, persist bool) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return false
	}
	c.current = cred.Clone()
	c.mu.Unlock()

	if persist {
		c.persist(ctx, cred)
	}
	return true
}

// persist writes the credential to storage. A failed write is logged rather than
// returned: the credential is valid and usable in memory, only the next process
// start will have to authorize again.
func (c *Cache) persist(ctx context.Context, cred *tokenstore.Credential) {
	if err := c.store.Save(ctx, cred); err != nil {
		slog.ErrorContext(ctx, "failed to persist credential", "error", err)
	}
}

// do runs fn once per key across concurrent callers. The shared work is detached from
// any single caller's cancellation; each caller still stops waiting when its own ctx ends.
func (c *Cache) do(ctx context.Context, key string, fn func(context.Context) (*tokenstore.Credential, error)) (*tokenstore.Credential, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		cred, _ := res.Val.(*tokenstore.Credential)
		// Callers may mutate their result; the shared value must stay intact
		return cred.Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
