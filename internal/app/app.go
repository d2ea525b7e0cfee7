package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/florianilch/fitbit-client/fitbit"
	"github.com/florianilch/fitbit-client/internal/tokenstore"
)

// maxConcurrentFetches bounds parallel API requests issued by Fetch.
const maxConcurrentFetches = 4

// Option configures an App.
type Option func(*options)

type options struct {
	terminal   bool
	output     io.Writer
	clientOpts []fitbit.Option
}

// WithTerminal tells the App whether stdin is an interactive terminal.
func WithTerminal(terminal bool) Option {
	return func(o *options) {
		o.terminal = terminal
	}
}

// WithOutput sets where authorization instructions are written.
func WithOutput(w io.Writer) Option {
	return func(o *options) {
		o.output = w
	}
}

// WithClientOptions passes additional options to the Fitbit client.
func WithClientOptions(opts ...fitbit.Option) Option {
	return func(o *options) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// App wires configuration, credential storage and the Fitbit client together.
type App struct {
	cfg    *Config
	store  tokenstore.TokenStore
	client *fitbit.Client
}

// Status describes the stored credential without revealing its secrets.
type Status struct {
	Authenticated bool
	Storage       TokenStorageType
	UserID        string
	Scopes        []string
	Expiry        string
	Refreshable   bool
}

// New creates a new App instance. No I/O is performed until a command needs a token.
func New(cfg *Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	store, err := cfg.Auth.NewTokenStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}

	clientOpts := []fitbit.Option{
		fitbit.WithTokenStore(store),
		fitbit.WithBaseURL(cfg.API.BaseURL),
		fitbit.WithUserAgent(cfg.API.UserAgent),
		fitbit.WithHTTPClient(&http.Client{Timeout: cfg.API.Timeout}),
		fitbit.WithLogger(slog.Default()),
	}
	if o.output != nil {
		clientOpts = append(clientOpts, fitbit.WithOutput(o.output))
	}
	clientOpts = append(clientOpts, o.clientOpts...)

	client, err := fitbit.New(fitbit.Config{
		ClientID:        cfg.Auth.ClientID,
		ClientSecret:    cfg.Auth.ClientSecret,
		RedirectHost:    cfg.Auth.RedirectHost,
		RedirectPort:    cfg.Auth.RedirectPort,
		Scopes:          cfg.Auth.Scopes,
		CallbackTimeout: cfg.Auth.CallbackTimeout,
		Headless:        cfg.Auth.Headless(o.terminal),
	}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create fitbit client: %w", err)
	}

	return &App{
		cfg:    cfg,
		store:  store,
		client: client,
	}, nil
}

// Login makes sure a credential is stored, running the browser flow if needed.
// With force set, any stored credential is discarded first.
func (a *App) Login(ctx context.Context, force bool) (*fitbit.Credential, error) {
	if force {
		if err := a.client.Logout(ctx); err != nil && !errors.Is(err, tokenstore.ErrReadOnly) {
			return nil, fmt.Errorf("discarding stored credential: %w", err)
		}
	}

	if err := a.client.AuthInteractive(ctx); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "authenticated", "storage", a.cfg.Auth.Storage)
	return a.client.Credential(), nil
}

// Status inspects the stored credential. It never starts the browser flow or refreshes.
func (a *App) Status(ctx context.Context) (*Status, error) {
	status := &Status{Storage: a.cfg.Auth.Storage}

	cred, err := a.store.Load(ctx)
	if errors.Is(err, tokenstore.ErrNotFound) {
		return status, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading stored credential: %w", err)
	}

	status.Authenticated = true
	status.UserID = cred.UserID
	status.Scopes = cred.Scopes
	status.Refreshable = cred.CanRefresh()
	if !cred.Expiry.IsZero() {
		status.Expiry = cred.Expiry.Local().Format("2006-01-02 15:04:05 MST")
	}
	return status, nil
}

// Logout removes the stored credential.
func (a *App) Logout(ctx context.Context) error {
	if err := a.client.Logout(ctx); err != nil {
		return fmt.Errorf("removing stored credential: %w", err)
	}
	slog.InfoContext(ctx, "logged out", "storage", a.cfg.Auth.Storage)
	return nil
}

// Fetch GETs each route concurrently and returns the raw bodies in route order.
// All requests share one credential; a 401 on several of them triggers a single refresh.
func (a *App) Fetch(ctx context.Context, query url.Values, routes ...string) ([][]byte, error) {
	// Authenticate once before fanning out
	if err := a.client.AuthInteractive(ctx); err != nil {
		return nil, err
	}

	results := make([][]byte, len(routes))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)

	for i, route := range routes {
		g.Go(func() error {
			target, err := a.client.AbsoluteURL(route)
			if err != nil {
				return err
			}
			if len(query) > 0 {
				target.RawQuery = query.Encode()
			}

			req, err := http.NewRequestWithContext(gCtx, http.MethodGet, target.String(), nil)
			if err != nil {
				return fmt.Errorf("creating request for %s: %w", route, err)
			}

			body, err := a.client.Execute(gCtx, req)
			if err != nil {
				return fmt.Errorf("%s: %w", route, err)
			}
			results[i] = body
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
