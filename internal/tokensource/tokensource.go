package tokensource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/fitbit-client/internal/tokenstore"
)

// DefaultCallbackTimeout bounds the wait for the user to complete the browser redirect.
const DefaultCallbackTimeout = 3 * time.Minute

// AuthorizerOption configures an Authorizer.
type AuthorizerOption func(*authorizerConfig)

// authorizerConfig holds configuration for NewAuthorizer.
type authorizerConfig struct {
	baseTransport   http.RoundTripper
	httpClient      *http.Client
	scopes          []string
	redirectHost    string
	redirectPort    uint16
	callbackTimeout time.Duration
	opener          URLOpener
	output          io.Writer
	logger          *slog.Logger
}

// WithTransport sets a custom base transport for token endpoint requests.
// If not provided, http.DefaultTransport is used. Ignored when WithHTTPClient is set.
func WithTransport(transport http.RoundTripper) AuthorizerOption {
	return func(c *authorizerConfig) {
		c.baseTransport = transport
	}
}

// WithHTTPClient sets the HTTP client used for token endpoint requests.
func WithHTTPClient(client *http.Client) AuthorizerOption {
	return func(c *authorizerConfig) {
		c.httpClient = client
	}
}

// WithScopes sets the requested scopes. Duplicates are dropped, order is kept.
func WithScopes(scopes ...string) AuthorizerOption {
	return func(c *authorizerConfig) {
		c.scopes = dedupe(scopes)
	}
}

// WithRedirectAddress sets the loopback host and port of the redirect listener.
// Port 0 binds an ephemeral port, which is only useful against test providers.
func WithRedirectAddress(host string, port uint16) AuthorizerOption {
	return func(c *authorizerConfig) {
		c.redirectHost = host
		c.redirectPort = port
	}
}

// WithCallbackTimeout bounds the wait for the authorization redirect.
func WithCallbackTimeout(timeout time.Duration) AuthorizerOption {
	return func(c *authorizerConfig) {
		c.callbackTimeout = timeout
	}
}

// WithOpener sets how the authorize URL is presented. A nil opener only prints the URL.
func WithOpener(opener URLOpener) AuthorizerOption {
	return func(c *authorizerConfig) {
		c.opener = opener
	}
}

// WithOutput sets where user-facing instructions are written (default os.Stderr).
func WithOutput(w io.Writer) AuthorizerOption {
	return func(c *authorizerConfig) {
		c.output = w
	}
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(logger *slog.Logger) AuthorizerOption {
	return func(c *authorizerConfig) {
		c.logger = logger
	}
}

// Authorizer acquires and refreshes Fitbit credentials via the Authorization Code Grant.
// It holds no token state and is safe for concurrent use.
type Authorizer struct {
	clientID     string
	clientSecret string
	endpoint     oauth2.Endpoint
	cfg          authorizerConfig
}

// NewAuthorizer creates an Authorizer for the given client credentials and endpoint.
func NewAuthorizer(clientID, clientSecret string, endpoint oauth2.Endpoint, opts ...AuthorizerOption) (*Authorizer, error) {
	if clientID == "" {
		return nil, errors.New("missing client id")
	}
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		return nil, errors.New("endpoint requires auth and token URLs")
	}

	cfg := authorizerConfig{
		baseTransport:   http.DefaultTransport,
		scopes:          DefaultScopes,
		redirectHost:    DefaultRedirectHost,
		redirectPort:    DefaultRedirectPort,
		callbackTimeout: DefaultCallbackTimeout,
		opener:          BrowserOpener{},
		output:          os.Stderr,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{
			Timeout:   30 * time.Second, // Token requests are a single round trip
			Transport: cfg.baseTransport,
		}
	}
	if cfg.callbackTimeout <= 0 {
		return nil, errors.New("callback timeout must be positive")
	}

	return &Authorizer{
		clientID:     clientID,
		clientSecret: clientSecret,
		endpoint:     endpoint,
		cfg:          cfg,
	}, nil
}

// oauth2Config returns the x/oauth2 configuration for the given redirect URI.
func (a *Authorizer) oauth2Config(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     a.clientID,
		ClientSecret: a.clientSecret,
		Endpoint:     a.endpoint,
		RedirectURL:  redirectURL,
		Scopes:       slices.Clone(a.cfg.scopes),
	}
}

// oauthContext injects the token endpoint HTTP client the way x/oauth2 expects it.
func (a *Authorizer) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.cfg.httpClient)
}

// Refresh exchanges the credential's refresh token for a new credential.
//
// The provider may rotate the refresh token; when the response omits one, the previous
// refresh token is carried forward. Granted scopes are carried forward likewise.
// Returns ErrNoRefreshToken without network I/O if there is nothing to refresh with.
func (a *Authorizer) Refresh(ctx context.Context, cred *tokenstore.Credential) (*tokenstore.Credential, error) {
	if !cred.CanRefresh() {
		return nil, ErrNoRefreshToken
	}

	// An empty access token makes the token source hit the endpoint
	initialToken := &oauth2.Token{
		RefreshToken: cred.RefreshToken,
	}

	ts := a.oauth2Config("").TokenSource(a.oauthContext(ctx), initialToken)
	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", providerError(err))
	}

	fresh, err := tokenstore.FromOAuth2Token(tok)
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = cred.RefreshToken
	}
	if len(fresh.Scopes) == 0 {
		fresh.Scopes = slices.Clone(cred.Scopes)
	}
	if fresh.UserID == "" {
		fresh.UserID = cred.UserID
	}

	a.cfg.logger.DebugContext(ctx, "refreshed access token",
		"rotated_refresh_token", fresh.RefreshToken != cred.RefreshToken,
		"expiry", fresh.Expiry,
	)

	return fresh, nil
}

// providerError converts x/oauth2 endpoint errors into *ProviderError.
func providerError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return err
	}

	perr := &ProviderError{
		Code:        retrieveErr.ErrorCode,
		Description: retrieveErr.ErrorDescription,
		Body:        retrieveErr.Body,
	}
	if retrieveErr.Response != nil {
		perr.StatusCode = retrieveErr.Response.StatusCode
	}
	return perr
}

// dedupe drops repeated and empty entries while keeping first-seen order.
func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
