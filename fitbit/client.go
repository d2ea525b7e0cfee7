package fitbit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/fitbit-client/internal/authhttp"
	"github.com/florianilch/fitbit-client/internal/tokencache"
	"github.com/florianilch/fitbit-client/internal/tokensource"
	"github.com/florianilch/fitbit-client/internal/tokenstore"
)

// Default client settings
const (
	DefaultBaseURL   = "https://api.fitbit.com"
	DefaultUserAgent = "fitbit-go"
)

// Config holds the OAuth2 application settings. It is copied by New and not
// consulted again afterwards.
type Config struct {
	ClientID     string
	ClientSecret string

	// RedirectHost and RedirectPort must match the redirect URI registered with Fitbit.
	// Defaults to 127.0.0.1:8080.
	RedirectHost string
	RedirectPort uint16

	// Scopes requested during authorization. Defaults to every Fitbit scope.
	Scopes []string

	// CallbackTimeout bounds the wait for the browser redirect. Defaults to 3 minutes.
	CallbackTimeout time.Duration

	// Headless disables interactive authorization. Calls without a stored credential
	// fail with ErrUnauthenticated.
	Headless bool
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	store      tokenstore.TokenStore
	cachePath  string
	httpClient *http.Client
	baseURL    string
	userAgent  string
	endpoint   oauth2.Endpoint
	opener     tokensource.URLOpener
	hasOpener  bool
	output     io.Writer
	logger     *slog.Logger
}

// WithCache persists the credential as a JSON document at path.
func WithCache(path string) Option {
	return func(o *clientOptions) {
		o.cachePath = path
	}
}

// WithTokenStore persists the credential in the given store (file, keyring, env).
// Takes precedence over WithCache.
func WithTokenStore(store tokenstore.TokenStore) Option {
	return func(o *clientOptions) {
		o.store = store
	}
}

// WithHTTPClient sets the client whose transport carries API and token requests.
func WithHTTPClient(client *http.Client) Option {
	return func(o *clientOptions) {
		o.httpClient = client
	}
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(baseURL string) Option {
	return func(o *clientOptions) {
		o.baseURL = baseURL
	}
}

// WithUserAgent overrides the User-Agent header sent with API requests.
func WithUserAgent(userAgent string) Option {
	return func(o *clientOptions) {
		o.userAgent = userAgent
	}
}

// WithEndpoint overrides the OAuth2 authorize and token endpoints.
func WithEndpoint(endpoint oauth2.Endpoint) Option {
	return func(o *clientOptions) {
		o.endpoint = endpoint
	}
}

// WithOpener sets how the authorize URL is presented. A nil opener only prints it.
func WithOpener(opener URLOpener) Option {
	return func(o *clientOptions) {
		o.opener = opener
		o.hasOpener = true
	}
}

// WithOutput sets where authorization instructions are written (default os.Stderr).
func WithOutput(w io.Writer) Option {
	return func(o *clientOptions) {
		o.output = w
	}
}

// WithLogger sets the logger used by the authorization flow.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// Client is a Fitbit Web API client. All API calls share one token cache and are
// safe for concurrent use.
type Client struct {
	cfg        Config
	baseURL    *url.URL
	userAgent  string
	cache      *tokencache.Cache
	httpClient *http.Client
}

// New creates a Client. No I/O is performed until the first token is needed.
func New(cfg Config, opts ...Option) (*Client, error) {
	o := clientOptions{
		baseURL:   DefaultBaseURL,
		userAgent: DefaultUserAgent,
		endpoint:  tokensource.Endpoint,
	}
	for _, opt := range opts {
		opt(&o)
	}

	baseURL, err := url.Parse(o.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	store := o.store
	if store == nil && o.cachePath != "" {
		store, err = tokenstore.NewFileStore(o.cachePath)
		if err != nil {
			return nil, fmt.Errorf("failed to create token store: %w", err)
		}
	}
	if store == nil {
		store = &tokenstore.MemoryStore{}
	}

	base := http.DefaultTransport
	if o.httpClient != nil && o.httpClient.Transport != nil {
		base = o.httpClient.Transport
	}

	authOpts := []tokensource.AuthorizerOption{
		tokensource.WithTransport(base),
	}
	if len(cfg.Scopes) > 0 {
		authOpts = append(authOpts, tokensource.WithScopes(cfg.Scopes...))
	}
	if cfg.RedirectHost != "" || cfg.RedirectPort != 0 {
		host, port := cfg.RedirectHost, cfg.RedirectPort
		if host == "" {
			host = tokensource.DefaultRedirectHost
		}
		if port == 0 {
			port = tokensource.DefaultRedirectPort
		}
		authOpts = append(authOpts, tokensource.WithRedirectAddress(host, port))
	}
	if cfg.CallbackTimeout != 0 {
		authOpts = append(authOpts, tokensource.WithCallbackTimeout(cfg.CallbackTimeout))
	}
	if o.hasOpener {
		authOpts = append(authOpts, tokensource.WithOpener(o.opener))
	}
	if o.output != nil {
		authOpts = append(authOpts, tokensource.WithOutput(o.output))
	}
	if o.logger != nil {
		authOpts = append(authOpts, tokensource.WithLogger(o.logger))
	}

	authorizer, err := tokensource.NewAuthorizer(cfg.ClientID, cfg.ClientSecret, o.endpoint, authOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorizer: %w", err)
	}

	cache, err := tokencache.New(store, tokencache.WithAcquirer(authorizer, !cfg.Headless))
	if err != nil {
		return nil, fmt.Errorf("failed to create token cache: %w", err)
	}

	httpClient := &http.Client{
		Transport: &authhttp.Transport{Source: cache, Base: base},
		Timeout:   30 * time.Second,
	}
	if o.httpClient != nil {
		httpClient.Timeout = o.httpClient.Timeout
		httpClient.Jar = o.httpClient.Jar
	}

	cfg.Scopes = slices.Clone(cfg.Scopes)
	return &Client{
		cfg:        cfg,
		baseURL:    baseURL,
		userAgent:  o.userAgent,
		cache:      cache,
		httpClient: httpClient,
	}, nil
}

// AuthInteractive makes sure a credential is available, loading it from the cache or
// running the browser-based authorization when there is none.
func (c *Client) AuthInteractive(ctx context.Context) error {
	_, err := c.cache.EnsureLoaded(ctx)
	return err
}

// Token returns a valid bearer token for endpoint implementations.
func (c *Client) Token(ctx context.Context) (string, error) {
	cred, err := c.cache.EnsureLoaded(ctx)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

// Credential returns a copy of the current in-memory credential, or nil if none is loaded.
func (c *Client) Credential() *Credential {
	return c.cache.Get()
}

// Logout discards the credential from memory and from the configured store.
func (c *Client) Logout(ctx context.Context) error {
	return c.cache.Clear(ctx)
}

// AbsoluteURL resolves route against the API base URL.
func (c *Client) AbsoluteURL(route string) (*url.URL, error) {
	ref, err := url.Parse(route)
	if err != nil {
		return nil, fmt.Errorf("invalid route %q: %w", route, err)
	}
	return c.baseURL.ResolveReference(ref), nil
}

// Execute sends req with authentication and returns the raw response body.
// A 401 triggers one token refresh and retry; other non-2xx statuses are returned as
// *APIError without retry.
func (c *Client) Execute(ctx context.Context, req *http.Request) ([]byte, error) {
	// The browser flow is bounded by the callback timeout, not the HTTP client timeout
	if _, err := c.cache.EnsureLoaded(ctx); err != nil {
		return nil, err
	}

	req = req.Clone(ctx)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	return authhttp.ReadResponse(resp)
}

// Get sends a GET request to route with optional query parameters and decodes the
// JSON response into out (skipped when out is nil).
func (c *Client) Get(ctx context.Context, route string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, route, query, nil, out)
}

// Delete sends a DELETE request to route with optional query parameters.
func (c *Client) Delete(ctx context.Context, route string, query url.Values, out any) error {
	return c.do(ctx, http.MethodDelete, route, query, nil, out)
}

// Post sends a POST request to route. url.Values bodies are form-encoded, anything
// else is sent as JSON.
func (c *Client) Post(ctx context.Context, route string, body, out any) error {
	return c.do(ctx, http.MethodPost, route, nil, body, out)
}

// Put sends a PUT request to route, encoding body like Post.
func (c *Client) Put(ctx context.Context, route string, body, out any) error {
	return c.do(ctx, http.MethodPut, route, nil, body, out)
}

// Patch sends a PATCH request to route, encoding body like Post.
func (c *Client) Patch(ctx context.Context, route string, body, out any) error {
	return c.do(ctx, http.MethodPatch, route, nil, body, out)
}

func (c *Client) do(ctx context.Context, method, route string, query url.Values, body, out any) error {
	target, err := c.AbsoluteURL(route)
	if err != nil {
		return err
	}
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	var (
		reader      io.Reader
		contentType string
	)
	switch v := body.(type) {
	case nil:
	case url.Values:
		reader = strings.NewReader(v.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	data, err := c.Execute(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &DecodeError{Route: route, Err: err}
	}
	return nil
}
