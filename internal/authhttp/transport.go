// Package authhttp executes API requests with the current bearer credential.
//
// Transport attaches "Authorization: Bearer <token>" to every request. When the API
// answers 401 it asks the token cache for a refreshed credential and replays the request
// exactly once; a second 401 or a failed refresh surfaces ErrAuthenticationFailed.
// Other statuses are passed through untouched, ReadResponse turns them into *APIError.
package authhttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/florianilch/fitbit-client/internal/tokenstore"
)

// ErrAuthenticationFailed is returned when a request is still unauthorized after one
// refresh and retry, or when no refreshed credential could be obtained.
var ErrAuthenticationFailed = errors.New("authentication failed")

// DefaultExpiryMargin triggers a refresh shortly before the access token expires.
const DefaultExpiryMargin = time.Minute

// maxErrorBody caps how much of an unauthorized response is kept for error messages.
const maxErrorBody = 4 << 10

// CredentialSource provides the current credential and refreshes it on demand.
// *tokencache.Cache satisfies it.
type CredentialSource interface {
	EnsureLoaded(ctx context.Context) (*tokenstore.Credential, error)
	Refresh(ctx context.Context, stale *tokenstore.Credential) (*tokenstore.Credential, error)
}

// Transport is an http.RoundTripper authenticating requests with the cached credential.
type Transport struct {
	Source CredentialSource

	// Base is the underlying transport. Defaults to http.DefaultTransport.
	Base http.RoundTripper

	// ExpiryMargin refreshes credentials expiring within the margin before sending.
	// Zero uses DefaultExpiryMargin, a negative value disables proactive refresh.
	ExpiryMargin time.Duration
}

// Compile-time check that Transport implements http.RoundTripper.
var _ http.RoundTripper = (*Transport)(nil)

// RoundTrip sends req with the current bearer token, refreshing and retrying once on 401.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	getBody, err := replayableBody(req)
	if err != nil {
		return nil, err
	}

	cred, err := t.Source.EnsureLoaded(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining credential: %w", err)
	}

	if t.expiresSoon(cred) {
		slog.DebugContext(ctx, "access token about to expire, refreshing", "expiry", cred.Expiry)
		fresh, err := t.Source.Refresh(ctx, cred)
		if err != nil {
			return nil, fmt.Errorf("%w: refreshing expired token: %w", ErrAuthenticationFailed, err)
		}
		if fresh != nil {
			cred = fresh
		}
	}

	resp, err := t.send(req, getBody, cred)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	discard(resp)

	slog.DebugContext(ctx, "request unauthorized, refreshing token", "method", req.Method, "path", req.URL.Path)

	fresh, err := t.Source.Refresh(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("%w: refreshing token: %w", ErrAuthenticationFailed, err)
	}
	if fresh == nil {
		return nil, fmt.Errorf("%w: token rejected and no refresh token available", ErrAuthenticationFailed)
	}

	resp, err = t.send(req, getBody, fresh)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		body := readLimited(resp)
		return nil, fmt.Errorf("%w: token rejected after refresh: %s", ErrAuthenticationFailed, body)
	}
	return resp, nil
}

func (t *Transport) expiresSoon(cred *tokenstore.Credential) bool {
	margin := t.ExpiryMargin
	if margin < 0 {
		return false
	}
	if margin == 0 {
		margin = DefaultExpiryMargin
	}
	return cred.CanRefresh() && cred.Expired(margin)
}

// send clones req with a fresh body and the bearer header and passes it to the base transport.
func (t *Transport) send(req *http.Request, getBody func() (io.ReadCloser, error), cred *tokenstore.Credential) (*http.Response, error) {
	out := req.Clone(req.Context())
	if getBody != nil {
		body, err := getBody()
		if err != nil {
			return nil, fmt.Errorf("rewinding request body: %w", err)
		}
		out.Body = body
	}
	out.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	return t.base().RoundTrip(out)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// replayableBody returns a function producing fresh copies of the request body, or nil for
// requests without body. Bodies without GetBody are buffered once and closed.
func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		// RoundTrip owns closing the original body
		_ = req.Body.Close()
		return req.GetBody, nil
	}

	defer func() { _ = req.Body.Close() }()
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, nil
}

// discard drains and closes a response body so the connection can be reused.
func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}

func readLimited(resp *http.Response) []byte {
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return body
}
