package tokensource

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/florianilch/fitbit-client/internal/tokenstore"
)

// AuthCodeURL builds the authorize URL carrying client id, scopes, response type,
// redirect URI and the anti-forgery state.
func (a *Authorizer) AuthCodeURL(state, redirectURL string) string {
	return a.oauth2Config(redirectURL).AuthCodeURL(state)
}

// Exchange trades an authorization code for a credential at the token endpoint.
// redirectURL must equal the one used to build the authorize URL.
// Provider rejections are returned as *ProviderError and are not retried.
func (a *Authorizer) Exchange(ctx context.Context, code, redirectURL string) (*tokenstore.Credential, error) {
	tok, err := a.oauth2Config(redirectURL).Exchange(a.oauthContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", providerError(err))
	}

	cred, err := tokenstore.FromOAuth2Token(tok)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	if len(cred.Scopes) == 0 {
		cred.Scopes = a.oauth2Config(redirectURL).Scopes
	}
	return cred, nil
}

// Authorize runs one interactive Authorization Code Grant and returns a fresh credential.
//
// The flow binds the loopback listener, presents the authorize URL, waits for a single
// redirect carrying code and state, verifies the state and exchanges the code. The wait
// is bounded by the callback timeout (ErrAuthorizationTimedOut) and by ctx. The listener
// is released on every exit path. A state mismatch returns ErrCSRFMismatch without
// contacting the token endpoint; callers may start a new flow.
func (a *Authorizer) Authorize(ctx context.Context) (*tokenstore.Credential, error) {
	logger := a.cfg.logger.With("flow_id", uuid.NewString())

	state, err := generateState()
	if err != nil {
		return nil, err
	}

	server, err := startCallbackServer(ctx, a.cfg.redirectHost, a.cfg.redirectPort, logger)
	if err != nil {
		return nil, fmt.Errorf("starting callback listener: %w", err)
	}
	defer server.close()

	redirectURL := server.redirectURL()
	authURL := a.AuthCodeURL(state, redirectURL)

	logger.InfoContext(ctx, "waiting for authorization callback",
		"redirect_uri", redirectURL,
		"timeout", a.cfg.callbackTimeout,
	)
	a.present(ctx, authURL, logger)

	waitCtx, cancel := context.WithTimeout(ctx, a.cfg.callbackTimeout)
	defer cancel()

	result, err := server.wait(waitCtx)
	if err != nil {
		// Distinguish our own deadline from the caller's cancellation
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrAuthorizationTimedOut
		}
		return nil, fmt.Errorf("waiting for authorization callback: %w", err)
	}

	// Error redirects must carry our state too, or any local process could abort the flow
	if subtle.ConstantTimeCompare([]byte(result.state), []byte(state)) != 1 {
		logger.ErrorContext(ctx, "authorization callback state mismatch", "provider_error", result.errCode != "")
		return nil, ErrCSRFMismatch
	}

	if result.errCode != "" {
		logger.WarnContext(ctx, "authorization denied by provider", "error_code", result.errCode)
		return nil, &ProviderError{Code: result.errCode, Description: result.errDescription}
	}

	cred, err := a.Exchange(ctx, result.code, redirectURL)
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "authorization complete", "scopes", cred.Scopes)
	return cred, nil
}

// present shows the authorize URL to the user. Failing to open a browser is not fatal,
// the URL is always printed as fallback.
func (a *Authorizer) present(ctx context.Context, authURL string, logger *slog.Logger) {
	if a.cfg.opener != nil {
		if err := a.cfg.opener.Open(ctx, authURL); err != nil {
			logger.DebugContext(ctx, "could not open browser", "error", err)
		} else {
			_, _ = fmt.Fprintf(a.cfg.output, "Opening browser for authorization...\nIf the browser doesn't open, visit:\n\n%s\n\n", authURL)
			return
		}
	}
	_, _ = fmt.Fprintf(a.cfg.output, "Open this URL in your browser to authorize access:\n\n%s\n\n", authURL)
}

// generateState returns 32 random bytes encoded for use as the OAuth2 state parameter.
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
