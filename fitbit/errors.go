package fitbit

import (
	"fmt"

	"github.com/florianilch/fitbit-client/internal/authhttp"
	"github.com/florianilch/fitbit-client/internal/tokencache"
	"github.com/florianilch/fitbit-client/internal/tokensource"
	"github.com/florianilch/fitbit-client/internal/tokenstore"
)

// Errors returned by the client. Match them with errors.Is and errors.As.
var (
	// ErrUnauthenticated: no stored credential and interactive authorization disabled.
	ErrUnauthenticated = tokencache.ErrUnauthenticated

	// ErrAuthenticationFailed: the API kept answering 401 after one refresh and retry,
	// or the token could not be refreshed.
	ErrAuthenticationFailed = authhttp.ErrAuthenticationFailed

	// ErrCSRFMismatch: the authorization redirect carried a foreign state value.
	ErrCSRFMismatch = tokensource.ErrCSRFMismatch

	// ErrAuthorizationTimedOut: the browser redirect did not arrive in time.
	ErrAuthorizationTimedOut = tokensource.ErrAuthorizationTimedOut

	// ErrNotFound: the token store holds no credential.
	ErrNotFound = tokenstore.ErrNotFound
)

type (
	// APIError is a non-success API response other than an unrecoverable 401.
	APIError = authhttp.APIError

	// ProviderError is an error reported by the OAuth2 authorize or token endpoint.
	ProviderError = tokensource.ProviderError

	// StoreDecodeError is a corrupt stored credential document.
	StoreDecodeError = tokenstore.DecodeError

	// Credential is the OAuth2 token record.
	Credential = tokenstore.Credential

	// TokenStore persists the credential between runs.
	TokenStore = tokenstore.TokenStore

	// URLOpener presents the authorize URL to the user.
	URLOpener = tokensource.URLOpener
)

// DecodeError reports an API response body that is not the expected JSON.
type DecodeError struct {
	Route string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding response from %s: %v", e.Route, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
