package tokensource

import (
	"errors"
	"fmt"
)

var (
	// ErrCSRFMismatch is returned when the state echoed by the redirect differs from the
	// one this flow generated. The authorization code is discarded without exchange.
	ErrCSRFMismatch = errors.New("oauth2 state mismatch: callback does not belong to this authorization request")

	// ErrAuthorizationTimedOut is returned when no redirect arrives within the callback timeout.
	ErrAuthorizationTimedOut = errors.New("timed out waiting for authorization callback")

	// ErrNoRefreshToken is returned by Refresh for credentials without a refresh token.
	ErrNoRefreshToken = errors.New("credential has no refresh token")
)

// ProviderError reports an error response from the authorize or token endpoint.
type ProviderError struct {
	// StatusCode is the token endpoint's HTTP status, zero for errors delivered via redirect.
	StatusCode  int
	Code        string
	Description string
	Body        []byte
}

func (e *ProviderError) Error() string {
	msg := "authorization provider rejected request"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.StatusCode)
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Code)
	}
	if e.Description != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Description)
	}
	if e.Code == "" && len(e.Body) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	return msg
}
