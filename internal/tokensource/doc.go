// Package tokensource implements the OAuth2 Authorization Code Grant for the Fitbit Web API.
//
// An Authorizer drives the interactive flow: it binds a loopback listener, sends the
// user's browser to the authorize endpoint with a random state value, waits (bounded by a
// timeout) for the redirect carrying the authorization code, verifies the state and
// exchanges the code for a credential at the token endpoint.
//
// # Interactive Authorization
//
//	auth, err := tokensource.NewAuthorizer(clientID, clientSecret, tokensource.Endpoint,
//		tokensource.WithRedirectAddress("127.0.0.1", 8080),
//		tokensource.WithCallbackTimeout(3*time.Minute),
//	)
//	cred, err := auth.Authorize(ctx)
//
// # Refresh
//
// Refresh exchanges a stored refresh token for a new credential. Providers may omit the
// refresh token from the response, in which case the previous one is carried forward:
//
//	cred, err = auth.Refresh(ctx, cred)
//
// A failed refresh is final for that refresh token; callers should discard the stored
// credential and fall back to Authorize.
package tokensource
