// Package fitbit is a client for the Fitbit Web API.
//
// The client acquires a user-delegated OAuth2 token through the Authorization Code
// Grant: on first use it opens the browser at Fitbit's authorize page and receives the
// redirect on a loopback listener. The credential is persisted in the configured store
// and refreshed transparently, reactively when the API answers 401 and proactively
// shortly before it expires.
//
// # Quick Start
//
//	client, err := fitbit.New(fitbit.Config{
//		ClientID:     "23ABCD",
//		ClientSecret: "secret",
//	}, fitbit.WithCache(filepath.Join(configDir, "fitbit", "token.json")))
//	if err != nil {
//		return err
//	}
//	if err := client.AuthInteractive(ctx); err != nil {
//		return err
//	}
//
//	var profile map[string]any
//	err = client.Get(ctx, "/1/user/-/profile.json", nil, &profile)
//
// # Errors
//
// Authentication failures are returned as typed errors, the process is never
// terminated: ErrCSRFMismatch, ErrAuthorizationTimedOut, *ProviderError,
// ErrUnauthenticated and ErrAuthenticationFailed. Other non-success responses are
// returned as *APIError and are not retried.
package fitbit
