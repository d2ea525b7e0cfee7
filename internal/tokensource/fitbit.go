package tokensource

import (
	"golang.org/x/oauth2"
)

// Endpoint defines the OAuth2 endpoints for the Fitbit Web API.
// Client credentials are sent as form parameters.
var Endpoint = oauth2.Endpoint{
	AuthURL:   "https://www.fitbit.com/oauth2/authorize",
	TokenURL:  "https://api.fitbit.com/oauth2/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// DefaultScopes requests access to every Fitbit data category.
var DefaultScopes = []string{
	"activity",
	"heartrate",
	"location",
	"nutrition",
	"profile",
	"settings",
	"sleep",
	"social",
	"weight",
}

// Default loopback address the Fitbit application is registered with.
const (
	DefaultRedirectHost = "127.0.0.1"
	DefaultRedirectPort = 8080
)
