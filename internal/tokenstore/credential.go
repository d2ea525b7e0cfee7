package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Credential is the OAuth2 token record for the single authorized user.
//
// Optional fields are omitted from the stored document when unset, so an absent
// refresh token or expiry round-trips as absent rather than as a placeholder value.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	Expiry       time.Time `json:"expiry,omitzero"`
	Scopes       []string  `json:"scopes,omitempty"`

	// UserID is the encoded Fitbit user id returned alongside the token.
	UserID string `json:"user_id,omitempty"`
}

// Validate reports whether the credential can be used as a bearer token.
func (c *Credential) Validate() error {
	if c == nil {
		return errors.New("credential is nil")
	}
	if c.AccessToken == "" {
		return errors.New("credential has empty access token")
	}
	return nil
}

// Expired reports whether the access token expires within margin.
// Credentials without an expiry never expire.
func (c *Credential) Expired(margin time.Duration) bool {
	if c.Expiry.IsZero() {
		return false
	}
	return !time.Now().Add(margin).Before(c.Expiry)
}

// CanRefresh reports whether the credential carries a refresh token.
func (c *Credential) CanRefresh() bool {
	return c != nil && c.RefreshToken != ""
}

// Clone returns a deep copy of the credential.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Scopes = slices.Clone(c.Scopes)
	return &clone
}

// OAuth2Token converts the credential into the form expected by golang.org/x/oauth2.
func (c *Credential) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		TokenType:    c.TokenType,
		RefreshToken: c.RefreshToken,
		Expiry:       c.Expiry,
	}
}

// FromOAuth2Token builds a Credential from a token endpoint response.
// The granted scopes and user id are read from the response's extra fields.
func FromOAuth2Token(tok *oauth2.Token) (*Credential, error) {
	if tok == nil {
		return nil, errors.New("token is nil")
	}

	cred := &Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    strings.ToLower(tok.TokenType),
		Expiry:       tok.Expiry,
	}
	if cred.TokenType == "" {
		cred.TokenType = "bearer"
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		cred.Scopes = strings.Fields(scope)
	}
	if userID, ok := tok.Extra("user_id").(string); ok {
		cred.UserID = userID
	}

	if err := cred.Validate(); err != nil {
		return nil, err
	}
	return cred, nil
}

// DecodeError reports a stored credential document that could not be parsed.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding credential from %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// encodeCredential marshals the credential as an indented JSON document.
func encodeCredential(cred *Credential) ([]byte, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding credential: %w", err)
	}
	return append(data, '\n'), nil
}

// decodeCredential parses a stored document, rejecting records without an access token.
func decodeCredential(source string, data []byte) (*Credential, error) {
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, &DecodeError{Source: source, Err: err}
	}
	if err := cred.Validate(); err != nil {
		return nil, &DecodeError{Source: source, Err: err}
	}
	return &cred, nil
}
