// Package tokenstore provides persistent storage for OAuth2 credentials.
//
// Supports three storage backends with different security and deployment tradeoffs:
//   - File: JSON document on the local filesystem with atomic writes and secure permissions
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, etc.)
//   - Env: Read-only access token from an environment variable (headless use, no refresh)
//
// Stores are stateless serializers: they never cache a Credential in memory. A missing
// credential is reported as ErrNotFound, which callers treat as a cache miss; a corrupt
// document is reported as *DecodeError.
package tokenstore
