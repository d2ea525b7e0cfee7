package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/florianilch/fitbit-client/fitbit"
	"github.com/florianilch/fitbit-client/internal/observability"
	"github.com/florianilch/fitbit-client/internal/tokensource"
	"github.com/florianilch/fitbit-client/internal/tokenstore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// TokenStorageType represents the different storage types supported for stored tokens.
type TokenStorageType string

const (
	TokenStorageTypeFile    TokenStorageType = "file"
	TokenStorageTypeEnv     TokenStorageType = "env"
	TokenStorageTypeKeyring TokenStorageType = "keyring"
)

// InteractiveMode controls whether a missing credential starts the browser flow.
type InteractiveMode string

const (
	// InteractiveAuto allows the browser flow when stdin is a terminal.
	InteractiveAuto   InteractiveMode = "auto"
	InteractiveAlways InteractiveMode = "always"
	InteractiveNever  InteractiveMode = "never"
)

// Default configuration values
const (
	DefaultConfigLogFormat         = LogFormatText
	DefaultConfigTelemetryExporter = observability.ExporterNone
	DefaultConfigAuthStorage       = TokenStorageTypeFile
	DefaultConfigAuthInteractive   = InteractiveAuto
	DefaultConfigAuthRedirectHost  = tokensource.DefaultRedirectHost
	DefaultConfigAuthRedirectPort  = tokensource.DefaultRedirectPort
	DefaultConfigAuthTimeout       = tokensource.DefaultCallbackTimeout
	DefaultConfigAPIBaseURL        = fitbit.DefaultBaseURL
	DefaultConfigAPIUserAgent      = fitbit.DefaultUserAgent
	DefaultConfigAPITimeout        = 30 * time.Second

	keyringService = "fitbit-client-token"
)

// TelemetryConfig selects where log records are exported.
type TelemetryConfig struct {
	Exporter string `json:"exporter" validate:"oneof=none stdout otlp-http otlp-grpc"`
}

// APIConfig holds Fitbit Web API settings.
type APIConfig struct {
	BaseURL   string        `json:"base_url" validate:"required,url"`
	UserAgent string        `json:"user_agent" validate:"required"`
	Timeout   time.Duration `json:"timeout" validate:"gte=0"`
}

// AuthConfig describes the OAuth2 application and where its credential is kept.
type AuthConfig struct {
	ClientID     string `json:"client_id" validate:"required"`
	ClientSecret string `json:"client_secret"`

	// Storage configuration - where the credential is cached between runs
	Storage TokenStorageType `json:"storage" validate:"required,oneof=file env keyring"`

	// Storage-specific settings (mutually exclusive based on Storage type)
	File        string `json:"file,omitempty"`         // For file storage: path to the JSON document
	EnvKey      string `json:"env_key,omitempty"`      // For env storage: variable holding an access token
	KeyringUser string `json:"keyring_user,omitempty"` // For keyring storage: user identifier

	// Redirect URI registered with the Fitbit application
	RedirectHost string `json:"redirect_host" validate:"hostname_rfc1123|ip"`
	RedirectPort uint16 `json:"redirect_port"`

	Scopes          []string        `json:"scopes" validate:"dive,required"`
	CallbackTimeout time.Duration   `json:"callback_timeout" validate:"gt=0"`
	Interactive     InteractiveMode `json:"interactive" validate:"oneof=auto always never"`
}

// NewTokenStore creates a TokenStore from the authentication configuration.
func (a *AuthConfig) NewTokenStore() (tokenstore.TokenStore, error) {
	switch a.Storage {
	case TokenStorageTypeFile:
		return tokenstore.NewFileStore(a.File)
	case TokenStorageTypeEnv:
		return tokenstore.NewEnvStore(a.EnvKey)
	case TokenStorageTypeKeyring:
		return tokenstore.NewKeyringStore(keyringService, a.KeyringUser)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", a.Storage)
	}
}

// Headless reports whether the browser flow must be skipped given whether stdin is a terminal.
func (a *AuthConfig) Headless(terminal bool) bool {
	switch a.Interactive {
	case InteractiveAlways:
		return false
	case InteractiveNever:
		return true
	default:
		return !terminal
	}
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level      `json:"log_level"`
	LogFormat LogFormat       `json:"log_format" validate:"oneof=text json"`
	Telemetry TelemetryConfig `json:"telemetry"`
	API       APIConfig       `json:"api"`
	Auth      AuthConfig      `json:"auth"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = DefaultConfigTelemetryExporter
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = DefaultConfigAPIBaseURL
	}
	if c.API.UserAgent == "" {
		c.API.UserAgent = DefaultConfigAPIUserAgent
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultConfigAPITimeout
	}
	if c.Auth.Storage == "" {
		c.Auth.Storage = DefaultConfigAuthStorage
	}
	if c.Auth.RedirectHost == "" {
		c.Auth.RedirectHost = DefaultConfigAuthRedirectHost
	}
	if c.Auth.RedirectPort == 0 {
		c.Auth.RedirectPort = DefaultConfigAuthRedirectPort
	}
	if c.Auth.CallbackTimeout == 0 {
		c.Auth.CallbackTimeout = DefaultConfigAuthTimeout
	}
	if c.Auth.Interactive == "" {
		c.Auth.Interactive = DefaultConfigAuthInteractive
	}
	c.Auth.Scopes = splitScopes(c.Auth.Scopes)
	if len(c.Auth.Scopes) == 0 {
		c.Auth.Scopes = append([]string(nil), tokensource.DefaultScopes...)
	}

	// Dynamic defaults based on storage type
	switch c.Auth.Storage {
	case TokenStorageTypeFile:
		if c.Auth.File == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("auth.file required (auto-detect failed: %w)", err)
			}
			c.Auth.File = filepath.Join(configDir, "fitbit-client", "token.json")
		}
	case TokenStorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("auth.keyring_user required (auto-detect failed: %w)", err)
			}
			c.Auth.KeyringUser = currentUser.Username
		}
	case TokenStorageTypeEnv:
		// env_key must be explicitly configured (no sensible default)
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	switch c.Auth.Storage {
	case TokenStorageTypeFile:
		if c.Auth.File == "" {
			return errors.New("file path required for file storage")
		}
	case TokenStorageTypeEnv:
		if c.Auth.EnvKey == "" {
			return errors.New("env_key required for env storage")
		}
		// A static access token cannot be replaced by the browser flow
		if c.Auth.Interactive == InteractiveAlways {
			return errors.New("interactive authorization requires writable storage, env is read-only")
		}
	case TokenStorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			return errors.New("keyring_user required for keyring storage")
		}
	}

	return nil
}

// splitScopes accepts scopes given as one comma or space separated value
// (environment variables, flags) as well as lists.
func splitScopes(scopes []string) []string {
	var out []string
	for _, s := range scopes {
		out = append(out, strings.FieldsFunc(s, func(r rune) bool {
			return r == ',' || r == ' '
		})...)
	}
	return out
}
