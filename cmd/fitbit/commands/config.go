package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"

	"github.com/florianilch/fitbit-client/internal/app"
)

// envPrefix is stripped from environment variables during config loading (e.g., FITBIT_AUTH__CLIENT_ID → auth.client_id)
const envPrefix = "FITBIT_"

// envAliases maps flat variable names onto nested keys (FITBIT_CLIENT_ID → auth.client_id).
var envAliases = map[string]string{
	"client_id":     "auth.client_id",
	"client_secret": "auth.client_secret",
}

// loadConfig loads application configuration from various sources with precedence:
// config file → environment variables → CLI flags → defaults
//
// Without an explicit path, config.toml in the user config directory is used if it exists.
func loadConfig(configPath string, cmd *cli.Command, environFunc func() []string) (*app.Config, error) {
	k := koanf.New(".")

	// 1. Load from config file if provided or present at the default location
	if configPath == "" {
		configPath = defaultConfigPath()
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// 2. Load from environment variables
	envProvider := env.Provider(".", env.Opt{
		Prefix:        envPrefix,
		TransformFunc: transformEnv,
		EnvironFunc:   environFunc,
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	// 3. Load from CLI flags if provided
	if cmd != nil {
		flagValues := extractAndTransformFlags(cmd)
		if err := k.Load(confmap.Provider(flagValues, "."), nil); err != nil {
			return nil, fmt.Errorf("loading CLI flags: %w", err)
		}
	}

	config := &app.Config{}
	if err := k.UnmarshalWithConf("", config, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := config.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// transformEnv turns FITBIT_AUTH__REDIRECT_PORT into auth.redirect_port.
func transformEnv(key, value string) (string, any) {
	stripped := strings.TrimPrefix(key, envPrefix)
	nested := strings.ToLower(strings.ReplaceAll(stripped, "__", "."))
	if alias, ok := envAliases[nested]; ok {
		nested = alias
	}
	return nested, value
}

// defaultConfigPath returns the per-user config file, or "" if there is none.
func defaultConfigPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(configDir, "fitbit-client", "config.toml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// extractAndTransformFlags transforms CLI flag names to match config structure.
// Includes parent flags. Examples: --auth--client-id → auth.client_id, --log-level → log_level
func extractAndTransformFlags(cmd *cli.Command) map[string]any {
	values := make(map[string]any)

	// FlagNames() includes flags from parent commands (via lineage)
	for _, name := range cmd.FlagNames() {
		// Skip unset flags and command-local switches that are not config keys
		if !cmd.IsSet(name) || !strings.Contains(name, "--") && !topLevelKeys[name] {
			continue
		}

		if value := cmd.Value(name); value != nil {
			key := strings.ReplaceAll(name, "--", ".")
			key = strings.ReplaceAll(key, "-", "_")
			values[key] = value
		}
	}

	return values
}

// topLevelKeys lists flags without a section that map onto config keys.
var topLevelKeys = map[string]bool{
	"log-level":  true,
	"log-format": true,
}
