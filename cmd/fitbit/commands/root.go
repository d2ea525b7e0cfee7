package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/fitbit-client/internal/app"
	"github.com/florianilch/fitbit-client/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:  "fitbit",
		Usage: "Fitbit Web API client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "telemetry--exporter",
				Usage: "log exporter (none|stdout|otlp-http|otlp-grpc)",
				Value: app.DefaultConfigTelemetryExporter,
			},
		},
		Commands: []*cli.Command{
			authCommand(),
			getCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

// authFlags are shared by every command that may need a credential.
func authFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "auth--client-id",
			Usage: "OAuth2 client ID of the Fitbit application",
		},
		&cli.StringFlag{
			Name:  "auth--client-secret",
			Usage: "OAuth2 client secret of the Fitbit application",
		},
		&cli.StringFlag{
			Name:  "auth--storage",
			Usage: "credential storage (file|env|keyring)",
			Value: string(app.DefaultConfigAuthStorage),
		},
		&cli.StringFlag{
			Name:  "auth--file",
			Usage: "credential cache file for file storage",
		},
		&cli.StringFlag{
			Name:  "auth--redirect-host",
			Usage: "host of the registered redirect URI",
			Value: app.DefaultConfigAuthRedirectHost,
		},
		&cli.IntFlag{
			Name:  "auth--redirect-port",
			Usage: "port of the registered redirect URI",
			Value: app.DefaultConfigAuthRedirectPort,
		},
		&cli.StringSliceFlag{
			Name:  "auth--scopes",
			Usage: "requested scopes (default: all)",
		},
		&cli.DurationFlag{
			Name:  "auth--callback-timeout",
			Usage: "how long to wait for the browser redirect",
			Value: app.DefaultConfigAuthTimeout,
		},
		&cli.StringFlag{
			Name:  "auth--interactive",
			Usage: "allow the browser flow (auto|always|never)",
			Value: string(app.DefaultConfigAuthInteractive),
		},
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "manage the stored Fitbit credential",
		Flags: authFlags(),
		Commands: []*cli.Command{
			{
				Name:  "login",
				Usage: "authorize this client in the browser",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "discard the stored credential first",
					},
				},
				Action: authLoginAction,
			},
			{
				Name:   "status",
				Usage:  "show the stored credential",
				Action: authStatusAction,
			},
			{
				Name:   "logout",
				Usage:  "remove the stored credential",
				Action: authLogoutAction,
			},
		},
	}
}

func getCommand() *cli.Command {
	flags := append(authFlags(),
		&cli.StringFlag{
			Name:  "api--base-url",
			Usage: "API base URL",
			Value: app.DefaultConfigAPIBaseURL,
		},
		&cli.StringSliceFlag{
			Name:    "query",
			Aliases: []string{"q"},
			Usage:   "query parameter as key=value",
		},
		&cli.StringFlag{
			Name:  "jq",
			Usage: "jq expression applied to each response",
		},
	)

	return &cli.Command{
		Name:      "get",
		Usage:     "GET one or more API routes and print the JSON responses",
		ArgsUsage: "<route> [route...]",
		Flags:     flags,
		Action:    getAction,
	}
}

// setup loads the configuration, installs logging and builds the App.
// The returned shutdown flushes the log pipeline.
func setup(ctx context.Context, cmd *cli.Command) (*app.App, observability.ShutdownFunc, error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating app
	shutdown, err := observability.Instrument(ctx, cfg.LogLevel, string(cfg.LogFormat), cfg.Telemetry.Exporter)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}

	application, err := app.New(cfg,
		app.WithTerminal(term.IsTerminal(int(os.Stdin.Fd()))),
		app.WithOutput(cmd.Root().ErrWriter),
	)
	if err != nil {
		_ = shutdown(context.WithoutCancel(ctx))
		return nil, nil, fmt.Errorf("failed to create app: %w", err)
	}

	return application, shutdown, nil
}

// run executes fn against a freshly built App and always flushes logs afterwards.
func run(ctx context.Context, cmd *cli.Command, fn func(*app.App) error) error {
	application, shutdown, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			slog.WarnContext(ctx, "failed to flush logs", "error", err)
		}
	}()

	return fn(application)
}

func authLoginAction(ctx context.Context, cmd *cli.Command) error {
	return run(ctx, cmd, func(application *app.App) error {
		cred, err := application.Login(ctx, cmd.Bool("force"))
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		w := cmd.Root().Writer
		if cred.UserID != "" {
			_, _ = fmt.Fprintf(w, "Logged in as Fitbit user %s.\n", cred.UserID)
		} else {
			_, _ = fmt.Fprintln(w, "Logged in.")
		}
		return nil
	})
}

func authStatusAction(ctx context.Context, cmd *cli.Command) error {
	return run(ctx, cmd, func(application *app.App) error {
		status, err := application.Status(ctx)
		if err != nil {
			return err
		}
		printStatus(cmd.Root().Writer, status)
		return nil
	})
}

func authLogoutAction(ctx context.Context, cmd *cli.Command) error {
	return run(ctx, cmd, func(application *app.App) error {
		if err := application.Logout(ctx); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.Root().Writer, "Logged out.")
		return nil
	})
}

func getAction(ctx context.Context, cmd *cli.Command) error {
	routes := cmd.Args().Slice()
	if len(routes) == 0 {
		return errors.New("at least one route required, e.g. /1/user/-/profile.json")
	}
	query, err := parseQuery(cmd.StringSlice("query"))
	if err != nil {
		return err
	}
	var filter *gojq.Code
	if expr := cmd.String("jq"); expr != "" {
		if filter, err = compileFilter(expr); err != nil {
			return err
		}
	}

	return run(ctx, cmd, func(application *app.App) error {
		bodies, err := application.Fetch(ctx, query, routes...)
		if err != nil {
			return err
		}
		if filter != nil {
			return printFiltered(ctx, cmd.Root().Writer, filter, bodies)
		}
		return printJSON(cmd.Root().Writer, bodies)
	})
}

func parseQuery(pairs []string) (url.Values, error) {
	query := url.Values{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid query parameter %q, want key=value", pair)
		}
		query.Add(key, value)
	}
	return query, nil
}
