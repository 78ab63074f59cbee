package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"calendso/internal/bookings"
	"calendso/internal/calendar"
	"calendso/internal/config"
	"calendso/internal/models"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "calendso",
		Usage: "Compute open meeting slots across Google, Office 365, CalDAV and internal bookings.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "Optional config file (yaml, json, toml or env)."},
		},
		Commands: []*cli.Command{
			authCommand(),
			userCommand(),
			eventTypeCommand(),
			credentialCommand(),
			busyCommand(),
			slotsCommand(),
			bookCommand(),
			bookingsCommand(),
			cancelCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

// env is what every command needs: settings, a logger, the store and the aggregator.
type env struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *bookings.Store
	aggregator *calendar.Aggregator
}

func openEnv(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := setupLogger(cfg.LogLevel)

	googleConfig, err := cfg.GoogleOAuth()
	if err != nil {
		return nil, fmt.Errorf("failed to get google oauth config: %w", err)
	}

	store, err := bookings.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open booking store: %w", err)
	}

	providers := &calendar.Providers{
		Logger:    logger,
		Bookings:  store,
		Google:    googleConfig,
		Office365: cfg.Office365,
		CalDAVURL: cfg.CalDAVURL,
	}
	return &env{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		aggregator: calendar.NewAggregator(logger, providers, cfg.AggregatorOptions()),
	}, nil
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("Failed to close booking store", "error", err)
	}
}

// user looks a user up by email.
func (e *env) user(ctx context.Context, email string) (*models.User, error) {
	u, err := e.store.GetUserByEmail(ctx, email)
	if errors.Is(err, bookings.ErrNotFound) {
		return nil, fmt.Errorf("no user %q, run 'user add' first", email)
	}
	return u, err
}

// eventType returns nil for id 0.
func (e *env) eventType(ctx context.Context, id int64) (*models.EventType, error) {
	if id == 0 {
		return nil, nil
	}
	et, err := e.store.GetEventType(ctx, id)
	if errors.Is(err, bookings.ErrNotFound) {
		return nil, fmt.Errorf("no event type %d", id)
	}
	return et, err
}

// saveRefreshed persists credentials whose tokens were refreshed during a provider call.
func (e *env) saveRefreshed(ctx context.Context, creds ...models.Credential) {
	for _, cred := range creds {
		if err := e.store.UpdateCredentialKey(ctx, cred); err != nil {
			e.logger.Error("Failed to save refreshed credential", "credentialID", cred.ID, "error", err)
			continue
		}
		e.logger.Info("Saved refreshed credential", "provider", string(cred.Type), "credentialID", cred.ID)
	}
}

// destination returns the credential new events are written to: the first external one.
func destination(creds []models.Credential) *models.Credential {
	for i := range creds {
		if creds[i].Type != models.CredentialInternal {
			return &creds[i]
		}
	}
	return nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
