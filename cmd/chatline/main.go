package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"chatline/internal/app"
	"chatline/internal/config"
	"chatline/internal/logging"
	"chatline/internal/presence"
	dbconfig "chatline/pkg/database"
	"chatline/pkg/types"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newCLI() *cli.App {
	return &cli.App{
		Name:    "chatline",
		Usage:   "real-time chat delivery and presence server",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{config.EnvPrefix + "CONFIG_FILE"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the WebSocket and HTTP server",
				Action: func(c *cli.Context) error {
					ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
					defer stop()
					return run(ctx, c.String("config"))
				},
			},
			{
				Name:  "migrate",
				Usage: "Apply database migrations and exit",
				Action: func(c *cli.Context) error {
					return migrate(c.String("config"))
				},
			},
			{
				Name:      "presence",
				Usage:     "Print a user's presence as other services see it",
				ArgsUsage: "USER_ID",
				Action: func(c *cli.Context) error {
					return showPresence(c.Context, c.App.Writer, c.String("config"), c.Args().First())
				},
			},
			{
				Name:  "version",
				Usage: "Print the version",
				Action: func(c *cli.Context) error {
					_, err := fmt.Fprintln(c.App.Writer, version)
					return err
				},
			},
		},
	}
}

func setup(configPath string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// run serves until ctx is cancelled, then shuts down within shutdownTimeout.
func run(ctx context.Context, configPath string) error {
	cfg, logger, err := setup(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	if err := application.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = application.Stop(shutdownCtx)
		return fmt.Errorf("application error: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

func migrate(configPath string) error {
	cfg, logger, err := setup(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	db, err := app.OpenDatabase(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := dbconfig.NewMigrationManager(db.GetDB(), "").ValidateSchema(); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	logger.Info("migrations applied", zap.String("path", cfg.Database.Path))
	return nil
}

// showPresence reads presence from the Redis mirror when one is configured,
// otherwise from the database. Unknown users are reported offline.
func showPresence(ctx context.Context, w io.Writer, configPath, rawID string) error {
	userID, err := types.ParseID(rawID)
	if err != nil || userID == 0 {
		return fmt.Errorf("invalid user id %q", rawID)
	}
	cfg, logger, err := setup(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	rec := types.PresenceRecord{UserID: userID, Status: types.PresenceOffline}
	if cfg.Presence.RedisAddr != "" {
		mirror, err := presence.NewRedisMirror(ctx, presence.RedisConfig{
			Addr:     cfg.Presence.RedisAddr,
			Password: cfg.Presence.RedisPassword,
			DB:       cfg.Presence.RedisDB,
			Prefix:   cfg.Presence.RedisPrefix,
			TTL:      cfg.Presence.RedisTTL,
		})
		if err != nil {
			return err
		}
		defer func() { _ = mirror.Close() }()

		if rec, err = mirror.Get(ctx, userID); err != nil {
			return fmt.Errorf("failed to read presence mirror: %w", err)
		}
	} else {
		db, err := app.OpenDatabase(cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		records, err := db.ListPresence(ctx)
		if err != nil {
			return fmt.Errorf("failed to read presence: %w", err)
		}
		for _, r := range records {
			if r.UserID == userID {
				rec = *r
				break
			}
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}
