package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/graceline/safety/internal/config"
	"github.com/graceline/safety/internal/cooldown"
	"github.com/graceline/safety/internal/database"
	"github.com/graceline/safety/internal/httpapi"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatalf("safetyd: %v", err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "safetyd",
		Usage:   "Safety escalation service for prayer and guidance submissions",
		Version: Version,
		Commands: []*cli.Command{
			serveCmd(),
			migrateCmd(),
			tokenCmd(),
			cooldownCmd(),
			watchCmd(),
		},
	}
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API, escalation pipeline and live moderator feed",
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(c.Context, cfg)
		},
	}
}

func migrateCmd() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply or roll back database migrations",
		Subcommands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply all pending migrations",
				Action: func(_ *cli.Context) error {
					cfg, err := config.Load()
					if err != nil {
						return err
					}
					if err := database.Migrate(cfg.Postgres.URL); err != nil {
						return err
					}
					log.Printf("migrations applied")
					return nil
				},
			},
			{
				Name:  "down",
				Usage: "Roll back the most recent migration",
				Action: func(_ *cli.Context) error {
					cfg, err := config.Load()
					if err != nil {
						return err
					}
					if err := database.Rollback(cfg.Postgres.URL); err != nil {
						return err
					}
					log.Printf("rolled back one migration")
					return nil
				},
			},
		},
	}
}

func tokenCmd() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue an admin token for the moderation surface",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "subject", Aliases: []string{"s"}, Required: true, Usage: "Moderator id"},
			&cli.StringFlag{Name: "role", Aliases: []string{"r"}, Value: httpapi.RoleModerator, Usage: "moderator|admin"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Admin.JWTSecret == "" {
				return fmt.Errorf("ADMIN_JWT_SECRET is not set")
			}
			auth := httpapi.NewJWTAuthorizer(cfg.Admin.JWTSecret, cfg.Admin.JWTIssuer, cfg.Admin.TokenTTL)
			tok, err := auth.Issue(c.String("subject"), c.String("role"))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, tok)
			return nil
		},
	}
}

func cooldownCmd() *cli.Command {
	return &cli.Command{
		Name:      "cooldown",
		Usage:     "Show a subject's pastor alert cooldown",
		ArgsUsage: "<subject-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one subject id")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
			defer rdb.Close()

			ctx, cancel := context.WithTimeout(c.Context, 5*time.Second)
			defer cancel()

			store := cooldown.NewRedisStore(rdb, cfg.Pipeline.Cooldown)
			subject := c.Args().First()
			last, err := store.LastAlert(ctx, subject)
			if err != nil {
				return err
			}
			if last.IsZero() {
				fmt.Fprintf(c.App.Writer, "%s: no alert recorded\n", subject)
				return nil
			}
			until := last.Add(store.Window())
			fmt.Fprintf(c.App.Writer, "%s: last alert %s, suppressed until %s (active=%t)\n",
				subject, last.UTC().Format(time.RFC3339), until.UTC().Format(time.RFC3339), time.Now().Before(until))
			return nil
		},
	}
}
