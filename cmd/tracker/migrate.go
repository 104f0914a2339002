package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"schoolbus-tracker/internal/config"
	"schoolbus-tracker/internal/db"
	"schoolbus-tracker/internal/logging"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create the tracking tables, optionally creating the database and seeding a roster",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "create-db", Usage: "create the target database if it does not exist"},
			&cli.StringFlag{Name: "seed", Usage: "roster JSON file to import", EnvVars: []string{"ROSTER_FILE"}},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			logging.Setup(cfg.LogFormat, cfg.LogLevel)
			if cfg.Store != "postgres" {
				return fmt.Errorf("migrate needs STORE=postgres, got %q", cfg.Store)
			}
			ctx := c.Context

			if c.Bool("create-db") {
				if err := db.EnsureDatabase(ctx, cfg.DatabaseURL); err != nil {
					return err
				}
			}
			sqlDB, err := openPostgres(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer sqlDB.Close()
			if err := db.Migrate(ctx, sqlDB); err != nil {
				return err
			}
			log.Info().Msg("schema up to date")

			if path := c.String("seed"); path != "" {
				r, err := db.LoadRoster(path)
				if err != nil {
					return err
				}
				if err := db.NewStore(sqlDB).ImportRoster(ctx, r); err != nil {
					return err
				}
				log.Info().Str("file", path).Int("routes", len(r.Routes)).Int("students", len(r.Students)).Msg("roster imported")
			}
			return nil
		},
	}
}
