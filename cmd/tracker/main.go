package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	_ "time/tzdata"
)

func main() {
	app := &cli.App{
		Name:        "tracker",
		Usage:       "school transport trip, attendance and live position tracking",
		Description: "Single binary for the tracking server, its maintenance tasks and the driver/viewer clients",

		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			tokenCommand(),
			driverCommand(),
			watchCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}
