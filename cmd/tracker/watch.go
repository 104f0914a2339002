package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"schoolbus-tracker/internal/client"
	"schoolbus-tracker/internal/config"
	"schoolbus-tracker/internal/logging"
	"schoolbus-tracker/internal/viewer"
)

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Poll a student's transport status like the parent app does",
		ArgsUsage: "<studentId>",
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadClient()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			logging.Setup(cfg.LogFormat, cfg.LogLevel)
			studentID := c.Args().First()
			if studentID == "" {
				return errors.New("student id is required")
			}

			ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			p := viewer.NewPoller(client.New(cfg.APIURL, cfg.APIToken), studentID, cfg.PollInterval, func(v viewer.View) {
				ev := log.Info().
					Str("phase", string(v.Phase)).
					Str("trip", string(v.TripStatus)).
					Str("student", string(v.StudentStatus)).
					Bool("stale", v.Stale)
				if v.Position != nil {
					ev = ev.Float64("lat", v.Position.Lat).Float64("lng", v.Position.Lng).Time("at", v.Position.Timestamp)
				}
				if v.NearestStop != nil {
					ev = ev.Str("near", v.NearestStop.Name).Float64("meters", v.NearestStop.DistanceMeters)
				}
				ev.Msg(v.StudentName)
			})
			if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
