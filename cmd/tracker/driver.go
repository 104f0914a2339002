package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"schoolbus-tracker/internal/client"
	"schoolbus-tracker/internal/config"
	"schoolbus-tracker/internal/driver"
	"schoolbus-tracker/internal/location"
	"schoolbus-tracker/internal/logging"
	"schoolbus-tracker/internal/tracking"
)

type driverEnv struct {
	cfg     *config.ClientConfig
	api     *client.Client
	sampler *location.Sampler
	close   func()
}

// newDriverEnv wires the API client and the location source. The NATS
// device feed is used when a GPS subject is configured; --lat/--lng give a
// fixed position otherwise.
func newDriverEnv(c *cli.Context) (*driverEnv, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	logging.Setup(cfg.LogFormat, cfg.LogLevel)
	if cfg.APIToken == "" {
		return nil, errors.New("API_TOKEN must be set")
	}
	env := &driverEnv{cfg: cfg, api: client.New(cfg.APIURL, cfg.APIToken), close: func() {}}

	var src location.Source = location.None{}
	switch {
	case c.IsSet("lat") && c.IsSet("lng"):
		src = location.Static{Lat: c.Float64("lat"), Lng: c.Float64("lng")}
	case cfg.DeviceGPSSubject != "" && cfg.NATSURL != "":
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("schoolbus-driver"))
		if err != nil {
			log.Warn().Err(err).Msg("device feed unavailable, continuing without location")
			break
		}
		feed, err := location.NewNATSFeed(nc, cfg.DeviceGPSSubject, 2*cfg.BeaconInterval)
		if err != nil {
			nc.Close()
			log.Warn().Err(err).Msg("device feed subscribe failed, continuing without location")
			break
		}
		src = feed
		env.close = func() {
			_ = feed.Close()
			nc.Close()
		}
	}
	env.sampler = location.NewSampler(src)
	return env, nil
}

func printJSON(c *cli.Context, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.App.Writer, string(b))
	return err
}

// withDriver runs fn with a driver environment and prints its result.
func withDriver(fn func(ctx context.Context, c *cli.Context, env *driverEnv) (any, error)) cli.ActionFunc {
	return func(c *cli.Context) error {
		env, err := newDriverEnv(c)
		if err != nil {
			return err
		}
		defer env.close()
		out, err := fn(c.Context, c, env)
		if err != nil {
			if tracking.IsPrecondition(err) {
				// guidance for the operator, not a crash
				log.Warn().Str("code", tracking.ErrorCode(err)).Msg(err.Error())
				return nil
			}
			return err
		}
		return printJSON(c, out)
	}
}

var locationFlags = []cli.Flag{
	&cli.Float64Flag{Name: "lat", Usage: "fixed latitude instead of the device feed"},
	&cli.Float64Flag{Name: "lng", Usage: "fixed longitude instead of the device feed"},
}

func eventType(c *cli.Context) tracking.EventType {
	switch c.String("type") {
	case "pickup":
		return tracking.Pickup
	case "drop":
		return tracking.Drop
	}
	return ""
}

func driverCommand() *cli.Command {
	return &cli.Command{
		Name:  "driver",
		Usage: "Driver-side client actions",
		Subcommands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start today's trip",
				Flags: []cli.Flag{&cli.StringFlag{Name: "route"}},
				Action: withDriver(func(ctx context.Context, c *cli.Context, env *driverEnv) (any, error) {
					return env.api.StartTrip(ctx, c.String("route"))
				}),
			},
			{
				Name:  "end",
				Usage: "End the active trip",
				Action: withDriver(func(ctx context.Context, c *cli.Context, env *driverEnv) (any, error) {
					return env.api.EndTrip(ctx)
				}),
			},
			{
				Name:  "status",
				Usage: "Show today's trip, stats and who is on board",
				Action: withDriver(func(ctx context.Context, c *cli.Context, env *driverEnv) (any, error) {
					active, err := env.api.ActiveTrip(ctx)
					if err != nil {
						return nil, err
					}
					onBoard, err := env.api.OnBoard(ctx)
					if err != nil {
						return nil, err
					}
					return map[string]any{"trip": active.Trip, "onBoard": onBoard}, nil
				}),
			},
			{
				Name:  "roster",
				Usage: "List route students by stop",
				Action: withDriver(func(ctx context.Context, c *cli.Context, env *driverEnv) (any, error) {
					return env.api.Roster(ctx)
				}),
			},
			{
				Name:  "history",
				Flags: []cli.Flag{&cli.StringFlag{Name: "from"}, &cli.StringFlag{Name: "to"}},
				Action: withDriver(func(ctx context.Context, c *cli.Context, env *driverEnv) (any, error) {
					return env.api.History(ctx, c.String("from"), c.String("to"))
				}),
			},
			{
				Name:      "scan",
				Usage:     "Resolve a scanned code and record the next event",
				ArgsUsage: "<code>",
				Flags:     append([]cli.Flag{&cli.StringFlag{Name: "type", Usage: "force pickup or drop"}}, locationFlags...),
				Action: withDriver(func(ctx context.Context, c *cli.Context, env *driverEnv) (any, error) {
					agent := driver.NewAgent(env.api, env.sampler, env.cfg.SampleTimeout)
					return agent.Scan(ctx, c.Args().First(), eventType(c))
				}),
			},
			{
				Name:      "confirm",
				Usage:     "Record an event for a hand-checked student id",
				ArgsUsage: "<studentId>",
				Flags:     append([]cli.Flag{&cli.StringFlag{Name: "type", Usage: "pickup or drop"}}, locationFlags...),
				Action: withDriver(func(ctx context.Context, c *cli.Context, env *driverEnv) (any, error) {
					agent := driver.NewAgent(env.api, env.sampler, env.cfg.SampleTimeout)
					return agent.Confirm(ctx, c.Args().First(), eventType(c))
				}),
			},
			{
				Name:      "pickup",
				ArgsUsage: "<studentId>",
				Flags:     locationFlags,
				Action: withDriver(func(ctx context.Context, c *cli.Context, env *driverEnv) (any, error) {
					agent := driver.NewAgent(env.api, env.sampler, env.cfg.SampleTimeout)
					return agent.Tap(ctx, c.Args().First(), tracking.Pickup)
				}),
			},
			{
				Name:      "drop",
				ArgsUsage: "<studentId>",
				Flags:     locationFlags,
				Action: withDriver(func(ctx context.Context, c *cli.Context, env *driverEnv) (any, error) {
					agent := driver.NewAgent(env.api, env.sampler, env.cfg.SampleTimeout)
					return agent.Tap(ctx, c.Args().First(), tracking.Drop)
				}),
			},
			{
				Name:  "beacon",
				Usage: "Upload the device position until the trip ends",
				Flags: locationFlags,
				Action: withDriver(func(ctx context.Context, c *cli.Context, env *driverEnv) (any, error) {
					ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
					defer cancel()
					b := driver.NewBeacon(env.api, env.sampler, env.cfg.BeaconInterval, env.cfg.SampleTimeout)
					start := time.Now()
					if err := b.Run(ctx); err != nil && ctx.Err() == nil {
						return nil, err
					}
					return map[string]any{"ranFor": time.Since(start).Round(time.Second).String()}, nil
				}),
			},
		},
	}
}
