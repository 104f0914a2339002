package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"schoolbus-tracker/internal/session"
)

// tokenCommand mints session tokens for development and for devices that
// are provisioned out of band.
func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue a signed session token",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true},
			&cli.StringFlag{Name: "role", Required: true, Usage: "driver, student, parent or admin"},
			&cli.StringFlag{Name: "driver", Usage: "driver id; derived from the user when omitted"},
			&cli.StringSliceFlag{Name: "student", Usage: "student id the holder may view (repeatable)"},
			&cli.DurationFlag{Name: "ttl", Value: 12 * time.Hour},
		},
		Action: func(c *cli.Context) error {
			_ = godotenv.Load()
			secret := os.Getenv("JWT_SECRET")
			if secret == "" {
				return errors.New("JWT_SECRET must be set")
			}
			tok, err := session.NewSigner(secret, c.Duration("ttl")).Sign(session.Session{
				UserID:     c.String("user"),
				Role:       session.Role(c.String("role")),
				DriverID:   c.String("driver"),
				StudentIDs: c.StringSlice("student"),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, tok)
			return nil
		},
	}
}
