// Package api exposes the driver, viewer and admin HTTP surface.
package api

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"

	"schoolbus-tracker/internal/attendance"
	"schoolbus-tracker/internal/identity"
	"schoolbus-tracker/internal/livepos"
	"schoolbus-tracker/internal/metrics"
	"schoolbus-tracker/internal/session"
	"schoolbus-tracker/internal/trips"
	"schoolbus-tracker/internal/viewer"
)

type Deps struct {
	Trips      *trips.Manager
	Attendance *attendance.Processor
	Resolver   *identity.Resolver
	Positions  *livepos.Publisher
	Viewer     *viewer.Service
	Directory  session.Directory
	Signer     *session.Signer
	Metrics    *metrics.Collector

	FleetMaxAge time.Duration
	// Health reports backing store reachability for /healthz.
	Health func(ctx context.Context) error
}

type Server struct {
	Deps
	app      *fiber.App
	authz    *Authorizer
	validate *validator.Validate
}

func New(d Deps) (*Server, error) {
	authz, err := NewAuthorizer()
	if err != nil {
		return nil, err
	}
	if d.FleetMaxAge <= 0 {
		d.FleetMaxAge = 30 * time.Minute
	}
	s := &Server{
		Deps:     d,
		authz:    authz,
		validate: validator.New(),
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "schoolbus-tracker",
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ErrorHandler:          errorHandler,
		ReadTimeout:           15 * time.Second,
		WriteTimeout:          15 * time.Second,
	})
	s.routes()
	return s, nil
}

func (s *Server) App() *fiber.App { return s.app }

func (s *Server) routes() {
	s.app.Use(newLogger(s.Metrics))
	s.app.Get("/healthz", s.healthz)

	v1 := s.app.Group("/api/v1", s.authenticate(), s.authorize())
	s.driverRouter(v1.Group("/driver"))
	s.viewerRouter(v1.Group("/viewer"))
	s.adminRouter(v1.Group("/admin"))
}

func (s *Server) Listen(addr string) error { return s.app.Listen(addr) }

func (s *Server) Shutdown(ctx context.Context) error { return s.app.ShutdownWithContext(ctx) }

func (s *Server) healthz(c *fiber.Ctx) error {
	if s.Health != nil {
		if err := s.Health(c.UserContext()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(Envelope{Error: &ErrorBody{Code: "UNAVAILABLE", Message: err.Error()}})
		}
	}
	return ok(c, fiber.Map{"status": "ok"})
}

// bind decodes and validates a JSON body.
func (s *Server) bind(c *fiber.Ctx, v any) error {
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), v); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "malformed JSON body")
		}
	}
	return s.validate.Struct(v)
}
