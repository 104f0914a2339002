package api

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"schoolbus-tracker/internal/tracking"
)

func (s *Server) viewerRouter(r fiber.Router) {
	r.Get("/students/:studentId/status", s.studentStatus)
}

func (s *Server) adminRouter(r fiber.Router) {
	r.Get("/fleet", s.fleet)
}

func (s *Server) studentStatus(c *fiber.Ctx) error {
	id := c.Params("studentId")
	if !sessionOf(c).CanView(id) {
		return errForbidden
	}
	v, err := s.Viewer.Status(c.UserContext(), id)
	if err != nil {
		return err
	}
	return ok(c, v)
}

func (s *Server) fleet(c *fiber.Ctx) error {
	maxAge := s.FleetMaxAge
	if q := c.Query("maxAge"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d < 0 {
			return fiber.NewError(fiber.StatusBadRequest, "maxAge must be a duration such as 30m")
		}
		maxAge = d
	}
	list, err := s.Positions.Fleet(c.UserContext(), maxAge)
	if err != nil {
		return err
	}
	if list == nil {
		list = []tracking.LocationSample{}
	}
	return ok(c, list)
}
