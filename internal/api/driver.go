package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"schoolbus-tracker/internal/attendance"
	"schoolbus-tracker/internal/tracking"
)

func (s *Server) driverRouter(r fiber.Router) {
	r.Post("/trips/start", s.startTrip)
	r.Post("/trips/end", s.endTrip)
	r.Get("/trips/active", s.activeTrip)
	r.Get("/stats", s.driverStats)
	r.Post("/scan", s.scan)
	r.Post("/pickups", s.recordEvent(tracking.Pickup))
	r.Post("/drops", s.recordEvent(tracking.Drop))
	r.Get("/onboard", s.onBoard)
	r.Get("/roster", s.roster)
	r.Get("/history", s.history)
	r.Post("/location", s.publishLocation)
}

type StartTripRequest struct {
	RouteID string `json:"routeId"`
}

type ScanRequest struct {
	Code string `json:"code" validate:"required,max=512"`
}

type AttendanceRequest struct {
	StudentID string   `json:"studentId" validate:"required"`
	RouteID   string   `json:"routeId"`
	Lat       *float64 `json:"lat" validate:"omitempty,latitude"`
	Lng       *float64 `json:"lng" validate:"omitempty,longitude"`
}

type LocationRequest struct {
	Lat       float64   `json:"lat" validate:"latitude"`
	Lng       float64   `json:"lng" validate:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

type ActiveTripResponse struct {
	Trip    *tracking.Trip `json:"trip"`
	OnBoard int            `json:"onBoard"`
}

type LocationResponse struct {
	Sample  tracking.LocationSample `json:"sample"`
	Applied bool                    `json:"applied"`
}

func (s *Server) startTrip(c *fiber.Ctx) error {
	var req StartTripRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	trip, err := s.Trips.StartTrip(c.UserContext(), sessionOf(c).DriverID, req.RouteID)
	if err != nil {
		return err
	}
	return created(c, trip)
}

func (s *Server) endTrip(c *fiber.Ctx) error {
	trip, err := s.Trips.EndTrip(c.UserContext(), sessionOf(c).DriverID)
	if err != nil {
		return err
	}
	return ok(c, trip)
}

func (s *Server) activeTrip(c *fiber.Ctx) error {
	driverID := sessionOf(c).DriverID
	trip, found, err := s.Trips.ActiveTrip(c.UserContext(), driverID)
	if err != nil {
		return err
	}
	resp := ActiveTripResponse{}
	if found {
		resp.Trip = &trip
		onBoard, err := s.Attendance.OnBoard(c.UserContext(), driverID)
		if err != nil {
			return err
		}
		resp.OnBoard = len(onBoard)
	}
	return ok(c, resp)
}

func (s *Server) driverStats(c *fiber.Ctx) error {
	st, err := s.Trips.Stats(c.UserContext(), sessionOf(c).DriverID)
	if err != nil {
		return err
	}
	return ok(c, st)
}

func (s *Server) scan(c *fiber.Ctx) error {
	var req ScanRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	res, err := s.Resolver.Resolve(c.UserContext(), req.Code, sessionOf(c))
	if err != nil {
		return err
	}
	return ok(c, res)
}

// recordEvent handles pickups and drops. The write runs detached from the
// request context so a client that disconnects mid-call does not abort it.
func (s *Server) recordEvent(typ tracking.EventType) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req AttendanceRequest
		if err := s.bind(c, &req); err != nil {
			return err
		}
		cmd := attendance.Command{
			StudentID: req.StudentID,
			RouteID:   req.RouteID,
			ActorID:   sessionOf(c).DriverID,
		}
		if req.Lat != nil && req.Lng != nil {
			cmd.Location = &tracking.Coordinates{Lat: *req.Lat, Lng: *req.Lng}
		}
		ctx := context.WithoutCancel(c.UserContext())
		record := s.Attendance.RecordPickup
		if typ == tracking.Drop {
			record = s.Attendance.RecordDrop
		}
		ev, err := record(ctx, cmd)
		if err != nil {
			return err
		}
		return created(c, ev)
	}
}

func (s *Server) onBoard(c *fiber.Ctx) error {
	list, err := s.Attendance.OnBoard(c.UserContext(), sessionOf(c).DriverID)
	if err != nil {
		return err
	}
	if list == nil {
		list = []attendance.OnBoardStudent{}
	}
	return ok(c, list)
}

func (s *Server) roster(c *fiber.Ctx) error {
	r, err := s.Attendance.Roster(c.UserContext(), sessionOf(c).DriverID)
	if err != nil {
		return err
	}
	return ok(c, r)
}

func (s *Server) history(c *fiber.Ctx) error {
	days, err := s.Attendance.History(c.UserContext(), sessionOf(c).DriverID, c.Query("from"), c.Query("to"))
	if err != nil {
		return err
	}
	if days == nil {
		days = []tracking.DaySummary{}
	}
	return ok(c, days)
}

// publishLocation accepts a position only while the driver's trip is active.
func (s *Server) publishLocation(c *fiber.Ctx) error {
	var req LocationRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	driverID := sessionOf(c).DriverID
	trip, err := s.Trips.RequireActive(c.UserContext(), driverID)
	if err != nil {
		return err
	}
	sample, applied, err := s.Positions.Publish(c.UserContext(), tracking.LocationSample{
		VehicleID: trip.PositionKey(),
		DriverID:  driverID,
		TripID:    trip.ID,
		RouteID:   trip.RouteID,
		Lat:       req.Lat,
		Lng:       req.Lng,
		Timestamp: req.Timestamp,
	})
	if err != nil {
		return err
	}
	if applied {
		if err := s.Trips.SettlePosition(c.UserContext(), trip); err != nil {
			return err
		}
	}
	return ok(c, LocationResponse{Sample: sample, Applied: applied})
}
