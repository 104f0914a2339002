// Package viewer builds the read-only view a student or parent polls for:
// trip status, the student's own projection and, while the student is on
// board, the bus position.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"schoolbus-tracker/internal/metrics"
	"schoolbus-tracker/internal/tracking"
)

type Phase string

const (
	PhaseNoRoute          Phase = "NO_ROUTE_ASSIGNED"
	PhaseNoDriver         Phase = "NO_DRIVER_ASSIGNED"
	PhaseTripNotStarted   Phase = "TRIP_NOT_STARTED"
	PhaseWaitingForPickup Phase = "WAITING_FOR_PICKUP"
	PhaseOnTrip           Phase = "ON_TRIP"
	PhaseDroppedOff       Phase = "DROPPED_OFF"
	PhaseTripCompleted    Phase = "TRIP_COMPLETED"
)

type Store interface {
	Student(ctx context.Context, id string) (tracking.Student, error)
	RouteAssignment(ctx context.Context, routeID string) (tracking.Assignment, error)
	RouteTripForDay(ctx context.Context, routeID, day string) (tracking.Trip, error)
	TripEvents(ctx context.Context, tripID string) ([]tracking.AttendanceEvent, error)
}

type Positions interface {
	Read(ctx context.Context, vehicleID string) (tracking.LocationSample, bool, error)
}

type NearestStop struct {
	tracking.Stop
	DistanceMeters float64 `json:"distanceMeters"`
}

type View struct {
	StudentID     string                   `json:"studentId"`
	StudentName   string                   `json:"studentName"`
	Phase         Phase                    `json:"phase"`
	TripStatus    tracking.TripStatus      `json:"tripStatus"`
	StudentStatus tracking.StudentStatus   `json:"studentStatus"`
	TripID        string                   `json:"tripId,omitempty"`
	RouteID       string                   `json:"routeId,omitempty"`
	RouteNo       string                   `json:"routeNo,omitempty"`
	VehicleNumber string                   `json:"vehicleNumber,omitempty"`
	DriverName    string                   `json:"driverName,omitempty"`
	PickedUpAt    *time.Time               `json:"pickedUpAt,omitempty"`
	DroppedAt     *time.Time               `json:"droppedAt,omitempty"`
	Position      *tracking.LocationSample `json:"position,omitempty"`
	NearestStop   *NearestStop             `json:"nearestStop,omitempty"`
	CheckedAt     time.Time                `json:"checkedAt"`
	Stale         bool                     `json:"stale,omitempty"`
}

type Service struct {
	store     Store
	positions Positions
	cal       tracking.Calendar
	metrics   *metrics.Collector
}

func NewService(store Store, positions Positions, cal tracking.Calendar, m *metrics.Collector) *Service {
	return &Service{store: store, positions: positions, cal: cal, metrics: m}
}

// Status assembles the student's view for today. It never fails because a
// position is missing; only roster and ledger read errors are returned.
func (s *Service) Status(ctx context.Context, studentID string) (View, error) {
	v, err := s.status(ctx, studentID)
	if err != nil {
		return View{}, err
	}
	if s.metrics != nil {
		s.metrics.ViewerPolls.WithLabelValues(string(v.Phase)).Inc()
	}
	return v, nil
}

func (s *Service) status(ctx context.Context, studentID string) (View, error) {
	st, err := s.store.Student(ctx, studentID)
	if err != nil {
		return View{}, fmt.Errorf("load student: %w", err)
	}
	v := View{
		StudentID:     st.ID,
		StudentName:   st.Name,
		TripStatus:    tracking.TripNotStarted,
		StudentStatus: tracking.StudentNone,
		CheckedAt:     s.cal.Now(),
	}
	if st.RouteID == "" {
		v.Phase = PhaseNoRoute
		return v, nil
	}

	a, err := s.store.RouteAssignment(ctx, st.RouteID)
	if errors.Is(err, tracking.ErrNotFound) {
		v.Phase = PhaseNoRoute
		return v, nil
	}
	if err != nil {
		return View{}, fmt.Errorf("load route: %w", err)
	}
	v.RouteID, v.RouteNo = a.Route.ID, a.Route.RouteNo
	v.VehicleNumber, v.DriverName = a.Vehicle.Number, a.Driver.Name
	if a.Driver.ID == "" {
		v.Phase = PhaseNoDriver
		return v, nil
	}

	trip, err := s.store.RouteTripForDay(ctx, a.Route.ID, s.cal.Today())
	if errors.Is(err, tracking.ErrNotFound) {
		v.Phase = PhaseTripNotStarted
		return v, nil
	}
	if err != nil {
		return View{}, fmt.Errorf("load trip: %w", err)
	}
	v.TripID, v.TripStatus = trip.ID, trip.Status

	events, err := s.store.TripEvents(ctx, trip.ID)
	if err != nil {
		return View{}, fmt.Errorf("load events: %w", err)
	}
	for _, ev := range events {
		if ev.StudentID != st.ID {
			continue
		}
		at := ev.Timestamp
		switch ev.Type {
		case tracking.Pickup:
			v.PickedUpAt = &at
		case tracking.Drop:
			v.DroppedAt = &at
		}
	}
	v.StudentStatus = tracking.Project(events).Status(st.ID)
	v.Phase = phaseOf(trip.Status, v.StudentStatus)

	if trip.Status == tracking.TripActive && v.StudentStatus == tracking.StudentOnBoard {
		s.attachPosition(ctx, &v, trip, a.Route.Stops)
	}
	return v, nil
}

func phaseOf(trip tracking.TripStatus, student tracking.StudentStatus) Phase {
	switch {
	case trip == tracking.TripCompleted:
		return PhaseTripCompleted
	case trip != tracking.TripActive:
		return PhaseTripNotStarted
	case student == tracking.StudentOnBoard:
		return PhaseOnTrip
	case student == tracking.StudentCompleted:
		return PhaseDroppedOff
	default:
		return PhaseWaitingForPickup
	}
}

// attachPosition adds the vehicle position when one exists. Failures leave
// the view status-only.
func (s *Service) attachPosition(ctx context.Context, v *View, trip tracking.Trip, stops []tracking.Stop) {
	if s.positions == nil {
		return
	}
	pos, ok, err := s.positions.Read(ctx, trip.PositionKey())
	if err != nil {
		log.Warn().Err(err).Str("trip", trip.ID).Msg("position read failed, serving status only")
		return
	}
	if !ok || (pos.TripID != "" && pos.TripID != trip.ID) {
		return
	}
	v.Position = &pos
	if stop, d, ok := tracking.NearestStop(stops, pos.Coordinates()); ok {
		v.NearestStop = &NearestStop{Stop: stop, DistanceMeters: d}
	}
}
