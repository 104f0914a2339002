// Package trips owns the daily trip state machine:
// NOT_STARTED -> ACTIVE -> COMPLETED, at most one trip per driver per day.
package trips

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"schoolbus-tracker/internal/metrics"
	"schoolbus-tracker/internal/tracking"
)

type Store interface {
	DriverAssignment(ctx context.Context, driverID string) (tracking.Assignment, error)
	RouteStudents(ctx context.Context, routeID string) ([]tracking.Student, error)
	CreateTrip(ctx context.Context, t *tracking.Trip) error
	TripForDay(ctx context.Context, driverID, day string) (tracking.Trip, error)
	CompleteTrip(ctx context.Context, tripID string, endedAt time.Time) error
	CountTrips(ctx context.Context, driverID string, status tracking.TripStatus) (int, error)
}

// PositionClearer drops a vehicle's live position once its trip completes.
type PositionClearer interface {
	Clear(ctx context.Context, key string) error
}

type Manager struct {
	store     Store
	positions PositionClearer
	cal       tracking.Calendar
	metrics   *metrics.Collector
}

func NewManager(store Store, positions PositionClearer, cal tracking.Calendar, m *metrics.Collector) *Manager {
	return &Manager{store: store, positions: positions, cal: cal, metrics: m}
}

// StartTrip opens today's trip for the driver on their assigned route. An
// empty routeID selects the assigned route.
func (m *Manager) StartTrip(ctx context.Context, driverID, routeID string) (tracking.Trip, error) {
	trip, err := m.startTrip(ctx, driverID, routeID)
	if err != nil {
		m.metrics.Reject("start_trip", tracking.ErrorCode(err))
		return tracking.Trip{}, err
	}
	if m.metrics != nil {
		m.metrics.TripsStarted.Inc()
	}
	log.Info().Str("trip", trip.ID).Str("driver", driverID).Str("route", trip.RouteID).
		Int("students", trip.TotalStudents).Msg("trip started")
	return trip, nil
}

func (m *Manager) startTrip(ctx context.Context, driverID, routeID string) (tracking.Trip, error) {
	if driverID == "" {
		return tracking.Trip{}, fmt.Errorf("%w: driver id is required", tracking.ErrInvalidInput)
	}
	a, err := m.store.DriverAssignment(ctx, driverID)
	if errors.Is(err, tracking.ErrNotFound) || (err == nil && a.Route.ID == "") {
		return tracking.Trip{}, tracking.ErrNoRouteAssigned
	}
	if err != nil {
		return tracking.Trip{}, fmt.Errorf("load assignment: %w", err)
	}
	if routeID != "" && routeID != a.Route.ID {
		return tracking.Trip{}, tracking.ErrRouteMismatch
	}

	day := m.cal.Today()
	existing, err := m.store.TripForDay(ctx, driverID, day)
	switch {
	case err == nil:
		return tracking.Trip{}, existingTripErr(existing)
	case !errors.Is(err, tracking.ErrNotFound):
		return tracking.Trip{}, fmt.Errorf("load today's trip: %w", err)
	}

	students, err := m.store.RouteStudents(ctx, a.Route.ID)
	if err != nil {
		return tracking.Trip{}, fmt.Errorf("load route students: %w", err)
	}
	trip := tracking.Trip{
		ID:            uuid.NewString(),
		DriverID:      driverID,
		RouteID:       a.Route.ID,
		VehicleID:     a.Vehicle.ID,
		ServiceDate:   day,
		Status:        tracking.TripActive,
		StartedAt:     m.cal.Now(),
		TotalStudents: len(students),
	}
	if err := m.store.CreateTrip(ctx, &trip); err != nil {
		if !errors.Is(err, tracking.ErrConflict) {
			return tracking.Trip{}, fmt.Errorf("create trip: %w", err)
		}
		// lost a race with a concurrent start
		existing, lookupErr := m.store.TripForDay(ctx, driverID, day)
		if lookupErr != nil {
			return tracking.Trip{}, tracking.ErrTripAlreadyActive
		}
		return tracking.Trip{}, existingTripErr(existing)
	}
	return trip, nil
}

func existingTripErr(t tracking.Trip) error {
	if t.Status == tracking.TripCompleted {
		return tracking.ErrTripAlreadyCompleted
	}
	return tracking.ErrTripAlreadyActive
}

// EndTrip completes today's active trip. It fails with a
// *tracking.OnBoardError while any student is still on board.
func (m *Manager) EndTrip(ctx context.Context, driverID string) (tracking.Trip, error) {
	trip, err := m.RequireActive(ctx, driverID)
	if err != nil {
		m.metrics.Reject("end_trip", tracking.ErrorCode(err))
		return tracking.Trip{}, err
	}
	endedAt := m.cal.Now()
	if err := m.store.CompleteTrip(ctx, trip.ID, endedAt); err != nil {
		m.metrics.Reject("end_trip", tracking.ErrorCode(err))
		if tracking.IsPrecondition(err) {
			return tracking.Trip{}, err
		}
		return tracking.Trip{}, fmt.Errorf("complete trip: %w", err)
	}
	trip.Status = tracking.TripCompleted
	trip.EndedAt = &endedAt
	if m.metrics != nil {
		m.metrics.TripsCompleted.Inc()
	}
	if m.positions != nil {
		if err := m.positions.Clear(ctx, trip.PositionKey()); err != nil {
			log.Warn().Err(err).Str("trip", trip.ID).Msg("clear live position")
		}
	}
	log.Info().Str("trip", trip.ID).Str("driver", driverID).
		Int("picked", trip.PickedCount).Int("dropped", trip.DroppedCount).Msg("trip completed")
	return trip, nil
}

// ActiveTrip returns today's trip for the driver, ACTIVE or COMPLETED.
func (m *Manager) ActiveTrip(ctx context.Context, driverID string) (tracking.Trip, bool, error) {
	t, err := m.store.TripForDay(ctx, driverID, m.cal.Today())
	if errors.Is(err, tracking.ErrNotFound) {
		return tracking.Trip{}, false, nil
	}
	if err != nil {
		return tracking.Trip{}, false, fmt.Errorf("load today's trip: %w", err)
	}
	return t, true, nil
}

// RequireActive returns today's trip only when it is ACTIVE.
func (m *Manager) RequireActive(ctx context.Context, driverID string) (tracking.Trip, error) {
	t, ok, err := m.ActiveTrip(ctx, driverID)
	if err != nil {
		return tracking.Trip{}, err
	}
	if !ok || t.Status != tracking.TripActive {
		return tracking.Trip{}, tracking.ErrNoActiveTrip
	}
	return t, nil
}

// SettlePosition runs after a live position write for trip. If the trip
// completed while the write was in flight, EndTrip may already have cleared
// the position, so the write is undone and ErrNoActiveTrip returned.
func (m *Manager) SettlePosition(ctx context.Context, trip tracking.Trip) error {
	cur, err := m.store.TripForDay(ctx, trip.DriverID, trip.ServiceDate)
	if err != nil {
		return fmt.Errorf("reload trip: %w", err)
	}
	if cur.ID == trip.ID && cur.Status == tracking.TripActive {
		return nil
	}
	if m.positions != nil {
		if err := m.positions.Clear(ctx, trip.PositionKey()); err != nil {
			log.Warn().Err(err).Str("trip", trip.ID).Msg("clear late live position")
		}
	}
	log.Debug().Str("trip", trip.ID).Msg("position arrived after trip end")
	return tracking.ErrNoActiveTrip
}

type Stats struct {
	CompletedTrips int            `json:"completedTrips"`
	Today          *tracking.Trip `json:"today,omitempty"`
}

func (m *Manager) Stats(ctx context.Context, driverID string) (Stats, error) {
	n, err := m.store.CountTrips(ctx, driverID, tracking.TripCompleted)
	if err != nil {
		return Stats{}, fmt.Errorf("count trips: %w", err)
	}
	st := Stats{CompletedTrips: n}
	if t, ok, err := m.ActiveTrip(ctx, driverID); err != nil {
		return Stats{}, err
	} else if ok {
		st.Today = &t
	}
	return st, nil
}
