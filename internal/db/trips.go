package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"schoolbus-tracker/internal/tracking"
)

const tripColumns = `id::text, driver_id, route_id, COALESCE(vehicle_id, ''), service_date::text, status,
	started_at, ended_at, picked_count, dropped_count, total_students`

func scanTrip(row interface{ Scan(...any) error }) (tracking.Trip, error) {
	var (
		t      tracking.Trip
		status string
		ended  sql.NullTime
	)
	err := row.Scan(&t.ID, &t.DriverID, &t.RouteID, &t.VehicleID, &t.ServiceDate, &status,
		&t.StartedAt, &ended, &t.PickedCount, &t.DroppedCount, &t.TotalStudents)
	if err != nil {
		return t, err
	}
	t.Status = tracking.TripStatus(status)
	if ended.Valid {
		e := ended.Time
		t.EndedAt = &e
	}
	return t, nil
}

// CreateTrip inserts a trip. A second trip for the same driver and service
// day violates the unique index and yields tracking.ErrConflict.
func (s *Store) CreateTrip(ctx context.Context, t *tracking.Trip) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO trips
		(id, driver_id, route_id, vehicle_id, service_date, status, started_at, total_students)
		VALUES ($1, $2, $3, $4, $5::date, $6, $7, $8)`,
		t.ID, t.DriverID, t.RouteID, nullString(t.VehicleID), t.ServiceDate, string(t.Status), t.StartedAt, t.TotalStudents)
	if isUniqueViolation(err) {
		return tracking.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert trip: %w", err)
	}
	return nil
}

func (s *Store) tripWhere(ctx context.Context, where string, args ...any) (tracking.Trip, error) {
	t, err := scanTrip(s.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return t, tracking.ErrNotFound
	}
	if err != nil {
		return t, fmt.Errorf("query trip: %w", err)
	}
	return t, nil
}

func (s *Store) TripForDay(ctx context.Context, driverID, day string) (tracking.Trip, error) {
	return s.tripWhere(ctx, "driver_id = $1 AND service_date = $2::date", driverID, day)
}

// RouteTripForDay returns the most recently started trip on the route.
func (s *Store) RouteTripForDay(ctx context.Context, routeID, day string) (tracking.Trip, error) {
	return s.tripWhere(ctx, "route_id = $1 AND service_date = $2::date ORDER BY started_at DESC LIMIT 1", routeID, day)
}

const onBoardQuery = `
SELECT p.student_id FROM attendance_events p
WHERE p.trip_id = $1 AND p.event_type = 'PICKUP'
  AND NOT EXISTS (
    SELECT 1 FROM attendance_events d
    WHERE d.trip_id = p.trip_id AND d.student_id = p.student_id AND d.event_type = 'DROP')
ORDER BY p.student_id`

// CompleteTrip moves an ACTIVE trip to COMPLETED. The trip row is locked so
// no event can be appended between the on-board check and the transition.
func (s *Store) CompleteTrip(ctx context.Context, tripID string, endedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := lockActiveTrip(ctx, tx, tripID); err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, onBoardQuery, tripID)
	if err != nil {
		return fmt.Errorf("query on board: %w", err)
	}
	var onBoard []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		onBoard = append(onBoard, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(onBoard) > 0 {
		return &tracking.OnBoardError{StudentIDs: onBoard}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE trips SET status = 'COMPLETED', ended_at = $2 WHERE id = $1`, tripID, endedAt); err != nil {
		return fmt.Errorf("complete trip: %w", err)
	}
	return tx.Commit()
}

// lockActiveTrip takes the row lock that serialises writes against one trip.
func lockActiveTrip(ctx context.Context, tx *sql.Tx, tripID string) (string, error) {
	var status, routeID string
	err := tx.QueryRowContext(ctx, `SELECT status, route_id FROM trips WHERE id = $1 FOR UPDATE`, tripID).Scan(&status, &routeID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", tracking.ErrNoActiveTrip
	}
	if err != nil {
		return "", fmt.Errorf("lock trip: %w", err)
	}
	if tracking.TripStatus(status) != tracking.TripActive {
		return "", tracking.ErrNoActiveTrip
	}
	return routeID, nil
}

func (s *Store) CountTrips(ctx context.Context, driverID string, status tracking.TripStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trips WHERE driver_id = $1 AND status = $2`, driverID, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count trips: %w", err)
	}
	return n, nil
}
