package db

import (
	"context"
	"database/sql"
	"fmt"

	"schoolbus-tracker/internal/tracking"
)

// AppendEvent writes one attendance event. Ordering (DROP needs a PICKUP)
// and uniqueness per (student, trip, type) are checked under the trip's row
// lock, so concurrent or replayed submissions cannot double-record.
func (s *Store) AppendEvent(ctx context.Context, ev *tracking.AttendanceEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := lockActiveTrip(ctx, tx, ev.TripID); err != nil {
		return err
	}

	if ev.Type == tracking.Drop {
		var picked bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM attendance_events
			WHERE trip_id = $1 AND student_id = $2 AND event_type = 'PICKUP')`, ev.TripID, ev.StudentID).Scan(&picked); err != nil {
			return fmt.Errorf("query pickup: %w", err)
		}
		if !picked {
			return tracking.ErrPickupRequired
		}
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO attendance_events
		(id, trip_id, student_id, route_id, event_type, recorded_at, lat, lng, recorded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (student_id, trip_id, event_type) DO NOTHING`,
		ev.ID, ev.TripID, ev.StudentID, ev.RouteID, string(ev.Type), ev.Timestamp,
		nullFloat(ev.Lat), nullFloat(ev.Lng), ev.RecordedBy)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return duplicateErr(ev.Type)
	}

	counter := "picked_count"
	if ev.Type == tracking.Drop {
		counter = "dropped_count"
	}
	if _, err := tx.ExecContext(ctx, `UPDATE trips SET `+counter+` = `+counter+` + 1 WHERE id = $1`, ev.TripID); err != nil {
		return fmt.Errorf("update trip counters: %w", err)
	}
	return tx.Commit()
}

func duplicateErr(t tracking.EventType) error {
	if t == tracking.Drop {
		return tracking.ErrAlreadyDropped
	}
	return tracking.ErrAlreadyPickedUp
}

func (s *Store) TripEvents(ctx context.Context, tripID string) ([]tracking.AttendanceEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id::text, trip_id::text, student_id, route_id, event_type,
			recorded_at, lat, lng, recorded_by
		FROM attendance_events WHERE trip_id = $1 ORDER BY recorded_at, event_type DESC`, tripID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []tracking.AttendanceEvent
	for rows.Next() {
		var (
			ev       tracking.AttendanceEvent
			typ      string
			lat, lng sql.NullFloat64
		)
		if err := rows.Scan(&ev.ID, &ev.TripID, &ev.StudentID, &ev.RouteID, &typ,
			&ev.Timestamp, &lat, &lng, &ev.RecordedBy); err != nil {
			return nil, err
		}
		ev.Type = tracking.EventType(typ)
		ev.Lat, ev.Lng = floatPtr(lat), floatPtr(lng)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RouteHistory summarises the route's trips per service day, newest first.
func (s *Store) RouteHistory(ctx context.Context, routeID, from, to string) ([]tracking.DaySummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT service_date::text,
			CASE WHEN bool_or(status = 'ACTIVE') THEN 'ACTIVE' ELSE 'COMPLETED' END,
			SUM(picked_count), SUM(dropped_count), MAX(total_students), MIN(started_at)
		FROM trips
		WHERE route_id = $1 AND service_date BETWEEN $2::date AND $3::date
		GROUP BY service_date
		ORDER BY service_date DESC`, routeID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query route history: %w", err)
	}
	defer rows.Close()
	var out []tracking.DaySummary
	for rows.Next() {
		var (
			d      tracking.DaySummary
			status string
		)
		if err := rows.Scan(&d.Date, &status, &d.Pickups, &d.Drops, &d.Total, &d.StartedAt); err != nil {
			return nil, err
		}
		d.Status = tracking.TripStatus(status)
		out = append(out, d)
	}
	return out, rows.Err()
}
