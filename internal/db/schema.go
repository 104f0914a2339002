package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Roster tables mirror what the portal maintains; trips and
// attendance_events are owned by this service.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS vehicles (
		id     TEXT PRIMARY KEY,
		number TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS drivers (
		id      TEXT PRIMARY KEY,
		user_id TEXT UNIQUE,
		name    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS routes (
		id         TEXT PRIMARY KEY,
		route_no   TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		vehicle_id TEXT REFERENCES vehicles(id),
		driver_id  TEXT UNIQUE REFERENCES drivers(id)
	)`,
	`CREATE TABLE IF NOT EXISTS stops (
		id       TEXT PRIMARY KEY,
		route_id TEXT NOT NULL REFERENCES routes(id),
		name     TEXT NOT NULL,
		seq      INT NOT NULL,
		lat      DOUBLE PRECISION,
		lng      DOUBLE PRECISION
	)`,
	`CREATE TABLE IF NOT EXISTS students (
		id             TEXT PRIMARY KEY,
		admission_no   TEXT NOT NULL UNIQUE,
		name           TEXT NOT NULL,
		class_name     TEXT NOT NULL DEFAULT '',
		route_id       TEXT REFERENCES routes(id),
		pickup_stop_id TEXT REFERENCES stops(id),
		drop_stop_id   TEXT REFERENCES stops(id)
	)`,
	`CREATE TABLE IF NOT EXISTS trips (
		id             UUID PRIMARY KEY,
		driver_id      TEXT NOT NULL,
		route_id       TEXT NOT NULL,
		vehicle_id     TEXT,
		service_date   DATE NOT NULL,
		status         TEXT NOT NULL CHECK (status IN ('NOT_STARTED', 'ACTIVE', 'COMPLETED')),
		started_at     TIMESTAMPTZ NOT NULL,
		ended_at       TIMESTAMPTZ,
		picked_count   INT NOT NULL DEFAULT 0,
		dropped_count  INT NOT NULL DEFAULT 0,
		total_students INT NOT NULL DEFAULT 0,
		UNIQUE (driver_id, service_date)
	)`,
	`CREATE INDEX IF NOT EXISTS trips_route_day_idx ON trips (route_id, service_date)`,
	`CREATE TABLE IF NOT EXISTS attendance_events (
		id          UUID PRIMARY KEY,
		trip_id     UUID NOT NULL REFERENCES trips(id),
		student_id  TEXT NOT NULL,
		route_id    TEXT NOT NULL,
		event_type  TEXT NOT NULL CHECK (event_type IN ('PICKUP', 'DROP')),
		recorded_at TIMESTAMPTZ NOT NULL,
		lat         DOUBLE PRECISION,
		lng         DOUBLE PRECISION,
		recorded_by TEXT NOT NULL,
		UNIQUE (student_id, trip_id, event_type)
	)`,
	`CREATE INDEX IF NOT EXISTS attendance_events_trip_idx ON attendance_events (trip_id)`,
}

// Migrate creates missing tables and indexes. It is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
