package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-json"

	"schoolbus-tracker/internal/tracking"
)

// Roster is a snapshot of the portal-owned reference data, used to seed a
// development database or the in-memory store.
type Roster struct {
	Vehicles []tracking.Vehicle `json:"vehicles"`
	Drivers  []tracking.Driver  `json:"drivers"`
	Routes   []RosterRoute      `json:"routes"`
	Students []tracking.Student `json:"students"`
}

type RosterRoute struct {
	tracking.Route
	VehicleID string `json:"vehicleId,omitempty"`
	DriverID  string `json:"driverId,omitempty"`
}

func LoadRoster(path string) (Roster, error) {
	var r Roster
	b, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return r, fmt.Errorf("decode roster %s: %w", path, err)
	}
	return r, nil
}

// ImportRoster upserts the roster in a single transaction.
func (s *Store) ImportRoster(ctx context.Context, r Roster) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, v := range r.Vehicles {
		if _, err := tx.ExecContext(ctx, `INSERT INTO vehicles (id, number) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET number = EXCLUDED.number`, v.ID, v.Number); err != nil {
			return fmt.Errorf("upsert vehicle %s: %w", v.ID, err)
		}
	}
	for _, d := range r.Drivers {
		if _, err := tx.ExecContext(ctx, `INSERT INTO drivers (id, user_id, name) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id, name = EXCLUDED.name`,
			d.ID, nullString(d.UserID), d.Name); err != nil {
			return fmt.Errorf("upsert driver %s: %w", d.ID, err)
		}
	}
	for _, rt := range r.Routes {
		if _, err := tx.ExecContext(ctx, `INSERT INTO routes (id, route_no, name, vehicle_id, driver_id) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET route_no = EXCLUDED.route_no, name = EXCLUDED.name,
				vehicle_id = EXCLUDED.vehicle_id, driver_id = EXCLUDED.driver_id`,
			rt.ID, rt.RouteNo, rt.Name, nullString(rt.VehicleID), nullString(rt.DriverID)); err != nil {
			return fmt.Errorf("upsert route %s: %w", rt.ID, err)
		}
		for _, st := range rt.Stops {
			if _, err := tx.ExecContext(ctx, `INSERT INTO stops (id, route_id, name, seq, lat, lng) VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (id) DO UPDATE SET route_id = EXCLUDED.route_id, name = EXCLUDED.name,
					seq = EXCLUDED.seq, lat = EXCLUDED.lat, lng = EXCLUDED.lng`,
				st.ID, rt.ID, st.Name, st.Sequence, st.Lat, st.Lng); err != nil {
				return fmt.Errorf("upsert stop %s: %w", st.ID, err)
			}
		}
	}
	for _, st := range r.Students {
		if _, err := tx.ExecContext(ctx, `INSERT INTO students (id, admission_no, name, class_name, route_id, pickup_stop_id, drop_stop_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET admission_no = EXCLUDED.admission_no, name = EXCLUDED.name,
				class_name = EXCLUDED.class_name, route_id = EXCLUDED.route_id,
				pickup_stop_id = EXCLUDED.pickup_stop_id, drop_stop_id = EXCLUDED.drop_stop_id`,
			st.ID, st.AdmissionNo, st.Name, st.ClassName, nullString(st.RouteID),
			nullString(st.PickupStopID), nullString(st.DropStopID)); err != nil {
			return fmt.Errorf("upsert student %s: %w", st.ID, err)
		}
	}
	return tx.Commit()
}

const assignmentQuery = `
SELECT r.id, r.route_no, r.name,
       COALESCE(v.id, ''), COALESCE(v.number, ''),
       COALESCE(d.id, ''), COALESCE(d.user_id, ''), COALESCE(d.name, '')
FROM routes r
LEFT JOIN vehicles v ON v.id = r.vehicle_id
LEFT JOIN drivers d ON d.id = r.driver_id
`

func (s *Store) scanAssignment(ctx context.Context, where string, arg string) (tracking.Assignment, error) {
	var a tracking.Assignment
	err := s.db.QueryRowContext(ctx, assignmentQuery+where, arg).Scan(
		&a.Route.ID, &a.Route.RouteNo, &a.Route.Name,
		&a.Vehicle.ID, &a.Vehicle.Number,
		&a.Driver.ID, &a.Driver.UserID, &a.Driver.Name,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return a, tracking.ErrNotFound
	}
	if err != nil {
		return a, fmt.Errorf("query assignment: %w", err)
	}
	a.Route.Stops, err = s.routeStops(ctx, a.Route.ID)
	return a, err
}

// DriverAssignment returns the route the driver is assigned to, or
// tracking.ErrNotFound.
func (s *Store) DriverAssignment(ctx context.Context, driverID string) (tracking.Assignment, error) {
	return s.scanAssignment(ctx, "WHERE r.driver_id = $1", driverID)
}

func (s *Store) RouteAssignment(ctx context.Context, routeID string) (tracking.Assignment, error) {
	return s.scanAssignment(ctx, "WHERE r.id = $1", routeID)
}

func (s *Store) routeStops(ctx context.Context, routeID string) ([]tracking.Stop, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, route_id, name, seq, COALESCE(lat, 0), COALESCE(lng, 0)
		FROM stops WHERE route_id = $1 ORDER BY seq`, routeID)
	if err != nil {
		return nil, fmt.Errorf("query stops: %w", err)
	}
	defer rows.Close()
	var stops []tracking.Stop
	for rows.Next() {
		var st tracking.Stop
		if err := rows.Scan(&st.ID, &st.RouteID, &st.Name, &st.Sequence, &st.Lat, &st.Lng); err != nil {
			return nil, err
		}
		stops = append(stops, st)
	}
	return stops, rows.Err()
}

func (s *Store) DriverByUserID(ctx context.Context, userID string) (tracking.Driver, error) {
	var d tracking.Driver
	err := s.db.QueryRowContext(ctx, `SELECT id, COALESCE(user_id, ''), name FROM drivers WHERE user_id = $1`, userID).
		Scan(&d.ID, &d.UserID, &d.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return d, tracking.ErrNotFound
	}
	if err != nil {
		return d, fmt.Errorf("query driver: %w", err)
	}
	return d, nil
}

const studentColumns = `id, admission_no, name, class_name, COALESCE(route_id, ''), COALESCE(pickup_stop_id, ''), COALESCE(drop_stop_id, '')`

func scanStudent(row interface{ Scan(...any) error }) (tracking.Student, error) {
	var st tracking.Student
	err := row.Scan(&st.ID, &st.AdmissionNo, &st.Name, &st.ClassName, &st.RouteID, &st.PickupStopID, &st.DropStopID)
	return st, err
}

func (s *Store) studentWhere(ctx context.Context, where, arg string) (tracking.Student, error) {
	st, err := scanStudent(s.db.QueryRowContext(ctx, `SELECT `+studentColumns+` FROM students WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return st, tracking.ErrNotFound
	}
	if err != nil {
		return st, fmt.Errorf("query student: %w", err)
	}
	return st, nil
}

func (s *Store) Student(ctx context.Context, id string) (tracking.Student, error) {
	return s.studentWhere(ctx, "id = $1", id)
}

func (s *Store) StudentByAdmissionNo(ctx context.Context, admissionNo string) (tracking.Student, error) {
	return s.studentWhere(ctx, "admission_no = $1", admissionNo)
}

func (s *Store) RouteStudents(ctx context.Context, routeID string) ([]tracking.Student, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+studentColumns+` FROM students WHERE route_id = $1 ORDER BY name`, routeID)
	if err != nil {
		return nil, fmt.Errorf("query route students: %w", err)
	}
	defer rows.Close()
	var out []tracking.Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
