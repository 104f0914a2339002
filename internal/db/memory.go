package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"schoolbus-tracker/internal/tracking"
)

type eventKey struct {
	studentID string
	tripID    string
	typ       tracking.EventType
}

type dayKey struct {
	driverID string
	day      string
}

// Memory is an in-process store with the same uniqueness and ordering rules
// as the Postgres schema. It backs `serve --store memory` and tests.
type Memory struct {
	mu sync.Mutex

	vehicles map[string]tracking.Vehicle
	drivers  map[string]tracking.Driver
	routes   map[string]RosterRoute
	students map[string]tracking.Student

	trips     map[string]*tracking.Trip
	tripByDay map[dayKey]string
	events    map[string][]tracking.AttendanceEvent
	eventKeys map[eventKey]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		vehicles:  make(map[string]tracking.Vehicle),
		drivers:   make(map[string]tracking.Driver),
		routes:    make(map[string]RosterRoute),
		students:  make(map[string]tracking.Student),
		trips:     make(map[string]*tracking.Trip),
		tripByDay: make(map[dayKey]string),
		events:    make(map[string][]tracking.AttendanceEvent),
		eventKeys: make(map[eventKey]struct{}),
	}
}

func (m *Memory) ImportRoster(_ context.Context, r Roster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range r.Vehicles {
		m.vehicles[v.ID] = v
	}
	for _, d := range r.Drivers {
		m.drivers[d.ID] = d
	}
	for _, rt := range r.Routes {
		stops := append([]tracking.Stop(nil), rt.Stops...)
		for i := range stops {
			stops[i].RouteID = rt.ID
		}
		sort.Slice(stops, func(i, j int) bool { return stops[i].Sequence < stops[j].Sequence })
		rt.Stops = stops
		m.routes[rt.ID] = rt
	}
	for _, st := range r.Students {
		m.students[st.ID] = st
	}
	return nil
}

func (m *Memory) assignment(rt RosterRoute) tracking.Assignment {
	return tracking.Assignment{
		Route:   rt.Route,
		Vehicle: m.vehicles[rt.VehicleID],
		Driver:  m.drivers[rt.DriverID],
	}
}

func (m *Memory) DriverAssignment(_ context.Context, driverID string) (tracking.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rt := range m.routes {
		if rt.DriverID == driverID {
			return m.assignment(rt), nil
		}
	}
	return tracking.Assignment{}, tracking.ErrNotFound
}

func (m *Memory) RouteAssignment(_ context.Context, routeID string) (tracking.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.routes[routeID]
	if !ok {
		return tracking.Assignment{}, tracking.ErrNotFound
	}
	return m.assignment(rt), nil
}

func (m *Memory) DriverByUserID(_ context.Context, userID string) (tracking.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.drivers {
		if d.UserID != "" && d.UserID == userID {
			return d, nil
		}
	}
	return tracking.Driver{}, tracking.ErrNotFound
}

func (m *Memory) Student(_ context.Context, id string) (tracking.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.students[id]
	if !ok {
		return st, tracking.ErrNotFound
	}
	return st, nil
}

func (m *Memory) StudentByAdmissionNo(_ context.Context, admissionNo string) (tracking.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.students {
		if st.AdmissionNo == admissionNo {
			return st, nil
		}
	}
	return tracking.Student{}, tracking.ErrNotFound
}

func (m *Memory) RouteStudents(_ context.Context, routeID string) ([]tracking.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []tracking.Student
	for _, st := range m.students {
		if st.RouteID == routeID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) CreateTrip(_ context.Context, t *tracking.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := dayKey{t.DriverID, t.ServiceDate}
	if _, exists := m.tripByDay[k]; exists {
		return tracking.ErrConflict
	}
	cp := *t
	m.trips[t.ID] = &cp
	m.tripByDay[k] = t.ID
	return nil
}

func (m *Memory) TripForDay(_ context.Context, driverID, day string) (tracking.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.tripByDay[dayKey{driverID, day}]
	if !ok {
		return tracking.Trip{}, tracking.ErrNotFound
	}
	return *m.trips[id], nil
}

func (m *Memory) RouteTripForDay(_ context.Context, routeID, day string) (tracking.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *tracking.Trip
	for _, t := range m.trips {
		if t.RouteID != routeID || t.ServiceDate != day {
			continue
		}
		if found == nil || t.StartedAt.After(found.StartedAt) {
			found = t
		}
	}
	if found == nil {
		return tracking.Trip{}, tracking.ErrNotFound
	}
	return *found, nil
}

func (m *Memory) activeTrip(tripID string) (*tracking.Trip, error) {
	t, ok := m.trips[tripID]
	if !ok || t.Status != tracking.TripActive {
		return nil, tracking.ErrNoActiveTrip
	}
	return t, nil
}

func (m *Memory) CompleteTrip(_ context.Context, tripID string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.activeTrip(tripID)
	if err != nil {
		return err
	}
	if onBoard := tracking.Project(m.events[tripID]).OnBoard(); len(onBoard) > 0 {
		return &tracking.OnBoardError{StudentIDs: onBoard}
	}
	t.Status = tracking.TripCompleted
	e := endedAt
	t.EndedAt = &e
	return nil
}

func (m *Memory) CountTrips(_ context.Context, driverID string, status tracking.TripStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.trips {
		if t.DriverID == driverID && t.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *Memory) AppendEvent(_ context.Context, ev *tracking.AttendanceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.activeTrip(ev.TripID)
	if err != nil {
		return err
	}
	if ev.Type == tracking.Drop {
		if _, picked := m.eventKeys[eventKey{ev.StudentID, ev.TripID, tracking.Pickup}]; !picked {
			return tracking.ErrPickupRequired
		}
	}
	k := eventKey{ev.StudentID, ev.TripID, ev.Type}
	if _, dup := m.eventKeys[k]; dup {
		return duplicateErr(ev.Type)
	}
	m.eventKeys[k] = struct{}{}
	m.events[ev.TripID] = append(m.events[ev.TripID], *ev)
	if ev.Type == tracking.Drop {
		t.DroppedCount++
	} else {
		t.PickedCount++
	}
	return nil
}

func (m *Memory) TripEvents(_ context.Context, tripID string) ([]tracking.AttendanceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tracking.AttendanceEvent(nil), m.events[tripID]...), nil
}

func (m *Memory) RouteHistory(_ context.Context, routeID, from, to string) ([]tracking.DaySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byDay := make(map[string]*tracking.DaySummary)
	for _, t := range m.trips {
		// YYYY-MM-DD compares lexically
		if t.RouteID != routeID || t.ServiceDate < from || t.ServiceDate > to {
			continue
		}
		d, ok := byDay[t.ServiceDate]
		if !ok {
			d = &tracking.DaySummary{Date: t.ServiceDate, Status: tracking.TripCompleted, StartedAt: t.StartedAt}
			byDay[t.ServiceDate] = d
		}
		d.Pickups += t.PickedCount
		d.Drops += t.DroppedCount
		if t.TotalStudents > d.Total {
			d.Total = t.TotalStudents
		}
		if t.Status == tracking.TripActive {
			d.Status = tracking.TripActive
		}
		if t.StartedAt.Before(d.StartedAt) {
			d.StartedAt = t.StartedAt
		}
	}
	out := make([]tracking.DaySummary, 0, len(byDay))
	for _, d := range byDay {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out, nil
}
