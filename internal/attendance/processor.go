package attendance

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"schoolbus-tracker/internal/metrics"
	"schoolbus-tracker/internal/tracking"
)

type Store interface {
	Student(ctx context.Context, id string) (tracking.Student, error)
	DriverAssignment(ctx context.Context, driverID string) (tracking.Assignment, error)
	RouteStudents(ctx context.Context, routeID string) ([]tracking.Student, error)
	AppendEvent(ctx context.Context, ev *tracking.AttendanceEvent) error
	TripEvents(ctx context.Context, tripID string) ([]tracking.AttendanceEvent, error)
	RouteHistory(ctx context.Context, routeID, from, to string) ([]tracking.DaySummary, error)
}

type Trips interface {
	ActiveTrip(ctx context.Context, driverID string) (tracking.Trip, bool, error)
	RequireActive(ctx context.Context, driverID string) (tracking.Trip, error)
}

// Announcer publishes recorded events to downstream listeners.
type Announcer interface {
	AnnounceEvent(ctx context.Context, ev tracking.AttendanceEvent) error
}

// Command is one pickup or drop request from a driver.
type Command struct {
	StudentID string
	RouteID   string // optional; must match the trip's route when set
	ActorID   string // driver id from the session
	Location  *tracking.Coordinates
}

type Processor struct {
	store     Store
	trips     Trips
	announcer Announcer
	cal       tracking.Calendar
	metrics   *metrics.Collector
}

func NewProcessor(store Store, trips Trips, announcer Announcer, cal tracking.Calendar, m *metrics.Collector) *Processor {
	return &Processor{store: store, trips: trips, announcer: announcer, cal: cal, metrics: m}
}

func (p *Processor) RecordPickup(ctx context.Context, cmd Command) (tracking.AttendanceEvent, error) {
	return p.record(ctx, cmd, tracking.Pickup)
}

func (p *Processor) RecordDrop(ctx context.Context, cmd Command) (tracking.AttendanceEvent, error) {
	return p.record(ctx, cmd, tracking.Drop)
}

// IsAlreadyRecorded reports whether err means the event already exists, which
// callers may present as a no-op success.
func IsAlreadyRecorded(err error) bool {
	return errors.Is(err, tracking.ErrAlreadyPickedUp) || errors.Is(err, tracking.ErrAlreadyDropped)
}

func (p *Processor) record(ctx context.Context, cmd Command, typ tracking.EventType) (tracking.AttendanceEvent, error) {
	ev, err := p.append(ctx, cmd, typ)
	if err != nil {
		p.metrics.Reject(string(typ), tracking.ErrorCode(err))
		return tracking.AttendanceEvent{}, err
	}
	if p.metrics != nil {
		p.metrics.AttendanceEvents.WithLabelValues(string(typ)).Inc()
	}
	log.Info().Str("trip", ev.TripID).Str("student", ev.StudentID).Str("type", string(typ)).Msg("attendance recorded")
	if p.announcer != nil {
		if err := p.announcer.AnnounceEvent(ctx, ev); err != nil {
			log.Warn().Err(err).Str("event", ev.ID).Msg("announce attendance event")
		}
	}
	return ev, nil
}

func (p *Processor) append(ctx context.Context, cmd Command, typ tracking.EventType) (tracking.AttendanceEvent, error) {
	if cmd.StudentID == "" || cmd.ActorID == "" {
		return tracking.AttendanceEvent{}, fmt.Errorf("%w: student and driver are required", tracking.ErrInvalidInput)
	}
	trip, err := p.trips.RequireActive(ctx, cmd.ActorID)
	if err != nil {
		return tracking.AttendanceEvent{}, err
	}
	if cmd.RouteID != "" && cmd.RouteID != trip.RouteID {
		return tracking.AttendanceEvent{}, tracking.ErrRouteMismatch
	}
	student, err := p.store.Student(ctx, cmd.StudentID)
	if errors.Is(err, tracking.ErrNotFound) {
		return tracking.AttendanceEvent{}, tracking.ErrStudentNotAssigned
	}
	if err != nil {
		return tracking.AttendanceEvent{}, fmt.Errorf("load student: %w", err)
	}
	if student.RouteID != trip.RouteID {
		return tracking.AttendanceEvent{}, tracking.ErrStudentNotAssigned
	}

	ev := tracking.AttendanceEvent{
		ID:         uuid.NewString(),
		StudentID:  student.ID,
		TripID:     trip.ID,
		RouteID:    trip.RouteID,
		Type:       typ,
		Timestamp:  p.cal.Now(),
		RecordedBy: cmd.ActorID,
	}
	// a bad fix is dropped, never a reason to refuse the event
	if cmd.Location != nil && cmd.Location.Valid() {
		lat, lng := cmd.Location.Lat, cmd.Location.Lng
		ev.Lat, ev.Lng = &lat, &lng
	}
	if err := p.store.AppendEvent(ctx, &ev); err != nil {
		if tracking.IsPrecondition(err) {
			return tracking.AttendanceEvent{}, err
		}
		return tracking.AttendanceEvent{}, fmt.Errorf("append %s: %w", typ, err)
	}
	return ev, nil
}

type OnBoardStudent struct {
	Student  tracking.Student         `json:"student"`
	PickedUp tracking.AttendanceEvent `json:"pickedUp"`
}

// OnBoard lists the students currently on board the driver's trip, in
// pickup order. It is empty when the driver has no trip today.
func (p *Processor) OnBoard(ctx context.Context, driverID string) ([]OnBoardStudent, error) {
	trip, ok, err := p.trips.ActiveTrip(ctx, driverID)
	if err != nil || !ok {
		return nil, err
	}
	events, err := p.store.TripEvents(ctx, trip.ID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	proj := tracking.Project(events)
	var out []OnBoardStudent
	for _, ev := range events {
		if ev.Type != tracking.Pickup || proj.Status(ev.StudentID) != tracking.StudentOnBoard {
			continue
		}
		st, err := p.store.Student(ctx, ev.StudentID)
		if err != nil {
			return nil, fmt.Errorf("load student %s: %w", ev.StudentID, err)
		}
		out = append(out, OnBoardStudent{Student: st, PickedUp: ev})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PickedUp.Timestamp.Before(out[j].PickedUp.Timestamp) })
	return out, nil
}

type RosterEntry struct {
	Student tracking.Student       `json:"student"`
	Status  tracking.StudentStatus `json:"status"`
}

type StopGroup struct {
	Stop     tracking.Stop `json:"stop"`
	Students []RosterEntry `json:"students"`
}

type Roster struct {
	Route      tracking.Route      `json:"route"`
	TripStatus tracking.TripStatus `json:"tripStatus"`
	Stops      []StopGroup         `json:"stops"`
	Unassigned []RosterEntry       `json:"unassigned,omitempty"`
}

// Roster groups the driver's route students by pickup stop, each with its
// status on today's trip.
func (p *Processor) Roster(ctx context.Context, driverID string) (Roster, error) {
	a, err := p.store.DriverAssignment(ctx, driverID)
	if errors.Is(err, tracking.ErrNotFound) {
		return Roster{}, tracking.ErrNoRouteAssigned
	}
	if err != nil {
		return Roster{}, fmt.Errorf("load assignment: %w", err)
	}
	students, err := p.store.RouteStudents(ctx, a.Route.ID)
	if err != nil {
		return Roster{}, fmt.Errorf("load route students: %w", err)
	}

	r := Roster{Route: a.Route, TripStatus: tracking.TripNotStarted}
	proj := tracking.Projection{}
	trip, ok, err := p.trips.ActiveTrip(ctx, driverID)
	if err != nil {
		return Roster{}, err
	}
	if ok {
		r.TripStatus = trip.Status
		events, err := p.store.TripEvents(ctx, trip.ID)
		if err != nil {
			return Roster{}, fmt.Errorf("load events: %w", err)
		}
		proj = tracking.Project(events)
	}

	byStop := make(map[string][]RosterEntry)
	for _, st := range students {
		e := RosterEntry{Student: st, Status: proj.Status(st.ID)}
		byStop[st.PickupStopID] = append(byStop[st.PickupStopID], e)
	}
	for _, stop := range a.Route.Stops {
		if entries, ok := byStop[stop.ID]; ok {
			r.Stops = append(r.Stops, StopGroup{Stop: stop, Students: entries})
			delete(byStop, stop.ID)
		}
	}
	for _, entries := range byStop {
		r.Unassigned = append(r.Unassigned, entries...)
	}
	sort.Slice(r.Unassigned, func(i, j int) bool { return r.Unassigned[i].Student.Name < r.Unassigned[j].Student.Name })
	return r, nil
}

// History returns per-day pickup and drop counts for the driver's route
// between from and to (YYYY-MM-DD, inclusive). Empty bounds default to the
// last 30 days.
func (p *Processor) History(ctx context.Context, driverID, from, to string) ([]tracking.DaySummary, error) {
	a, err := p.store.DriverAssignment(ctx, driverID)
	if errors.Is(err, tracking.ErrNotFound) {
		return nil, tracking.ErrNoRouteAssigned
	}
	if err != nil {
		return nil, fmt.Errorf("load assignment: %w", err)
	}
	if to == "" {
		to = p.cal.Today()
	}
	end, err := p.cal.ParseDay(to)
	if err != nil {
		return nil, fmt.Errorf("%w: to: %v", tracking.ErrInvalidInput, err)
	}
	if from == "" {
		from = end.AddDate(0, 0, -30).Format(tracking.DateLayout)
	}
	start, err := p.cal.ParseDay(from)
	if err != nil {
		return nil, fmt.Errorf("%w: from: %v", tracking.ErrInvalidInput, err)
	}
	if start.After(end) {
		return nil, fmt.Errorf("%w: from is after to", tracking.ErrInvalidInput)
	}
	return p.store.RouteHistory(ctx, a.Route.ID, from, to)
}
