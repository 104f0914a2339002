package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"schoolbus-tracker/internal/db"
	"schoolbus-tracker/internal/tracking"
	"schoolbus-tracker/internal/trips"
)

type recordingAnnouncer struct {
	mu     sync.Mutex
	events []tracking.AttendanceEvent
	err    error
}

func (r *recordingAnnouncer) AnnounceEvent(_ context.Context, ev tracking.AttendanceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

type fixture struct {
	store     *db.Memory
	trips     *trips.Manager
	proc      *Processor
	announcer *recordingAnnouncer
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := db.NewMemory()
	err := store.ImportRoster(context.Background(), db.Roster{
		Drivers: []tracking.Driver{{ID: "d1", Name: "Ravi"}, {ID: "d2", Name: "Meena"}},
		Routes: []db.RosterRoute{
			{Route: tracking.Route{ID: "r1", RouteNo: "7", Stops: []tracking.Stop{
				{ID: "gate", Name: "Gate", Sequence: 1},
				{ID: "market", Name: "Market", Sequence: 2},
			}}, DriverID: "d1"},
			{Route: tracking.Route{ID: "r2", RouteNo: "9"}, DriverID: "d2"},
		},
		Students: []tracking.Student{
			{ID: "s1", AdmissionNo: "A-1", Name: "Asha", RouteID: "r1", PickupStopID: "market"},
			{ID: "s2", AdmissionNo: "A-2", Name: "Bala", RouteID: "r1", PickupStopID: "gate"},
			{ID: "s3", AdmissionNo: "A-3", Name: "Chitra", RouteID: "r1"},
			{ID: "s9", AdmissionNo: "A-9", Name: "Other", RouteID: "r2"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{store: store, announcer: &recordingAnnouncer{}, now: time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)}
	cal := tracking.Calendar{Location: time.UTC, Clock: func() time.Time { return f.now }}
	f.trips = trips.NewManager(store, nil, cal, nil)
	f.proc = NewProcessor(store, f.trips, f.announcer, cal, nil)
	return f
}

func cmd(student string) Command {
	return Command{StudentID: student, ActorID: "d1"}
}

func TestTripScenario(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.proc.RecordPickup(ctx, cmd("s1")); !errors.Is(err, tracking.ErrNoActiveTrip) {
		t.Fatalf("expected ErrNoActiveTrip before start, got %v", err)
	}
	trip, err := f.trips.StartTrip(ctx, "d1", "")
	if err != nil {
		t.Fatal(err)
	}

	ev, err := f.proc.RecordPickup(ctx, Command{StudentID: "s1", ActorID: "d1", RouteID: "r1",
		Location: &tracking.Coordinates{Lat: 12.97, Lng: 77.59}})
	if err != nil {
		t.Fatalf("pickup: %v", err)
	}
	if ev.TripID != trip.ID || ev.Type != tracking.Pickup || ev.Lat == nil || *ev.Lng != 77.59 {
		t.Errorf("unexpected event %+v", ev)
	}

	_, err = f.proc.RecordPickup(ctx, cmd("s1"))
	if !errors.Is(err, tracking.ErrAlreadyPickedUp) || !IsAlreadyRecorded(err) {
		t.Errorf("expected ErrAlreadyPickedUp, got %v", err)
	}
	if _, err := f.proc.RecordDrop(ctx, cmd("s2")); !errors.Is(err, tracking.ErrPickupRequired) {
		t.Errorf("expected ErrPickupRequired, got %v", err)
	}
	if _, err := f.trips.EndTrip(ctx, "d1"); !errors.Is(err, tracking.ErrStudentsStillOnBoard) {
		t.Errorf("expected ErrStudentsStillOnBoard, got %v", err)
	}

	f.now = f.now.Add(30 * time.Minute)
	if _, err := f.proc.RecordDrop(ctx, cmd("s1")); err != nil {
		t.Fatalf("drop: %v", err)
	}
	_, err = f.proc.RecordDrop(ctx, cmd("s1"))
	if !errors.Is(err, tracking.ErrAlreadyDropped) || !IsAlreadyRecorded(err) {
		t.Errorf("expected ErrAlreadyDropped, got %v", err)
	}
	if _, err := f.trips.EndTrip(ctx, "d1"); err != nil {
		t.Fatalf("end trip: %v", err)
	}
	if _, err := f.proc.RecordPickup(ctx, cmd("s2")); !errors.Is(err, tracking.ErrNoActiveTrip) {
		t.Errorf("expected ErrNoActiveTrip after completion, got %v", err)
	}

	if len(f.announcer.events) != 2 {
		t.Errorf("expected 2 announced events, got %d", len(f.announcer.events))
	}
}

func TestRecordRejectsStudentsOffRoute(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.trips.StartTrip(ctx, "d1", ""); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		cmd     Command
		wantErr error
	}{
		{"other route student", cmd("s9"), tracking.ErrStudentNotAssigned},
		{"unknown student", cmd("ghost"), tracking.ErrStudentNotAssigned},
		{"route mismatch", Command{StudentID: "s1", ActorID: "d1", RouteID: "r2"}, tracking.ErrRouteMismatch},
		{"missing student", Command{ActorID: "d1"}, tracking.ErrInvalidInput},
		{"other driver", Command{StudentID: "s9", ActorID: "d2"}, tracking.ErrNoActiveTrip},
	}
	for _, tt := range tests {
		if _, err := f.proc.RecordPickup(ctx, tt.cmd); !errors.Is(err, tt.wantErr) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.wantErr, err)
		}
	}
}

func TestInvalidLocationIsDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.trips.StartTrip(ctx, "d1", ""); err != nil {
		t.Fatal(err)
	}
	f.announcer.err = errors.New("nats down")

	ev, err := f.proc.RecordPickup(ctx, Command{StudentID: "s1", ActorID: "d1", Location: &tracking.Coordinates{Lat: 0, Lng: 0}})
	if err != nil {
		t.Fatalf("expected pickup despite bad fix and announcer failure, got %v", err)
	}
	if ev.Lat != nil || ev.Lng != nil {
		t.Errorf("expected no coordinates, got %v %v", ev.Lat, ev.Lng)
	}
}

func TestOnBoardAndRoster(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.proc.Roster(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if r.TripStatus != tracking.TripNotStarted || len(r.Stops) != 2 {
		t.Fatalf("unexpected roster before start %+v", r)
	}
	if r.Stops[0].Stop.ID != "gate" || r.Stops[0].Students[0].Student.ID != "s2" {
		t.Errorf("expected gate stop with s2 first, got %+v", r.Stops[0])
	}
	if len(r.Unassigned) != 1 || r.Unassigned[0].Student.ID != "s3" {
		t.Errorf("expected s3 without a stop, got %+v", r.Unassigned)
	}

	if _, err := f.trips.StartTrip(ctx, "d1", ""); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"s2", "s1"} {
		f.now = f.now.Add(time.Minute)
		if _, err := f.proc.RecordPickup(ctx, cmd(id)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.proc.RecordDrop(ctx, cmd("s2")); err != nil {
		t.Fatal(err)
	}

	onBoard, err := f.proc.OnBoard(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if len(onBoard) != 1 || onBoard[0].Student.ID != "s1" {
		t.Errorf("expected only s1 on board, got %+v", onBoard)
	}

	r, err = f.proc.Roster(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if r.TripStatus != tracking.TripActive {
		t.Errorf("expected active trip, got %s", r.TripStatus)
	}
	status := map[string]tracking.StudentStatus{}
	for _, g := range r.Stops {
		for _, e := range g.Students {
			status[e.Student.ID] = e.Status
		}
	}
	if status["s1"] != tracking.StudentOnBoard || status["s2"] != tracking.StudentCompleted {
		t.Errorf("unexpected roster statuses %v", status)
	}

	if onBoard, err := f.proc.OnBoard(ctx, "d2"); err != nil || len(onBoard) != 0 {
		t.Errorf("expected empty on-board list for driver without trip, got %v (%v)", onBoard, err)
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for day := 0; day < 3; day++ {
		if _, err := f.trips.StartTrip(ctx, "d1", ""); err != nil {
			t.Fatal(err)
		}
		if _, err := f.proc.RecordPickup(ctx, cmd("s1")); err != nil {
			t.Fatal(err)
		}
		if _, err := f.proc.RecordDrop(ctx, cmd("s1")); err != nil {
			t.Fatal(err)
		}
		if _, err := f.trips.EndTrip(ctx, "d1"); err != nil {
			t.Fatal(err)
		}
		f.now = f.now.Add(24 * time.Hour)
	}

	hist, err := f.proc.History(ctx, "d1", "2026-03-02", "2026-03-03")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].Date != "2026-03-03" || hist[0].Pickups != 1 || hist[0].Drops != 1 {
		t.Errorf("unexpected history %+v", hist)
	}
	all, err := f.proc.History(ctx, "d1", "", "")
	if err != nil || len(all) != 3 {
		t.Errorf("expected 3 days with default window, got %d (%v)", len(all), err)
	}
	if _, err := f.proc.History(ctx, "d1", "2026-03-05", "2026-03-01"); !errors.Is(err, tracking.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for reversed range, got %v", err)
	}
	if _, err := f.proc.History(ctx, "nobody", "", ""); !errors.Is(err, tracking.ErrNoRouteAssigned) {
		t.Errorf("expected ErrNoRouteAssigned, got %v", err)
	}
}
