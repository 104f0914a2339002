package identity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"
	"github.com/redis/go-redis/v9"

	"schoolbus-tracker/internal/db"
	"schoolbus-tracker/internal/session"
	"schoolbus-tracker/internal/tracking"
	"schoolbus-tracker/internal/trips"
)

type countingDirectory struct {
	Directory
	calls atomic.Int32
	err   error
}

func (c *countingDirectory) Student(ctx context.Context, id string) (tracking.Student, error) {
	c.calls.Add(1)
	if c.err != nil {
		return tracking.Student{}, c.err
	}
	return c.Directory.Student(ctx, id)
}

func (c *countingDirectory) StudentByAdmissionNo(ctx context.Context, no string) (tracking.Student, error) {
	c.calls.Add(1)
	if c.err != nil {
		return tracking.Student{}, c.err
	}
	return c.Directory.StudentByAdmissionNo(ctx, no)
}

func (c *countingDirectory) RouteStudents(ctx context.Context, routeID string) ([]tracking.Student, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.Directory.RouteStudents(ctx, routeID)
}

type fixture struct {
	store    *db.Memory
	dir      *countingDirectory
	trips    *trips.Manager
	resolver *Resolver
}

func newFixture(t *testing.T, c *cache.Cache[string]) *fixture {
	t.Helper()
	store := db.NewMemory()
	err := store.ImportRoster(context.Background(), db.Roster{
		Drivers: []tracking.Driver{{ID: "d1"}},
		Routes:  []db.RosterRoute{{Route: tracking.Route{ID: "r1"}, DriverID: "d1"}, {Route: tracking.Route{ID: "r2"}}},
		Students: []tracking.Student{
			{ID: "s1", AdmissionNo: "A-100", Name: "Asha", RouteID: "r1"},
			{ID: "s2", AdmissionNo: "A-200", Name: "Bala", RouteID: "r2"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	cal := tracking.Calendar{Location: time.UTC, Clock: func() time.Time { return now }}
	f := &fixture{store: store, dir: &countingDirectory{Directory: store}}
	f.trips = trips.NewManager(store, nil, cal, nil)
	f.resolver = NewResolver(f.dir, f.trips, store, c, nil)
	return f
}

var driver = session.Session{UserID: "u1", Role: session.RoleDriver, DriverID: "d1", RouteID: "r1"}

func TestResolveVerified(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		code       string
		wantSource string
	}{
		{"A-100", SourceAdmissionNo},
		{"s1", SourceStudentID},
		{"STUDENT:s1:Asha:5B:A-100", SourceMarker},
		{`{"admissionNo":"A-100"}`, SourceJSON},
		{`{"studentId":"s1"}`, SourceJSON},
		{"  A-100  ", SourceAdmissionNo},
	}
	for _, tt := range tests {
		res, err := f.resolver.Resolve(ctx, tt.code, driver)
		if err != nil {
			t.Errorf("Resolve(%q): %v", tt.code, err)
			continue
		}
		if !res.Verified || res.Student == nil || res.Student.ID != "s1" || res.Source != tt.wantSource {
			t.Errorf("Resolve(%q): unexpected %+v", tt.code, res)
		}
		if res.Student.OffRoute || res.Student.IsPickedUp {
			t.Errorf("Resolve(%q): unexpected flags %+v", tt.code, res.Student)
		}
	}
}

func TestResolveStatusFlagsFollowLedger(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	trip, err := f.trips.StartTrip(ctx, "d1", "")
	if err != nil {
		t.Fatal(err)
	}
	res, _ := f.resolver.Resolve(ctx, "A-100", driver)
	if res.Student.TripID != trip.ID || res.Student.IsPickedUp {
		t.Fatalf("expected not picked up on %s, got %+v", trip.ID, res.Student)
	}

	ev := &tracking.AttendanceEvent{ID: "e1", StudentID: "s1", TripID: trip.ID, RouteID: "r1", Type: tracking.Pickup, Timestamp: time.Now()}
	if err := f.store.AppendEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	res, _ = f.resolver.Resolve(ctx, "A-100", driver)
	if !res.Student.IsPickedUp || res.Student.IsDropped {
		t.Errorf("expected picked up, got %+v", res.Student)
	}

	ev = &tracking.AttendanceEvent{ID: "e2", StudentID: "s1", TripID: trip.ID, RouteID: "r1", Type: tracking.Drop, Timestamp: time.Now()}
	if err := f.store.AppendEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	res, _ = f.resolver.Resolve(ctx, "A-100", driver)
	if !res.Student.IsPickedUp || !res.Student.IsDropped {
		t.Errorf("expected dropped, got %+v", res.Student)
	}
}

func TestResolveOffRouteAndUnverified(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.resolver.Resolve(ctx, "A-200", driver)
	if err != nil || !res.Verified || !res.Student.OffRoute {
		t.Errorf("expected verified off-route match, got %+v (%v)", res, err)
	}

	res, err = f.resolver.Resolve(ctx, "STUDENT:s404:Zoya:3C:A-404", driver)
	if err != nil {
		t.Fatal(err)
	}
	if res.Verified || res.Candidate == nil || res.Source != SourceFallback {
		t.Fatalf("expected unverified candidate, got %+v", res)
	}
	if res.Candidate.StudentID != "s404" || res.Candidate.Name != "Zoya" || !res.Candidate.NeedsConfirmation {
		t.Errorf("unexpected candidate %+v", res.Candidate)
	}

	if _, err := f.resolver.Resolve(ctx, "   ", driver); !errors.Is(err, ErrEmptyCode) || !errors.Is(err, tracking.ErrInvalidInput) {
		t.Errorf("expected ErrEmptyCode, got %v", err)
	}
}

func TestResolveDegradesOnDirectoryFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.dir.err = errors.New("connection refused")

	res, err := f.resolver.Resolve(context.Background(), "STUDENT:s1:Asha:5B:A-100", driver)
	if err != nil {
		t.Fatalf("expected degraded result, got %v", err)
	}
	if res.Verified || res.Candidate == nil || res.Candidate.StudentID != "s1" {
		t.Errorf("expected unverified candidate, got %+v", res)
	}
}

func TestResolveUsesCache(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := cache.New[string](redisstore.NewRedis(client, store.WithExpiration(time.Minute)))

	f := newFixture(t, c)
	ctx := context.Background()
	viewer := session.Session{UserID: "p1", Role: session.RoleParent}

	if _, err := f.resolver.Resolve(ctx, "A-100", viewer); err != nil {
		t.Fatal(err)
	}
	first := f.dir.calls.Load()
	res, err := f.resolver.Resolve(ctx, "A-100", viewer)
	if err != nil || !res.Verified {
		t.Fatalf("expected verified from cache, got %+v (%v)", res, err)
	}
	if got := f.dir.calls.Load(); got != first {
		t.Errorf("expected cached lookup, directory calls went from %d to %d", first, got)
	}
	if !mr.Exists("student:adm:A-100") {
		t.Error("expected cache key in redis")
	}
}

func TestResolvePrefersDriverRoute(t *testing.T) {
	t.Parallel()
	store := db.NewMemory()
	err := store.ImportRoster(context.Background(), db.Roster{
		Drivers: []tracking.Driver{{ID: "d1"}},
		Routes:  []db.RosterRoute{{Route: tracking.Route{ID: "r1"}, DriverID: "d1"}, {Route: tracking.Route{ID: "r2"}}},
		Students: []tracking.Student{
			{ID: "S2", AdmissionNo: "A-1", Name: "OnRoute", RouteID: "r1"},
			{ID: "x9", AdmissionNo: "S2", Name: "OtherRoute", RouteID: "r2"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	cal := tracking.Calendar{Location: time.UTC, Clock: time.Now}
	r := NewResolver(store, trips.NewManager(store, nil, cal, nil), store, nil, nil)
	ctx := context.Background()

	res, err := r.Resolve(ctx, "S2", driver)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Verified || res.Student.ID != "S2" || res.Student.OffRoute || res.Source != SourceStudentID {
		t.Errorf("expected on-route student S2 by id, got %+v", res.Student)
	}

	// without a route the directory-wide order applies
	res, err = r.Resolve(ctx, "S2", session.Session{UserID: "p1", Role: session.RoleParent})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Verified || res.Student.ID != "x9" || res.Source != SourceAdmissionNo {
		t.Errorf("expected x9 by admission number, got %+v", res.Student)
	}
}
