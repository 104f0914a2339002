package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"schoolbus-tracker/internal/tracking"
)

type fakeDirectory struct {
	drivers     map[string]tracking.Driver
	assignments map[string]tracking.Assignment
}

func (f fakeDirectory) DriverByUserID(_ context.Context, userID string) (tracking.Driver, error) {
	d, ok := f.drivers[userID]
	if !ok {
		return d, tracking.ErrNotFound
	}
	return d, nil
}

func (f fakeDirectory) DriverAssignment(_ context.Context, driverID string) (tracking.Assignment, error) {
	a, ok := f.assignments[driverID]
	if !ok {
		return a, tracking.ErrNotFound
	}
	return a, nil
}

func TestSignAndParse(t *testing.T) {
	t.Parallel()

	s := NewSigner("secret", time.Hour)
	token, err := s.Sign(Session{UserID: "u1", Role: RoleParent, StudentIDs: []string{"s1", "s2"}})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Parse(token)
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != "u1" || got.Role != RoleParent || len(got.StudentIDs) != 2 {
		t.Errorf("unexpected session %+v", got)
	}
	if !got.CanView("s2") || got.CanView("s3") {
		t.Error("unexpected CanView result")
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	s := NewSigner("secret", time.Hour)
	other := NewSigner("other", time.Hour)
	expired := NewSigner("secret", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	good, _ := other.Sign(Session{UserID: "u1", Role: RoleDriver})
	old, _ := expired.Sign(Session{UserID: "u1", Role: RoleDriver})

	tests := []struct {
		name  string
		token string
	}{
		{"wrong key", good},
		{"expired", old},
		{"garbage", "not-a-token"},
	}
	for _, tt := range tests {
		if _, err := s.Parse(tt.token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: expected ErrInvalidToken, got %v", tt.name, err)
		}
	}

	if _, err := s.Sign(Session{UserID: "u1", Role: "janitor"}); !errors.Is(err, tracking.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unknown role, got %v", err)
	}
}

func TestRecover(t *testing.T) {
	t.Parallel()

	dir := fakeDirectory{
		drivers: map[string]tracking.Driver{"u1": {ID: "d1", UserID: "u1"}},
		assignments: map[string]tracking.Assignment{
			"d1": {Route: tracking.Route{ID: "r1"}},
		},
	}
	ctx := context.Background()

	got, err := Recover(ctx, Session{UserID: "u1", Role: RoleDriver}, dir)
	if err != nil {
		t.Fatal(err)
	}
	if got.DriverID != "d1" || got.RouteID != "r1" {
		t.Errorf("expected d1 on r1, got %+v", got)
	}

	if _, err := Recover(ctx, Session{UserID: "nobody", Role: RoleDriver}, dir); !errors.Is(err, ErrNoDriverProfile) {
		t.Errorf("expected ErrNoDriverProfile, got %v", err)
	}

	// a driver without a route keeps an empty route, not an error
	got, err = Recover(ctx, Session{UserID: "u9", Role: RoleDriver, DriverID: "d9"}, dir)
	if err != nil || got.DriverID != "d9" || got.RouteID != "" {
		t.Errorf("unexpected %+v (%v)", got, err)
	}

	parent := Session{UserID: "p1", Role: RoleParent}
	if got, err := Recover(ctx, parent, dir); err != nil || got.DriverID != "" {
		t.Errorf("expected parent session untouched, got %+v (%v)", got, err)
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := NewContext(context.Background(), Session{UserID: "u1", Role: RoleAdmin})
	s, ok := FromContext(ctx)
	if !ok || s.UserID != "u1" {
		t.Errorf("expected session in context, got %+v", s)
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Error("expected no session")
	}
}
