package tracking

import (
	"math"
	"testing"
	"time"
)

func TestDistanceMeters(t *testing.T) {
	t.Parallel()

	// one degree of latitude is ~111.19 km
	d := DistanceMeters(Coordinates{Lat: 10, Lng: 20}, Coordinates{Lat: 11, Lng: 20})
	if math.Abs(d-111195) > 100 {
		t.Errorf("expected ~111195m, got %.1f", d)
	}
	if DistanceMeters(Coordinates{Lat: 1, Lng: 1}, Coordinates{Lat: 1, Lng: 1}) != 0 {
		t.Error("expected zero distance for identical points")
	}
}

func TestBearingDeg(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		to   Coordinates
		want float64
	}{
		{"north", Coordinates{Lat: 1, Lng: 0.0001}, 0},
		{"east", Coordinates{Lat: 0.0001, Lng: 1}, 90},
		{"south", Coordinates{Lat: -1, Lng: 0.0001}, 180},
		{"west", Coordinates{Lat: 0.0001, Lng: -1}, 270},
	}
	from := Coordinates{Lat: 0.0001, Lng: 0.0001}
	for _, tt := range tests {
		got := BearingDeg(from, tt.to)
		if math.Abs(got-tt.want) > 0.5 {
			t.Errorf("%s: expected %.0f, got %.2f", tt.name, tt.want, got)
		}
	}
}

func TestNearestStop(t *testing.T) {
	t.Parallel()

	stops := []Stop{
		{ID: "a", Lat: 12.97, Lng: 77.59},
		{ID: "nocoords"},
		{ID: "b", Lat: 12.99, Lng: 77.60},
	}
	s, d, ok := NearestStop(stops, Coordinates{Lat: 12.989, Lng: 77.601})
	if !ok || s.ID != "b" {
		t.Fatalf("expected stop b, got %+v ok=%v", s, ok)
	}
	if d <= 0 || d > 200 {
		t.Errorf("expected small distance, got %.1f", d)
	}
	if _, _, ok := NearestStop([]Stop{{ID: "x"}}, Coordinates{Lat: 1, Lng: 1}); ok {
		t.Error("expected no stop when none have coordinates")
	}
}

func TestCoordinatesValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		c    Coordinates
		want bool
	}{
		{Coordinates{Lat: 12.9, Lng: 77.6}, true},
		{Coordinates{Lat: 0, Lng: 0}, false},
		{Coordinates{Lat: 91, Lng: 0}, false},
		{Coordinates{Lat: 10, Lng: -181}, false},
	}
	for _, tt := range tests {
		if got := tt.c.Valid(); got != tt.want {
			t.Errorf("%+v: expected %v, got %v", tt.c, tt.want, got)
		}
	}
}

func TestCalendarToday(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("IST", 5*3600+1800)
	// 20:00 UTC is already the next day at +05:30
	cal := Calendar{Location: loc, Clock: func() time.Time { return time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC) }}
	if got := cal.Today(); got != "2026-03-02" {
		t.Errorf("expected 2026-03-02, got %s", got)
	}
	day, err := cal.ParseDay("2026-03-02")
	if err != nil {
		t.Fatal(err)
	}
	if day.Location() != loc {
		t.Errorf("expected day in calendar zone, got %v", day.Location())
	}
}
