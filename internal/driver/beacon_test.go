package driver

import (
	"context"
	"sync"
	"testing"
	"time"

	"schoolbus-tracker/internal/api"
	"schoolbus-tracker/internal/location"
	"schoolbus-tracker/internal/tracking"
)

type fakeBeaconAPI struct {
	mu        sync.Mutex
	status    tracking.TripStatus
	published []tracking.Coordinates
	endAfter  int
}

func (f *fakeBeaconAPI) ActiveTrip(context.Context) (api.ActiveTripResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == "" {
		return api.ActiveTripResponse{}, nil
	}
	return api.ActiveTripResponse{Trip: &tracking.Trip{ID: "t1", Status: f.status}}, nil
}

func (f *fakeBeaconAPI) PublishLocation(_ context.Context, at tracking.Coordinates, ts time.Time) (api.LocationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != tracking.TripActive {
		return api.LocationResponse{}, tracking.ErrNoActiveTrip
	}
	f.published = append(f.published, at)
	if len(f.published) == f.endAfter {
		f.status = tracking.TripCompleted
	}
	return api.LocationResponse{Sample: tracking.LocationSample{Lat: at.Lat, Lng: at.Lng, Timestamp: ts}, Applied: true}, nil
}

func TestBeaconStopsWhenTripEnds(t *testing.T) {
	t.Parallel()

	f := &fakeBeaconAPI{status: tracking.TripActive, endAfter: 3}
	b := NewBeacon(f, location.NewSampler(location.Static{Lat: 12.9, Lng: 77.5}), 10*time.Millisecond, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Run(ctx); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if len(f.published) != 3 {
		t.Errorf("expected 3 uploads, got %d", len(f.published))
	}
}

func TestBeaconNeedsActiveTrip(t *testing.T) {
	t.Parallel()

	for _, status := range []tracking.TripStatus{"", tracking.TripCompleted} {
		f := &fakeBeaconAPI{status: status}
		b := NewBeacon(f, location.NewSampler(location.Static{Lat: 1, Lng: 1}), time.Millisecond, time.Millisecond)
		if err := b.Run(context.Background()); err != tracking.ErrNoActiveTrip {
			t.Errorf("status %q: expected ErrNoActiveTrip, got %v", status, err)
		}
	}
}

func TestBeaconWithoutFixNoticesTripEnd(t *testing.T) {
	t.Parallel()

	f := &fakeBeaconAPI{status: tracking.TripActive}
	b := NewBeacon(f, location.NewSampler(location.None{}), 10*time.Millisecond, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()
	time.Sleep(30 * time.Millisecond)
	f.mu.Lock()
	f.status = tracking.TripCompleted
	f.mu.Unlock()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("beacon did not stop")
	}
	if len(f.published) != 0 {
		t.Errorf("expected no uploads without a fix, got %d", len(f.published))
	}
}
