package livepos

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"schoolbus-tracker/internal/metrics"
	"schoolbus-tracker/internal/tracking"
)

type recordingBroadcaster struct {
	mu   sync.Mutex
	sent []tracking.LocationSample
	err  error
}

func (b *recordingBroadcaster) BroadcastPosition(_ context.Context, s tracking.LocationSample) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, s)
	return b.err
}

type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time { return c.t }

var base = time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC)

func sample(vehicle string, lat, lng float64, ts time.Time) tracking.LocationSample {
	return tracking.LocationSample{VehicleID: vehicle, TripID: "t1", RouteID: "r1", Lat: lat, Lng: lng, Timestamp: ts}
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, time.Hour), mr
}

func stores(t *testing.T) map[string]Store {
	rs, _ := newRedisStore(t)
	return map[string]Store{"memory": NewMemoryStore(), "redis": rs}
}

func TestPublishOverwritesAndReads(t *testing.T) {
	t.Parallel()

	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := &fixedClock{t: base.Add(time.Minute)}
			bc := &recordingBroadcaster{}
			p := NewPublisher(st, bc, clk.now, metrics.NewCollector(time.Hour, time.Hour))

			if _, ok, err := p.Read(ctx, "bus-1"); err != nil || ok {
				t.Fatalf("expected empty read, got ok=%v err=%v", ok, err)
			}
			if _, applied, err := p.Publish(ctx, sample("bus-1", 12.9700, 77.5900, base)); err != nil || !applied {
				t.Fatalf("first publish: applied=%v err=%v", applied, err)
			}
			got, applied, err := p.Publish(ctx, sample("bus-1", 12.9800, 77.5900, base.Add(10*time.Second)))
			if err != nil || !applied {
				t.Fatalf("second publish: applied=%v err=%v", applied, err)
			}
			// ~1.1km north in 10s
			if got.SpeedMps < 100 || got.SpeedMps > 120 {
				t.Errorf("expected derived speed ~111 m/s, got %f", got.SpeedMps)
			}
			if got.Heading > 1 && got.Heading < 359 {
				t.Errorf("expected heading near 0, got %f", got.Heading)
			}

			cur, ok, err := p.Read(ctx, "bus-1")
			if err != nil || !ok {
				t.Fatalf("expected stored sample, got ok=%v err=%v", ok, err)
			}
			if cur.Lat != 12.98 || !cur.Timestamp.Equal(base.Add(10*time.Second)) {
				t.Errorf("expected latest sample, got %+v", cur)
			}
			if len(bc.sent) != 2 {
				t.Errorf("expected 2 broadcasts, got %d", len(bc.sent))
			}
		})
	}
}

func TestPublishIgnoresOlderSample(t *testing.T) {
	t.Parallel()

	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := &fixedClock{t: base.Add(time.Minute)}
			bc := &recordingBroadcaster{}
			p := NewPublisher(st, bc, clk.now, nil)

			if _, _, err := p.Publish(ctx, sample("bus-1", 12.98, 77.59, base.Add(30*time.Second))); err != nil {
				t.Fatal(err)
			}
			_, applied, err := p.Publish(ctx, sample("bus-1", 12.97, 77.59, base))
			if err != nil {
				t.Fatal(err)
			}
			if applied {
				t.Error("expected delayed sample to be ignored")
			}
			cur, _, _ := p.Read(ctx, "bus-1")
			if cur.Lat != 12.98 {
				t.Errorf("expected position not to regress, got %+v", cur)
			}
			if len(bc.sent) != 1 {
				t.Errorf("expected stale sample not broadcast, got %d broadcasts", len(bc.sent))
			}
		})
	}
}

func TestPublishNormalisesTimestamp(t *testing.T) {
	t.Parallel()

	clk := &fixedClock{t: base}
	p := NewPublisher(NewMemoryStore(), nil, clk.now, nil)

	tests := []struct {
		name string
		ts   time.Time
	}{
		{"zero", time.Time{}},
		{"future", base.Add(time.Hour)},
	}
	for _, tt := range tests {
		got, _, err := p.Publish(context.Background(), sample("bus-"+tt.name, 1, 1, tt.ts))
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if !got.Timestamp.Equal(base) {
			t.Errorf("%s: expected timestamp %v, got %v", tt.name, base, got.Timestamp)
		}
	}
}

func TestPublishValidation(t *testing.T) {
	t.Parallel()

	p := NewPublisher(NewMemoryStore(), nil, nil, nil)
	tests := []struct {
		name string
		s    tracking.LocationSample
	}{
		{"missing vehicle", sample("", 1, 1, base)},
		{"out of range", sample("bus-1", 91, 1, base)},
		{"null island", sample("bus-1", 0, 0, base)},
	}
	for _, tt := range tests {
		if _, _, err := p.Publish(context.Background(), tt.s); !errors.Is(err, tracking.ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", tt.name, err)
		}
	}
}

func TestBroadcastFailureDoesNotFailPublish(t *testing.T) {
	t.Parallel()

	bc := &recordingBroadcaster{err: errors.New("nats down")}
	p := NewPublisher(NewMemoryStore(), bc, nil, nil)
	if _, applied, err := p.Publish(context.Background(), sample("bus-1", 1, 1, time.Time{})); err != nil || !applied {
		t.Errorf("expected publish to succeed, got applied=%v err=%v", applied, err)
	}
}

func TestClearAndFleet(t *testing.T) {
	t.Parallel()

	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := &fixedClock{t: base}
			p := NewPublisher(st, nil, clk.now, nil)

			_, _, _ = p.Publish(ctx, sample("bus-old", 1, 1, base.Add(-45*time.Minute)))
			_, _, _ = p.Publish(ctx, sample("bus-a", 1, 1, base.Add(-5*time.Minute)))
			_, _, _ = p.Publish(ctx, sample("bus-b", 2, 2, base.Add(-time.Minute)))

			fleet, err := p.Fleet(ctx, 30*time.Minute)
			if err != nil {
				t.Fatal(err)
			}
			if len(fleet) != 2 || fleet[0].VehicleID != "bus-b" || fleet[1].VehicleID != "bus-a" {
				t.Errorf("expected [bus-b bus-a], got %+v", fleet)
			}

			if err := p.Clear(ctx, "bus-b"); err != nil {
				t.Fatal(err)
			}
			if _, ok, _ := p.Read(ctx, "bus-b"); ok {
				t.Error("expected cleared position to be gone")
			}
			fleet, _ = p.Fleet(ctx, 0)
			if len(fleet) != 2 {
				t.Errorf("expected 2 vehicles without age filter, got %d", len(fleet))
			}
		})
	}
}

func TestRedisStoreExpiry(t *testing.T) {
	t.Parallel()

	st, mr := newRedisStore(t)
	ctx := context.Background()
	if _, err := st.PutIfNewer(ctx, sample("bus-1", 1, 1, base)); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL(positionKey("bus-1")); ttl != time.Hour {
		t.Errorf("expected ttl 1h, got %v", ttl)
	}

	mr.FastForward(2 * time.Hour)
	all, err := st.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Errorf("expected expired sample to be gone, got %+v", all)
	}
	if ok, _ := mr.SIsMember(vehiclesKey, "bus-1"); ok {
		t.Error("expected expired vehicle pruned from index")
	}
}
