package location

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"schoolbus-tracker/internal/tracking"
)

// DeviceFix is the payload a GPS receiver publishes on its device subject.
type DeviceFix struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

// maxFixSkew is how far ahead of the local clock a device timestamp may be.
const maxFixSkew = 5 * time.Second

// NATSFeed keeps the latest fix from a device GPS subject. Locate returns it
// while it is younger than maxAge and otherwise waits for the next one.
type NATSFeed struct {
	sub    *nats.Subscription
	maxAge time.Duration
	now    func() time.Time

	mu      sync.Mutex
	last    DeviceFix
	have    bool
	updated chan struct{}
}

func NewNATSFeed(nc *nats.Conn, subject string, maxAge time.Duration) (*NATSFeed, error) {
	f := &NATSFeed{maxAge: maxAge, now: time.Now, updated: make(chan struct{})}
	sub, err := nc.Subscribe(subject, f.handle)
	if err != nil {
		return nil, err
	}
	f.sub = sub
	return f, nil
}

func (f *NATSFeed) handle(msg *nats.Msg) {
	var fx DeviceFix
	if err := json.Unmarshal(msg.Data, &fx); err != nil {
		log.Debug().Err(err).Str("subject", msg.Subject).Msg("bad device fix")
		return
	}
	// a receiver clock running ahead would otherwise shadow every later fix
	if now := f.now(); fx.Timestamp.IsZero() || fx.Timestamp.After(now.Add(maxFixSkew)) {
		fx.Timestamp = now
	}
	f.mu.Lock()
	if f.have && fx.Timestamp.Before(f.last.Timestamp) {
		f.mu.Unlock()
		return
	}
	f.last, f.have = fx, true
	close(f.updated)
	f.updated = make(chan struct{})
	f.mu.Unlock()
}

func (f *NATSFeed) Locate(ctx context.Context) (tracking.Coordinates, error) {
	for {
		f.mu.Lock()
		if f.have && f.now().Sub(f.last.Timestamp) <= f.maxAge {
			c := tracking.Coordinates{Lat: f.last.Lat, Lng: f.last.Lng}
			f.mu.Unlock()
			return c, nil
		}
		wait := f.updated
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return tracking.Coordinates{}, ctx.Err()
		case <-wait:
		}
	}
}

func (f *NATSFeed) Close() error {
	return f.sub.Unsubscribe()
}
