package driver

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"schoolbus-tracker/internal/api"
	"schoolbus-tracker/internal/location"
	"schoolbus-tracker/internal/tracking"
)

type BeaconAPI interface {
	ActiveTrip(ctx context.Context) (api.ActiveTripResponse, error)
	PublishLocation(ctx context.Context, at tracking.Coordinates, ts time.Time) (api.LocationResponse, error)
}

// Beacon uploads the device position on a fixed interval for as long as the
// driver's trip is active.
type Beacon struct {
	api      BeaconAPI
	sampler  *location.Sampler
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
}

func NewBeacon(c BeaconAPI, sampler *location.Sampler, interval, sampleTimeout time.Duration) *Beacon {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Beacon{api: c, sampler: sampler, interval: interval, timeout: sampleTimeout, now: time.Now}
}

// Run returns nil once the trip is no longer active and
// tracking.ErrNoActiveTrip if there was none to begin with.
func (b *Beacon) Run(ctx context.Context) error {
	active, err := b.api.ActiveTrip(ctx)
	if err != nil {
		return err
	}
	if active.Trip == nil || active.Trip.Status != tracking.TripActive {
		return tracking.ErrNoActiveTrip
	}
	tripID := active.Trip.ID
	log.Info().Str("trip", tripID).Dur("interval", b.interval).Msg("beacon started")

	tick := time.NewTicker(b.interval)
	defer tick.Stop()

	sent, skipped := 0, 0
	for {
		done, err := b.beat(ctx)
		if err != nil {
			log.Warn().Err(err).Str("trip", tripID).Msg("position upload failed")
		}
		if done {
			log.Info().Str("trip", tripID).Int("sent", sent).Int("skipped", skipped).Msg("trip no longer active, beacon stopped")
			return nil
		}
		if err == nil {
			sent++
		} else {
			skipped++
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

var errNoFix = errors.New("no location fix")

// beat performs one upload. done reports that the trip has ended.
func (b *Beacon) beat(ctx context.Context) (done bool, err error) {
	at, ok := b.sampler.Sample(ctx, b.timeout)
	if !ok {
		// without a fix the upload cannot tell us the trip ended
		active, err := b.api.ActiveTrip(ctx)
		if err == nil && (active.Trip == nil || active.Trip.Status != tracking.TripActive) {
			return true, nil
		}
		return false, errNoFix
	}
	res, err := b.api.PublishLocation(ctx, at, b.now())
	if errors.Is(err, tracking.ErrNoActiveTrip) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !res.Applied {
		log.Debug().Time("ts", res.Sample.Timestamp).Msg("position superseded by a newer sample")
	}
	return false, nil
}
