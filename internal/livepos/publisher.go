// Package livepos keeps the single current position of every vehicle on a
// trip. Positions are overwritten in place; there is no history.
package livepos

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"schoolbus-tracker/internal/metrics"
	"schoolbus-tracker/internal/tracking"
)

// Store holds one sample per vehicle key.
type Store interface {
	Get(ctx context.Context, key string) (tracking.LocationSample, bool, error)
	// PutIfNewer stores s unless the stored sample has a later timestamp.
	PutIfNewer(ctx context.Context, s tracking.LocationSample) (bool, error)
	Clear(ctx context.Context, key string) error
	All(ctx context.Context) ([]tracking.LocationSample, error)
}

type Broadcaster interface {
	BroadcastPosition(ctx context.Context, s tracking.LocationSample) error
}

type Publisher struct {
	store   Store
	bc      Broadcaster
	now     func() time.Time
	metrics *metrics.Collector
}

func NewPublisher(store Store, bc Broadcaster, now func() time.Time, m *metrics.Collector) *Publisher {
	if now == nil {
		now = time.Now
	}
	return &Publisher{store: store, bc: bc, now: now, metrics: m}
}

// maxSkew is how far ahead of the server clock a device timestamp may be.
const maxSkew = 5 * time.Second

// Publish overwrites the vehicle's current sample. A sample older than the
// stored one is dropped and reported with applied=false.
func (p *Publisher) Publish(ctx context.Context, s tracking.LocationSample) (tracking.LocationSample, bool, error) {
	if s.VehicleID == "" {
		return s, false, fmt.Errorf("%w: vehicle id is required", tracking.ErrInvalidInput)
	}
	if !s.Coordinates().Valid() {
		return s, false, fmt.Errorf("%w: coordinates out of range", tracking.ErrInvalidInput)
	}
	now := p.now()
	if s.Timestamp.IsZero() || s.Timestamp.After(now.Add(maxSkew)) {
		s.Timestamp = now
	}
	s.Timestamp = s.Timestamp.UTC()

	prev, ok, err := p.store.Get(ctx, s.VehicleID)
	if err != nil {
		log.Warn().Err(err).Str("vehicle", s.VehicleID).Msg("previous position read failed")
	}
	if ok && prev.TripID == s.TripID {
		deriveMotion(&s, prev)
	}

	applied, err := p.store.PutIfNewer(ctx, s)
	if err != nil {
		return s, false, fmt.Errorf("store position: %w", err)
	}
	if !applied {
		if p.metrics != nil {
			p.metrics.PositionsStale.Inc()
		}
		log.Debug().Str("vehicle", s.VehicleID).Time("ts", s.Timestamp).Msg("stale position ignored")
		return s, false, nil
	}
	if p.metrics != nil {
		p.metrics.PositionsPublished.Inc()
	}
	if p.bc != nil {
		if err := p.bc.BroadcastPosition(ctx, s); err != nil {
			log.Warn().Err(err).Str("vehicle", s.VehicleID).Msg("position broadcast failed")
		}
	}
	return s, true, nil
}

func deriveMotion(s *tracking.LocationSample, prev tracking.LocationSample) {
	dt := s.Timestamp.Sub(prev.Timestamp).Seconds()
	if dt <= 0 {
		return
	}
	d := tracking.DistanceMeters(prev.Coordinates(), s.Coordinates())
	s.SpeedMps = d / dt
	if d > 1 {
		s.Heading = tracking.BearingDeg(prev.Coordinates(), s.Coordinates())
	} else {
		s.Heading = prev.Heading
	}
}

func (p *Publisher) Read(ctx context.Context, vehicleID string) (tracking.LocationSample, bool, error) {
	return p.store.Get(ctx, vehicleID)
}

// Clear implements trips.PositionClearer.
func (p *Publisher) Clear(ctx context.Context, vehicleID string) error {
	return p.store.Clear(ctx, vehicleID)
}

// Fleet lists vehicles whose sample is at most maxAge old, newest first.
func (p *Publisher) Fleet(ctx context.Context, maxAge time.Duration) ([]tracking.LocationSample, error) {
	all, err := p.store.All(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := p.now().Add(-maxAge)
	out := make([]tracking.LocationSample, 0, len(all))
	for _, s := range all {
		if maxAge > 0 && s.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, s)
	}
	sortNewest(out)
	return out, nil
}
