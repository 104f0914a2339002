// Package location samples the device position on a best-effort basis.
package location

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"schoolbus-tracker/internal/tracking"
)

const DefaultTimeout = 3 * time.Second

var (
	ErrPermissionDenied = errors.New("location permission denied")
	ErrUnavailable      = errors.New("location unavailable")
)

type Source interface {
	Locate(ctx context.Context) (tracking.Coordinates, error)
}

type SourceFunc func(ctx context.Context) (tracking.Coordinates, error)

func (f SourceFunc) Locate(ctx context.Context) (tracking.Coordinates, error) { return f(ctx) }

// Static always reports the same fix.
type Static tracking.Coordinates

func (s Static) Locate(context.Context) (tracking.Coordinates, error) {
	return tracking.Coordinates(s), nil
}

// None never has a fix.
type None struct{}

func (None) Locate(context.Context) (tracking.Coordinates, error) {
	return tracking.Coordinates{}, ErrUnavailable
}

type Sampler struct {
	src Source
}

func NewSampler(src Source) *Sampler {
	if src == nil {
		src = None{}
	}
	return &Sampler{src: src}
}

type fix struct {
	c   tracking.Coordinates
	err error
}

// Sample asks the source for a fix and waits at most timeout. Timeouts,
// source errors and implausible coordinates all yield ok=false; the caller
// proceeds without a location. A source call still running at the deadline
// is abandoned, not awaited.
func (s *Sampler) Sample(ctx context.Context, timeout time.Duration) (tracking.Coordinates, bool) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan fix, 1)
	go func() {
		c, err := s.src.Locate(ctx)
		ch <- fix{c, err}
	}()

	select {
	case f := <-ch:
		if f.err != nil {
			log.Debug().Err(f.err).Msg("location sample failed")
			return tracking.Coordinates{}, false
		}
		if !f.c.Valid() {
			log.Debug().Float64("lat", f.c.Lat).Float64("lng", f.c.Lng).Msg("location sample rejected")
			return tracking.Coordinates{}, false
		}
		return f.c, true
	case <-ctx.Done():
		log.Debug().Dur("timeout", timeout).Msg("location sample timed out")
		return tracking.Coordinates{}, false
	}
}
