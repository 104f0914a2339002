// Package driver is the driver-side client loop: scans, list taps and the
// location beacon, all talking to the tracker API.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"schoolbus-tracker/internal/attendance"
	"schoolbus-tracker/internal/identity"
	"schoolbus-tracker/internal/location"
	"schoolbus-tracker/internal/tracking"
)

var ErrUnverified = errors.New("student could not be verified")

type API interface {
	Scan(ctx context.Context, code string) (identity.Resolution, error)
	RecordPickup(ctx context.Context, cmd attendance.Command) (tracking.AttendanceEvent, error)
	RecordDrop(ctx context.Context, cmd attendance.Command) (tracking.AttendanceEvent, error)
}

// Outcome is what the operator sees after a scan or tap.
type Outcome struct {
	Resolution        identity.Resolution       `json:"resolution"`
	Type              tracking.EventType        `json:"type,omitempty"`
	Event             *tracking.AttendanceEvent `json:"event,omitempty"`
	AlreadyRecorded   bool                      `json:"alreadyRecorded"`
	NeedsConfirmation bool                      `json:"needsConfirmation"`
	Located           bool                      `json:"located"`
}

type Agent struct {
	api           API
	sampler       *location.Sampler
	sampleTimeout time.Duration
}

func NewAgent(api API, sampler *location.Sampler, sampleTimeout time.Duration) *Agent {
	if sampler == nil {
		sampler = location.NewSampler(nil)
	}
	return &Agent{api: api, sampler: sampler, sampleTimeout: sampleTimeout}
}

// Scan resolves a scanned code and, when verified, records the next event
// for the student: PICKUP if not yet on board, DROP if on board. typ forces
// a specific event. Resolution and location sampling run concurrently and
// the event is written once after both finish.
func (a *Agent) Scan(ctx context.Context, code string, typ tracking.EventType) (Outcome, error) {
	var (
		res    identity.Resolution
		resErr error
		at     tracking.Coordinates
		gotFix bool
		wg     conc.WaitGroup
	)
	wg.Go(func() { res, resErr = a.api.Scan(ctx, code) })
	wg.Go(func() { at, gotFix = a.sampler.Sample(ctx, a.sampleTimeout) })
	wg.Wait()
	if resErr != nil {
		return Outcome{}, fmt.Errorf("resolve code: %w", resErr)
	}

	out := Outcome{Resolution: res, Located: gotFix}
	if !res.Verified || res.Student == nil {
		out.NeedsConfirmation = true
		log.Info().Str("source", res.Source).Msg("scan needs manual confirmation")
		return out, nil
	}
	if typ == "" {
		switch {
		case res.Student.IsDropped:
			out.Type, out.AlreadyRecorded = tracking.Drop, true
			return out, nil
		case res.Student.IsPickedUp:
			typ = tracking.Drop
		default:
			typ = tracking.Pickup
		}
	}
	var loc *tracking.Coordinates
	if gotFix {
		loc = &at
	}
	return a.record(ctx, out, res.Student.ID, typ, loc)
}

// Confirm records an event for a candidate the operator has checked by hand.
// The student id is re-resolved first; an id the server cannot verify is
// never written.
func (a *Agent) Confirm(ctx context.Context, studentID string, typ tracking.EventType) (Outcome, error) {
	if studentID == "" {
		return Outcome{}, fmt.Errorf("%w: student id is required", tracking.ErrInvalidInput)
	}
	out, err := a.Scan(ctx, studentID, typ)
	if err != nil {
		return out, err
	}
	if out.NeedsConfirmation {
		return out, ErrUnverified
	}
	return out, nil
}

// Tap records an event chosen from the roster list.
func (a *Agent) Tap(ctx context.Context, studentID string, typ tracking.EventType) (Outcome, error) {
	if !typ.Valid() {
		return Outcome{}, fmt.Errorf("%w: event type %q", tracking.ErrInvalidInput, typ)
	}
	at, ok := a.sampler.Sample(ctx, a.sampleTimeout)
	var loc *tracking.Coordinates
	if ok {
		loc = &at
	}
	return a.record(ctx, Outcome{Located: ok}, studentID, typ, loc)
}

// record issues the write exactly once. It is detached from ctx so leaving
// the screen does not abort it, and it is never retried automatically; the
// idempotency key makes a manual retry safe.
func (a *Agent) record(ctx context.Context, out Outcome, studentID string, typ tracking.EventType, loc *tracking.Coordinates) (Outcome, error) {
	cmd := attendance.Command{StudentID: studentID, Location: loc}
	wctx := context.WithoutCancel(ctx)

	var (
		ev  tracking.AttendanceEvent
		err error
	)
	if typ == tracking.Drop {
		ev, err = a.api.RecordDrop(wctx, cmd)
	} else {
		ev, err = a.api.RecordPickup(wctx, cmd)
	}
	out.Type = typ
	switch {
	case err == nil:
		out.Event = &ev
	case attendance.IsAlreadyRecorded(err):
		out.AlreadyRecorded = true
	default:
		return out, err
	}
	return out, nil
}
