// Package identity turns scanned codes into students.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"schoolbus-tracker/internal/metrics"
	"schoolbus-tracker/internal/session"
	"schoolbus-tracker/internal/tracking"
)

const (
	SourceAdmissionNo = "admission_no"
	SourceStudentID   = "student_id"
	SourceMarker      = "marker"
	SourceJSON        = "json"
	SourceFallback    = "fallback"

	unknownName = "Unknown Student"
)

var ErrEmptyCode = fmt.Errorf("%w: scanned code is empty", tracking.ErrInvalidInput)

type Directory interface {
	Student(ctx context.Context, id string) (tracking.Student, error)
	StudentByAdmissionNo(ctx context.Context, admissionNo string) (tracking.Student, error)
	RouteStudents(ctx context.Context, routeID string) ([]tracking.Student, error)
}

type Trips interface {
	ActiveTrip(ctx context.Context, driverID string) (tracking.Trip, bool, error)
}

type Events interface {
	TripEvents(ctx context.Context, tripID string) ([]tracking.AttendanceEvent, error)
}

// Match is a student confirmed against the directory, with status flags for
// the actor's trip today.
type Match struct {
	tracking.Student
	TripID     string `json:"tripId,omitempty"`
	IsPickedUp bool   `json:"isPickedUp"`
	IsDropped  bool   `json:"isDropped"`
	OffRoute   bool   `json:"offRoute"`
}

// Candidate is decoded from the code alone and is never trusted for a write
// until confirmed and re-resolved by student id.
type Candidate struct {
	StudentID         string `json:"studentId"`
	Name              string `json:"name"`
	ClassName         string `json:"className,omitempty"`
	AdmissionNo       string `json:"admissionNo"`
	Raw               string `json:"raw"`
	NeedsConfirmation bool   `json:"needsConfirmation"`
}

type Resolution struct {
	Verified  bool       `json:"verified"`
	Source    string     `json:"source"`
	Student   *Match     `json:"student,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

type Resolver struct {
	dir     Directory
	trips   Trips
	events  Events
	cache   *cache.Cache[string]
	metrics *metrics.Collector
}

// NewResolver builds a resolver. c may be nil to disable directory caching.
func NewResolver(dir Directory, trips Trips, events Events, c *cache.Cache[string], m *metrics.Collector) *Resolver {
	return &Resolver{dir: dir, trips: trips, events: events, cache: c, metrics: m}
}

// Resolve maps a scanned code to a verified student or, failing that, an
// unverified candidate. An actor with a route has that roster searched
// first. Directory failures degrade to the candidate path.
func (r *Resolver) Resolve(ctx context.Context, code string, actor session.Session) (Resolution, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		r.count("error")
		return Resolution{}, ErrEmptyCode
	}
	probes := lookups(code)

	if actor.RouteID != "" {
		if st, l, ok := r.findOnRoute(ctx, probes, actor.RouteID); ok {
			return r.verified(ctx, st, l, actor)
		}
	}

	for _, l := range probes {
		st, err := r.find(ctx, l)
		if errors.Is(err, tracking.ErrNotFound) {
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("source", l.source).Msg("student lookup failed, falling back to decode")
			break
		}
		return r.verified(ctx, st, l, actor)
	}

	c := decodeCandidate(code)
	r.count("unverified")
	return Resolution{Source: SourceFallback, Candidate: &c}, nil
}

func (r *Resolver) verified(ctx context.Context, st tracking.Student, l lookup, actor session.Session) (Resolution, error) {
	m, err := r.match(ctx, st, actor)
	if err != nil {
		r.count("error")
		return Resolution{}, err
	}
	r.count("verified")
	return Resolution{Verified: true, Source: l.source, Student: &m}, nil
}

// findOnRoute runs the probes against one route's roster. A roster failure
// is logged and leaves the directory-wide lookups to decide.
func (r *Resolver) findOnRoute(ctx context.Context, probes []lookup, routeID string) (tracking.Student, lookup, bool) {
	roster, err := r.dir.RouteStudents(ctx, routeID)
	if err != nil {
		log.Warn().Err(err).Str("route", routeID).Msg("route roster lookup failed")
		return tracking.Student{}, lookup{}, false
	}
	for _, l := range probes {
		for _, st := range roster {
			if l.matches(st) {
				return st, l, true
			}
		}
	}
	return tracking.Student{}, lookup{}, false
}

func (r *Resolver) count(outcome string) {
	if r.metrics != nil {
		r.metrics.ScanResolutions.WithLabelValues(outcome).Inc()
	}
}

func (r *Resolver) match(ctx context.Context, st tracking.Student, actor session.Session) (Match, error) {
	m := Match{Student: st}
	if actor.RouteID != "" && st.RouteID != actor.RouteID {
		m.OffRoute = true
	}
	if actor.DriverID == "" {
		return m, nil
	}
	// status flags are read from the ledger on every scan
	trip, ok, err := r.trips.ActiveTrip(ctx, actor.DriverID)
	if err != nil {
		return m, fmt.Errorf("load trip: %w", err)
	}
	if !ok {
		return m, nil
	}
	events, err := r.events.TripEvents(ctx, trip.ID)
	if err != nil {
		return m, fmt.Errorf("load events: %w", err)
	}
	m.TripID = trip.ID
	switch tracking.Project(events).Status(st.ID) {
	case tracking.StudentOnBoard:
		m.IsPickedUp = true
	case tracking.StudentCompleted:
		m.IsPickedUp, m.IsDropped = true, true
	}
	return m, nil
}

func cacheKey(l lookup) string {
	if l.kind == byAdmissionNo {
		return "student:adm:" + l.value
	}
	return "student:id:" + l.value
}

func (r *Resolver) find(ctx context.Context, l lookup) (tracking.Student, error) {
	key := cacheKey(l)
	if r.cache != nil {
		if v, err := r.cache.Get(ctx, key); err == nil {
			var st tracking.Student
			if json.Unmarshal([]byte(v), &st) == nil {
				return st, nil
			}
		}
	}

	var (
		st  tracking.Student
		err error
	)
	if l.kind == byAdmissionNo {
		st, err = r.dir.StudentByAdmissionNo(ctx, l.value)
	} else {
		st, err = r.dir.Student(ctx, l.value)
	}
	if err != nil {
		return st, err
	}

	if r.cache != nil {
		if b, err := json.Marshal(st); err == nil {
			if err := r.cache.Set(ctx, key, string(b)); err != nil {
				log.Debug().Err(err).Str("key", key).Msg("cache student")
			}
		}
	}
	return st, nil
}
