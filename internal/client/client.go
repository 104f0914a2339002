// Package client talks to the tracker HTTP API for the driver and viewer
// command line tools.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"

	"schoolbus-tracker/internal/api"
	"schoolbus-tracker/internal/attendance"
	"schoolbus-tracker/internal/identity"
	"schoolbus-tracker/internal/tracking"
	"schoolbus-tracker/internal/trips"
	"schoolbus-tracker/internal/viewer"
)

// APIError is a non-2xx response. It unwraps to the domain sentinel named by
// its code so callers can use errors.Is against tracking errors.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return tracking.ErrorForCode(e.Code) }

type Client struct {
	base  string
	token string
	http  *http.Client
	reads *gobreaker.CircuitBreaker[[]byte]
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	// Reads go through a breaker so a down server is not hammered by pollers.
	// Writes never do: they are issued once and surfaced to the operator.
	c.reads = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "tracker-api-reads",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			return err == nil || (errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return c
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	data, err := c.reads.Execute(func() ([]byte, error) {
		return c.do(ctx, http.MethodGet, path, nil)
	})
	if err != nil {
		return err
	}
	return decode(data, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	return decode(data, out)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *api.ErrorBody  `json:"error"`
}

// do performs one request and returns the envelope's data.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &APIError{Status: resp.StatusCode, Code: "BAD_RESPONSE", Message: strings.TrimSpace(string(raw))}
	}
	if resp.StatusCode >= 300 || !env.Success {
		e := &APIError{Status: resp.StatusCode, Code: "INTERNAL_ERROR", Message: http.StatusText(resp.StatusCode)}
		if env.Error != nil {
			e.Code, e.Message, e.Details = env.Error.Code, env.Error.Message, env.Error.Details
		}
		return nil, e
	}
	return env.Data, nil
}

func decode(data []byte, out any) error {
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *Client) StartTrip(ctx context.Context, routeID string) (tracking.Trip, error) {
	var t tracking.Trip
	err := c.post(ctx, "/api/v1/driver/trips/start", api.StartTripRequest{RouteID: routeID}, &t)
	return t, err
}

func (c *Client) EndTrip(ctx context.Context) (tracking.Trip, error) {
	var t tracking.Trip
	err := c.post(ctx, "/api/v1/driver/trips/end", nil, &t)
	return t, err
}

func (c *Client) ActiveTrip(ctx context.Context) (api.ActiveTripResponse, error) {
	var r api.ActiveTripResponse
	err := c.get(ctx, "/api/v1/driver/trips/active", nil, &r)
	return r, err
}

func (c *Client) Stats(ctx context.Context) (trips.Stats, error) {
	var s trips.Stats
	err := c.get(ctx, "/api/v1/driver/stats", nil, &s)
	return s, err
}

func (c *Client) Scan(ctx context.Context, code string) (identity.Resolution, error) {
	var r identity.Resolution
	err := c.post(ctx, "/api/v1/driver/scan", api.ScanRequest{Code: code}, &r)
	return r, err
}

func (c *Client) RecordPickup(ctx context.Context, cmd attendance.Command) (tracking.AttendanceEvent, error) {
	return c.record(ctx, "/api/v1/driver/pickups", cmd)
}

func (c *Client) RecordDrop(ctx context.Context, cmd attendance.Command) (tracking.AttendanceEvent, error) {
	return c.record(ctx, "/api/v1/driver/drops", cmd)
}

func (c *Client) record(ctx context.Context, path string, cmd attendance.Command) (tracking.AttendanceEvent, error) {
	req := api.AttendanceRequest{StudentID: cmd.StudentID, RouteID: cmd.RouteID}
	if cmd.Location != nil {
		lat, lng := cmd.Location.Lat, cmd.Location.Lng
		req.Lat, req.Lng = &lat, &lng
	}
	var ev tracking.AttendanceEvent
	err := c.post(ctx, path, req, &ev)
	return ev, err
}

func (c *Client) OnBoard(ctx context.Context) ([]attendance.OnBoardStudent, error) {
	var out []attendance.OnBoardStudent
	err := c.get(ctx, "/api/v1/driver/onboard", nil, &out)
	return out, err
}

func (c *Client) Roster(ctx context.Context) (attendance.Roster, error) {
	var r attendance.Roster
	err := c.get(ctx, "/api/v1/driver/roster", nil, &r)
	return r, err
}

func (c *Client) History(ctx context.Context, from, to string) ([]tracking.DaySummary, error) {
	q := url.Values{}
	if from != "" {
		q.Set("from", from)
	}
	if to != "" {
		q.Set("to", to)
	}
	var out []tracking.DaySummary
	err := c.get(ctx, "/api/v1/driver/history", q, &out)
	return out, err
}

func (c *Client) PublishLocation(ctx context.Context, at tracking.Coordinates, ts time.Time) (api.LocationResponse, error) {
	var r api.LocationResponse
	err := c.post(ctx, "/api/v1/driver/location", api.LocationRequest{Lat: at.Lat, Lng: at.Lng, Timestamp: ts}, &r)
	return r, err
}

// StudentStatus implements viewer.Fetcher.
func (c *Client) StudentStatus(ctx context.Context, studentID string) (viewer.View, error) {
	var v viewer.View
	err := c.get(ctx, "/api/v1/viewer/students/"+url.PathEscape(studentID)+"/status", nil, &v)
	return v, err
}

func (c *Client) Fleet(ctx context.Context, maxAge time.Duration) ([]tracking.LocationSample, error) {
	q := url.Values{}
	if maxAge > 0 {
		q.Set("maxAge", maxAge.String())
	}
	var out []tracking.LocationSample
	err := c.get(ctx, "/api/v1/admin/fleet", q, &out)
	return out, err
}
