package publisher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"schoolbus-tracker/internal/tracking"
)

const (
	PositionsPrefix  = "positions"
	AttendancePrefix = "attendance"
)

// Bus fans accepted positions and attendance events out to
// subscribers. Publishing is best effort; callers log and move on.
type Bus struct {
	nc      *nats.Conn
	trace   bool
	metrics Metrics
}

type Metrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func Connect(url string, trace bool, m Metrics) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.Name("schoolbus-tracker"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info().Msg("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return NewFromConn(nc, trace, m), nil
}

// NewFromConn wraps an existing connection.
func NewFromConn(nc *nats.Conn, trace bool, m Metrics) *Bus {
	return &Bus{nc: nc, trace: trace, metrics: m}
}

func (p *Bus) Conn() *nats.Conn { return p.nc }

func (p *Bus) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

func PositionSubject(routeID, vehicleID string) string {
	return fmt.Sprintf("%s.%s.%s", PositionsPrefix, token(routeID), token(vehicleID))
}

func AttendanceSubject(routeID string, typ tracking.EventType) string {
	return fmt.Sprintf("%s.%s.%s", AttendancePrefix, token(routeID), strings.ToLower(string(typ)))
}

// BroadcastPosition implements livepos.Broadcaster.
func (p *Bus) BroadcastPosition(_ context.Context, s tracking.LocationSample) error {
	return p.publish(PositionSubject(s.RouteID, s.VehicleID), s)
}

// AnnounceEvent implements attendance.Announcer.
func (p *Bus) AnnounceEvent(_ context.Context, ev tracking.AttendanceEvent) error {
	return p.publish(AttendanceSubject(ev.RouteID, ev.Type), ev)
}

func (p *Bus) publish(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if p.trace {
		log.Debug().Str("subject", subject).Msg("nats publish")
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func token(s string) string {
	s = strings.TrimSpace(s)
	// wildcards and separators are not allowed inside a subject token
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
