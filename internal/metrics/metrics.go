package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Collector struct {
	reg *prometheus.Registry

	TripsStarted   prometheus.Counter
	TripsCompleted prometheus.Counter

	AttendanceEvents *prometheus.CounterVec // type label: PICKUP|DROP
	Rejections       *prometheus.CounterVec // op, code labels
	ScanResolutions  *prometheus.CounterVec // outcome label: verified|unverified|error

	PositionsPublished prometheus.Counter
	PositionsStale     prometheus.Counter
	ViewerPolls        *prometheus.CounterVec // phase label

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	RequestDuration *prometheus.HistogramVec // method, route, status

	PositionTTL prometheus.Gauge // seconds
	FleetMaxAge prometheus.Gauge // seconds
}

func NewCollector(positionTTL, fleetMaxAge time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		TripsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_trips_started_total",
			Help: "Total trips started.",
		}),
		TripsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_trips_completed_total",
			Help: "Total trips completed.",
		}),
		AttendanceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_attendance_events_total",
			Help: "Attendance events recorded.",
		}, []string{"type"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_rejections_total",
			Help: "Operations rejected by a state precondition.",
		}, []string{"op", "code"}),
		ScanResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_scan_resolutions_total",
			Help: "Scanned code resolutions by outcome.",
		}, []string{"outcome"}),
		PositionsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_positions_published_total",
			Help: "Location samples accepted.",
		}),
		PositionsStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_positions_stale_total",
			Help: "Location samples ignored because a newer one was stored.",
		}),
		ViewerPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_viewer_polls_total",
			Help: "Viewer status reads by phase.",
		}, []string{"phase"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tracker_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"method", "route", "status"}),
		PositionTTL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_position_ttl_seconds",
			Help: "Lifetime of a stored location sample.",
		}),
		FleetMaxAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_fleet_max_age_seconds",
			Help: "Recency window of the fleet view.",
		}),
	}

	reg.MustRegister(
		c.TripsStarted, c.TripsCompleted,
		c.AttendanceEvents, c.Rejections, c.ScanResolutions,
		c.PositionsPublished, c.PositionsStale, c.ViewerPolls,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.RequestDuration, c.PositionTTL, c.FleetMaxAge,
	)

	c.PositionTTL.Set(positionTTL.Seconds())
	c.FleetMaxAge.Set(fleetMaxAge.Seconds())

	return c
}

// Reject counts a precondition rejection. Safe on a nil Collector.
func (c *Collector) Reject(op, code string) {
	if c == nil || code == "" {
		return
	}
	c.Rejections.WithLabelValues(op, code).Inc()
}

// The methods below satisfy publisher.Metrics.

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics listening")
	return srv
}
