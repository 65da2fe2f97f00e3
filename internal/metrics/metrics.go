// Package metrics exposes engine counters and gauges for Prometheus. The
// Collector satisfies the observer interfaces of the queue, boarding, trip
// and reconcile packages.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"schooltrip-engine/internal/models"
	"schooltrip-engine/internal/reconcile"
)

type Collector struct {
	reg *prometheus.Registry

	QueuePending     prometheus.Gauge
	QueueDeadLetters prometheus.Gauge

	ActionsEnqueued *prometheus.CounterVec // kind
	ActionsSynced   *prometheus.CounterVec // kind
	ActionsFailed   *prometheus.CounterVec // kind, permanent
	Dispatches      *prometheus.CounterVec // kind, outcome

	Drains           *prometheus.CounterVec // result: complete|interrupted
	DrainExhausted   prometheus.Counter
	GeofenceChecks   *prometheus.CounterVec // kind, result: inside|violation
	GeofenceDistance prometheus.Histogram
	Transitions      *prometheus.CounterVec // status, outcome

	RemoteEvents *prometheus.CounterVec // type, result: applied|deferred
	LocationLive prometheus.Gauge
	TripStatus   *prometheus.CounterVec // status
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		QueuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripd_queue_pending",
			Help: "Actions waiting for delivery.",
		}),
		QueueDeadLetters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripd_queue_dead_letters",
			Help: "Actions that exhausted their retries and await acknowledgement.",
		}),
		ActionsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripd_actions_enqueued_total",
			Help: "Actions written to the durable queue.",
		}, []string{"kind"}),
		ActionsSynced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripd_actions_synced_total",
			Help: "Queued actions delivered to the backend.",
		}, []string{"kind"}),
		ActionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripd_actions_failed_total",
			Help: "Failed delivery attempts.",
		}, []string{"kind", "permanent"}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripd_dispatch_total",
			Help: "Dispatch outcomes by action kind.",
		}, []string{"kind", "outcome"}),
		Drains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripd_drains_total",
			Help: "Queue drains run.",
		}, []string{"result"}),
		DrainExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripd_drain_exhausted_actions_total",
			Help: "Actions moved to dead letters during drains.",
		}),
		GeofenceChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripd_geofence_checks_total",
			Help: "Geofence checks for boarding and alighting.",
		}, []string{"kind", "result"}),
		GeofenceDistance: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tripd_geofence_distance_meters",
			Help:    "Distance from the stop when a boarding change was attempted.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripd_boarding_transitions_total",
			Help: "Student status changes applied locally.",
		}, []string{"status", "outcome"}),
		RemoteEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripd_remote_events_total",
			Help: "Backend push events handled.",
		}, []string{"type", "result"}),
		LocationLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripd_location_live",
			Help: "1 if the location sampler has a fresh fix, 0 otherwise.",
		}),
		TripStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripd_trip_status_changes_total",
			Help: "Trip lifecycle transitions.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.QueuePending, c.QueueDeadLetters,
		c.ActionsEnqueued, c.ActionsSynced, c.ActionsFailed, c.Dispatches,
		c.Drains, c.DrainExhausted,
		c.GeofenceChecks, c.GeofenceDistance, c.Transitions,
		c.RemoteEvents, c.LocationLive, c.TripStatus,
	)

	return c
}

// queue.Observer

func (c *Collector) ActionEnqueued(kind models.ActionKind) {
	c.ActionsEnqueued.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) ActionSynced(kind models.ActionKind) {
	c.ActionsSynced.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) ActionFailed(kind models.ActionKind, permanent bool) {
	label := "false"
	if permanent {
		label = "true"
	}
	c.ActionsFailed.WithLabelValues(string(kind), label).Inc()
}

func (c *Collector) QueueDepth(pending, deadLetters int) {
	c.QueuePending.Set(float64(pending))
	c.QueueDeadLetters.Set(float64(deadLetters))
}

// boarding.Observer

func (c *Collector) GeofenceChecked(kind models.ActionKind, distanceMeters float64, violated bool) {
	result := "inside"
	if violated {
		result = "violation"
	}
	c.GeofenceChecks.WithLabelValues(string(kind), result).Inc()
	c.GeofenceDistance.Observe(distanceMeters)
}

func (c *Collector) TransitionApplied(to models.BoardingStatus, outcome models.DispatchOutcome) {
	c.Transitions.WithLabelValues(string(to), string(outcome)).Inc()
}

// trip.Observer

func (c *Collector) RemoteEventApplied(eventType models.RemoteEventType) {
	c.RemoteEvents.WithLabelValues(string(eventType), "applied").Inc()
}

func (c *Collector) RemoteEventDeferred(eventType models.RemoteEventType) {
	c.RemoteEvents.WithLabelValues(string(eventType), "deferred").Inc()
}

func (c *Collector) LivenessChanged(live bool) {
	if live {
		c.LocationLive.Set(1)
		return
	}
	c.LocationLive.Set(0)
}

func (c *Collector) TripStatusChanged(status models.TripStatus) {
	c.TripStatus.WithLabelValues(string(status)).Inc()
}

// reconcile.Observer

func (c *Collector) Dispatched(kind models.ActionKind, outcome models.DispatchOutcome) {
	c.Dispatches.WithLabelValues(string(kind), string(outcome)).Inc()
}

func (c *Collector) DrainCompleted(report reconcile.Report) {
	result := "complete"
	if report.Interrupted {
		result = "interrupted"
	}
	c.Drains.WithLabelValues(result).Inc()
	c.DrainExhausted.Add(float64(report.Failed))
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("component", "metrics").Msg("Metrics server error")
		}
	}()
	log.Info().Str("component", "metrics").Str("addr", addr).Msg("Metrics listening")
	return srv
}
