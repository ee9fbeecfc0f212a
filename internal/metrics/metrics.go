// Package metrics exposes protectord's Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "protectord"

// Metrics holds every collector. A nil *Metrics is valid and records
// nothing, so components can take one unconditionally.
type Metrics struct {
	registry *prometheus.Registry
	started  time.Time

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec

	samplesTotal     prometheus.Counter
	scoreHistogram   prometheus.Histogram
	bandTotal        *prometheus.CounterVec
	patternsTotal    prometheus.Counter
	baselineMean     prometheus.Gauge
	baselineVariance prometheus.Gauge
	baselineTrained  prometheus.Gauge

	motionState      *prometheus.GaugeVec
	transitionsTotal *prometheus.CounterVec

	proximityDistance prometheus.Gauge
	geofenceDistance  prometheus.Gauge
	locationErrors    prometheus.Counter

	wearableState *prometheus.GaugeVec

	alertsDispatched *prometheus.CounterVec
	alertsDropped    *prometheus.CounterVec
	companionErrors  prometheus.Counter

	snapshotSaves  *prometheus.CounterVec
	sourceDegraded *prometheus.GaugeVec
}

// New creates the collectors on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		started:  time.Now(),

		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		samplesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_scored_total",
			Help:      "Acceleration samples passed through the anomaly scorer.",
		}),
		scoreHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "anomaly_score",
			Help:      "Distribution of fused anomaly scores.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.75, 0.9, 1},
		}),
		bandTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confidence_band_total",
			Help:      "Scores per confidence band.",
		}, []string{"band"}),
		patternsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "theft_patterns_total",
			Help:      "Samples recorded as theft patterns.",
		}),
		baselineMean: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "baseline_mean",
			Help:      "Baseline acceleration magnitude mean.",
		}),
		baselineVariance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "baseline_variance",
			Help:      "Baseline acceleration magnitude variance.",
		}),
		baselineTrained: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "baseline_trained",
			Help:      "1 when the baseline model is trained.",
		}),

		motionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "motion_state",
			Help:      "1 for the current motion state.",
		}, []string{"state"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "motion_transitions_total",
			Help:      "Motion state transitions by source and target state.",
		}, []string{"from", "to"}),

		proximityDistance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proximity_distance_meters",
			Help:      "Distance from the proximity reference point.",
		}),
		geofenceDistance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "geofence_distance_meters",
			Help:      "Distance from the geofence center.",
		}),
		locationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "location_unavailable_total",
			Help:      "Location fixes skipped as unavailable.",
		}),

		wearableState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wearable_state",
			Help:      "1 for the current wearable state.",
		}, []string{"state"}),

		alertsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_dispatched_total",
			Help:      "Alerts handed to the notifier and companion, by kind.",
		}, []string{"kind"}),
		alertsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_dropped_total",
			Help:      "Alerts not dispatched, by kind and reason.",
		}, []string{"kind", "reason"}),
		companionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "companion_errors_total",
			Help:      "Failed deliveries to the companion device.",
		}),

		snapshotSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_saves_total",
			Help:      "Baseline snapshot saves by result.",
		}, []string{"result"}),
		sourceDegraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_degraded",
			Help:      "1 when a sensor source is unavailable or denied.",
		}, []string{"source"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the daemon started.",
		}, func() float64 { return time.Since(m.started).Seconds() }),
		m.httpRequestsTotal,
		m.httpDuration,
		m.samplesTotal,
		m.scoreHistogram,
		m.bandTotal,
		m.patternsTotal,
		m.baselineMean,
		m.baselineVariance,
		m.baselineTrained,
		m.motionState,
		m.transitionsTotal,
		m.proximityDistance,
		m.geofenceDistance,
		m.locationErrors,
		m.wearableState,
		m.alertsDispatched,
		m.alertsDropped,
		m.companionErrors,
		m.snapshotSaves,
		m.sourceDegraded,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler records request counts and durations for route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}
