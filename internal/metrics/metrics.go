// Package metrics exposes Prometheus collectors for stream sessions, sinks
// and the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/go-vits-stream/internal/stream"
)

const namespace = "vitsstream"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	chunksRelayed    prometheus.Counter
	relayOccupancy   prometheus.Histogram
	emptyTimeouts    prometheus.Counter
	firstChunk       prometheus.Histogram
	underruns        prometheus.Counter
	busPublished     prometheus.Counter
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New registers every collector, plus the Go and process collectors when
// withRuntime is set.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		reg: reg,
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "sessions_started_total",
			Help: "Stream sessions started.",
		}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "sessions_finished_total",
			Help: "Stream sessions whose producer exited, by terminal status.",
		}, []string{"status"}),
		chunksRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "chunks_relayed_total",
			Help: "Chunks placed into a relay buffer.",
		}),
		relayOccupancy: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "stream", Name: "relay_occupancy",
			Help:    "Relay occupancy observed right after each put.",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
		}),
		emptyTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "empty_timeouts_total",
			Help: "Consumer waits that timed out on an empty relay.",
		}),
		firstChunk: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "stream", Name: "first_chunk_seconds",
			Help:    "Latency from session start to the first delivered chunk.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		underruns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "playback", Name: "underruns_total",
			Help: "Playback device underruns.",
		}),
		busPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "chunks_published_total",
			Help: "Chunks published to the message bus.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.sessionsStarted, m.sessionsFinished, m.chunksRelayed, m.relayOccupancy,
		m.emptyTimeouts, m.firstChunk, m.underruns, m.busPublished,
		m.httpRequests, m.httpDuration,
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observer returns a stream.Observer feeding the session collectors.
func (m *Metrics) Observer() stream.Observer { return observer{m} }

// Underrun counts one playback underrun. It matches audio.WithUnderrunHook.
func (m *Metrics) Underrun() { m.underruns.Inc() }

// Published counts one chunk published to the bus.
func (m *Metrics) Published() { m.busPublished.Inc() }

// ObserveHTTP records one finished request.
func (m *Metrics) ObserveHTTP(route string, code int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

type observer struct{ m *Metrics }

func (o observer) SessionStarted() { o.m.sessionsStarted.Inc() }

func (o observer) ChunkRelayed(occupancy int) {
	o.m.chunksRelayed.Inc()
	o.m.relayOccupancy.Observe(float64(occupancy))
}

func (o observer) EmptyTimeout() { o.m.emptyTimeouts.Inc() }

func (o observer) FirstChunk(latency time.Duration) { o.m.firstChunk.Observe(latency.Seconds()) }

func (o observer) SessionFinished(status stream.Status, _ int) {
	o.m.sessionsFinished.WithLabelValues(status.String()).Inc()
}
