package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "studysync"

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests received",
	}, []string{"method", "path", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	httpInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_in_flight_requests",
		Help:      "Current number of in-flight HTTP requests",
	})

	moves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "moves_total",
		Help:      "Proposed moves by outcome",
	}, []string{"outcome"})

	documentUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "document_fragments_total",
		Help:      "Document and awareness fragments relayed",
	}, []string{"kind"})

	snapshotSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_saves_total",
		Help:      "Document snapshot writes by result",
	}, []string{"result"})

	sessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_ended_total",
		Help:      "Sessions ended by reason",
	}, []string{"reason"})

	connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_connections",
		Help:      "Live WebSocket connections",
	})

	openDocuments = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_documents",
		Help:      "Room documents held in memory",
	})

	evictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_slow_consumer_evictions_total",
		Help:      "Connections dropped because their send queue was full",
	})
)

// Move outcomes
const (
	OutcomeAccepted = "accepted"
	OutcomeStarted  = "started"
	OutcomeStale    = "stale"
	OutcomeInvalid  = "invalid"
	OutcomeNoActive = "no_active_session"
	OutcomeError    = "error"
)

// MoveProcessed counts one proposed move
func MoveProcessed(outcome string) {
	moves.WithLabelValues(outcome).Inc()
}

// FragmentRelayed counts one relayed document ("document") or awareness
// ("awareness") fragment
func FragmentRelayed(kind string) {
	documentUpdates.WithLabelValues(kind).Inc()
}

// SnapshotSaved counts a snapshot write
func SnapshotSaved(err error) {
	if err != nil {
		snapshotSaves.WithLabelValues("failed").Inc()
		return
	}
	snapshotSaves.WithLabelValues("ok").Inc()
}

// SessionEnded counts a session that was exited or expired
func SessionEnded(reason string) {
	sessionsEnded.WithLabelValues(reason).Inc()
}

func ConnectionOpened()    { connections.Inc() }
func ConnectionClosed()    { connections.Dec() }
func DocumentOpened()      { openDocuments.Inc() }
func DocumentClosed()      { openDocuments.Dec() }
func SlowConsumerEvicted() { evictions.Inc() }

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps WebSocket upgrades working behind the middleware
func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("metrics: underlying ResponseWriter does not support hijacking")
}

// Middleware records request metrics. Paths are labelled with the matched
// route template so ids don't blow up cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"path":   path,
			"status": strconv.Itoa(rec.status),
		}
		httpRequests.With(labels).Inc()
		httpLatency.With(labels).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes the default Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
