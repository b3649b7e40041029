// Package metrics exposes Prometheus metrics for relayed calls.
//
// Metrics:
//   - relay_requests_total: relayed calls by endpoint, mode and status code
//   - relay_request_duration_seconds: end-to-end relay duration
//   - relay_stream_lines_total: lines forwarded on streamed responses
//   - relay_errors_total: relay failures by endpoint and error kind
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Collector owns a private registry and the relay metrics registered on it.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	streamLines     *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
}

// NewCollector creates a collector. A nil registry gets a fresh one with the
// Go runtime and process collectors attached.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	c := &Collector{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of relayed backend calls",
			},
			[]string{"endpoint", "mode", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of relayed calls in seconds",
				// LLM latencies: 100ms to a full generation timeout.
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"endpoint", "mode"},
		),
		streamLines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_lines_total",
				Help:      "Total number of lines forwarded on streamed responses",
			},
			[]string{"endpoint"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of relay failures",
			},
			[]string{"endpoint", "kind"},
		),
	}

	registry.MustRegister(c.requestsTotal, c.requestDuration, c.streamLines, c.errorsTotal)
	return c
}

// Observation is the outcome of one relayed call.
type Observation struct {
	Endpoint  string
	Streaming bool
	Status    int
	Lines     int
	Duration  time.Duration
	// ErrorKind is empty on success.
	ErrorKind string
}

// Observe records one relayed call. It is a no-op on a nil collector.
func (c *Collector) Observe(o Observation) {
	if c == nil {
		return
	}

	mode := "buffered"
	if o.Streaming {
		mode = "stream"
	}

	c.requestsTotal.WithLabelValues(o.Endpoint, mode, strconv.Itoa(o.Status)).Inc()
	c.requestDuration.WithLabelValues(o.Endpoint, mode).Observe(o.Duration.Seconds())
	if o.Streaming && o.Lines > 0 {
		c.streamLines.WithLabelValues(o.Endpoint).Add(float64(o.Lines))
	}
	if o.ErrorKind != "" {
		c.errorsTotal.WithLabelValues(o.Endpoint, o.ErrorKind).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
