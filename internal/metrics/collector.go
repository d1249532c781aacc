// Package metrics exposes the service's Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "polysvg"

// Collector owns a private registry so tests can create as many as they
// need without clashing on the default one.
type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	uploadsTotal *prometheus.CounterVec
	uploadBytes  prometheus.Histogram

	conversionsTotal    *prometheus.CounterVec
	conversionDuration  *prometheus.HistogramVec
	conversionsInFlight prometheus.Gauge
	coalescedTotal      prometheus.Counter
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		uploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_total",
				Help:      "Uploads by outcome",
			},
			[]string{"outcome"},
		),
		uploadBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upload_size_bytes",
				Help:      "Size of stored uploads in bytes",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
			},
		),

		conversionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversions_total",
				Help:      "Converter runs by outcome",
			},
			[]string{"outcome"},
		),
		conversionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "conversion_duration_seconds",
				Help:      "Converter run time in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),
		conversionsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "conversions_in_flight",
				Help:      "Converter processes currently running",
			},
		),
		coalescedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversions_coalesced_total",
				Help:      "Requests that shared an identical in-flight conversion",
			},
		),
	}
}

// ObserveHTTP records one finished HTTP request.
func (c *Collector) ObserveHTTP(method, route string, status int, d time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveUpload records an upload attempt; size is ignored unless outcome
// is "stored".
func (c *Collector) ObserveUpload(outcome string, size int64) {
	c.uploadsTotal.WithLabelValues(outcome).Inc()
	if outcome == "stored" {
		c.uploadBytes.Observe(float64(size))
	}
}

// ConversionStarted increments the in-flight gauge and returns the func
// that records the outcome.
func (c *Collector) ConversionStarted() func(outcome string) {
	start := time.Now()
	c.conversionsInFlight.Inc()
	return func(outcome string) {
		c.conversionsInFlight.Dec()
		c.conversionsTotal.WithLabelValues(outcome).Inc()
		c.conversionDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
}

// ConversionCoalesced counts a request served by another in-flight run.
func (c *Collector) ConversionCoalesced() {
	c.coalescedTotal.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
