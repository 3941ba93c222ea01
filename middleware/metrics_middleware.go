package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"wsrpc/message"
)

// Metrics holds the collectors fed by MetricsMiddleware.
//
//   - wsrpc_requests_total{function,status}: handled requests, status "ok" or "error"
//   - wsrpc_request_duration_seconds{function}: handler latency
//   - wsrpc_requests_in_flight: requests currently being handled
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

// NewMetrics registers the request collectors with reg. A nil reg means
// prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsrpc",
			Name:      "requests_total",
			Help:      "Total number of inbound requests handled",
		}, []string{"function", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wsrpc",
			Name:      "request_duration_seconds",
			Help:      "Inbound request handling duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"function"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wsrpc",
			Name:      "requests_in_flight",
			Help:      "Number of inbound requests currently being handled",
		}),
	}
}

// MetricsMiddleware records every request in m.
func MetricsMiddleware(m *Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			m.inFlight.Inc()
			defer m.inFlight.Dec()

			start := time.Now()
			resp := next(ctx, req)
			m.duration.WithLabelValues(req.Name).Observe(time.Since(start).Seconds())

			status := "ok"
			if resp == nil || resp.HasError() {
				status = "error"
			}
			m.requests.WithLabelValues(req.Name, status).Inc()
			return resp
		}
	}
}
