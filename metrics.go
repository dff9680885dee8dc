package sftp

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	sshfx "github.com/fxwire/sftp/encoding/ssh/filexfer"
)

type metrics struct {
	requests  *prometheus.CounterVec
	inflight  prometheus.Gauge
	latency   *prometheus.HistogramVec
	failures  *prometheus.CounterVec
	unmatched prometheus.Counter
	transfer  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sftp",
			Name:      "requests_total",
			Help:      "Total number of requests sent, by packet type.",
		}, []string{"type"}),

		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sftp",
			Name:      "requests_inflight",
			Help:      "Number of requests waiting for a response.",
		}),

		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sftp",
			Name:      "request_duration_seconds",
			Help:      "Time from sending a request to receiving its response, by packet type.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"type"}),

		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sftp",
			Name:      "request_failures_total",
			Help:      "Requests that resolved without a response, by reason.",
		}, []string{"reason"}),

		unmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sftp",
			Name:      "unmatched_responses_total",
			Help:      "Responses dropped because no request was waiting for them.",
		}),

		transfer: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sftp",
			Name:      "transfer_bytes_total",
			Help:      "Bytes moved by pipelined transfers, by direction.",
		}, []string{"direction"}),
	}

	if reg == nil {
		return m
	}

	m.requests = register(reg, m.requests)
	m.inflight = register(reg, m.inflight)
	m.latency = register(reg, m.latency)
	m.failures = register(reg, m.failures)
	m.unmatched = register(reg, m.unmatched)
	m.transfer = register(reg, m.transfer)

	return m
}

// register registers c, or returns the collector already registered under the same name,
// so that several sessions can share one registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *metrics) sent(typ sshfx.PacketType) {
	m.requests.WithLabelValues(typ.String()).Inc()
	m.inflight.Inc()
}

func (m *metrics) resolved(typ sshfx.PacketType, start time.Time) {
	m.inflight.Dec()
	m.latency.WithLabelValues(typ.String()).Observe(time.Since(start).Seconds())
}

func (m *metrics) failed(reason string) {
	m.failures.WithLabelValues(reason).Inc()
}
