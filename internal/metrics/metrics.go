// Package metrics exposes sync counters for the gateway, replayer and resync.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clinicbook"

// Sync holds the sync core's metrics. A nil *Sync is valid and records nothing.
type Sync struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	queued      prometheus.Counter
	replayed    *prometheus.CounterVec
	resyncs     *prometheus.CounterVec
	authExpired prometheus.Counter
	queueDepth  prometheus.Gauge
	online      prometheus.Gauge
}

// New creates the metrics on a private registry.
func New() *Sync {
	s := &Sync{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Gateway calls by routing mode and HTTP method.",
		}, []string{"mode", "method"}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_queued_total",
			Help:      "Writes recorded in the offline queue.",
		}),
		replayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_replayed_total",
			Help:      "Queued writes replayed against the server by result.",
		}, []string{"result"}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resyncs_total",
			Help:      "Full resync attempts by result.",
		}, []string{"result"}),
		authExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_expired_total",
			Help:      "Sessions torn down after an authentication failure.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Mutations waiting for replay.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 while the server is reachable.",
		}),
	}
	s.registry.MustRegister(s.requests, s.queued, s.replayed, s.resyncs, s.authExpired, s.queueDepth, s.online)
	return s
}

// Handler serves the registry in the Prometheus text format.
func (s *Sync) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

func (s *Sync) Request(mode, method string) {
	if s != nil {
		s.requests.WithLabelValues(mode, method).Inc()
	}
}

func (s *Sync) Queued() {
	if s != nil {
		s.queued.Inc()
	}
}

func (s *Sync) Replayed(ok bool) {
	if s != nil {
		s.replayed.WithLabelValues(result(ok)).Inc()
	}
}

func (s *Sync) Resync(ok bool) {
	if s != nil {
		s.resyncs.WithLabelValues(result(ok)).Inc()
	}
}

func (s *Sync) AuthExpired() {
	if s != nil {
		s.authExpired.Inc()
	}
}

func (s *Sync) QueueDepth(n int) {
	if s != nil {
		s.queueDepth.Set(float64(n))
	}
}

func (s *Sync) Online(up bool) {
	if s != nil {
		v := 0.0
		if up {
			v = 1
		}
		s.online.Set(v)
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
