package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry *prometheus.Registry
	prompts  *prometheus.CounterVec
	requests *prometheus.HistogramVec
}

func newMetrics(s *Server) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		prompts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clarvis_prompts_total",
			Help: "Prompts accepted, by whether they started immediately or were queued.",
		}, []string{"outcome"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clarvis_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.prompts,
		m.requests,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "clarvis_sessions",
			Help: "Sessions known to the server.",
		}, func() float64 {
			total, _ := s.reg.Count()
			return float64(total)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "clarvis_sessions_running",
			Help: "Sessions with a query in flight.",
		}, func() float64 {
			_, busy := s.reg.Count()
			return float64(busy)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "clarvis_websocket_connections",
			Help: "Open WebSocket connections.",
		}, func() float64 { return float64(s.hub.ConnectionCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "clarvis_permission_requests_pending",
			Help: "Permission requests awaiting a decision.",
		}, func() float64 { return float64(s.broker.Count()) }),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// middleware times every routed request except the long-lived /ws stream.
func (m *metrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		if route == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		m.requests.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
