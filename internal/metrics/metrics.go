// Package metrics exposes operational counters for the device distribution
// server over a Prometheus endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the server's collectors. A nil *Metrics is a valid no-op
// sink, so instrumentation points need no guards.
type Metrics struct {
	clientsConnected prometheus.Gauge
	clientsActive    prometheus.Gauge
	clientsStreaming prometheus.Gauge
	clientsAccepted  prometheus.Counter
	disconnects      *prometheus.CounterVec
	updatesPushed    *prometheus.CounterVec
	bytesSent        prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		clientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vtrackd_clients_connected",
			Help: "Clients currently connected.",
		}),
		clientsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vtrackd_clients_active",
			Help: "Clients in the active or streaming state.",
		}),
		clientsStreaming: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vtrackd_clients_streaming",
			Help: "Clients currently streaming state updates.",
		}),
		clientsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "vtrackd_clients_accepted_total",
			Help: "Connections accepted since start.",
		}),
		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vtrackd_client_disconnects_total",
			Help: "Client disconnects by reason.",
		}, []string{"reason"}),
		updatesPushed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vtrackd_updates_pushed_total",
			Help: "State updates pushed to streaming clients, by kind.",
		}, []string{"kind"}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "vtrackd_bytes_sent_total",
			Help: "Protocol bytes written to clients.",
		}),
	}
}

func (m *Metrics) ClientAccepted() {
	if m == nil {
		return
	}
	m.clientsAccepted.Inc()
	m.clientsConnected.Inc()
}

func (m *Metrics) ClientDisconnected(reason string) {
	if m == nil {
		return
	}
	m.clientsConnected.Dec()
	m.disconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.clientsActive.Set(float64(n))
}

func (m *Metrics) SetStreaming(n int) {
	if m == nil {
		return
	}
	m.clientsStreaming.Set(float64(n))
}

func (m *Metrics) UpdatePushed(kind string, n int) {
	if m == nil {
		return
	}
	m.updatesPushed.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) BytesSent(n int) {
	if m == nil {
		return
	}
	m.bytesSent.Add(float64(n))
}

// Handler builds the HTTP mux serving /metrics and /healthz.
func Handler(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

// Serve runs the observability endpoint until the listener fails.
func Serve(addr string, reg *prometheus.Registry) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
