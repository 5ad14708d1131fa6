// Package metrics exposes Prometheus counters, histograms, and gauges
// for the call manager, dialer, AMD, and IVR subsystems, plus an
// HTTP handler to serve them.
package metrics

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every registered collector, keyed by a short name so
// callers don't need to import prometheus types directly.
type Metrics struct {
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec

	registry *prometheus.Registry
	server   *http.Server
}

// New builds and registers the dialer's metric collectors against a
// fresh registry (not the global default, so tests can create more
// than one Metrics instance without a "duplicate metrics collector"
// panic).
func New() *Metrics {
	m := &Metrics{
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		registry:   prometheus.NewRegistry(),
	}
	m.registerCollectors()
	return m
}

func (m *Metrics) registerCollectors() {
	m.counters["calls_initiated"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dialer_calls_initiated_total", Help: "Total outbound calls initiated"},
		[]string{"campaign_id"},
	)
	m.counters["calls_completed"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dialer_calls_completed_total", Help: "Total calls reaching a terminal disposition"},
		[]string{"campaign_id", "disposition"},
	)
	m.counters["amd_verdicts"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dialer_amd_verdicts_total", Help: "AMD verdicts by result"},
		[]string{"result"},
	)
	m.counters["ivr_node_transitions"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dialer_ivr_node_transitions_total", Help: "IVR node transitions by node type"},
		[]string{"node_type"},
	)
	m.counters["registration_failures"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dialer_sip_registration_failures_total", Help: "Failed SIP REGISTER attempts"},
		[]string{},
	)

	m.histograms["call_duration"] = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dialer_call_duration_seconds",
			Help:    "Call duration from answer to hangup",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"campaign_id"},
	)
	m.histograms["setup_duration"] = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dialer_call_setup_duration_seconds",
			Help:    "Time from INVITE to 200 OK",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"campaign_id"},
	)

	m.gauges["active_calls"] = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "dialer_active_calls", Help: "Calls currently in progress"},
		[]string{"campaign_id"},
	)
	m.gauges["pending_contacts"] = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "dialer_pending_contacts", Help: "Contacts queued for dispatch"},
		[]string{"campaign_id"},
	)
	m.gauges["sip_registered"] = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "dialer_sip_registered", Help: "1 if the outbound trunk is registered, 0 otherwise"},
		[]string{},
	)

	for _, c := range m.counters {
		m.registry.MustRegister(c)
	}
	for _, h := range m.histograms {
		m.registry.MustRegister(h)
	}
	for _, g := range m.gauges {
		m.registry.MustRegister(g)
	}
}

// IncCounter increments a registered counter by name; unknown names
// are silently ignored so a metrics typo never crashes a call.
func (m *Metrics) IncCounter(name string, labels prometheus.Labels) {
	if c, ok := m.counters[name]; ok {
		c.With(labels).Inc()
	}
}

// ObserveHistogram records a value against a registered histogram.
func (m *Metrics) ObserveHistogram(name string, value float64, labels prometheus.Labels) {
	if h, ok := m.histograms[name]; ok {
		h.With(labels).Observe(value)
	}
}

// SetGauge sets a registered gauge's current value.
func (m *Metrics) SetGauge(name string, value float64, labels prometheus.Labels) {
	if g, ok := m.gauges[name]; ok {
		if labels == nil {
			labels = prometheus.Labels{}
		}
		g.With(labels).Set(value)
	}
}

// Handler returns the HTTP handler serving this registry's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing /metrics on addr (e.g. ":9090")
// and blocks until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	m.server = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return m.server.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
