// Package metrics exposes the Prometheus metrics of the session manager and
// the HTTP server that serves them.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer serves /metrics from its own registry.
type MetricsServer struct {
	registry *prometheus.Registry
	session  *SessionMetrics
	srv      *http.Server
}

// New creates a metrics server listening on addr with the session metrics
// registered under namespace.
func New(namespace, addr string) (*MetricsServer, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}

	session, err := NewSessionMetrics(namespace, registry)
	if err != nil {
		return nil, err
	}

	m := &MetricsServer{
		registry: registry,
		session:  session,
	}

	mux := chi.NewRouter()
	mux.Handle("/metrics", m.Handler())
	m.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return m, nil
}

// Registry returns the registry metrics are registered in.
func (m *MetricsServer) Registry() *prometheus.Registry {
	return m.registry
}

// Session returns the session metrics.
func (m *MetricsServer) Session() *SessionMetrics {
	return m.session
}

// Handler returns the Prometheus exposition handler.
func (m *MetricsServer) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
