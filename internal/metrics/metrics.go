// Package metrics exposes the SOCKS5 core's process-global counters as
// Prometheus collectors, served over an HTTP /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the singleton set of server-wide counters.
type Metrics struct {
	ConnectionsOpened    prometheus.Counter
	ConnectionsClosed    prometheus.Counter
	ConnectionsCurrent   prometheus.Gauge
	AuthSuccess          prometheus.Counter
	AuthFailed           prometheus.Counter
	ConnectionSuccess    prometheus.Counter
	ConnectionFailed     prometheus.Counter
	BytesFromClient      prometheus.Counter
	BytesToClient        prometheus.Counter
	BytesFromOrigin      prometheus.Counter
	BytesToOrigin        prometheus.Counter

	registry *prometheus.Registry
}

var (
	defaultOnce sync.Once
	defaultM    *Metrics
)

// New builds a fresh Metrics instance bound to its own registry, so tests
// can create independent instances without colliding on the default
// global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry:           reg,
		ConnectionsOpened:  f.NewCounter(prometheus.CounterOpts{Name: "socks5_connections_opened_total", Help: "Historical count of accepted client connections."}),
		ConnectionsClosed:  f.NewCounter(prometheus.CounterOpts{Name: "socks5_connections_closed_total", Help: "Count of connections torn down."}),
		ConnectionsCurrent: f.NewGauge(prometheus.GaugeOpts{Name: "socks5_connections_current", Help: "Number of concurrently open connections."}),
		AuthSuccess:        f.NewCounter(prometheus.CounterOpts{Name: "socks5_auth_success_total", Help: "Successful username/password authentications."}),
		AuthFailed:         f.NewCounter(prometheus.CounterOpts{Name: "socks5_auth_failed_total", Help: "Failed username/password authentications."}),
		ConnectionSuccess:  f.NewCounter(prometheus.CounterOpts{Name: "socks5_connection_success_total", Help: "CONNECT requests that reached a successful origin dial."}),
		ConnectionFailed:   f.NewCounter(prometheus.CounterOpts{Name: "socks5_connection_failed_total", Help: "CONNECT requests that ended in an error reply."}),
		BytesFromClient:    f.NewCounter(prometheus.CounterOpts{Name: "socks5_bytes_from_client_total", Help: "Bytes read from clients during the copy phase."}),
		BytesToClient:      f.NewCounter(prometheus.CounterOpts{Name: "socks5_bytes_to_client_total", Help: "Bytes written to clients during the copy phase."}),
		BytesFromOrigin:    f.NewCounter(prometheus.CounterOpts{Name: "socks5_bytes_from_origin_total", Help: "Bytes read from origins during the copy phase."}),
		BytesToOrigin:      f.NewCounter(prometheus.CounterOpts{Name: "socks5_bytes_to_origin_total", Help: "Bytes written to origins during the copy phase."}),
	}
}

// Default returns the process-wide singleton.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultM = New()
	})
	return defaultM
}

// ConnectionOpened records an accepted connection.
func (m *Metrics) ConnectionOpened() {
	m.ConnectionsOpened.Inc()
	m.ConnectionsCurrent.Inc()
}

// ConnectionClosed records a torn-down connection.
func (m *Metrics) ConnectionClosed() {
	m.ConnectionsClosed.Inc()
	m.ConnectionsCurrent.Dec()
}

// Serve starts an HTTP server exposing this Metrics' registry at /metrics
// on addr, and blocks until ctx is cancelled or the server fails.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
