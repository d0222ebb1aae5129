package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dyluth/magicclub/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mclub"

// Metrics counts session activity. It implements session.Observer.
type Metrics struct {
	registry *prometheus.Registry

	refreshes      *prometheus.CounterVec
	retries        prometheus.Counter
	streamConnects prometheus.Counter
	reconnects     prometheus.Counter
	eventsReceived *prometheus.CounterVec
	eventsDropped  prometheus.Counter
}

var _ session.Observer = (*Metrics)(nil)

// NewMetrics registers the session collectors, plus Go runtime and process
// collectors, on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Access token refresh attempts by result.",
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_retries_total",
			Help:      "Requests re-sent after a successful refresh.",
		}),
		streamConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_connections_total",
			Help:      "Successful event stream connections.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Event stream reconnects scheduled after a disconnect.",
		}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Events delivered by the stream, by type.",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Malformed events skipped by the stream.",
		}),
	}

	m.registry.MustRegister(
		m.refreshes, m.retries, m.streamConnects, m.reconnects, m.eventsReceived, m.eventsDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RefreshAttempted(ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) RequestRetried()           { m.retries.Inc() }
func (m *Metrics) StreamConnected()          { m.streamConnects.Inc() }
func (m *Metrics) StreamReconnectScheduled() { m.reconnects.Inc() }
func (m *Metrics) EventDropped()             { m.eventsDropped.Inc() }

func (m *Metrics) EventReceived(kind session.EventKind) {
	m.eventsReceived.WithLabelValues(string(kind)).Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled.
// The listener is bound before Serve returns; errors after that are sent on the returned channel.
func (m *Metrics) Serve(ctx context.Context, addr string) (net.Addr, <-chan error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return ln.Addr(), errCh, nil
}
