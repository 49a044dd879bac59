// Package telemetry defines the Prometheus instrumentation shared by the
// server, the connection pipelines, and the request handler.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates every limitd collector behind one registry.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	ConnectionsOpen  prometheus.Gauge
	ConnectionsTotal prometheus.Counter
	FramesRead       prometheus.Counter
	FramesWritten    prometheus.Counter
	DecodeFailures   prometheus.Counter
	RegistrySwaps    prometheus.Counter
	WaitRetries      prometheus.Counter
}

// New builds a Metrics bundle on a private registry that also exposes the
// usual Go runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "limitd_requests_total",
			Help: "Requests handled, by method and outcome.",
		}, []string{"method", "outcome"}),
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "limitd_connections_open",
			Help: "Currently open client connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limitd_connections_total",
			Help: "Client connections accepted since start.",
		}),
		FramesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limitd_frames_read_total",
			Help: "Frames decoded from client streams.",
		}),
		FramesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limitd_frames_written_total",
			Help: "Frames written to client streams.",
		}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limitd_decode_failures_total",
			Help: "Framing or protocol decode failures that closed a connection.",
		}),
		RegistrySwaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limitd_registry_swaps_total",
			Help: "Successful bucket-type registry swaps.",
		}),
		WaitRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limitd_wait_retries_total",
			Help: "WAIT requests that scheduled their single retry.",
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RequestsTotal,
		m.ConnectionsOpen,
		m.ConnectionsTotal,
		m.FramesRead,
		m.FramesWritten,
		m.DecodeFailures,
		m.RegistrySwaps,
		m.WaitRetries,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
