// Package metrics exposes Prometheus instrumentation for the ingestion
// service.
package metrics

import (
	"cmp"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_messages_received_total",
			Help: "Total number of inbound MQTT messages by result (ok, unmapped, error)",
		},
		[]string{"result"},
	)

	TelemetryWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetryd_telemetry_writes_total",
			Help: "Total number of telemetry records persisted",
		},
	)

	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_device_status_transitions_total",
			Help: "Total number of device status changes by new status",
		},
		[]string{"status"},
	)

	TransportErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetryd_transport_errors_total",
			Help: "Total number of broker operation failures by operation",
		},
		[]string{"op"},
	)

	RoutingTableTopics = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetryd_routing_table_topics",
			Help: "Number of topics in the current routing table",
		},
	)

	ReloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telemetryd_reload_duration_seconds",
			Help:    "Duration of routing-table rebuild passes",
			Buckets: prometheus.DefBuckets,
		},
	)
)

type PromServerOpts struct {
	Addr              string
	Path              string // Path for metrics endpoint, defaults to "/metrics"
	ShutdownTimeout   time.Duration
	ReadHeaderTimeout time.Duration
	// Handlers are extra endpoints served on the same mux, e.g. a health
	// endpoint next to /metrics.
	Handlers map[string]http.Handler
	Logger   *zap.Logger
}

func defaultPromServerOpts() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer starts a Prometheus metrics server with the given
// options. The server shuts down gracefully when ctx is canceled.
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) {
	effective := defaultPromServerOpts()
	if opts != nil {
		effective.Addr = cmp.Or(opts.Addr, effective.Addr)
		effective.Path = cmp.Or(opts.Path, effective.Path)
		effective.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effective.ShutdownTimeout)
		effective.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effective.ReadHeaderTimeout)
		effective.Handlers = opts.Handlers
		effective.Logger = opts.Logger
	}
	logger := effective.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle(effective.Path, promhttp.Handler())
	for path, h := range effective.Handlers {
		mux.Handle(path, h)
	}

	server := &http.Server{
		Addr:              effective.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effective.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Starting metrics server", zap.String("addr", effective.Addr))
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
		close(serverClosed)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effective.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down metrics server", zap.Error(err))
		}

		select {
		case <-serverClosed:
			logger.Info("Metrics server shutdown complete")
		case <-shutdownCtx.Done():
			logger.Warn("Metrics server shutdown timed out")
		}
	}()
}
