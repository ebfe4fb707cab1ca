// Package export provides the outbound surfaces of the agent: the
// ClickHouse writer used by the export sink and the Prometheus health
// metrics server.
package export

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// HealthConfig configures the Prometheus health metrics server.
type HealthConfig struct {
	// Enabled enables the metrics server.
	Enabled bool `yaml:"enabled"`

	// Addr is the listen address. Defaults to ":9090".
	Addr string `yaml:"addr"`
}

// HealthMetrics exposes Prometheus metrics for agent health.
type HealthMetrics struct {
	log      logrus.FieldLogger
	addr     string
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry

	// Engine layer.
	RecordsDispatched prometheus.Counter
	RecordsIgnored    prometheus.Counter
	RecordsByKind     *prometheus.CounterVec
	ParseErrors       *prometheus.CounterVec
	EngineFaulted     prometheus.Gauge
	DispatchDuration  prometheus.Histogram

	// Module bookkeeping.
	ModuleConflicts  prometheus.Counter
	ProcessesTracked prometheus.Gauge
	ModulesTracked   prometheus.Gauge

	// Sink layer.
	SinkQueueLength   *prometheus.GaugeVec
	SinkQueueCapacity *prometheus.GaugeVec
	SinkRowsExported  *prometheus.CounterVec
	SinkFlushDuration *prometheus.HistogramVec
	SinkBatchSize     *prometheus.HistogramVec
	SinkExportErrors  *prometheus.CounterVec

	running atomic.Bool
}

// NewHealthMetrics creates a new health metrics server.
func NewHealthMetrics(
	log logrus.FieldLogger,
	cfg HealthConfig,
) *HealthMetrics {
	reg := prometheus.NewRegistry()

	h := &HealthMetrics{
		log:      log.WithField("component", "health"),
		addr:     cfg.Addr,
		registry: reg,

		RecordsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callscope",
			Name:      "records_dispatched_total",
			Help:      "Total call-trace records dispatched to handlers.",
		}),
		RecordsIgnored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callscope",
			Name:      "records_ignored_total",
			Help:      "Total records ignored for carrying a foreign event class.",
		}),
		RecordsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "callscope",
				Name:      "records_by_kind_total",
				Help:      "Total records dispatched by event kind.",
			},
			[]string{"kind"},
		),
		ParseErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "callscope",
				Name:      "parse_errors_total",
				Help:      "Total record validation failures by reason.",
			},
			[]string{"reason"},
		),
		EngineFaulted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "callscope",
			Name:      "engine_faulted",
			Help:      "Whether the dispatch engine has latched a fault (1=yes, 0=no).",
		}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "callscope",
			Name:      "dispatch_duration_seconds",
			Help:      "Time to dispatch a single record.",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005}, // 10us-5ms
		}),

		ModuleConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callscope",
			Name:      "module_conflicts_total",
			Help:      "Total conflicting module events observed.",
		}),
		ProcessesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "callscope",
			Name:      "processes_tracked",
			Help:      "Number of processes with a module map.",
		}),
		ModulesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "callscope",
			Name:      "modules_tracked",
			Help:      "Total module entries across all processes.",
		}),

		SinkQueueLength: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "callscope",
				Name:      "sink_queue_length",
				Help:      "Current number of rows queued in a sink.",
			},
			[]string{"sink"},
		),
		SinkQueueCapacity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "callscope",
				Name:      "sink_queue_capacity",
				Help:      "Capacity of a sink's row queue.",
			},
			[]string{"sink"},
		),
		SinkRowsExported: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "callscope",
				Name:      "sink_rows_exported_total",
				Help:      "Total rows exported by sink.",
			},
			[]string{"sink"},
		),
		SinkFlushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "callscope",
				Name:      "sink_flush_duration_seconds",
				Help:      "Time to flush a batch by sink.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}, // 1ms-1s
			},
			[]string{"sink"},
		),
		SinkBatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "callscope",
				Name:      "sink_batch_size",
				Help:      "Number of rows per batch flush by sink.",
				Buckets:   []float64{100, 500, 1000, 5000, 10000, 25000, 50000},
			},
			[]string{"sink"},
		),
		SinkExportErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "callscope",
				Name:      "sink_export_errors_total",
				Help:      "Total export errors by sink and error type.",
			},
			[]string{"sink", "error_type"},
		),
	}

	reg.MustRegister(
		h.RecordsDispatched,
		h.RecordsIgnored,
		h.RecordsByKind,
		h.ParseErrors,
		h.EngineFaulted,
		h.DispatchDuration,
		h.ModuleConflicts,
		h.ProcessesTracked,
		h.ModulesTracked,
		h.SinkQueueLength,
		h.SinkQueueCapacity,
		h.SinkRowsExported,
		h.SinkFlushDuration,
		h.SinkBatchSize,
		h.SinkExportErrors,
	)

	return h
}

// Start begins serving the /metrics endpoint.
func (h *HealthMetrics) Start(_ context.Context) error {
	if h.addr == "" {
		h.addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		h.registry,
		promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	// pprof endpoints for CPU/memory profiling.
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}

	h.listener = ln

	h.server = &http.Server{
		Handler: mux,
	}

	h.running.Store(true)

	go func() {
		h.log.WithField("addr", ln.Addr().String()).
			Info("Health metrics server started")

		if err := h.server.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			h.log.WithError(err).
				Error("Health metrics server error")
		}

		h.running.Store(false)
	}()

	return nil
}

// Addr returns the actual listener address. Useful when started with
// ":0" to get the OS-assigned port.
func (h *HealthMetrics) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}

	return h.addr
}

// Stop gracefully shuts down the health metrics server.
func (h *HealthMetrics) Stop() error {
	if h.server == nil {
		return nil
	}

	return h.server.Close()
}
