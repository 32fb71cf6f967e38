package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "embedder"

// Session Metrics
var (
	SessionActiveCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "active_count",
		Help:      "Number of browser sessions currently open",
	})

	SessionLaunchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "launch_latency_seconds",
		Help:      "Time from launch request to a connected session",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	SessionLaunchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "launch_errors_total",
		Help:      "Failed launches by the step that failed",
	}, []string{"step"})

	SessionLaunchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "launch_retries_total",
		Help:      "Launch attempts retried after a host port conflict",
	})

	TeardownFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "teardown_failures_total",
		Help:      "Container stop/remove failures during session close",
	})

	DownloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "download_bytes_total",
		Help:      "Bytes fetched through session downloads",
	})
)

// Image and port Metrics
var (
	ImageBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "image",
		Name:      "builds_total",
		Help:      "Image build attempts by result",
	}, []string{"result"})

	LockWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "lock",
		Name:      "wait_seconds",
		Help:      "Time spent waiting for the build or port lock",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
	}, []string{"lock"})

	PortScanLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ports",
		Name:      "scan_length",
		Help:      "Number of candidate ports probed per allocation",
		Buckets:   []float64{1, 2, 4, 8, 16, 64, 256, 1024},
	})

	OrphansReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reaper",
		Name:      "containers_removed_total",
		Help:      "Containers removed because their owning process is gone",
	})
)

// Fetch Metrics
var (
	FetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Metadata fetches by mode and result",
	}, []string{"mode", "result"})

	FetchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "latency_seconds",
		Help:      "End-to-end metadata fetch latency",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"mode"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "job",
		Name:      "processed_total",
		Help:      "Fetch jobs handled by the worker, by final status",
	}, []string{"status"})
)
