// Package metrics exposes the service's Prometheus instrumentation.
//
// Every Recorder owns a private registry so tests and multiple servers in
// one process never collide on metric names.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "feedpack"

// Recorder aggregates HTTP, admission, workspace, cleanup and download
// metrics.
type Recorder struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	admission        *prometheus.CounterVec
	activeWorkspaces prometheus.Gauge
	pendingCleanups  prometheus.Gauge
	cleanups         *prometheus.CounterVec
	packages         *prometheus.CounterVec
	packageBytes     *prometheus.HistogramVec
	downloads        *prometheus.CounterVec
	downloadDuration *prometheus.HistogramVec
	fetchDuration    *prometheus.HistogramVec
}

var defaultRecorder = New()

// New constructs a Recorder with its own registry, including the Go runtime
// and process collectors.
func New() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})
	r.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"method", "route"})
	r.admission = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admission_decisions_total",
		Help:      "Admission decisions by outcome.",
	}, []string{"decision"})
	r.activeWorkspaces = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workspaces_active",
		Help:      "Workspaces currently on disk.",
	})
	r.pendingCleanups = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cleanup_pending",
		Help:      "Workspaces awaiting deferred deletion.",
	})
	r.cleanups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cleanup_deletions_total",
		Help:      "Workspace deletions by result.",
	}, []string{"result"})
	r.packages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packages_total",
		Help:      "Packaged results by kind.",
	}, []string{"kind"})
	r.packageBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "package_size_bytes",
		Help:      "Size of packaged results.",
		Buckets:   prometheus.ExponentialBuckets(1024, 10, 7),
	}, []string{"kind"})
	r.downloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "downloads_total",
		Help:      "Download requests by kind and outcome code.",
	}, []string{"kind", "code"})
	r.downloadDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "download_duration_seconds",
		Help:      "End-to-end download latency by kind.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"kind"})
	r.fetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fetch_duration_seconds",
		Help:      "Content fetch latency by kind and outcome.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"kind", "outcome"})

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests,
		r.requestDuration,
		r.admission,
		r.activeWorkspaces,
		r.pendingCleanups,
		r.cleanups,
		r.packages,
		r.packageBytes,
		r.downloads,
		r.downloadDuration,
		r.fetchDuration,
	)
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveRequest records one completed HTTP request. route should be the
// matched route pattern, never the raw path.
func (r *Recorder) ObserveRequest(method, route string, status int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	method = strings.ToUpper(method)
	r.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveAdmission counts an admission decision.
func (r *Recorder) ObserveAdmission(allowed bool) {
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	r.admission.WithLabelValues(decision).Inc()
}

// WorkspaceOpened implements workspace.Observer.
func (r *Recorder) WorkspaceOpened() { r.activeWorkspaces.Inc() }

// WorkspaceClosed implements workspace.Observer.
func (r *Recorder) WorkspaceClosed() { r.activeWorkspaces.Dec() }

// CleanupPending implements cleanup.Observer.
func (r *Recorder) CleanupPending(n int) { r.pendingCleanups.Set(float64(n)) }

// CleanupCompleted implements cleanup.Observer.
func (r *Recorder) CleanupCompleted(result string) {
	r.cleanups.WithLabelValues(result).Inc()
}

// Packaged counts a built artefact.
func (r *Recorder) Packaged(kind string, size int64) {
	r.packages.WithLabelValues(kind).Inc()
	r.packageBytes.WithLabelValues(kind).Observe(float64(size))
}

// FetchCompleted records how long the content fetch took.
func (r *Recorder) FetchCompleted(kind, outcome string, duration time.Duration) {
	r.fetchDuration.WithLabelValues(kind, outcome).Observe(duration.Seconds())
}

// DownloadCompleted records the terminal outcome of a download request.
func (r *Recorder) DownloadCompleted(kind, code string, duration time.Duration) {
	r.downloads.WithLabelValues(kind, code).Inc()
	r.downloadDuration.WithLabelValues(kind).Observe(duration.Seconds())
}
