package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-pages/internal/version"
)

type ServerMetrics struct {
	reg                    *prometheus.Registry
	handler                http.Handler
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	httpPanicTotal         prometheus.Counter
	buildInfo              *prometheus.GaugeVec
	ratelimitDeniedTotal   *prometheus.CounterVec
	ratelimitCapacityTotal *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// upload pipeline
	uploadsTotal     *prometheus.CounterVec
	uploadDur        prometheus.Histogram
	uploadsInflight  prometheus.Gauge
	extractedBytes   prometheus.Counter
	rejectedEntries  prometheus.Counter
	sweepRemoved     prometheus.Counter
	sweepErrorsTotal prometheus.Counter
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 52428800},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by a rate limiter",
		}, []string{"limiter"}),
		ratelimitCapacityTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times a rate limiter hit its visitor capacity",
		}, []string{"limiter"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		uploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pages_uploads_total",
			Help: "Site uploads by outcome (ok or error kind)",
		}, []string{"result"}),
		uploadDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pages_upload_duration_seconds",
			Help:    "Time to receive, validate, extract and publish an archive",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		uploadsInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pages_uploads_inflight",
			Help: "Uploads currently being processed",
		}),
		extractedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pages_extracted_bytes_total",
			Help: "Bytes written to staging by archive extraction",
		}),
		rejectedEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pages_rejected_entries_total",
			Help: "Archive entries skipped by path sanitization",
		}),
		sweepRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pages_staging_swept_total",
			Help: "Abandoned staging entries removed by the sweeper",
		}),
		sweepErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pages_staging_sweep_errors_total",
			Help: "Sweeper passes that failed to list or remove an entry",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.errorsTotal,
		m.profilingActive,
		m.uploadsTotal,
		m.uploadDur,
		m.uploadsInflight,
		m.extractedBytes,
		m.rejectedEntries,
		m.sweepRemoved,
		m.sweepErrorsTotal,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

// limiter is "global" or "upload".
func (m *ServerMetrics) IncRateLimitDenied(limiter string) {
	m.ratelimitDeniedTotal.WithLabelValues(limiter).Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity(limiter string) {
	m.ratelimitCapacityTotal.WithLabelValues(limiter).Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *ServerMetrics) ObserveUpload(result string, seconds float64) {
	m.uploadsTotal.WithLabelValues(result).Inc()
	m.uploadDur.Observe(seconds)
}

func (m *ServerMetrics) AddExtractedBytes(n int64) { m.extractedBytes.Add(float64(n)) }

func (m *ServerMetrics) AddRejectedEntries(n int) { m.rejectedEntries.Add(float64(n)) }

func (m *ServerMetrics) IncUploadsInflight() { m.uploadsInflight.Inc() }

func (m *ServerMetrics) DecUploadsInflight() { m.uploadsInflight.Dec() }

func (m *ServerMetrics) AddSweepRemoved(n int) { m.sweepRemoved.Add(float64(n)) }

func (m *ServerMetrics) IncSweepError() { m.sweepErrorsTotal.Inc() }
