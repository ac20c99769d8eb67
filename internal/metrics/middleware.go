package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

type statusWriter struct {
	http.ResponseWriter
	status int
	n      int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.n += n
	return n, err
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// unmatchedRoute labels requests no route claimed; raw paths carry user
// names and would explode cardinality.
const unmatchedRoute = "unmatched"

// Middleware records in-flight count, totals, 5xx errors, latency and
// response size per method and chi route pattern.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// chi fills this in place as it routes, so the pattern is readable
		// after next returns
		if chi.RouteContext(r.Context()) == nil {
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, chi.NewRouteContext()))
		}

		m.inflight.Inc()
		defer m.inflight.Dec()

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		m.observe(r, sw, time.Since(start))
	})
}

func (m *ServerMetrics) observe(r *http.Request, sw *statusWriter, took time.Duration) {
	ctx := r.Context()
	code := sw.status
	if code == 0 {
		code = http.StatusOK
	}
	route := chi.RouteContext(ctx).RoutePattern()
	if route == "" {
		route = unmatchedRoute
	}

	m.reqTotal.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
	if code >= http.StatusInternalServerError {
		m.errorsTotal.WithLabelValues(r.Method, route).Inc()
	}
	m.respBytes.WithLabelValues(r.Method, route).Observe(float64(sw.n))

	obs := m.reqDur.WithLabelValues(r.Method, route)
	eo, canExemplar := obs.(prometheus.ExemplarObserver)
	if ex := traceExemplar(ctx); ex != nil && canExemplar {
		eo.ObserveWithExemplar(took.Seconds(), ex)
		return
	}
	obs.Observe(took.Seconds())
}

// traceExemplar returns the trace_id of a sampled span, or nil.
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
