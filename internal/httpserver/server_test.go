package httpserver

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-pages/internal/health"
	"github.com/keithlinneman/linnemanlabs-pages/internal/log"
	"github.com/keithlinneman/linnemanlabs-pages/internal/sitehandler"
	"github.com/keithlinneman/linnemanlabs-pages/internal/sitehttp"
	"github.com/keithlinneman/linnemanlabs-pages/internal/webassets"
)

func do(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

// newSiteHandler builds the full public handler over a temp sites dir with
// one published site for alice.
func newSiteHandler(t *testing.T, opts *Options) http.Handler {
	t.Helper()
	sites := t.TempDir()
	if err := os.MkdirAll(filepath.Join(sites, "alice", "css"), 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(sites, "alice", "index.html"), []byte("<h1>alice</h1>"), 0o644)
	os.WriteFile(filepath.Join(sites, "alice", "css", "site.css"), []byte("body{}"), 0o644)

	sh, err := sitehandler.New(&sitehandler.Options{SitesDir: sites, FallbackFS: webassets.FallbackFS()})
	if err != nil {
		t.Fatal(err)
	}
	opts.Logger = log.Nop()
	opts.SiteRoutes = sitehttp.New(sh).RegisterRoutes
	return NewHandler(opts)
}

func TestNewHandler_ServesSites(t *testing.T) {
	h := newSiteHandler(t, &Options{})

	rec := do(h, http.MethodGet, "/alice/")
	if rec.Code != http.StatusOK || rec.Body.String() != "<h1>alice</h1>" {
		t.Fatalf("GET /alice/ = %d %q", rec.Code, rec.Body)
	}
	if csp := rec.Header().Get("Content-Security-Policy"); !strings.HasPrefix(csp, "sandbox") {
		t.Fatalf("site CSP = %q, want sandbox", csp)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("missing X-Request-Id")
	}

	if rec := do(h, http.MethodGet, "/alice"); rec.Code != http.StatusPermanentRedirect {
		t.Fatalf("GET /alice = %d, want 308", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/bob/"); rec.Code != http.StatusNotFound {
		t.Fatalf("GET /bob/ = %d, want 404", rec.Code)
	}
}

func TestNewHandler_StrictHeadersOffSite(t *testing.T) {
	h := newSiteHandler(t, &Options{})
	rec := do(h, http.MethodGet, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET / = %d", rec.Code)
	}
	for _, name := range []string{"Strict-Transport-Security", "X-Content-Type-Options", "Referrer-Policy"} {
		if rec.Header().Get(name) == "" {
			t.Errorf("missing %s", name)
		}
	}
	if csp := rec.Header().Get("Content-Security-Policy"); !strings.HasPrefix(csp, "default-src 'self'") {
		t.Fatalf("landing CSP = %q", csp)
	}
}

func TestNewHandler_Compresses(t *testing.T) {
	h := newSiteHandler(t, &Options{})
	req := httptest.NewRequest(http.MethodGet, "/alice/css/site.css", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q", rec.Header().Get("Content-Encoding"))
	}
}

func TestNewHandler_HealthAndReadiness(t *testing.T) {
	var gate health.ShutdownGate
	h := newSiteHandler(t, &Options{Health: health.Fixed(true, ""), Readiness: gate.Probe()})

	if rec := do(h, http.MethodGet, healthPath); rec.Code != http.StatusOK {
		t.Fatalf("healthy = %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, readyPath); rec.Code != http.StatusOK {
		t.Fatalf("ready = %d", rec.Code)
	}
	gate.Set("draining")
	if rec := do(h, http.MethodGet, readyPath); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("draining ready = %d, want 503", rec.Code)
	}
}

func TestNewHandler_APIRoutesBeforeSites(t *testing.T) {
	api := func(r chi.Router) {
		r.Get("/api/site", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	}
	h := newSiteHandler(t, &Options{APIRoutes: []RouteRegistrar{api}})
	if rec := do(h, http.MethodGet, "/api/site"); rec.Code != http.StatusTeapot {
		t.Fatalf("GET /api/site = %d", rec.Code)
	}
}

func TestNewHandler_RecoversPanics(t *testing.T) {
	var panics int
	boom := func(r chi.Router) {
		r.Get("/api/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	}
	h := newSiteHandler(t, &Options{
		APIRoutes:    []RouteRegistrar{boom},
		UseRecoverMW: true,
		OnPanic:      func() { panics++ },
	})
	rec := do(h, http.MethodGet, "/api/boom")
	if rec.Code != http.StatusInternalServerError || panics != 1 {
		t.Fatalf("status = %d, panics = %d", rec.Code, panics)
	}
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Fatal("security headers must survive a panic")
	}
}

func TestNewHandler_RateLimitMW(t *testing.T) {
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})
	}
	h := newSiteHandler(t, &Options{RateLimitMW: deny})
	if rec := do(h, http.MethodGet, "/alice/"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestShouldTrace(t *testing.T) {
	tests := map[string]bool{
		"/api/site/upload":     true,
		"/alice/":              true,
		"/alice/about.html":    true,
		"/alice/css/site.css":  false,
		"/alice/img/logo.PNG":  false,
		healthPath:             false,
		readyPath:              false,
		"/favicon.ico":         false,
	}
	for p, want := range tests {
		if got := shouldTrace(p); got != want {
			t.Errorf("shouldTrace(%q) = %v, want %v", p, got, want)
		}
	}
}

func TestNewServer_Timeouts(t *testing.T) {
	srv := NewServer(":0", http.NotFoundHandler(), 0, 0)
	if srv.ReadTimeout != DefaultReadTimeout || srv.WriteTimeout != DefaultWriteTimeout {
		t.Fatalf("defaults = %v/%v", srv.ReadTimeout, srv.WriteTimeout)
	}
	srv = NewServer(":0", http.NotFoundHandler(), 5*time.Minute, 6*time.Minute)
	if srv.ReadTimeout != 5*time.Minute || srv.WriteTimeout != 6*time.Minute {
		t.Fatalf("custom = %v/%v", srv.ReadTimeout, srv.WriteTimeout)
	}
	if srv.ReadHeaderTimeout != DefaultReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout = %v", srv.ReadHeaderTimeout)
	}
}

func TestStart_ServesAndStops(t *testing.T) {
	ln, err := net.Listen("tcp4", ":0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	stop, err := Start(context.Background(), &Options{Logger: log.Nop(), Port: port, Health: health.Fixed(true, "")})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, healthPath)
	var resp *http.Response
	for i := 0; i < 50; i++ {
		if resp, err = http.Get(url); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "ok") {
		t.Fatalf("health = %d %q", resp.StatusCode, body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
