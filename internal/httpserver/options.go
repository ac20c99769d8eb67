package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-pages/internal/health"
	"github.com/keithlinneman/linnemanlabs-pages/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-pages/internal/log"
)

// RouteRegistrar attaches a group of routes to the public router.
type RouteRegistrar func(chi.Router)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	Health       health.Probe
	Readiness    health.Probe

	// APIRoutes are registered before SiteRoutes, whose "/{user}" catch-all
	// must come last.
	APIRoutes  []RouteRegistrar
	SiteRoutes RouteRegistrar

	// ReadTimeout and WriteTimeout bound a whole request, so they must
	// cover the slowest upload we accept.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}
