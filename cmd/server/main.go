package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-pages/internal/authn"
	"github.com/keithlinneman/linnemanlabs-pages/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-pages/internal/health"
	"github.com/keithlinneman/linnemanlabs-pages/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-pages/internal/ingest"
	"github.com/keithlinneman/linnemanlabs-pages/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-pages/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-pages/internal/publish"
	"github.com/keithlinneman/linnemanlabs-pages/internal/quota"
	"github.com/keithlinneman/linnemanlabs-pages/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-pages/internal/siteapi"
	"github.com/keithlinneman/linnemanlabs-pages/internal/sitehandler"
	"github.com/keithlinneman/linnemanlabs-pages/internal/sitehttp"
	"github.com/keithlinneman/linnemanlabs-pages/internal/webassets"

	"github.com/keithlinneman/linnemanlabs-pages/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-pages/internal/log"
	"github.com/keithlinneman/linnemanlabs-pages/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-pages/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-pages/internal/prof"
	v "github.com/keithlinneman/linnemanlabs-pages/internal/version"
	"github.com/keithlinneman/linnemanlabs-pages/internal/xerrors"
)

const (
	// drainPeriod lets the load balancer see a failing readiness probe
	// before the listener stops accepting.
	drainPeriod = 30 * time.Second

	ledgerPingTimeout = 2 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// flags, then env, then the optional config file
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, "LMPAGES_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.FillFromFile(flag.CommandLine, conf.ConfigFile); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	limits := conf.Limits()

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	L, err := log.New(log.Options{
		App:               v.AppName,
		Component:         "server",
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer L.Sync()
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"data_dir", conf.DataDir,
		"quota_mb", conf.QuotaMB,
		"max_upload_mb", conf.MaxUploadMB,
		"max_archive_entries", conf.MaxArchiveEntries,
		"upload_policy", conf.UploadPolicy,
		"max_concurrent_uploads", conf.MaxConcurrentUploads,
		"quota_driver", conf.QuotaDriver,
		"jwt_secret_ssm_param", conf.JWTSecretSSMParam,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"trace_sample", conf.TraceSample,
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName + ".server",
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	profActive := conf.EnablePyroscope && err == nil
	defer func() { stopProf() }()

	// Insecure is true because we only write to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profActive)

	// token secret, from the flag or from SSM
	secret, err := loadSecret(ctx, conf)
	if err != nil {
		L.Error(ctx, err, "failed to load token secret")
		os.Exit(1)
	}
	verifier, err := authn.NewVerifier(secret)
	if err != nil {
		L.Error(ctx, err, "invalid token secret")
		os.Exit(1)
	}

	// quota ledger, publisher and pipeline
	if err := os.MkdirAll(conf.DataDir, 0o755); err != nil {
		L.Error(ctx, err, "failed to create data dir", "data_dir", conf.DataDir)
		os.Exit(1)
	}
	store, err := quota.OpenSQL(ctx, conf.QuotaDriver, conf.LedgerDSN(), L)
	if err != nil {
		L.Error(ctx, err, "failed to open quota ledger", "quota_driver", conf.QuotaDriver)
		os.Exit(1)
	}
	ledger, err := quota.NewLedger(store, limits.QuotaBytes)
	if err != nil {
		L.Error(ctx, err, "failed to create quota ledger")
		os.Exit(1)
	}

	publisher, err := publish.New(publish.Options{
		SitesDir:   conf.SitesDir(),
		StagingDir: conf.StagingDir(),
		Ledger:     ledger,
		Logger:     L,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create publisher")
		os.Exit(1)
	}

	pipeline, err := ingest.New(ingest.Options{
		Logger:            L,
		Ledger:            ledger,
		Publisher:         publisher,
		Metrics:           m,
		MaxUploadBytes:    limits.MaxUploadBytes,
		MaxArchiveEntries: limits.MaxArchiveEntries,
		Sanitize: pathutil.Policy{
			MaxRejected:      limits.MaxRejectedEntries,
			MaxRejectedRatio: limits.MaxRejectedRatio,
		},
		LockPolicy:    ingest.LockPolicy(conf.UploadPolicy),
		MaxConcurrent: int64(conf.MaxConcurrentUploads),
	})
	if err != nil {
		L.Error(ctx, err, "failed to create ingest pipeline")
		os.Exit(1)
	}

	// sweep staging leftovers from crashed or abandoned uploads
	sweeper := publish.NewSweeper(&publish.SweeperOptions{
		Logger:     L,
		StagingDir: conf.StagingDir(),
		MaxAge:     conf.StagingMaxAge,
		Interval:   conf.SweepInterval,
		Active:     pipeline,
		Metrics:    m,
	})
	go func() { _ = sweeper.Run(ctx) }()

	siteHandler, err := sitehandler.New(&sitehandler.Options{
		Logger:     L,
		SitesDir:   conf.SitesDir(),
		FallbackFS: webassets.FallbackFS(),
	})
	if err != nil {
		L.Error(ctx, err, "failed to create site handler")
		os.Exit(1)
	}

	// uploads are expensive: a stricter limiter charged to the token's user
	uploadLimiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.UploadRate, conf.UploadBurst),
		ratelimit.WithKey(uploadKey),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied("upload") }),
		ratelimit.WithOnFirstDenied(func(user string) {
			L.Warn(ctx, "upload rate limit triggered", "user", user)
		}),
		ratelimit.WithOnCapacity(func() { m.IncRateLimitCapacity("upload") }),
	)

	api, err := siteapi.NewAPI(siteapi.Options{
		Logger:           L,
		Service:          pipeline,
		Verifier:         verifier,
		MaxUploadBytes:   limits.MaxUploadBytes,
		UploadMiddleware: []func(http.Handler) http.Handler{uploadLimiter.Middleware},
	})
	if err != nil {
		L.Error(ctx, err, "failed to create site api")
		os.Exit(1)
	}

	// toggled at shutdown so the load balancer drains us
	var gate health.ShutdownGate

	// ready only while the ledger answers and staging is writable
	readiness := health.All(
		gate.Probe(),
		health.Ping(ledger, ledgerPingTimeout, "quota ledger unavailable"),
		health.DirWritable(conf.StagingDir()),
	)

	limiter := ratelimit.New(ctx,
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied("global") }),
		// only log the first time an ip is denied each time it is cleaned from the bucket
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity("global")
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	siteHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  limiter.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    []httpserver.RouteRegistrar{api.RegisterRoutes},
		SiteRoutes:   sitehttp.New(siteHandler).RegisterRoutes,
		ReadTimeout:  conf.UploadTimeout,
		WriteTimeout: conf.UploadTimeout,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start site http listener port")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// sg restricts inbound to monitoring; the handler also refuses public
	// peers and proxied requests in case that ever changes
	opsHTTPStop, err := opshttp.Start(ctx, &opshttp.Options{
		Logger:       L,
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		PrivateOnly:  true,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills us after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()
	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	gate.Set("draining")
	L.Info(bg, "shutdown gate closed, draining", "drain_period", drainPeriod.String())
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// in-flight uploads get as long as a single upload may take
	shutdownCtx, cancel := context.WithTimeout(bg, conf.UploadTimeout)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "app http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if err := ledger.Close(); err != nil {
		L.Error(bg, err, "quota ledger close")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete")
}

// loadSecret returns the token signing secret from the flag, or from SSM
// (decrypted) when a parameter name is configured.
func loadSecret(ctx context.Context, conf cfg.App) ([]byte, error) {
	if conf.JWTSecret != "" {
		return []byte(conf.JWTSecret), nil
	}
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, "load aws config")
	}
	return authn.SecretFromSSM(ctx, ssm.NewFromConfig(awsCfg), conf.JWTSecretSSMParam)
}

// uploadKey charges uploads to the authenticated user; the upload route
// sits behind authn so the user is always present.
func uploadKey(r *http.Request) string {
	if user, ok := authn.UserFrom(r.Context()); ok {
		return "user:" + user
	}
	return ratelimit.ClientIPKey(r)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return xerrors.New("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return xerrors.Wrap(err, "systemd notify dial")
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return xerrors.Wrap(err, "systemd notify write")
	}
	if err := conn.Close(); err != nil {
		return xerrors.Wrap(err, "systemd notify close")
	}
	return nil
}
