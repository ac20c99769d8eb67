package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/linnemanlabs-pages/internal/log"
)

// Upload concurrency policies for a second upload by the same user.
const (
	PolicyReject = "reject"
	PolicyBlock  = "block"
)

// Quota ledger drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type App struct {
	ConfigFile        string
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int
	TrustedProxyHops  int

	DataDir              string
	QuotaMB              int64
	MaxUploadMB          int64
	MaxArchiveEntries    int
	MaxRejectedEntries   int
	MaxRejectedRatio     float64
	UploadPolicy         string
	MaxConcurrentUploads int
	StagingMaxAge        time.Duration
	SweepInterval        time.Duration
	UploadTimeout        time.Duration
	UploadRate           float64
	UploadBurst          int

	QuotaDriver string
	QuotaDSN    string

	JWTSecret         string
	JWTSecretSSMParam string
}

// Limits are the byte-denominated pipeline bounds derived from App.
type Limits struct {
	QuotaBytes         int64
	MaxUploadBytes     int64
	MaxArchiveEntries  int
	MaxRejectedEntries int
	MaxRejectedRatio   float64
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.ConfigFile, "config", "", "optional YAML file of flag-name: value pairs")
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 0, "number of trusted reverse proxies in front of the server (0..8)")

	fs.StringVar(&c.DataDir, "data-dir", "/data", "root directory for sites/, staging/ and the quota database")
	fs.Int64Var(&c.QuotaMB, "quota-mb", 50, "per-user disk quota in MB")
	fs.Int64Var(&c.MaxUploadMB, "max-upload-mb", 50, "maximum upload (and extracted bound) in MB")
	fs.IntVar(&c.MaxArchiveEntries, "max-archive-entries", 10000, "maximum number of entries in one archive")
	fs.IntVar(&c.MaxRejectedEntries, "max-rejected-entries", 1000, "fail an upload when more entries than this are rejected")
	fs.Float64Var(&c.MaxRejectedRatio, "max-rejected-ratio", 0.9, "fail an upload when the rejected fraction exceeds this (0..1)")
	fs.StringVar(&c.UploadPolicy, "upload-policy", PolicyReject, "second upload by the same user: reject|block")
	fs.IntVar(&c.MaxConcurrentUploads, "max-concurrent-uploads", 4, "uploads processed at once across all users")
	fs.DurationVar(&c.StagingMaxAge, "staging-max-age", 15*time.Minute, "age after which an idle staging entry is swept")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", 5*time.Minute, "how often the staging sweeper runs")
	fs.DurationVar(&c.UploadTimeout, "upload-timeout", 5*time.Minute, "read/write timeout for the public listener, bounds the slowest upload")
	fs.Float64Var(&c.UploadRate, "upload-rate", 0.2, "per-user upload requests per second")
	fs.IntVar(&c.UploadBurst, "upload-burst", 3, "per-user upload burst")

	fs.StringVar(&c.QuotaDriver, "quota-driver", DriverSQLite, "quota ledger database: sqlite|postgres")
	fs.StringVar(&c.QuotaDSN, "quota-dsn", "", "quota ledger DSN (default {data-dir}/pages.db for sqlite)")

	fs.StringVar(&c.JWTSecret, "jwt-secret", "", "HMAC secret for access tokens")
	fs.StringVar(&c.JWTSecretSSMParam, "jwt-secret-ssm-param", "", "SSM parameter holding the HMAC secret for access tokens")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// FillFromFile applies a flat YAML map of flag-name: value to every flag that
// has not already been set by the CLI or FillFromEnv. Run it after FillFromEnv.
// Precedence: cli flag > env var > file > default.
func FillFromFile(fs *flag.FlagSet, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var errs []error
	for name, raw := range values {
		if fs.Lookup(name) == nil {
			errs = append(errs, fmt.Errorf("config file: unknown key %q", name))
			continue
		}
		if set[name] {
			continue
		}
		switch raw.(type) {
		case map[string]any, []any:
			errs = append(errs, fmt.Errorf("config file: key %q must be a scalar", name))
			continue
		}
		val := ""
		if raw != nil {
			val = fmt.Sprint(raw)
		}
		if err := fs.Set(name, val); err != nil {
			errs = append(errs, fmt.Errorf("config file: key %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Limits converts the MB-denominated fields to bytes.
func (c App) Limits() Limits {
	return Limits{
		QuotaBytes:         c.QuotaMB << 20,
		MaxUploadBytes:     c.MaxUploadMB << 20,
		MaxArchiveEntries:  c.MaxArchiveEntries,
		MaxRejectedEntries: c.MaxRejectedEntries,
		MaxRejectedRatio:   c.MaxRejectedRatio,
	}
}

// SitesDir is the served tree root, one directory per user.
func (c App) SitesDir() string { return filepath.Join(c.DataDir, "sites") }

// StagingDir holds in-flight uploads and is never served.
func (c App) StagingDir() string { return filepath.Join(c.DataDir, "staging") }

// LedgerDSN returns QuotaDSN, defaulting to a sqlite file under DataDir.
func (c App) LedgerDSN() string {
	if c.QuotaDSN != "" {
		return c.QuotaDSN
	}
	return filepath.Join(c.DataDir, "pages.db")
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL, scheme and tenant)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}
	if c.TrustedProxyHops < 0 || c.TrustedProxyHops > 8 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must be 0..8 (got %d)", c.TrustedProxyHops))
	}

	errs = append(errs, storageErrs(c)...)

	// Token secret: exactly one source
	if c.JWTSecret == "" && c.JWTSecretSSMParam == "" {
		errs = append(errs, fmt.Errorf("one of JWT_SECRET or JWT_SECRET_SSM_PARAM is required"))
	}
	if c.JWTSecret != "" && c.JWTSecretSSMParam != "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET and JWT_SECRET_SSM_PARAM are mutually exclusive"))
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least 32 bytes"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ValidateStorage checks only the data, pipeline and quota settings, for
// tools that publish without running the listeners.
func ValidateStorage(c App) error {
	return errors.Join(storageErrs(c)...)
}

func storageErrs(c App) []error {
	var errs []error

	// Storage and pipeline bounds
	if c.DataDir == "" || !filepath.IsAbs(c.DataDir) {
		errs = append(errs, fmt.Errorf("DATA_DIR must be an absolute path (got %q)", c.DataDir))
	}
	if c.QuotaMB < 1 || c.QuotaMB > 1<<20 {
		errs = append(errs, fmt.Errorf("invalid QUOTA_MB %d (must be 1..1048576)", c.QuotaMB))
	}
	if c.MaxUploadMB < 1 || c.MaxUploadMB > 1<<20 {
		errs = append(errs, fmt.Errorf("invalid MAX_UPLOAD_MB %d (must be 1..1048576)", c.MaxUploadMB))
	}
	if c.MaxArchiveEntries < 1 {
		errs = append(errs, fmt.Errorf("invalid MAX_ARCHIVE_ENTRIES %d (must be >= 1)", c.MaxArchiveEntries))
	}
	if c.MaxRejectedEntries < 0 {
		errs = append(errs, fmt.Errorf("invalid MAX_REJECTED_ENTRIES %d (must be >= 0)", c.MaxRejectedEntries))
	}
	if c.MaxRejectedRatio < 0 || c.MaxRejectedRatio > 1 {
		errs = append(errs, fmt.Errorf("invalid MAX_REJECTED_RATIO %.3f (must be 0..1)", c.MaxRejectedRatio))
	}
	if c.UploadPolicy != PolicyReject && c.UploadPolicy != PolicyBlock {
		errs = append(errs, fmt.Errorf("invalid UPLOAD_POLICY %q (must be reject|block)", c.UploadPolicy))
	}
	if c.MaxConcurrentUploads < 1 {
		errs = append(errs, fmt.Errorf("invalid MAX_CONCURRENT_UPLOADS %d (must be >= 1)", c.MaxConcurrentUploads))
	}
	if c.StagingMaxAge <= 0 {
		errs = append(errs, fmt.Errorf("STAGING_MAX_AGE must be positive (got %s)", c.StagingMaxAge))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be positive (got %s)", c.SweepInterval))
	}
	if c.UploadTimeout < time.Second {
		errs = append(errs, fmt.Errorf("UPLOAD_TIMEOUT must be at least 1s (got %s)", c.UploadTimeout))
	}
	if c.UploadRate <= 0 || c.UploadBurst < 1 {
		errs = append(errs, fmt.Errorf("UPLOAD_RATE must be > 0 and UPLOAD_BURST >= 1 (got %.2f, %d)", c.UploadRate, c.UploadBurst))
	}

	// Quota ledger
	switch c.QuotaDriver {
	case DriverSQLite:
	case DriverPostgres:
		if c.QuotaDSN == "" {
			errs = append(errs, fmt.Errorf("QUOTA_DSN required when QUOTA_DRIVER=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid QUOTA_DRIVER %q (must be sqlite|postgres)", c.QuotaDriver))
	}
	return errs
}
