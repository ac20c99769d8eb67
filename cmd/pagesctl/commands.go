package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-pages/internal/authn"
	"github.com/keithlinneman/linnemanlabs-pages/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-pages/internal/ingest"
	"github.com/keithlinneman/linnemanlabs-pages/internal/log"
	"github.com/keithlinneman/linnemanlabs-pages/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-pages/internal/publish"
	"github.com/keithlinneman/linnemanlabs-pages/internal/quota"
	"github.com/keithlinneman/linnemanlabs-pages/internal/source"
	v "github.com/keithlinneman/linnemanlabs-pages/internal/version"
	"github.com/keithlinneman/linnemanlabs-pages/internal/xerrors"
)

const defaultTokenTTL = 30 * 24 * time.Hour

var errUsage = xerrors.New("missing command")

// flags is a subcommand FlagSet carrying the shared config flags.
type flags struct {
	fs   *flag.FlagSet
	conf cfg.App
	user string
}

func newFlags(name string, stderr io.Writer, withUser bool) *flags {
	f := &flags{fs: flag.NewFlagSet(name, flag.ContinueOnError)}
	f.fs.SetOutput(stderr)
	cfg.Register(f.fs, &f.conf)
	if withUser {
		f.fs.StringVar(&f.user, "user", "", "user id ([A-Za-z0-9_-], 1..64)")
	}
	return f
}

// parse applies cli > env > file precedence the same way the server does.
func (f *flags) parse(args []string, stderr io.Writer) error {
	if err := f.fs.Parse(args); err != nil {
		return err
	}
	cfg.FillFromEnv(f.fs, "LMPAGES_", func(format string, args ...any) {
		fmt.Fprintf(stderr, format+"\n", args...)
	})
	if err := cfg.FillFromFile(f.fs, f.conf.ConfigFile); err != nil {
		return err
	}
	if f.user != "" && !authn.ValidUser(f.user) {
		return xerrors.Wrapf(authn.ErrInvalidUser, "user %q", f.user)
	}
	return nil
}

func (f *flags) requireUser() error {
	if f.user == "" {
		return xerrors.New("-user is required")
	}
	return nil
}

func (f *flags) logger(stderr io.Writer) (log.Logger, error) {
	lvl, err := log.ParseLevel(f.conf.LogLevel)
	if err != nil {
		return nil, err
	}
	vi := v.Get()
	return log.New(log.Options{
		App:               v.AppName,
		Component:         "pagesctl",
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		Level:             lvl,
		StacktraceLevel:   slogLevelOr(f.conf.StacktraceLevel),
		JsonFormat:        f.conf.LogJSON,
		MaxErrorLinks:     f.conf.MaxErrorLinks,
		IncludeErrorLinks: f.conf.IncludeErrorLinks,
		Writer:            stderr,
	})
}

// slogLevelOr parses s, falling back to info.
func slogLevelOr(s string) slog.Level {
	lvl, _ := log.ParseLevel(s)
	return lvl
}

// stack is the storage side of the server: ledger, publisher and pipeline.
type stack struct {
	logger   log.Logger
	conf     cfg.App
	ledger   *quota.Ledger
	pipeline *ingest.Pipeline
}

func openStack(ctx context.Context, f *flags, stderr io.Writer) (*stack, error) {
	if err := cfg.ValidateStorage(f.conf); err != nil {
		return nil, err
	}
	L, err := f.logger(stderr)
	if err != nil {
		return nil, err
	}
	conf := f.conf
	limits := conf.Limits()

	if err := os.MkdirAll(conf.DataDir, 0o755); err != nil {
		return nil, xerrors.Wrapf(err, "create data dir %s", conf.DataDir)
	}
	store, err := quota.OpenSQL(ctx, conf.QuotaDriver, conf.LedgerDSN(), L)
	if err != nil {
		return nil, err
	}
	ledger, err := quota.NewLedger(store, limits.QuotaBytes)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	publisher, err := publish.New(publish.Options{
		SitesDir:   conf.SitesDir(),
		StagingDir: conf.StagingDir(),
		Ledger:     ledger,
		Logger:     L,
	})
	if err != nil {
		_ = ledger.Close()
		return nil, err
	}
	pipeline, err := ingest.New(ingest.Options{
		Logger:            L,
		Ledger:            ledger,
		Publisher:         publisher,
		MaxUploadBytes:    limits.MaxUploadBytes,
		MaxArchiveEntries: limits.MaxArchiveEntries,
		Sanitize: pathutil.Policy{
			MaxRejected:      limits.MaxRejectedEntries,
			MaxRejectedRatio: limits.MaxRejectedRatio,
		},
		LockPolicy:    ingest.LockPolicy(conf.UploadPolicy),
		MaxConcurrent: 1,
	})
	if err != nil {
		_ = ledger.Close()
		return nil, err
	}
	return &stack{logger: L, conf: conf, ledger: ledger, pipeline: pipeline}, nil
}

func (s *stack) close() {
	if err := s.ledger.Close(); err != nil {
		s.logger.Warn(context.Background(), "quota ledger close failed", "error", err)
	}
	_ = s.logger.Sync()
}

func runPublish(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	f := newFlags("publish", stderr, true)
	var sum string
	f.fs.StringVar(&sum, "sha256", "", "expected hex SHA-256 of the archive")
	if err := f.parse(args, stderr); err != nil {
		return err
	}
	if err := f.requireUser(); err != nil {
		return err
	}
	if f.fs.NArg() != 1 {
		return xerrors.New("publish takes exactly one archive path or s3:// ref")
	}
	ref := f.fs.Arg(0)

	st, err := openStack(ctx, f, stderr)
	if err != nil {
		return err
	}
	defer st.close()

	spool, err := source.Open(ctx, ref, source.Options{
		Logger:         st.logger,
		MaxBytes:       st.conf.Limits().MaxUploadBytes,
		ExpectedSHA256: sum,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := spool.Close(); err != nil {
			st.logger.Warn(ctx, "archive close failed", "error", err)
		}
	}()

	res, err := st.pipeline.Publish(ctx, f.user, spool.File, spool.Size)
	if err != nil {
		st.logger.Error(ctx, err, "publish failed", "user", f.user, "source", ref)
		return err
	}
	if res.SHA256 == "" {
		res.SHA256 = spool.SHA256
	}
	return writeJSON(stdout, res)
}

func runDelete(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	f := newFlags("delete", stderr, true)
	if err := f.parse(args, stderr); err != nil {
		return err
	}
	if err := f.requireUser(); err != nil {
		return err
	}
	st, err := openStack(ctx, f, stderr)
	if err != nil {
		return err
	}
	defer st.close()

	if err := st.pipeline.DeleteAll(ctx, f.user); err != nil {
		return err
	}
	return writeJSON(stdout, map[string]bool{"success": true})
}

func runUsage(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	f := newFlags("usage", stderr, true)
	if err := f.parse(args, stderr); err != nil {
		return err
	}
	if err := f.requireUser(); err != nil {
		return err
	}
	st, err := openStack(ctx, f, stderr)
	if err != nil {
		return err
	}
	defer st.close()

	info, err := st.pipeline.Site(ctx, f.user)
	if err != nil {
		return err
	}
	committed, err := st.ledger.Usage(ctx, f.user)
	if err != nil {
		return err
	}
	return writeJSON(stdout, struct {
		*ingest.SiteInfo
		LedgerBytes int64 `json:"ledger_bytes"`
	}{info, committed})
}

func runSweep(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	f := newFlags("sweep", stderr, false)
	if err := f.parse(args, stderr); err != nil {
		return err
	}
	st, err := openStack(ctx, f, stderr)
	if err != nil {
		return err
	}
	defer st.close()

	// no view of the server's running uploads here; the age cutoff alone
	// keeps live staging dirs safe
	sw := publish.NewSweeper(&publish.SweeperOptions{
		Logger:     st.logger,
		StagingDir: st.conf.StagingDir(),
		MaxAge:     st.conf.StagingMaxAge,
	})
	removed, err := sw.SweepOnce(ctx)
	if err != nil {
		return err
	}
	return writeJSON(stdout, map[string]int{"removed": removed})
}

func runToken(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	f := newFlags("token", stderr, true)
	var ttl time.Duration
	f.fs.DurationVar(&ttl, "ttl", defaultTokenTTL, "token lifetime")
	if err := f.parse(args, stderr); err != nil {
		return err
	}
	if err := f.requireUser(); err != nil {
		return err
	}
	secret, err := tokenSecret(ctx, f.conf)
	if err != nil {
		return err
	}
	tok, err := authn.Issue(secret, f.user, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, tok)
	return err
}

func tokenSecret(ctx context.Context, conf cfg.App) ([]byte, error) {
	switch {
	case conf.JWTSecret != "":
		return []byte(conf.JWTSecret), nil
	case conf.JWTSecretSSMParam != "":
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load aws config")
		}
		return authn.SecretFromSSM(ctx, ssm.NewFromConfig(awsCfg), conf.JWTSecretSSMParam)
	default:
		return nil, xerrors.New("one of -jwt-secret or -jwt-secret-ssm-param is required")
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
