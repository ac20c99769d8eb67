// Package ingest runs the upload pipeline for one user at a time:
// spool, inspect, sanitize, extract, flatten, publish.
package ingest

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/keithlinneman/linnemanlabs-pages/internal/archive"
	"github.com/keithlinneman/linnemanlabs-pages/internal/extract"
	"github.com/keithlinneman/linnemanlabs-pages/internal/log"
	"github.com/keithlinneman/linnemanlabs-pages/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-pages/internal/publish"
	"github.com/keithlinneman/linnemanlabs-pages/internal/quota"
	"github.com/keithlinneman/linnemanlabs-pages/internal/xerrors"
)

const tracerName = "linnemanlabs/pages/ingest"

// Metrics is implemented by the metrics package.
type Metrics interface {
	ObserveUpload(result string, seconds float64)
	AddExtractedBytes(n int64)
	AddRejectedEntries(n int)
	IncUploadsInflight()
	DecUploadsInflight()
}

// Warning is a non-fatal problem reported with a successful publish.
type Warning struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Result describes a successful publish.
type Result struct {
	Success        bool      `json:"success"`
	UploadID       string    `json:"upload_id"`
	SiteURL        string    `json:"site_url"`
	DiskUsageBytes int64     `json:"disk_usage_bytes"`
	QuotaBytes     int64     `json:"quota_bytes"`
	Files          int       `json:"files"`
	SHA256         string    `json:"sha256,omitempty"`
	Warnings       []Warning `json:"warnings"`
}

// SiteInfo describes a user's live site.
type SiteInfo struct {
	Username       string             `json:"username"`
	DiskUsageBytes int64              `json:"disk_usage_bytes"`
	QuotaBytes     int64              `json:"quota_bytes"`
	Files          []publish.FileInfo `json:"files"`
	SiteURL        string             `json:"site_url"`
}

type Options struct {
	Logger    log.Logger
	Ledger    *quota.Ledger
	Publisher *publish.Publisher
	Metrics   Metrics

	MaxUploadBytes    int64
	MaxArchiveEntries int
	Sanitize          pathutil.Policy
	LockPolicy        LockPolicy
	// MaxConcurrent bounds pipeline runs across all users.
	MaxConcurrent int64
}

func (o *Options) validate() error {
	if o.Ledger == nil || o.Publisher == nil {
		return xerrors.New("ingest: ledger and publisher are required")
	}
	if o.MaxUploadBytes <= 0 {
		return xerrors.Newf("ingest: max upload bytes must be positive, got %d", o.MaxUploadBytes)
	}
	if o.MaxArchiveEntries <= 0 {
		return xerrors.Newf("ingest: max archive entries must be positive, got %d", o.MaxArchiveEntries)
	}
	return nil
}

type Pipeline struct {
	logger    log.Logger
	ledger    *quota.Ledger
	publisher *publish.Publisher
	metrics   Metrics
	tracer    trace.Tracer

	maxUpload  int64
	maxEntries int
	sanitize   pathutil.Policy

	locks  *Locks
	pool   *semaphore.Weighted
	active activeSet
}

func New(opts Options) (*Pipeline, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	return &Pipeline{
		logger:     opts.Logger,
		ledger:     opts.Ledger,
		publisher:  opts.Publisher,
		metrics:    opts.Metrics,
		tracer:     otel.Tracer(tracerName),
		maxUpload:  opts.MaxUploadBytes,
		maxEntries: opts.MaxArchiveEntries,
		sanitize:   opts.Sanitize,
		locks:      NewLocks(opts.LockPolicy),
		pool:       semaphore.NewWeighted(opts.MaxConcurrent),
	}, nil
}

// Locks exposes the per-user registry.
func (p *Pipeline) Locks() *Locks { return p.locks }

// Active reports whether a staging id belongs to a running pipeline.
func (p *Pipeline) Active(user, id string) bool { return p.active.Active(user, id) }

// Upload spools body and publishes it for user. declared is the client's
// Content-Length, or -1 when unknown.
func (p *Pipeline) Upload(ctx context.Context, user string, body io.Reader, declared int64) (res *Result, err error) {
	start := time.Now()
	defer func() { p.observe(start, err) }()

	if declared > p.maxUpload {
		return nil, xerrors.NewKind(xerrors.ArchiveTooLarge,
			"upload of %d bytes exceeds the %d byte limit", declared, p.maxUpload)
	}

	run, err := p.begin(ctx, user)
	if err != nil {
		return nil, err
	}
	defer run.end()

	sp, err := spool(ctx, run.root+publish.SpoolSuffix, body, p.maxUpload)
	if err != nil {
		return nil, err
	}
	defer sp.close()

	res, err = p.run(ctx, run, sp.f, sp.size)
	if err != nil {
		return nil, err
	}
	res.SHA256 = sp.sha256
	return res, nil
}

// Publish runs the pipeline over an archive that is already local, as the
// CLI does with spooled sources.
func (p *Pipeline) Publish(ctx context.Context, user string, ra io.ReaderAt, size int64) (res *Result, err error) {
	start := time.Now()
	defer func() { p.observe(start, err) }()

	if size > p.maxUpload {
		return nil, xerrors.NewKind(xerrors.ArchiveTooLarge,
			"archive of %d bytes exceeds the %d byte limit", size, p.maxUpload)
	}
	run, err := p.begin(ctx, user)
	if err != nil {
		return nil, err
	}
	defer run.end()
	return p.run(ctx, run, ra, size)
}

// DeleteAll empties the user's site and zeroes usage. It takes the user's
// lock like an upload.
func (p *Pipeline) DeleteAll(ctx context.Context, user string) error {
	release, err := p.locks.Acquire(ctx, user)
	if err != nil {
		return err
	}
	defer release()
	if err := p.publisher.DeleteAll(ctx, user); err != nil {
		return err
	}
	p.logger.Info(ctx, "site deleted", "user", user)
	return nil
}

// Site reports the live site. It never takes the user's lock.
func (p *Pipeline) Site(_ context.Context, user string) (*SiteInfo, error) {
	files, err := publish.ListFiles(p.publisher.SiteDir(user))
	if err != nil {
		return nil, err
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return &SiteInfo{
		Username:       user,
		DiskUsageBytes: total,
		QuotaBytes:     p.ledger.Limit(),
		Files:          files,
		SiteURL:        siteURL(user),
	}, nil
}

// runState is one held pipeline slot.
type runState struct {
	user string
	id   string
	root string
	end  func()
}

// begin takes the user lock and a pool slot and allocates a staging id.
func (p *Pipeline) begin(ctx context.Context, user string) (*runState, error) {
	release, err := p.locks.Acquire(ctx, user)
	if err != nil {
		return nil, err
	}
	if err := p.pool.Acquire(ctx, 1); err != nil {
		release()
		return nil, xerrors.Wrap(err, "waiting for upload slot")
	}
	id, root, err := p.publisher.NewUploadID(user)
	if err != nil {
		p.pool.Release(1)
		release()
		return nil, err
	}
	p.active.add(user, id)
	if p.metrics != nil {
		p.metrics.IncUploadsInflight()
	}

	return &runState{user: user, id: id, root: root, end: func() {
		if p.metrics != nil {
			p.metrics.DecUploadsInflight()
		}
		p.active.remove(user, id)
		p.pool.Release(1)
		release()
	}}, nil
}

func (p *Pipeline) run(ctx context.Context, st *runState, ra io.ReaderAt, size int64) (_ *Result, err error) {
	ctx, span := p.tracer.Start(ctx, "ingest.publish", trace.WithAttributes(
		attribute.String("pages.user", st.user),
		attribute.String("pages.upload_id", st.id),
		attribute.Int64("pages.archive_bytes", size),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	logger := p.logger.With("user", st.user, "upload_id", st.id)

	// staging never outlives the run, whichever branch fails
	defer os.RemoveAll(st.root)

	resv, err := p.ledger.Reserve(ctx, st.user, size)
	if err != nil {
		return nil, err
	}
	bound := min(resv.Remaining, p.maxUpload)

	report, err := p.inspect(ctx, ra, size, bound)
	if err != nil {
		return nil, err
	}
	logger.Debug(ctx, "archive inspected",
		"format", report.Format.String(),
		"entries", len(report.Entries),
		"bytes", report.TotalBytes,
	)

	plan, err := p.sanitize.Evaluate(report.Entries)
	if plan != nil {
		p.logRejections(ctx, logger, plan)
	}
	if err != nil {
		return nil, err
	}

	written, err := p.extract(ctx, ra, size, st.root, plan, bound)
	if err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.AddExtractedBytes(written.Bytes)
	}

	if _, err := extract.Flatten(st.root); err != nil {
		return nil, err
	}

	warnings := make([]Warning, 0, len(plan.Rejected)+1)
	for _, r := range plan.Rejected {
		warnings = append(warnings, Warning{Path: r.Path, Reason: string(r.Reason)})
	}
	if _, err := os.Stat(filepath.Join(st.root, "index.html")); err != nil {
		warnings = append(warnings, Warning{Path: "index.html", Reason: "no index.html at the site root, /" + st.user + "/ will return 404"})
	}

	_, pspan := p.tracer.Start(ctx, "ingest.promote")
	usage, err := p.publisher.Promote(ctx, st.user, st.root)
	pspan.End()
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "upload published",
		"format", report.Format.String(),
		"files", written.Files,
		"bytes", usage,
		"rejected", len(plan.Rejected),
	)
	return &Result{
		Success:        true,
		UploadID:       st.id,
		SiteURL:        siteURL(st.user),
		DiskUsageBytes: usage,
		QuotaBytes:     p.ledger.Limit(),
		Files:          written.Files,
		Warnings:       warnings,
	}, nil
}

func (p *Pipeline) inspect(ctx context.Context, ra io.ReaderAt, size, bound int64) (*archive.Report, error) {
	ctx, span := p.tracer.Start(ctx, "ingest.inspect")
	defer span.End()
	rep, err := archive.Inspect(ctx, ra, size, archive.Limits{MaxEntries: p.maxEntries, MaxBytes: bound})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("pages.format", rep.Format.String()),
		attribute.Int("pages.entries", len(rep.Entries)),
	)
	return rep, nil
}

func (p *Pipeline) extract(ctx context.Context, ra io.ReaderAt, size int64, root string, plan *pathutil.Plan, bound int64) (*extract.Result, error) {
	ctx, span := p.tracer.Start(ctx, "ingest.extract")
	defer span.End()

	it, _, err := archive.Open(archive.ContextReaderAt{Ctx: ctx, R: ra}, size,
		archive.WithStreamLimit(archive.StreamBudget(bound, len(plan.Decisions))))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	res, err := extract.Extract(ctx, it, root, plan, bound)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("pages.extracted_bytes", res.Bytes))
	return res, nil
}

func (p *Pipeline) logRejections(ctx context.Context, logger log.Logger, plan *pathutil.Plan) {
	if len(plan.Rejected) == 0 {
		return
	}
	for _, r := range plan.Rejected {
		logger.Debug(ctx, "archive entry rejected", "path", r.Path, "reason", string(r.Reason))
	}
	logger.Warn(ctx, "archive entries skipped",
		"rejected", len(plan.Rejected),
		"entries", len(plan.Decisions),
	)
	if p.metrics != nil {
		p.metrics.AddRejectedEntries(len(plan.Rejected))
	}
}

func (p *Pipeline) observe(start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	p.metrics.ObserveUpload(ResultLabel(err), time.Since(start).Seconds())
}

// ResultLabel maps an outcome to a bounded metrics label.
func ResultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if kind, ok := xerrors.KindOf(err); ok {
		return string(kind)
	}
	return "error"
}

func siteURL(user string) string { return "/" + user + "/" }
