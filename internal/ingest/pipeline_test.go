package ingest

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/keithlinneman/linnemanlabs-pages/internal/archive/archivetest"
	"github.com/keithlinneman/linnemanlabs-pages/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-pages/internal/publish"
	"github.com/keithlinneman/linnemanlabs-pages/internal/quota"
	"github.com/keithlinneman/linnemanlabs-pages/internal/xerrors"
)

type F = archivetest.File

const mb = 1 << 20

type fakeMetrics struct {
	mu        sync.Mutex
	results   []string
	extracted int64
	rejected  int
	inflight  int
}

func (m *fakeMetrics) ObserveUpload(result string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
}
func (m *fakeMetrics) AddExtractedBytes(n int64) { m.mu.Lock(); m.extracted += n; m.mu.Unlock() }
func (m *fakeMetrics) AddRejectedEntries(n int)  { m.mu.Lock(); m.rejected += n; m.mu.Unlock() }
func (m *fakeMetrics) IncUploadsInflight()       { m.mu.Lock(); m.inflight++; m.mu.Unlock() }
func (m *fakeMetrics) DecUploadsInflight()       { m.mu.Lock(); m.inflight--; m.mu.Unlock() }

type harness struct {
	p       *Pipeline
	ledger  *quota.Ledger
	pub     *publish.Publisher
	metrics *fakeMetrics
	data    string
}

func newHarness(t *testing.T, quotaBytes int64, policy LockPolicy) *harness {
	t.Helper()
	data := t.TempDir()
	ledger, err := quota.NewLedger(quota.NewMemoryStore(), quotaBytes)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	pub, err := publish.New(publish.Options{
		SitesDir:   filepath.Join(data, "sites"),
		StagingDir: filepath.Join(data, "staging"),
		Ledger:     ledger,
	})
	if err != nil {
		t.Fatalf("publish.New: %v", err)
	}
	m := &fakeMetrics{}
	p, err := New(Options{
		Ledger:            ledger,
		Publisher:         pub,
		Metrics:           m,
		MaxUploadBytes:    50 * mb,
		MaxArchiveEntries: 100,
		Sanitize:          pathutil.Policy{MaxRejected: 10, MaxRejectedRatio: 0.9},
		LockPolicy:        policy,
		MaxConcurrent:     2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{p: p, ledger: ledger, pub: pub, metrics: m, data: data}
}

func (h *harness) upload(t *testing.T, user string, data []byte) (*Result, error) {
	t.Helper()
	return h.p.Upload(context.Background(), user, bytes.NewReader(data), int64(len(data)))
}

func (h *harness) usage(t *testing.T, user string) int64 {
	t.Helper()
	n, err := h.ledger.Usage(context.Background(), user)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	return n
}

// assertNoStaging fails if anything is left in the user's staging area.
func (h *harness) assertNoStaging(t *testing.T, user string) {
	t.Helper()
	entries, err := os.ReadDir(h.pub.StagingDir(user))
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("read staging: %v", err)
	}
	if len(entries) != 0 {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Fatalf("staging leftovers for %s: %v", user, names)
	}
}

func wantKind(t *testing.T, err error, kind xerrors.Kind) {
	t.Helper()
	if got, _ := xerrors.KindOf(err); got != kind {
		t.Fatalf("err = %v (kind %q), want kind %q", err, got, kind)
	}
}

func TestNew_Validates(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error for empty options")
	}
}

func TestUpload_TwoEntryZip(t *testing.T) {
	h := newHarness(t, 50*mb, PolicyReject)
	data := archivetest.Zip(t,
		F{Name: "index.html", Body: strings.Repeat("i", 100)},
		F{Name: "style.css", Body: strings.Repeat("s", 50)},
	)

	res, err := h.upload(t, "alice", data)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !res.Success || res.DiskUsageBytes != 150 || res.Files != 2 {
		t.Fatalf("result = %+v", res)
	}
	if res.SiteURL != "/alice/" || res.QuotaBytes != 50*mb {
		t.Fatalf("site_url=%q quota=%d", res.SiteURL, res.QuotaBytes)
	}
	if len(res.SHA256) != 64 || res.UploadID == "" {
		t.Fatalf("sha256=%q upload_id=%q", res.SHA256, res.UploadID)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("warnings = %v", res.Warnings)
	}
	if h.usage(t, "alice") != 150 {
		t.Fatalf("usage = %d, want 150", h.usage(t, "alice"))
	}
	b, err := os.ReadFile(filepath.Join(h.pub.SiteDir("alice"), "index.html"))
	if err != nil || len(b) != 100 {
		t.Fatalf("index.html = %d bytes, %v", len(b), err)
	}
	h.assertNoStaging(t, "alice")

	if h.metrics.results[0] != "ok" || h.metrics.extracted != 150 || h.metrics.inflight != 0 {
		t.Fatalf("metrics = %+v", h.metrics)
	}
}

func TestUpload_TarGzFlattensSingleRoot(t *testing.T) {
	h := newHarness(t, 50*mb, PolicyReject)
	data := archivetest.TarGz(t,
		F{Name: "./"},
		F{Name: "./mysite/"},
		F{Name: "./mysite/index.html", Body: "<h1>hi</h1>"},
		F{Name: "./mysite/css/a.css", Body: "a{}"},
	)
	if _, err := h.upload(t, "alice", data); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	for _, f := range []string{"index.html", "css/a.css"} {
		if _, err := os.Stat(filepath.Join(h.pub.SiteDir("alice"), filepath.FromSlash(f))); err != nil {
			t.Fatalf("%s not at site root: %v", f, err)
		}
	}
}

func TestUpload_TraversalOnlyEntry(t *testing.T) {
	h := newHarness(t, 50*mb, PolicyReject)
	data := archivetest.Zip(t, F{Name: "../../../evil.html", Body: "pwned"})

	_, err := h.upload(t, "alice", data)
	wantKind(t, err, xerrors.NoValidContent)

	if _, err := os.Stat(filepath.Join(h.data, "evil.html")); !os.IsNotExist(err) {
		t.Fatal("traversal entry written outside staging")
	}
	if _, err := os.Stat(h.pub.SiteDir("alice")); !os.IsNotExist(err) {
		t.Fatal("failed upload created a site")
	}
	h.assertNoStaging(t, "alice")
}

func TestUpload_SkippedEntriesBecomeWarnings(t *testing.T) {
	h := newHarness(t, 50*mb, PolicyReject)
	data := archivetest.Zip(t,
		F{Name: "index.html", Body: "ok"},
		F{Name: "/etc/passwd", Body: "root"},
		F{Name: ".env", Body: "SECRET=1"},
		F{Name: "link", Linkname: "/etc/shadow"},
	)

	res, err := h.upload(t, "alice", data)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(res.Warnings) != 3 {
		t.Fatalf("warnings = %+v, want 3", res.Warnings)
	}
	got := map[string]string{}
	for _, w := range res.Warnings {
		got[w.Path] = w.Reason
	}
	if got["/etc/passwd"] != string(pathutil.ReasonAbsolute) || got[".env"] != string(pathutil.ReasonHidden) || got["link"] != string(pathutil.ReasonSymlink) {
		t.Fatalf("warnings = %v", got)
	}
	if h.metrics.rejected != 3 {
		t.Fatalf("rejected metric = %d, want 3", h.metrics.rejected)
	}
	if _, err := os.Lstat(filepath.Join(h.pub.SiteDir("alice"), "link")); !os.IsNotExist(err) {
		t.Fatal("symlink entry materialized")
	}
}

func TestUpload_MissingIndexWarns(t *testing.T) {
	h := newHarness(t, 50*mb, PolicyReject)
	res, err := h.upload(t, "alice", archivetest.Zip(t, F{Name: "about.html", Body: "x"}))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Path != "index.html" {
		t.Fatalf("warnings = %+v", res.Warnings)
	}
}

func TestUpload_DeclaredTooLarge(t *testing.T) {
	h := newHarness(t, 50*mb, PolicyReject)
	_, err := h.p.Upload(context.Background(), "alice", strings.NewReader("x"), 10*1024*mb)
	wantKind(t, err, xerrors.ArchiveTooLarge)
	if h.metrics.results[0] != string(xerrors.ArchiveTooLarge) {
		t.Fatalf("result label = %q", h.metrics.results[0])
	}
}

func TestUpload_BodyLargerThanLimit(t *testing.T) {
	h := newHarness(t, 50*mb, PolicyReject)
	h.p.maxUpload = 1024
	_, err := h.p.Upload(context.Background(), "alice", bytes.NewReader(make([]byte, 4096)), -1)
	wantKind(t, err, xerrors.ArchiveTooLarge)
	h.assertNoStaging(t, "alice")
}

func TestUpload_ExpandsBeyondQuota(t *testing.T) {
	// small on the wire, large once inflated
	h := newHarness(t, 64*1024, PolicyReject)
	data := archivetest.Zip(t,
		F{Name: "index.html", Body: "hi"},
		F{Name: "zeros.bin", Body: strings.Repeat("\x00", 1*mb)},
	)
	if int64(len(data)) >= 64*1024 {
		t.Fatalf("fixture should compress below quota, got %d bytes", len(data))
	}

	_, err := h.upload(t, "alice", data)
	wantKind(t, err, xerrors.ArchiveTooLarge)
	if h.usage(t, "alice") != 0 {
		t.Fatal("usage changed by failed upload")
	}
	h.assertNoStaging(t, "alice")
}

func TestUpload_FailureKeepsPreviousSite(t *testing.T) {
	h := newHarness(t, 50*mb, PolicyReject)
	if _, err := h.upload(t, "alice", archivetest.Zip(t, F{Name: "index.html", Body: "v1"})); err != nil {
		t.Fatalf("Upload v1: %v", err)
	}

	_, err := h.upload(t, "alice", []byte("definitely not an archive"))
	wantKind(t, err, xerrors.UnsupportedFormat)

	b, err := os.ReadFile(filepath.Join(h.pub.SiteDir("alice"), "index.html"))
	if err != nil || string(b) != "v1" {
		t.Fatalf("site = %q, %v; want v1", b, err)
	}
	if h.usage(t, "alice") != 2 {
		t.Fatalf("usage = %d, want 2", h.usage(t, "alice"))
	}
	h.assertNoStaging(t, "alice")
}

func TestUpload_ConcurrentSameUserRejected(t *testing.T) {
	h := newHarness(t, 50*mb, PolicyReject)
	release, err := h.p.Locks().Acquire(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	_, err = h.upload(t, "alice", archivetest.Zip(t, F{Name: "index.html", Body: "x"}))
	wantKind(t, err, xerrors.UploadInProgress)

	// other users are unaffected
	if _, err := h.upload(t, "bob", archivetest.Zip(t, F{Name: "index.html", Body: "x"})); err != nil {
		t.Fatalf("Upload bob: %v", err)
	}
}

func TestUpload_Cancelled(t *testing.T) {
	h := newHarness(t, 50*mb, PolicyBlock)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	data := archivetest.Zip(t, F{Name: "index.html", Body: "x"})
	if _, err := h.p.Upload(ctx, "alice", bytes.NewReader(data), int64(len(data))); err == nil {
		t.Fatal("expected error for cancelled upload")
	}
	h.assertNoStaging(t, "alice")
	if _, err := os.Stat(h.pub.SiteDir("alice")); !os.IsNotExist(err) {
		t.Fatal("cancelled upload created a site")
	}
}

// abortingReader fails after delivering part of the body, like a client
// that disconnects mid-upload.
type abortingReader struct {
	data []byte
	off  int
}

func (a *abortingReader) Read(p []byte) (int, error) {
	if a.off >= len(a.data)/2 {
		return 0, errors.New("connection reset by peer")
	}
	n := copy(p, a.data[a.off:len(a.data)/2])
	a.off += n
	return n, nil
}

func TestUpload_ClientDisconnect(t *testing.T) {
	h := newHarness(t, 50*mb, PolicyReject)
	data := archivetest.Zip(t, F{Name: "index.html", Body: strings.Repeat("x", 4096)})
	_, err := h.p.Upload(context.Background(), "alice", &abortingReader{data: data}, int64(len(data)))
	if err == nil {
		t.Fatal("expected error for aborted body")
	}
	h.assertNoStaging(t, "alice")

	// lock was released
	if _, err := h.upload(t, "alice", data); err != nil {
		t.Fatalf("Upload after abort: %v", err)
	}
}

func TestPublish_FromReaderAt(t *testing.T) {
	h := newHarness(t, 50*mb, PolicyReject)
	data := archivetest.TarGz(t, F{Name: "index.html", Body: "cli"})
	res, err := h.p.Publish(context.Background(), "carol", bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if res.DiskUsageBytes != 3 || res.SHA256 != "" {
		t.Fatalf("result = %+v", res)
	}
}

func TestDeleteAll(t *testing.T) {
	h := newHarness(t, 50*mb, PolicyReject)
	if _, err := h.upload(t, "alice", archivetest.Zip(t, F{Name: "index.html", Body: "hello"})); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := h.p.DeleteAll(context.Background(), "alice"); err != nil {
			t.Fatalf("DeleteAll #%d: %v", i, err)
		}
		info, err := h.p.Site(context.Background(), "alice")
		if err != nil {
			t.Fatalf("Site: %v", err)
		}
		if len(info.Files) != 0 || info.DiskUsageBytes != 0 {
			t.Fatalf("site after delete = %+v", info)
		}
		if h.usage(t, "alice") != 0 {
			t.Fatalf("usage = %d, want 0", h.usage(t, "alice"))
		}
	}
	h.assertNoStaging(t, "alice")
}

func TestDeleteAll_RespectsLock(t *testing.T) {
	h := newHarness(t, 50*mb, PolicyReject)
	release, _ := h.p.Locks().Acquire(context.Background(), "alice")
	defer release()
	wantKind(t, h.p.DeleteAll(context.Background(), "alice"), xerrors.UploadInProgress)
}

func TestSite(t *testing.T) {
	h := newHarness(t, 50*mb, PolicyReject)
	if _, err := h.upload(t, "alice", archivetest.Zip(t,
		F{Name: "z.html", Body: "zz"},
		F{Name: "index.html", Body: "iii"},
		F{Name: "a/b.css", Body: "b"},
	)); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	info, err := h.p.Site(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Site: %v", err)
	}
	if info.Username != "alice" || info.SiteURL != "/alice/" || info.DiskUsageBytes != 6 || info.QuotaBytes != 50*mb {
		t.Fatalf("info = %+v", info)
	}
	var paths []string
	for _, f := range info.Files {
		paths = append(paths, f.Path)
	}
	if strings.Join(paths, ",") != "a/b.css,index.html,z.html" {
		t.Fatalf("files = %v", paths)
	}
}

func TestSite_NoSite(t *testing.T) {
	h := newHarness(t, 50*mb, PolicyReject)
	info, err := h.p.Site(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Site: %v", err)
	}
	if len(info.Files) != 0 {
		t.Fatalf("files = %v", info.Files)
	}
}

func TestResultLabel(t *testing.T) {
	if ResultLabel(nil) != "ok" {
		t.Fatal("nil should be ok")
	}
	if ResultLabel(errors.New("x")) != "error" {
		t.Fatal("plain error should be error")
	}
	if ResultLabel(xerrors.NewKind(xerrors.QuotaExceeded, "x")) != "QuotaExceeded" {
		t.Fatal("kinded error should use kind")
	}
}
