package publish

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-pages/internal/xerrors"
)

// fakeLedger records commits and can be told to fail.
type fakeLedger struct {
	mu      sync.Mutex
	usage   map[string]int64
	commits int
	err     error
}

func newFakeLedger() *fakeLedger { return &fakeLedger{usage: map[string]int64{}} }

func (f *fakeLedger) Commit(_ context.Context, user string, n int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.commits++
	f.usage[user] = n
	return nil
}

func (f *fakeLedger) get(user string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage[user]
}

func newPublisher(t *testing.T) (*Publisher, *fakeLedger) {
	t.Helper()
	root := t.TempDir()
	led := newFakeLedger()
	p, err := New(Options{
		SitesDir:   filepath.Join(root, "sites"),
		StagingDir: filepath.Join(root, "staging"),
		Ledger:     led,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, led
}

// stage writes files into a new staging root and returns it.
func stage(t *testing.T, p *Publisher, user string, files map[string]string) string {
	t.Helper()
	_, root, err := p.NewUploadID(user)
	if err != nil {
		t.Fatalf("NewUploadID: %v", err)
	}
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, body := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestNew_Validates(t *testing.T) {
	if _, err := New(Options{StagingDir: t.TempDir(), Ledger: newFakeLedger()}); err == nil {
		t.Fatal("expected error without sites dir")
	}
	if _, err := New(Options{SitesDir: t.TempDir(), StagingDir: t.TempDir()}); err == nil {
		t.Fatal("expected error without ledger")
	}
}

func TestPromote_FirstPublish(t *testing.T) {
	p, led := newPublisher(t)
	staging := stage(t, p, "alice", map[string]string{
		"index.html": strings.Repeat("h", 100),
		"style.css":  strings.Repeat("s", 50),
	})

	size, err := p.Promote(context.Background(), "alice", staging)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if size != 150 {
		t.Fatalf("size = %d, want 150", size)
	}
	if led.get("alice") != 150 {
		t.Fatalf("committed = %d, want 150", led.get("alice"))
	}
	if _, err := os.Stat(filepath.Join(p.SiteDir("alice"), "index.html")); err != nil {
		t.Fatalf("index.html not published: %v", err)
	}
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Fatalf("staging still present: %v", err)
	}
}

func TestPromote_ReplacesWholesale(t *testing.T) {
	for _, mode := range []string{"exchange", "fallback"} {
		t.Run(mode, func(t *testing.T) {
			p, led := newPublisher(t)
			if mode == "fallback" {
				p.exchange = func(_, _ string) error { return errExchangeUnsupported }
			}
			ctx := context.Background()

			if _, err := p.Promote(ctx, "alice", stage(t, p, "alice", map[string]string{
				"old.html": "old", "index.html": "v1",
			})); err != nil {
				t.Fatalf("first Promote: %v", err)
			}
			if _, err := p.Promote(ctx, "alice", stage(t, p, "alice", map[string]string{
				"index.html": "v2!",
			})); err != nil {
				t.Fatalf("second Promote: %v", err)
			}

			files, err := ListFiles(p.SiteDir("alice"))
			if err != nil {
				t.Fatalf("ListFiles: %v", err)
			}
			if len(files) != 1 || files[0].Path != "index.html" || files[0].Size != 3 {
				t.Fatalf("files = %+v, want only index.html", files)
			}
			if led.get("alice") != 3 {
				t.Fatalf("committed = %d, want 3", led.get("alice"))
			}

			// no leftovers besides nothing at all
			left, _ := os.ReadDir(p.StagingDir("alice"))
			if len(left) != 0 {
				t.Fatalf("staging leftovers: %v", left)
			}
		})
	}
}

func TestPromote_ExchangeFailureKeepsOldSite(t *testing.T) {
	p, led := newPublisher(t)
	ctx := context.Background()
	if _, err := p.Promote(ctx, "alice", stage(t, p, "alice", map[string]string{"index.html": "v1"})); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	p.exchange = func(_, _ string) error { return errors.New("disk on fire") }
	staging := stage(t, p, "alice", map[string]string{"index.html": "v2"})
	_, err := p.Promote(ctx, "alice", staging)
	if !xerrors.IsKind(err, xerrors.PublishFailed) {
		t.Fatalf("err = %v, want PublishFailed", err)
	}

	b, err := os.ReadFile(filepath.Join(p.SiteDir("alice"), "index.html"))
	if err != nil || string(b) != "v1" {
		t.Fatalf("site content = %q, %v; want v1", b, err)
	}
	if led.get("alice") != 2 {
		t.Fatalf("committed = %d, want unchanged 2", led.get("alice"))
	}
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Fatalf("staging not cleaned after failure: %v", err)
	}
}

func TestPromote_LedgerFailure(t *testing.T) {
	p, led := newPublisher(t)
	led.err = errors.New("db down")
	staging := stage(t, p, "alice", map[string]string{"index.html": "x"})
	_, err := p.Promote(context.Background(), "alice", staging)
	if !xerrors.IsKind(err, xerrors.PublishFailed) {
		t.Fatalf("err = %v, want PublishFailed", err)
	}
	if _, err := os.Stat(p.SiteDir("alice")); !os.IsNotExist(err) {
		t.Fatalf("site must be taken down when usage was not recorded: %v", err)
	}
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Fatalf("staging not cleaned: %v", err)
	}
}

func TestPromote_LedgerFailureRestoresOldSite(t *testing.T) {
	for _, mode := range []string{"exchange", "fallback"} {
		t.Run(mode, func(t *testing.T) {
			p, led := newPublisher(t)
			if mode == "fallback" {
				p.exchange = func(_, _ string) error { return errExchangeUnsupported }
			}
			ctx := context.Background()
			if _, err := p.Promote(ctx, "alice", stage(t, p, "alice", map[string]string{"index.html": "v1"})); err != nil {
				t.Fatalf("Promote: %v", err)
			}

			led.err = errors.New("db down")
			staging := stage(t, p, "alice", map[string]string{"index.html": "version-two-much-longer"})
			if _, err := p.Promote(ctx, "alice", staging); !xerrors.IsKind(err, xerrors.PublishFailed) {
				t.Fatalf("err = %v, want PublishFailed", err)
			}

			b, err := os.ReadFile(filepath.Join(p.SiteDir("alice"), "index.html"))
			if err != nil || string(b) != "v1" {
				t.Fatalf("site content = %q, %v; want v1", b, err)
			}
			disk, err := DiskUsage(p.SiteDir("alice"))
			if err != nil {
				t.Fatal(err)
			}
			if led.get("alice") != disk {
				t.Fatalf("ledger = %d, disk = %d; want equal", led.get("alice"), disk)
			}
			left, _ := os.ReadDir(p.StagingDir("alice"))
			if len(left) != 0 {
				t.Fatalf("staging leftovers: %v", left)
			}
		})
	}
}

func TestPromote_Cancelled(t *testing.T) {
	p, _ := newPublisher(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	staging := stage(t, p, "alice", map[string]string{"index.html": "x"})
	if _, err := p.Promote(ctx, "alice", staging); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if _, err := os.Stat(p.SiteDir("alice")); !os.IsNotExist(err) {
		t.Fatal("cancelled promote must not publish")
	}
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Fatal("staging not cleaned after cancel")
	}
}

func TestDeleteAll(t *testing.T) {
	p, led := newPublisher(t)
	ctx := context.Background()
	if _, err := p.Promote(ctx, "alice", stage(t, p, "alice", map[string]string{"index.html": "hello", "a/b.css": "x"})); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := p.DeleteAll(ctx, "alice"); err != nil {
			t.Fatalf("DeleteAll #%d: %v", i, err)
		}
		entries, err := os.ReadDir(p.SiteDir("alice"))
		if err != nil {
			t.Fatalf("site dir: %v", err)
		}
		if len(entries) != 0 {
			t.Fatalf("site not empty after DeleteAll: %v", entries)
		}
		if led.get("alice") != 0 {
			t.Fatalf("usage = %d, want 0", led.get("alice"))
		}
	}
}

func TestDeleteAll_NoSiteYet(t *testing.T) {
	p, _ := newPublisher(t)
	if err := p.DeleteAll(context.Background(), "bob"); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
}

// Readers during repeated publishes must always see one complete version.
func TestPromote_ConcurrentReadersSeeWholeSites(t *testing.T) {
	p, _ := newPublisher(t)
	ctx := context.Background()

	version := func(v int) map[string]string {
		files := map[string]string{}
		for i := 0; i < 5; i++ {
			files[fmt.Sprintf("page%d.html", i)] = fmt.Sprintf("v%d", v)
		}
		return files
	}
	if _, err := p.Promote(ctx, "alice", stage(t, p, "alice", version(0))); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	var stop atomic.Bool
	var mixed, reads atomic.Int64
	var wg sync.WaitGroup
	site := p.SiteDir("alice")
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				// open the dir once and read all pages relative to that handle
				root, err := os.OpenRoot(site)
				if err != nil {
					continue
				}
				seen := map[string]bool{}
				for i := 0; i < 5; i++ {
					b, err := fs.ReadFile(root.FS(), fmt.Sprintf("page%d.html", i))
					if err == nil {
						seen[string(b)] = true
					}
				}
				root.Close()
				reads.Add(1)
				if len(seen) > 1 {
					mixed.Add(1)
				}
			}
		}()
	}

	for v := 1; v <= 30; v++ {
		if _, err := p.Promote(ctx, "alice", stage(t, p, "alice", version(v))); err != nil {
			t.Fatalf("Promote v%d: %v", v, err)
		}
	}
	time.Sleep(10 * time.Millisecond)
	stop.Store(true)
	wg.Wait()

	if mixed.Load() != 0 {
		t.Fatalf("%d of %d reads observed a mix of versions", mixed.Load(), reads.Load())
	}
}

func TestDiskUsageAndListFiles(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "b", "c"), 0o755)
	os.WriteFile(filepath.Join(dir, "z.txt"), []byte("12345"), 0o644)
	os.WriteFile(filepath.Join(dir, "b", "c", "a.txt"), []byte("12"), 0o644)
	os.WriteFile(filepath.Join(dir, "b", "x.txt"), nil, 0o644)

	n, err := DiskUsage(dir)
	if err != nil || n != 7 {
		t.Fatalf("DiskUsage = %d, %v; want 7", n, err)
	}

	files, err := ListFiles(dir)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	want := []FileInfo{{"b/c/a.txt", 2}, {"b/x.txt", 0}, {"z.txt", 5}}
	if fmt.Sprint(files) != fmt.Sprint(want) {
		t.Fatalf("files = %v, want %v", files, want)
	}
}

func TestDiskUsage_Missing(t *testing.T) {
	n, err := DiskUsage(filepath.Join(t.TempDir(), "nope"))
	if err != nil || n != 0 {
		t.Fatalf("DiskUsage = %d, %v; want 0, nil", n, err)
	}
	files, err := ListFiles(filepath.Join(t.TempDir(), "nope"))
	if err != nil || len(files) != 0 {
		t.Fatalf("ListFiles = %v, %v", files, err)
	}
}
