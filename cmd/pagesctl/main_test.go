package main

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/keithlinneman/linnemanlabs-pages/internal/authn"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func ctl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), err
}

func writeZip(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "site.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_Usage(t *testing.T) {
	if _, err := ctl(t); err == nil {
		t.Fatal("expected error without a command")
	}
	if _, err := ctl(t, "bogus"); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("err = %v", err)
	}
	out, err := ctl(t, "help")
	if err != nil || !strings.Contains(out, "publish") {
		t.Fatalf("help: %q %v", out, err)
	}
}

func TestToken_RoundTrips(t *testing.T) {
	out, err := ctl(t, "token", "-jwt-secret", testSecret, "-user", "alice", "-ttl", "1h")
	if err != nil {
		t.Fatal(err)
	}
	ver, err := authn.NewVerifier([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	user, err := ver.Verify(strings.TrimSpace(out))
	if err != nil {
		t.Fatal(err)
	}
	if user != "alice" {
		t.Fatalf("user = %q", user)
	}
}

func TestToken_RequiresSecretAndUser(t *testing.T) {
	if _, err := ctl(t, "token", "-user", "alice"); err == nil {
		t.Fatal("expected error without a secret")
	}
	if _, err := ctl(t, "token", "-jwt-secret", testSecret); err == nil {
		t.Fatal("expected error without -user")
	}
	if _, err := ctl(t, "token", "-jwt-secret", testSecret, "-user", "../etc"); err == nil {
		t.Fatal("expected error for invalid user")
	}
}

func TestPublishUsageDelete(t *testing.T) {
	dataDir := t.TempDir()
	archive := writeZip(t, map[string]string{
		"index.html":   "<h1>hi</h1>",
		"css/site.css": "body{}",
	})

	out, err := ctl(t, "publish", "-data-dir", dataDir, "-user", "alice", archive)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	var res struct {
		Success bool   `json:"success"`
		SiteURL string `json:"site_url"`
		Files   int    `json:"files"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if !res.Success || res.SiteURL != "/alice/" || res.Files != 2 {
		t.Fatalf("result = %+v", res)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "sites", "alice", "css", "site.css")); err != nil {
		t.Fatalf("published file missing: %v", err)
	}

	out, err = ctl(t, "usage", "-data-dir", dataDir, "-user", "alice")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	var info struct {
		Username    string `json:"username"`
		LedgerBytes int64  `json:"ledger_bytes"`
		Files       []struct {
			Path string `json:"path"`
		} `json:"files"`
	}
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if info.Username != "alice" || len(info.Files) != 2 || info.LedgerBytes == 0 {
		t.Fatalf("info = %+v", info)
	}

	if _, err := ctl(t, "delete", "-data-dir", dataDir, "-user", "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(dataDir, "sites", "alice"))
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("site still has %d entries", len(entries))
	}
}

func TestPublish_DigestMismatch(t *testing.T) {
	archive := writeZip(t, map[string]string{"index.html": "x"})
	_, err := ctl(t, "publish", "-data-dir", t.TempDir(), "-user", "alice",
		"-sha256", strings.Repeat("0", 64), archive)
	if err == nil {
		t.Fatal("expected digest mismatch")
	}
}

func TestPublish_NeedsOneArchive(t *testing.T) {
	if _, err := ctl(t, "publish", "-data-dir", t.TempDir(), "-user", "alice"); err == nil {
		t.Fatal("expected error without an archive")
	}
}

func TestSweep_Empty(t *testing.T) {
	out, err := ctl(t, "sweep", "-data-dir", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "{\n  \"removed\": 0\n}" {
		t.Fatalf("out = %q", out)
	}
}
