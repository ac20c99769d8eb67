// Package archivetest builds in-memory zip and tar.gz fixtures for tests.
package archivetest

import (
	"archive/tar"
	"bytes"
	"io/fs"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// File describes one fixture entry. A trailing "/" on Name makes a directory
// unless Mode says otherwise. Linkname makes a symlink.
type File struct {
	Name     string
	Body     string
	Mode     fs.FileMode
	Linkname string
	// Typeflag overrides the tar entry type, ignored for zip.
	Typeflag byte
	// Store writes the zip entry uncompressed, ignored for tar.
	Store bool
}

// Zip builds a zip archive holding files in order.
func Zip(t testing.TB, files ...File) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		hdr := &zip.FileHeader{Name: f.Name, Method: zip.Deflate}
		if f.Store {
			hdr.Method = zip.Store
		}
		mode := f.Mode
		switch {
		case f.Linkname != "":
			mode = fs.ModeSymlink | 0o777
		case mode == 0 && strings.HasSuffix(f.Name, "/"):
			mode = fs.ModeDir | 0o755
		case mode == 0:
			mode = 0o644
		}
		hdr.SetMode(mode)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			t.Fatalf("zip create %q: %v", f.Name, err)
		}
		body := f.Body
		if f.Linkname != "" {
			body = f.Linkname
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("zip write %q: %v", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

// TarGz builds a gzip-compressed tar archive holding files in order.
func TarGz(t testing.TB, files ...File) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for _, f := range files {
		hdr := &tar.Header{Name: f.Name, Mode: 0o644, Typeflag: f.Typeflag}
		switch {
		case hdr.Typeflag != 0:
		case f.Linkname != "":
			hdr.Typeflag = tar.TypeSymlink
		case strings.HasSuffix(f.Name, "/"):
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
		default:
			hdr.Typeflag = tar.TypeReg
		}
		hdr.Linkname = f.Linkname
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(f.Body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header %q: %v", f.Name, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(f.Body)); err != nil {
				t.Fatalf("tar write %q: %v", f.Name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

// Gzip compresses b.
func Gzip(t testing.TB, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(b); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}
