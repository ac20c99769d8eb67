package source

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keithlinneman/linnemanlabs-pages/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-pages/internal/xerrors"
)

type fakeS3 struct {
	objects map[string][]byte
	gotKey  string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.gotKey = aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	b, ok := f.objects[f.gotKey]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(b)),
		ContentLength: aws.Int64(int64(len(b))),
	}, nil
}

func writeTemp(t *testing.T, body []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "site.zip")
	if err := os.WriteFile(p, body, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

// Local

func TestOpen_Local(t *testing.T) {
	body := []byte("archive bytes")
	path := writeTemp(t, body)

	sp, err := Open(context.Background(), path, Options{ExpectedSHA256: cryptoutil.SHA256Hex(body)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sp.Close()

	if sp.Size != int64(len(body)) {
		t.Fatalf("Size = %d", sp.Size)
	}
	buf := make([]byte, len(body))
	if _, err := sp.File.ReadAt(buf, 0); err != nil || !bytes.Equal(buf, body) {
		t.Fatalf("ReadAt = %q, %v", buf, err)
	}
	sp.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatal("local source must not be removed on Close")
	}
}

func TestOpen_LocalChecksumMismatch(t *testing.T) {
	path := writeTemp(t, []byte("x"))
	_, err := Open(context.Background(), path, Options{ExpectedSHA256: cryptoutil.SHA256Hex([]byte("y"))})
	if err == nil {
		t.Fatal("expected checksum mismatch")
	}
}

func TestOpen_LocalTooLarge(t *testing.T) {
	path := writeTemp(t, make([]byte, 100))
	_, err := Open(context.Background(), path, Options{MaxBytes: 10})
	if !xerrors.IsKind(err, xerrors.ArchiveTooLarge) {
		t.Fatalf("err = %v, want ArchiveTooLarge", err)
	}
}

func TestOpen_LocalNotRegular(t *testing.T) {
	if _, err := Open(context.Background(), t.TempDir(), Options{}); err == nil {
		t.Fatal("expected error for directory")
	}
}

func TestOpen_LocalMissing(t *testing.T) {
	if _, err := Open(context.Background(), filepath.Join(t.TempDir(), "nope.zip"), Options{}); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// S3

func TestOpen_S3(t *testing.T) {
	body := []byte("remote archive")
	fake := &fakeS3{objects: map[string][]byte{"bucket/sites/alice.tar.gz": body}}
	tmpDir := t.TempDir()

	sp, err := Open(context.Background(), "s3://bucket/sites/alice.tar.gz", Options{
		S3:             fake,
		TempDir:        tmpDir,
		ExpectedSHA256: cryptoutil.SHA256Hex(body),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if sp.Size != int64(len(body)) || sp.SHA256 != cryptoutil.SHA256Hex(body) {
		t.Fatalf("spool = %+v", sp)
	}
	name := sp.File.Name()
	if err := sp.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(name); !os.IsNotExist(err) {
		t.Fatal("downloaded temp file not removed on Close")
	}
}

func TestOpen_S3TooLargeLeavesNoTemp(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{"b/k": make([]byte, 100)}}
	tmpDir := t.TempDir()
	_, err := Open(context.Background(), "s3://b/k", Options{S3: fake, TempDir: tmpDir, MaxBytes: 10})
	if !xerrors.IsKind(err, xerrors.ArchiveTooLarge) {
		t.Fatalf("err = %v, want ArchiveTooLarge", err)
	}
	entries, _ := os.ReadDir(tmpDir)
	if len(entries) != 0 {
		t.Fatalf("temp leftovers: %v", entries)
	}
}

func TestOpen_S3ChecksumMismatchLeavesNoTemp(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{"b/k": []byte("abc")}}
	tmpDir := t.TempDir()
	_, err := Open(context.Background(), "s3://b/k", Options{S3: fake, TempDir: tmpDir, ExpectedSHA256: "00"})
	if err == nil {
		t.Fatal("expected checksum mismatch")
	}
	entries, _ := os.ReadDir(tmpDir)
	if len(entries) != 0 {
		t.Fatalf("temp leftovers: %v", entries)
	}
}

func TestOpen_S3GetError(t *testing.T) {
	_, err := Open(context.Background(), "s3://b/missing", Options{S3: &fakeS3{}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestParseS3Ref(t *testing.T) {
	tests := []struct {
		ref, bucket, key string
		err              bool
	}{
		{"s3://b/k", "b", "k", false},
		{"s3://b/a/b/c.zip", "b", "a/b/c.zip", false},
		{"s3://b", "", "", true},
		{"s3://b/", "", "", true},
		{"s3:///k", "", "", true},
		{"/local/path", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			b, k, err := ParseS3Ref(tt.ref)
			if (err != nil) != tt.err {
				t.Fatalf("err = %v, want err=%v", err, tt.err)
			}
			if b != tt.bucket || k != tt.key {
				t.Fatalf("ParseS3Ref = %q, %q", b, k)
			}
		})
	}
}
