// Package source resolves an archive reference for the operator CLI to a
// local, seekable file: a filesystem path or an s3://bucket/key object.
package source

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keithlinneman/linnemanlabs-pages/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-pages/internal/log"
	"github.com/keithlinneman/linnemanlabs-pages/internal/xerrors"
)

// ObjectGetter is the slice of the S3 client Open needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Options struct {
	Logger log.Logger

	// S3 client for s3:// refs. Built from the default AWS config when nil.
	S3        ObjectGetter
	AWSConfig *aws.Config

	// TempDir holds downloaded objects. Empty uses os.TempDir.
	TempDir string

	// MaxBytes rejects larger archives with ArchiveTooLarge. Zero disables.
	MaxBytes int64

	// ExpectedSHA256, when set, must match the archive's hex digest.
	ExpectedSHA256 string
}

// Spool is an opened archive. Close releases it and removes any download.
type Spool struct {
	File   *os.File
	Size   int64
	SHA256 string

	temp bool
}

func (s *Spool) Close() error {
	err := s.File.Close()
	if s.temp {
		if rmErr := os.Remove(s.File.Name()); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

// Open resolves ref to a local file and verifies size and digest.
func Open(ctx context.Context, ref string, opts Options) (*Spool, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if strings.HasPrefix(ref, "s3://") {
		return openS3(ctx, ref, opts)
	}
	return openLocal(ref, opts)
}

func openLocal(path string, opts Options) (_ *Spool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open archive %s", path)
	}
	defer func() {
		if err != nil {
			f.Close()
		}
	}()

	st, err := f.Stat()
	if err != nil {
		return nil, xerrors.Wrap(err, "stat archive")
	}
	if !st.Mode().IsRegular() {
		return nil, xerrors.Newf("%s is not a regular file", path)
	}
	if opts.MaxBytes > 0 && st.Size() > opts.MaxBytes {
		return nil, tooLarge(opts.MaxBytes)
	}

	n, sum, err := cryptoutil.CopyWithHash(io.Discard, f)
	if err != nil {
		return nil, xerrors.Wrap(err, "hash archive")
	}
	if err := verify(sum, opts.ExpectedSHA256); err != nil {
		return nil, err
	}
	return &Spool{File: f, Size: n, SHA256: sum}, nil
}

func openS3(ctx context.Context, ref string, opts Options) (_ *Spool, err error) {
	bucket, key, err := ParseS3Ref(ref)
	if err != nil {
		return nil, err
	}

	client := opts.S3
	if client == nil {
		var awsCfg aws.Config
		if opts.AWSConfig != nil {
			awsCfg = *opts.AWSConfig
		} else if awsCfg, err = config.LoadDefaultConfig(ctx); err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
		client = s3.NewFromConfig(awsCfg)
	}

	opts.Logger.Info(ctx, "downloading archive", "bucket", bucket, "key", key)
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object %s", ref)
	}
	defer out.Body.Close()

	if opts.MaxBytes > 0 && out.ContentLength != nil && *out.ContentLength > opts.MaxBytes {
		return nil, tooLarge(opts.MaxBytes)
	}

	tmp, err := os.CreateTemp(opts.TempDir, "pages-source-*")
	if err != nil {
		return nil, xerrors.Wrap(err, "create temp file")
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	var body io.Reader = out.Body
	if opts.MaxBytes > 0 {
		body = io.LimitReader(body, opts.MaxBytes+1)
	}
	n, sum, err := cryptoutil.CopyWithHash(tmp, body)
	if err != nil {
		return nil, xerrors.Wrap(err, "download archive")
	}
	if opts.MaxBytes > 0 && n > opts.MaxBytes {
		return nil, tooLarge(opts.MaxBytes)
	}
	if err := verify(sum, opts.ExpectedSHA256); err != nil {
		return nil, err
	}

	opts.Logger.Info(ctx, "downloaded archive", "bytes", n, "sha256", sum)
	return &Spool{File: tmp, Size: n, SHA256: sum, temp: true}, nil
}

// ParseS3Ref splits s3://bucket/key.
func ParseS3Ref(ref string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(ref, "s3://")
	if !ok {
		return "", "", xerrors.Newf("not an s3 reference: %q", ref)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", xerrors.Newf("s3 reference %q must be s3://bucket/key", ref)
	}
	return bucket, key, nil
}

func verify(actual, expected string) error {
	if expected == "" {
		return nil
	}
	if !cryptoutil.HashEqual(actual, strings.ToLower(strings.TrimSpace(expected))) {
		return xerrors.Newf("checksum mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}

func tooLarge(max int64) error {
	return xerrors.NewKind(xerrors.ArchiveTooLarge, "archive exceeds the %d byte limit", max)
}
