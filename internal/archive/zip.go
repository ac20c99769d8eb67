package archive

import (
	"io"
	"io/fs"
	"math"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/keithlinneman/linnemanlabs-pages/internal/xerrors"
)

type zipIterator struct {
	files []*zip.File
	next  int
}

func newZipIterator(ra io.ReaderAt, size int64) (*zipIterator, error) {
	zr, err := zip.NewReader(ra, size)
	// an insecure-path error still returns a usable reader, names are
	// sanitized downstream
	if err != nil && zr == nil {
		return nil, xerrors.WithKind(xerrors.Wrap(err, "open zip"), xerrors.InvalidArchive)
	}
	return &zipIterator{files: zr.File}, nil
}

// count is known up front from the central directory.
func (z *zipIterator) count() int { return len(z.files) }

func (z *zipIterator) Next() (*Entry, error) {
	if z.next >= len(z.files) {
		return nil, io.EOF
	}
	f := z.files[z.next]
	z.next++

	size := int64(math.MaxInt64)
	if f.UncompressedSize64 <= math.MaxInt64 {
		size = int64(f.UncompressedSize64)
	}

	e := &Entry{
		Name: f.Name,
		Kind: zipKind(f),
		Size: size,
		Mode: f.Mode(),
	}
	e.open = func() (io.ReadCloser, error) {
		rc, err := f.Open()
		if err != nil {
			return nil, xerrors.WithKind(xerrors.Wrapf(err, "open zip entry %q", f.Name), xerrors.InvalidArchive)
		}
		return &zipBody{ReadCloser: rc, name: f.Name}, nil
	}
	return e, nil
}

// zipBody tags body read failures (corrupt deflate data, checksum or size
// mismatches) as InvalidArchive, the same as tar bodies.
type zipBody struct {
	io.ReadCloser
	name string
}

func (b *zipBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		err = classifyStreamErr(err, "read zip entry "+b.name)
	}
	return n, err
}

func (z *zipIterator) Close() error { return nil }

func zipKind(f *zip.File) Kind {
	mode := f.Mode()
	switch {
	case mode&fs.ModeSymlink != 0:
		return KindSymlink
	case mode.IsDir() || strings.HasSuffix(f.Name, "/"):
		return KindDir
	case mode&(fs.ModeDevice|fs.ModeCharDevice|fs.ModeNamedPipe|fs.ModeSocket|fs.ModeIrregular) != 0:
		return KindOther
	default:
		return KindFile
	}
}
