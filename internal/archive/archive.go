// Package archive detects upload container formats from content and exposes
// a format-agnostic iterator over their entries.
//
// Two containers are supported: zip (local header or empty central directory
// signature) and gzip-compressed tar. Filenames are never consulted.
package archive

import (
	"bytes"
	"io"
	"io/fs"

	"github.com/keithlinneman/linnemanlabs-pages/internal/xerrors"
)

// Format is a recognized container format.
type Format int

const (
	FormatUnknown Format = iota
	FormatZip
	FormatTarGz
)

func (f Format) String() string {
	switch f {
	case FormatZip:
		return "zip"
	case FormatTarGz:
		return "tar.gz"
	default:
		return "unknown"
	}
}

// Kind is the type of an archive entry.
type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindSymlink
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	default:
		return "other"
	}
}

// Entry is one record of an archive. For tar.gz the body returned by Open is
// only readable until the next call to Iterator.Next.
type Entry struct {
	Name string
	Kind Kind
	// Size is the declared uncompressed size. It is metadata and may lie.
	Size int64
	Mode fs.FileMode

	open func() (io.ReadCloser, error)
}

// Open returns the entry body. Directories and links have an empty body.
func (e *Entry) Open() (io.ReadCloser, error) {
	if e.open == nil || e.Kind != KindFile {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return e.open()
}

// Iterator walks archive entries in stored order. Next returns io.EOF after
// the last entry.
type Iterator interface {
	Next() (*Entry, error)
	Close() error
}

var (
	zipLocalMagic = []byte("PK\x03\x04")
	zipEmptyMagic = []byte("PK\x05\x06")
	gzipMagic     = []byte{0x1f, 0x8b}
)

// Sniff identifies the container format from its leading bytes.
func Sniff(r io.ReaderAt) (Format, error) {
	var head [4]byte
	n, err := r.ReadAt(head[:], 0)
	if err != nil && err != io.EOF {
		return FormatUnknown, xerrors.Wrap(err, "read archive header")
	}
	b := head[:n]
	switch {
	case bytes.HasPrefix(b, zipLocalMagic), bytes.HasPrefix(b, zipEmptyMagic):
		return FormatZip, nil
	case bytes.HasPrefix(b, gzipMagic):
		return FormatTarGz, nil
	}
	return FormatUnknown, xerrors.NewKind(xerrors.UnsupportedFormat,
		"unrecognized archive signature, upload a .zip or .tar.gz file")
}

type openConfig struct {
	streamLimit int64
}

// OpenOption tunes Open.
type OpenOption func(*openConfig)

// WithStreamLimit caps the decompressed bytes read from a tar.gz stream,
// headers and padding included. Reads past the cap fail with ArchiveTooLarge.
func WithStreamLimit(n int64) OpenOption {
	return func(c *openConfig) { c.streamLimit = n }
}

// StreamBudget is the decompressed stream cap for a payload bound and entry
// count: the payload plus worst-case tar header and padding overhead.
func StreamBudget(payload int64, entries int) int64 {
	const perEntry = 3 * 512 // header, long-name header, block padding
	return payload + int64(entries+1)*perEntry + 1<<20
}

// Open sniffs ra and returns an iterator for its entries.
func Open(ra io.ReaderAt, size int64, opts ...OpenOption) (Iterator, Format, error) {
	var c openConfig
	for _, o := range opts {
		o(&c)
	}

	format, err := Sniff(ra)
	if err != nil {
		return nil, format, err
	}

	switch format {
	case FormatZip:
		it, err := newZipIterator(ra, size)
		return it, format, err
	default:
		it, err := newTarGzIterator(io.NewSectionReader(ra, 0, size), c.streamLimit)
		return it, format, err
	}
}
