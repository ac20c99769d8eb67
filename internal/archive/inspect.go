package archive

import (
	"context"
	"io"

	"github.com/keithlinneman/linnemanlabs-pages/internal/xerrors"
)

// Limits bound what Inspect accepts before any byte is written to disk.
type Limits struct {
	// MaxEntries caps the number of entries of every kind.
	MaxEntries int
	// MaxBytes caps the sum of declared regular-file sizes.
	MaxBytes int64
}

// EntryInfo is the metadata of one entry as seen during inspection.
type EntryInfo struct {
	Name string
	Kind Kind
	Size int64
}

// Report is the result of a successful inspection.
type Report struct {
	Format     Format
	Entries    []EntryInfo
	TotalBytes int64
}

// Inspect identifies the container and enumerates its entries without
// extracting, failing fast when declared sizes or the entry count exceed lim.
// Declared sizes are trusted only here; extraction recounts real bytes.
func Inspect(ctx context.Context, ra io.ReaderAt, size int64, lim Limits) (*Report, error) {
	if lim.MaxEntries <= 0 || lim.MaxBytes < 0 {
		return nil, xerrors.Newf("invalid inspect limits: entries=%d bytes=%d", lim.MaxEntries, lim.MaxBytes)
	}

	it, format, err := Open(ContextReaderAt{Ctx: ctx, R: ra}, size,
		WithStreamLimit(StreamBudget(lim.MaxBytes, lim.MaxEntries)))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	if zi, ok := it.(*zipIterator); ok && zi.count() > lim.MaxEntries {
		return nil, tooManyEntries(lim.MaxEntries)
	}

	rep := &Report{Format: format}
	for {
		if err := ctx.Err(); err != nil {
			return nil, xerrors.Wrap(err, "inspect archive")
		}
		e, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		if len(rep.Entries) >= lim.MaxEntries {
			return nil, tooManyEntries(lim.MaxEntries)
		}
		if e.Kind == KindFile {
			if e.Size < 0 || e.Size > lim.MaxBytes-rep.TotalBytes {
				return nil, xerrors.NewKind(xerrors.ArchiveTooLarge,
					"archive expands beyond the %d byte limit", lim.MaxBytes)
			}
			rep.TotalBytes += e.Size
		}
		rep.Entries = append(rep.Entries, EntryInfo{Name: e.Name, Kind: e.Kind, Size: e.Size})
	}
	return rep, nil
}

func tooManyEntries(max int) error {
	return xerrors.NewKind(xerrors.ArchiveTooLarge, "archive has more than %d entries", max)
}
