package ingest

import (
	"context"
	"io"
	"os"

	"github.com/keithlinneman/linnemanlabs-pages/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-pages/internal/xerrors"
)

// spooled is an upload body on local disk, ready for random access.
type spooled struct {
	f      *os.File
	size   int64
	sha256 string
}

func (s *spooled) close() {
	name := s.f.Name()
	s.f.Close()
	os.Remove(name)
}

// spool streams r into a new file at path, hashing as it goes. More than max
// bytes fails with ArchiveTooLarge. The file is removed on any error.
func spool(ctx context.Context, path string, r io.Reader, max int64) (_ *spooled, err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, xerrors.Wrap(err, "create upload spool")
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(path)
		}
	}()

	n, sum, err := cryptoutil.CopyWithHash(f, io.LimitReader(&ctxReader{ctx: ctx, r: r}, max+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(ctx.Err(), "upload aborted")
		}
		return nil, xerrors.Wrap(err, "read upload body")
	}
	if n > max {
		return nil, xerrors.NewKind(xerrors.ArchiveTooLarge, "upload exceeds the %d byte limit", max)
	}
	return &spooled{f: f, size: n, sha256: sum}, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
