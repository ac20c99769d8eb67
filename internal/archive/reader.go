package archive

import (
	"context"
	"errors"
	"io"
)

var errStreamLimit = errors.New("decompressed stream exceeds limit")

// limitReader fails instead of returning a short read once remaining hits zero,
// so a bomb cannot pass for a clean EOF.
type limitReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		// probe for more data so an exact-size stream still ends cleanly
		var one [1]byte
		n, err := l.r.Read(one[:])
		if n > 0 {
			return 0, errStreamLimit
		}
		return 0, err
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}

// ContextReaderAt aborts reads once ctx is done. It lets a cancelled request
// stop a long decompression between reads.
type ContextReaderAt struct {
	Ctx context.Context
	R   io.ReaderAt
}

func (c ContextReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if err := c.Ctx.Err(); err != nil {
		return 0, err
	}
	return c.R.ReadAt(p, off)
}
