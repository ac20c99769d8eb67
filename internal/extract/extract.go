// Package extract materializes the accepted entries of an archive into a
// staging directory under a hard byte bound.
package extract

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/keithlinneman/linnemanlabs-pages/internal/archive"
	"github.com/keithlinneman/linnemanlabs-pages/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-pages/internal/xerrors"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Result summarizes what was written.
type Result struct {
	Files int
	Dirs  int
	// Bytes is the count of payload bytes actually written, independent of
	// any size an entry declared.
	Bytes int64
}

// Extract walks it and writes every entry the plan accepted below root,
// which must not exist yet. Writing stops with QuotaExceeded as soon as the
// real byte count would pass bound. On any error root is removed before
// Extract returns.
func Extract(ctx context.Context, it archive.Iterator, root string, plan *pathutil.Plan, bound int64) (res *Result, err error) {
	if plan == nil {
		return nil, xerrors.New("extract: nil plan")
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, xerrors.Wrap(err, "resolve staging root")
	}
	if err := os.Mkdir(root, dirPerm); err != nil {
		return nil, xerrors.Wrap(err, "create staging root")
	}
	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(root); rmErr != nil {
				err = errors.Join(err, xerrors.Wrap(rmErr, "remove staging root"))
			}
		}
	}()

	res = &Result{}
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return nil, xerrors.Wrap(err, "extract cancelled")
		}
		e, err := it.Next()
		if err == io.EOF {
			if i != len(plan.Decisions) {
				return nil, changedErr()
			}
			return res, nil
		}
		if err != nil {
			return nil, err
		}
		if i >= len(plan.Decisions) || plan.Decisions[i].Raw != e.Name || plan.Decisions[i].Kind != e.Kind {
			return nil, changedErr()
		}

		d := plan.Decisions[i]
		if !d.Accepted() {
			continue
		}
		target, err := within(root, d.Path)
		if err != nil {
			return nil, err
		}

		if d.Kind == archive.KindDir {
			if err := os.MkdirAll(target, dirPerm); err != nil {
				return nil, fsErr(err, d.Path)
			}
			res.Dirs++
			continue
		}

		n, err := writeFile(ctx, e, target, bound-res.Bytes)
		res.Bytes += n
		if err != nil {
			return nil, fsErr(err, d.Path)
		}
		res.Files++
	}
}

// writeFile copies at most limit bytes of the entry body to target.
func writeFile(ctx context.Context, e *archive.Entry, target string, limit int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return 0, err
	}
	body, err := e.Open()
	if err != nil {
		return 0, err
	}
	defer body.Close()

	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(f, io.LimitReader(&ctxReader{ctx: ctx, r: body}, limit+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	if n > limit {
		return n, xerrors.NewKind(xerrors.QuotaExceeded,
			"extracted content exceeds the size limit (%d bytes left for this entry)", limit)
	}
	return n, nil
}

// within joins a sanitized path to root and proves the result stays inside.
func within(root, rel string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(rel))
	if !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", xerrors.Newf("entry %q escapes staging root", rel)
	}
	return target, nil
}

func changedErr() error {
	return xerrors.NewKind(xerrors.InvalidArchive, "archive entries changed between inspection and extraction")
}

// fsErr classifies filesystem failures. Type collisions between entries are
// the archive's fault, anything else is ours.
func fsErr(err error, path string) error {
	if _, ok := xerrors.KindOf(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(err, "extract cancelled")
	}
	if errors.Is(err, syscall.ENOTDIR) || errors.Is(err, syscall.EISDIR) || errors.Is(err, syscall.EEXIST) {
		// the cause names absolute staging paths, keep it out of the message
		return xerrors.NewKind(xerrors.InvalidArchive, "entry %q conflicts with another entry", path)
	}
	return xerrors.Wrapf(err, "write entry %q", path)
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
