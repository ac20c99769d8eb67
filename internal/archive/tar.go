package archive

import (
	"archive/tar"
	"errors"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/keithlinneman/linnemanlabs-pages/internal/xerrors"
)

type tarGzIterator struct {
	gz *gzip.Reader
	tr *tar.Reader
}

func newTarGzIterator(r io.Reader, streamLimit int64) (*tarGzIterator, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, xerrors.WithKind(xerrors.Wrap(err, "open gzip"), xerrors.InvalidArchive)
	}
	var src io.Reader = gz
	if streamLimit > 0 {
		src = &limitReader{r: gz, remaining: streamLimit}
	}
	return &tarGzIterator{gz: gz, tr: tar.NewReader(src)}, nil
}

func (t *tarGzIterator) Next() (*Entry, error) {
	for {
		hdr, err := t.tr.Next()
		if err == io.EOF {
			return nil, io.EOF
		}
		// sanitization happens downstream, insecure names are still entries
		if err != nil && !(errors.Is(err, tar.ErrInsecurePath) && hdr != nil) {
			return nil, classifyStreamErr(err, "read tar header")
		}
		// global pax headers carry metadata for the whole archive, not a member
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		e := &Entry{
			Name: hdr.Name,
			Kind: tarKind(hdr.Typeflag),
			Size: hdr.Size,
			Mode: hdr.FileInfo().Mode(),
		}
		tr := t.tr
		e.open = func() (io.ReadCloser, error) {
			return io.NopCloser(&errReader{r: tr, name: hdr.Name}), nil
		}
		return e, nil
	}
}

func (t *tarGzIterator) Close() error { return t.gz.Close() }

func tarKind(flag byte) Kind {
	switch flag {
	case tar.TypeReg:
		return KindFile
	case tar.TypeDir:
		return KindDir
	case tar.TypeSymlink:
		return KindSymlink
	default:
		// hard links, devices, fifos, sparse and vendor types
		return KindOther
	}
}

// errReader tags body read failures so a corrupt stream surfaces as
// InvalidArchive instead of an opaque I/O error.
type errReader struct {
	r    io.Reader
	name string
}

func (e *errReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && err != io.EOF {
		err = classifyStreamErr(err, "read tar entry "+e.name)
	}
	return n, err
}

func classifyStreamErr(err error, msg string) error {
	if _, ok := xerrors.KindOf(err); ok {
		return err
	}
	if errors.Is(err, errStreamLimit) {
		return xerrors.WithKind(xerrors.Wrap(err, msg), xerrors.ArchiveTooLarge)
	}
	return xerrors.WithKind(xerrors.Wrap(err, msg), xerrors.InvalidArchive)
}
