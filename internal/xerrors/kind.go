package xerrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure that is surfaced to API callers as structured data.
type Kind string

const (
	UnsupportedFormat Kind = "UnsupportedFormat"
	ArchiveTooLarge   Kind = "ArchiveTooLarge"
	QuotaExceeded     Kind = "QuotaExceeded"
	NoValidContent    Kind = "NoValidContent"
	UploadInProgress  Kind = "UploadInProgress"
	PublishFailed     Kind = "PublishFailed"
	InvalidArchive    Kind = "InvalidArchive"
)

type kinded struct {
	err  error
	kind Kind
}

func (k *kinded) Error() string     { return k.err.Error() }
func (k *kinded) Unwrap() error     { return k.err }
func (k *kinded) Kind() Kind        { return k.kind }
func (k *kinded) IsXerrorsWrapper() {}

// WithKind tags err with kind. The tag survives later Wrap/Wrapf calls.
func WithKind(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &kinded{err: err, kind: kind}
}

// NewKind returns a stacked error tagged with kind.
func NewKind(kind Kind, format string, args ...any) error {
	return &kinded{err: stack(fmt.Errorf(format, args...), 1), kind: kind}
}

// KindOf returns the outermost Kind tag in the chain of err.
func KindOf(err error) (Kind, bool) {
	var k interface{ Kind() Kind }
	if errors.As(err, &k) {
		return k.Kind(), true
	}
	return "", false
}

// IsKind reports whether err carries kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	got, ok := KindOf(err)
	return ok && got == kind
}

// Retryable reports whether a client may retry the same request unchanged.
func Retryable(kind Kind) bool {
	return kind == UploadInProgress || kind == PublishFailed
}
