//go:build !linux

package publish

import "errors"

var errExchangeUnsupported = errors.New("atomic exchange unsupported")

func exchange(_, _ string) error { return errExchangeUnsupported }
