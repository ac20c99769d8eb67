package sitehandler

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/keithlinneman/linnemanlabs-pages/internal/log"
)

var ErrInvalidOptions = errors.New("sitehandler: invalid options")

type Options struct {
	Logger log.Logger

	// SitesDir holds one published directory per user.
	SitesDir string

	// FallbackFS serves the landing page and the 404 page for users
	// without their own.
	FallbackFS fs.FS

	// file names inside the FS roots (relative path)
	// - FallbackIndexFile and Fallback404File are read from FallbackFS
	// - Site404File is read from the user's site
	FallbackIndexFile string // default: "index.html"
	Fallback404File   string // default: "404.html"
	Site404File       string // default: "404.html"

	// Cache policies applied by file extension. Sites are replaced wholesale
	// on every publish so nothing is immutable.
	HTMLCacheControl  string // default: "no-cache"
	AssetCacheControl string // default: "public, max-age=300"
	OtherCacheControl string // default: "public, max-age=60"
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.FallbackIndexFile == "" {
		o.FallbackIndexFile = "index.html"
	}
	if o.Fallback404File == "" {
		o.Fallback404File = "404.html"
	}
	if o.Site404File == "" {
		o.Site404File = "404.html"
	}
	if o.HTMLCacheControl == "" {
		o.HTMLCacheControl = "no-cache"
	}
	if o.AssetCacheControl == "" {
		o.AssetCacheControl = "public, max-age=300"
	}
	if o.OtherCacheControl == "" {
		o.OtherCacheControl = "public, max-age=60"
	}
}

func (o *Options) validate() error {
	if o.SitesDir == "" {
		return fmt.Errorf("%w: SitesDir is empty", ErrInvalidOptions)
	}
	if o.FallbackFS == nil {
		return fmt.Errorf("%w: FallbackFS is nil", ErrInvalidOptions)
	}
	// fail fast on boot if mispackaged
	if _, err := fs.Stat(o.FallbackFS, o.Fallback404File); err != nil {
		return fmt.Errorf("%w: missing %q in fallback FS: %v", ErrInvalidOptions, o.Fallback404File, err)
	}
	return nil
}
