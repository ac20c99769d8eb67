package sitehandler

import (
	"io/fs"
	"path"
	"strings"

	"github.com/keithlinneman/linnemanlabs-pages/internal/pathutil"
)

// resolvePath maps a request path within one site to a regular file in
// fsys. A directory requested without its trailing slash yields a
// site-relative redirect instead, so relative links in its index resolve.
func resolvePath(sitePath string, fsys fs.FS) (file string, redirectTo string, ok bool) {
	if strings.ContainsAny(sitePath, "\x00\\") || strings.Contains(sitePath, "..") ||
		pathutil.HasDotSegments(sitePath) {
		return "", "", false
	}

	dir := sitePath == "" || strings.HasSuffix(sitePath, "/")
	name := strings.TrimPrefix(path.Clean("/"+sitePath), "/")

	if dir {
		return lookup(fsys, path.Join(name, "index.html"))
	}
	if file, _, ok := lookup(fsys, name); ok {
		return file, "", true
	}
	if _, _, ok := lookup(fsys, path.Join(name, "index.html")); ok {
		return "", "/" + name + "/", true
	}
	return "", "", false
}

func lookup(fsys fs.FS, name string) (string, string, bool) {
	if !existsFile(fsys, name) {
		return "", "", false
	}
	return name, "", true
}

// existsFile reports whether name is a regular file in fsys.
func existsFile(fsys fs.FS, name string) bool {
	if !fs.ValidPath(name) || name == "." {
		return false
	}
	info, err := fs.Stat(fsys, name)
	return err == nil && info.Mode().IsRegular()
}
