// Package sitehandler serves published user sites from disk.
package sitehandler

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
)

type Handler struct {
	opts Options
}

func New(opts *Options) (*Handler, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Handler{opts: *opts}, nil
}

// ServeSite serves sitePath from user's published site. The caller has
// already checked that user is a valid id.
func (h *Handler) ServeSite(w http.ResponseWriter, r *http.Request, user, sitePath string) {
	if !allowMethod(w, r) {
		return
	}

	// The root is opened per request so a publish swap is picked up by the
	// next request, and the open root refuses to follow anything out of it.
	root, err := os.OpenRoot(filepath.Join(h.opts.SitesDir, user))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			h.opts.Logger.Warn(r.Context(), "open site root failed", "user", user, "error", err.Error())
		}
		h.ServeNotFound(w, r, nil)
		return
	}
	defer root.Close()
	siteFS := root.FS()

	file, redirectTo, found := resolvePath(sitePath, siteFS)
	if redirectTo != "" {
		// use 308 redirect to keep method even though we only use GET/HEAD
		http.Redirect(w, r, "/"+user+redirectTo, http.StatusPermanentRedirect)
		return
	}
	if !found {
		h.ServeNotFound(w, r, siteFS)
		return
	}

	w.Header().Set("Content-Type", contentTypeForFile(file))
	if cc := cacheControlForFile(file, &h.opts); cc != "" {
		w.Header().Set("Cache-Control", cc)
	}
	http.ServeFileFS(w, r, siteFS, file)
}

// ServeIndex serves the embedded landing page for "/".
func (h *Handler) ServeIndex(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r) {
		return
	}
	if !existsFile(h.opts.FallbackFS, h.opts.FallbackIndexFile) {
		h.ServeNotFound(w, r, nil)
		return
	}
	w.Header().Set("Content-Type", contentTypeForFile(h.opts.FallbackIndexFile))
	w.Header().Set("Cache-Control", h.opts.HTMLCacheControl)
	http.ServeFileFS(w, r, h.opts.FallbackFS, h.opts.FallbackIndexFile)
}

// ServeNotFound writes a 404, themed by the site's own 404.html when siteFS
// has one.
func (h *Handler) ServeNotFound(w http.ResponseWriter, r *http.Request, siteFS fs.FS) {
	// avoid caching 404 responses
	w.Header().Set("Cache-Control", "no-store")

	if siteFS != nil && existsFile(siteFS, h.opts.Site404File) {
		serveFileWithStatus(w, r, http.StatusNotFound, siteFS, h.opts.Site404File)
		return
	}
	if existsFile(h.opts.FallbackFS, h.opts.Fallback404File) {
		serveFileWithStatus(w, r, http.StatusNotFound, h.opts.FallbackFS, h.opts.Fallback404File)
		return
	}

	// last resort: plain text
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("404 page not found"))
}

func allowMethod(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", "GET, HEAD")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusMethodNotAllowed)
	return false
}

// we want to serve a file but force an HTTP status code (404)
// but http.ServeFileFS writes a status code on its own so wrapping
// ResponseWriter and overriding the first WriteHeader call here
type statusOverrideWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusOverrideWriter) WriteHeader(code int) {
	if w.wroteHeader {
		w.ResponseWriter.WriteHeader(code)
		return
	}
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(w.status)
}

func serveFileWithStatus(w http.ResponseWriter, r *http.Request, status int, fsys fs.FS, name string) {
	w.Header().Set("Content-Type", contentTypeForFile(name))
	sw := &statusOverrideWriter{ResponseWriter: w, status: status}
	http.ServeFileFS(sw, r, fsys, name)
}
