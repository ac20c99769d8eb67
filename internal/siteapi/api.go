// Package siteapi is the authenticated JSON API a user drives their site
// with: inspect it, replace it with an uploaded archive, or delete it.
package siteapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-pages/internal/authn"
	"github.com/keithlinneman/linnemanlabs-pages/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-pages/internal/ingest"
	"github.com/keithlinneman/linnemanlabs-pages/internal/log"
	"github.com/keithlinneman/linnemanlabs-pages/internal/xerrors"
)

// FormField is the multipart field that carries the archive.
const FormField = "file"

// multipartOverhead is allowed on top of the archive cap for multipart
// boundaries and part headers.
const multipartOverhead = 64 << 10

// maxControlBody caps bodies on the routes that take none.
const maxControlBody = 1024

// Service is the pipeline surface the API drives.
type Service interface {
	Upload(ctx context.Context, user string, body io.Reader, declared int64) (*ingest.Result, error)
	DeleteAll(ctx context.Context, user string) error
	Site(ctx context.Context, user string) (*ingest.SiteInfo, error)
}

type Options struct {
	Logger   log.Logger
	Service  Service
	Verifier *authn.Verifier

	// MaxUploadBytes caps the archive body.
	MaxUploadBytes int64

	// UploadMiddleware wraps only the upload route (rate limiting).
	UploadMiddleware []func(http.Handler) http.Handler
}

type API struct {
	logger    log.Logger
	svc       Service
	verifier  *authn.Verifier
	maxUpload int64
	uploadMW  []func(http.Handler) http.Handler
}

func NewAPI(opts Options) (*API, error) {
	if opts.Service == nil || opts.Verifier == nil {
		return nil, xerrors.New("siteapi: service and verifier are required")
	}
	if opts.MaxUploadBytes <= 0 {
		return nil, xerrors.Newf("siteapi: max upload bytes must be positive, got %d", opts.MaxUploadBytes)
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &API{
		logger:    opts.Logger,
		svc:       opts.Service,
		verifier:  opts.Verifier,
		maxUpload: opts.MaxUploadBytes,
		uploadMW:  opts.UploadMiddleware,
	}, nil
}

// RegisterRoutes attaches the site API under /api/site.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/site", func(r chi.Router) {
		r.Use(authn.Middleware(api.verifier), httpmw.Scope("siteapi"))
		r.With(httpmw.MaxBody(maxControlBody)).Get("/", api.HandleSite)
		r.With(httpmw.MaxBody(maxControlBody)).Delete("/", api.HandleDelete)
		r.With(api.uploadMW...).Post("/upload", api.HandleUpload)
	})
}

// HandleSite returns the caller's site info.
func (api *API) HandleSite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, _ := authn.UserFrom(ctx)

	info, err := api.svc.Site(ctx, user)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// HandleDelete removes every file of the caller's site.
func (api *API) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, _ := authn.UserFrom(ctx)

	if err := api.svc.DeleteAll(ctx, user); err != nil {
		api.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// HandleUpload publishes the request's archive as the caller's site. The
// archive is the multipart "file" field or, for any other content type, the
// raw body.
func (api *API) HandleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, _ := authn.UserFrom(ctx)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	multipartBody := mediaType == "multipart/form-data"

	limit := api.maxUpload
	if multipartBody {
		limit += multipartOverhead
	}
	if r.ContentLength > limit {
		api.writeError(w, r, xerrors.NewKind(xerrors.ArchiveTooLarge,
			"upload of %d bytes exceeds the %d byte limit", r.ContentLength, api.maxUpload))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var (
		body     io.Reader = r.Body
		declared           = r.ContentLength
	)
	if multipartBody {
		part, err := filePart(r)
		if err != nil {
			api.writeError(w, r, err)
			return
		}
		defer part.Close()
		body, declared = part, -1
	}

	res, err := api.svc.Upload(ctx, user, body, declared)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func filePart(r *http.Request) (io.ReadCloser, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, badRequest(xerrors.Wrap(err, "read multipart body"))
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, badRequest(xerrors.Newf("multipart body has no %q field", FormField))
		}
		if err != nil {
			return nil, badRequest(xerrors.Wrap(err, "read multipart body"))
		}
		if part.FormName() == FormField {
			return part, nil
		}
		part.Close()
	}
}

type errorResponse struct {
	Error string      `json:"error"`
	Kind  xerrors.Kind `json:"kind,omitempty"`
}

// clientError marks an unkinded failure caused by the request itself.
type clientError struct{ error }

func (e clientError) Unwrap() error { return e.error }

func badRequest(err error) error { return clientError{err} }

// StatusFor maps a pipeline error to its HTTP status.
func StatusFor(err error) int {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return http.StatusRequestEntityTooLarge
	}
	if k, ok := xerrors.KindOf(err); ok {
		switch k {
		case xerrors.UnsupportedFormat:
			return http.StatusUnsupportedMediaType
		case xerrors.ArchiveTooLarge, xerrors.QuotaExceeded:
			return http.StatusRequestEntityTooLarge
		case xerrors.NoValidContent:
			return http.StatusUnprocessableEntity
		case xerrors.UploadInProgress:
			return http.StatusConflict
		case xerrors.PublishFailed:
			return http.StatusServiceUnavailable
		case xerrors.InvalidArchive:
			return http.StatusBadRequest
		}
	}
	var ce clientError
	if errors.As(err, &ce) {
		return http.StatusBadRequest
	}
	if errors.Is(err, context.Canceled) {
		// client went away; nobody reads the status
		return 499
	}
	return http.StatusInternalServerError
}

func retryAfter(status int) string {
	switch status {
	case http.StatusConflict:
		return "5"
	case http.StatusServiceUnavailable:
		return "30"
	}
	return ""
}

func (api *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	status := StatusFor(err)
	kind, _ := xerrors.KindOf(err)

	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		kind = xerrors.ArchiveTooLarge
	}

	resp := errorResponse{Error: err.Error(), Kind: kind}
	if status >= http.StatusInternalServerError {
		// internal messages carry filesystem paths
		resp.Error = http.StatusText(status)
		log.FromContext(ctx).Error(ctx, err, "site api request failed", "path", r.URL.Path, "status", status)
	} else {
		log.FromContext(ctx).Info(ctx, "site api request rejected",
			"path", r.URL.Path, "status", status, "kind", string(kind), "error", err.Error())
	}

	if ra := retryAfter(status); ra != "" {
		w.Header().Set("Retry-After", ra)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	b = append(b, '\n')
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
