// Package sitehttp mounts per-user site serving on the public router.
package sitehttp

import (
	"io/fs"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-pages/internal/authn"
	"github.com/keithlinneman/linnemanlabs-pages/internal/httpmw"
)

// maxSiteBody caps request bodies on read-only site routes.
const maxSiteBody = 1024

// SiteServer is implemented by sitehandler.Handler.
type SiteServer interface {
	ServeSite(w http.ResponseWriter, r *http.Request, user, sitePath string)
	ServeIndex(w http.ResponseWriter, r *http.Request)
	ServeNotFound(w http.ResponseWriter, r *http.Request, siteFS fs.FS)
}

type Routes struct {
	Site SiteServer
}

func New(site SiteServer) *Routes {
	return &Routes{Site: site}
}

// RegisterRoutes should be passed LAST: "/{user}" is a catch-all for any
// first path segment that other registrars did not claim.
func (rt *Routes) RegisterRoutes(r chi.Router) {
	r.Get("/", rt.Site.ServeIndex)
	r.Head("/", rt.Site.ServeIndex)
	r.With(httpmw.MaxBody(maxSiteBody)).Handle("/{user}", http.HandlerFunc(rt.redirectToSite))
	r.With(httpmw.MaxBody(maxSiteBody), httpmw.SiteSecurityHeaders, httpmw.Scope("site")).Handle("/{user}/*", http.HandlerFunc(rt.serveSite))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		rt.Site.ServeNotFound(w, r, nil)
	})
}

// /{user} -> /{user}/ so relative links in the site's index resolve.
func (rt *Routes) redirectToSite(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	if !authn.ValidUser(user) {
		rt.Site.ServeNotFound(w, r, nil)
		return
	}
	http.Redirect(w, r, "/"+user+"/", http.StatusPermanentRedirect)
}

func (rt *Routes) serveSite(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	if !authn.ValidUser(user) {
		rt.Site.ServeNotFound(w, r, nil)
		return
	}
	rt.Site.ServeSite(w, r, user, "/"+chi.URLParam(r, "*"))
}
