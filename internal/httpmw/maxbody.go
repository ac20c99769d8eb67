package httpmw

import "net/http"

// MaxBody caps the request body at n bytes. A declared Content-Length over
// the cap is refused with 413 before the handler runs; otherwise reads past
// the cap fail inside the handler. n <= 0 refuses any body.
func MaxBody(n int64) func(http.Handler) http.Handler {
	if n < 0 {
		n = 0
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > n {
				w.Header().Set("Connection", "close")
				http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}
