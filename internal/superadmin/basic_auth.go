package superadmin

import (
	"crypto/subtle"
	"net/http"
	"os"
)

// withBasicAuth is an outer fence in front of the whole console. When the
// env pair is unset (local dev) it passes everything through; session auth
// still applies behind it either way.
func withBasicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		user := os.Getenv("SUPERADMIN_BASIC_AUTH_USER")
		pass := os.Getenv("SUPERADMIN_BASIC_AUTH_PASS")
		if user == "" || pass == "" {
			next.ServeHTTP(w, r)
			return
		}

		gotUser, gotPass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(gotUser), []byte(user)) != 1 ||
			subtle.ConstantTimeCompare([]byte(gotPass), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="superadmin"`)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("unauthorized\n"))
			return
		}

		next.ServeHTTP(w, r)
	})
}
