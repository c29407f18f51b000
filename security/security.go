// Package security provides the HTTP Read API's CORS handling.
package security

import "net/http"

// CORSMiddleware applies a permissive CORS policy: wildcard origin,
// GET/POST/OPTIONS. There is no per-client identity on this API, so there
// is nothing for credentialed CORS or CSRF tokens to protect — a wildcard
// Access-Control-Allow-Origin combined with Access-Control-Allow-Credentials
// is rejected by the Fetch standard anyway, so the two are mutually
// exclusive by construction.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
