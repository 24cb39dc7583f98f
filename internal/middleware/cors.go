package middleware

import (
	"net/http"
	"path"
	"strings"
)

// CORS allows the configured origins. An origin may be "*" or a path.Match
// pattern such as "https://*.vercel.app".
func CORS(origins []string) func(http.Handler) http.Handler {
	fallback := ""
	if len(origins) > 0 {
		fallback = origins[0]
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed := fallback
			if reqOrigin := r.Header.Get("Origin"); reqOrigin != "" && isAllowed(reqOrigin, origins) {
				allowed = reqOrigin
			}
			if allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isAllowed(reqOrigin string, origins []string) bool {
	for _, o := range origins {
		if o == "*" || strings.EqualFold(o, reqOrigin) {
			return true
		}
		if ok, _ := path.Match(o, reqOrigin); ok {
			return true
		}
	}
	return false
}
