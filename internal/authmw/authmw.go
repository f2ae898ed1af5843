// Package authmw provides optional bearer token authentication for the API.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const scheme = "bearer "

// BearerToken returns middleware that accepts a request when its
// Authorization header carries one of tokens. Empty tokens are ignored; with
// none left the middleware passes every request through, so deployments
// without an API token stay open. Comparison is constant time.
func BearerToken(tokens ...string) func(http.Handler) http.Handler {
	var accepted [][]byte
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			accepted = append(accepted, []byte(t))
		}
	}
	return func(next http.Handler) http.Handler {
		if len(accepted) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if len(auth) <= len(scheme) || !strings.EqualFold(auth[:len(scheme)], scheme) {
				deny(w, "missing or malformed authorization header")
				return
			}
			if !match(accepted, []byte(strings.TrimSpace(auth[len(scheme):]))) {
				deny(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// match compares got against every token so timing does not reveal which
// one matched.
func match(accepted [][]byte, got []byte) bool {
	ok := 0
	for _, want := range accepted {
		ok |= subtle.ConstantTimeCompare(got, want)
	}
	return ok == 1
}

func deny(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="oncall"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
