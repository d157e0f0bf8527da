package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// publicPaths are served without a token.
var publicPaths = map[string]bool{
	"/":             true,
	"/health_check": true,
	"/metrics":      true,
}

// authMiddleware requires AuthToken on every non-public path. The token is
// taken from an "Authorization: Bearer" header or, for torrent clients that
// only accept a URL, from the "token" query parameter.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}

	want := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		got, ok := requestToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			s.logger.Debug("rejected unauthenticated request", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Bearer realm="hash2torrent"`)
			writePlain(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func requestToken(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.CutPrefix(auth, "Bearer ")
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, true
	}
	return "", false
}

func writePlain(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}
