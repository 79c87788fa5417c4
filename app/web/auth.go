package web

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// authMiddleware enforces basic auth against the configured bcrypt hash.
// The user name is fixed, only the password is verified.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		if ok && user == "scriptd" {
			if err := bcrypt.CompareHashAndPassword([]byte(s.AuthHash), []byte(password)); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="scriptd"`)
		s.writeJSONError(w, http.StatusUnauthorized, "unauthorized")
	})
}
