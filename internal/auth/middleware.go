package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// Middleware authenticates HTTP requests with a bearer token and stores the
// resulting Identity in the request context.
type Middleware struct {
	verifier Verifier
	log      logrus.FieldLogger
}

// NewMiddleware creates bearer-token middleware backed by verifier.
func NewMiddleware(verifier Verifier, log logrus.FieldLogger) *Middleware {
	return &Middleware{verifier: verifier, log: log}
}

// RequireIdentity rejects requests without a valid bearer token.
// A missing header is 401, an invalid token is 403.
func (m *Middleware) RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Access token required")
			return
		}

		id, err := m.verifier.Verify(r.Context(), token)
		if err != nil {
			m.log.WithError(err).WithField("path", r.URL.Path).Debug("Bearer token rejected")
			writeError(w, http.StatusForbidden, "Invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireAdmin rejects authenticated requests whose identity is not an admin.
// It must run after RequireIdentity.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok || !id.IsAdmin() {
			writeError(w, http.StatusForbidden, "Admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
