// Package auth guards administrative and registration endpoints with the
// grid's shared registration secret.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/shehryarbajwa/grid-mini/pkg/models"
)

// Header carries the registration secret
const Header = "X-Registration-Secret"

// Matches compares a presented secret against the configured one in constant time
func Matches(configured, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}

// RequireSecret rejects requests whose secret header does not match secret.
// An empty secret disables the check.
func RequireSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" && !Matches(secret, r.Header.Get(Header)) {
				status, payload := models.WebDriverError(errors.Wrap(models.ErrUnauthorized, "registration secret mismatch"))
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(status)
				json.NewEncoder(w).Encode(payload)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
