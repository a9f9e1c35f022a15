package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/Underflow0/kid-bank/internal/apperr"
)

// Authenticator turns a bearer token into an Identity.
type Authenticator interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// ErrorWriter renders an authentication failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Middleware requires a valid "Authorization: Bearer" header and stores the
// caller in the request context.
func Middleware(a Authenticator, onError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				onError(w, r, apperr.Wrap(apperr.ErrUnauthorized, "missing bearer token"))
				return
			}
			id, err := a.Verify(r.Context(), token)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
