package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/osa-io/osa/internal/identity"
)

// TokenAuthenticator resolves a bearer token to a principal. Implemented
// by the service-token store.
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, token string) (*identity.Principal, error)
}

// TokenAuth resolves "Authorization: Bearer <token>" into the request's
// identity. Requests without a token proceed as Anonymous; requests with a
// bad token also proceed as Anonymous and let the policy kernel deny at
// the route, keeping valid and invalid tokens indistinguishable.
func TokenAuth(tokens TokenAuthenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				next.ServeHTTP(w, r)

				return
			}

			principal, err := tokens.Authenticate(r.Context(), token)
			if err != nil {
				logger.Warn("token authentication failed",
					slog.String("correlation_id", GetCorrelationID(r.Context())),
					slog.String("remote_addr", r.RemoteAddr),
				)

				next.ServeHTTP(w, r)

				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), principal)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")

	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}

	return token, true
}
