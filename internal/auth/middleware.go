package auth

import (
	"context"
	"net/http"
	"strings"

	apperrors "github.com/fhirbridge/receiver/internal/errors"
)

type contextKey string

const claimsContextKey contextKey = "claims"

// Middleware enforces bearer-token validation when a Service is
// configured; a nil service disables enforcement.
func Middleware(service *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if service == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := apperrors.GetRequestID(r.Context())

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apperrors.WriteError(w, requestID, apperrors.Unauthorized("missing authorization header"))
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				apperrors.WriteError(w, requestID, apperrors.Unauthorized("invalid authorization header format"))
				return
			}

			claims, err := service.ValidateToken(parts[1])
			if err != nil {
				if err == ErrTokenExpired {
					apperrors.WriteError(w, requestID, apperrors.TokenExpired())
					return
				}
				apperrors.WriteError(w, requestID, apperrors.InvalidToken("invalid access token"))
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext returns the validated claims, or nil when
// enforcement is disabled.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	if !ok {
		return nil
	}
	return claims
}
