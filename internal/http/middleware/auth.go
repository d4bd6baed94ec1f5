package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/salon-subscriptions/internal/http/respond"
	"github.com/wolfman30/salon-subscriptions/internal/identity"
	"github.com/wolfman30/salon-subscriptions/internal/users"
	"github.com/wolfman30/salon-subscriptions/pkg/logging"
)

// AuthConfig selects how identity-provider session tokens are verified. With a
// JWKS URL tokens must be RS256 signed by a published key; otherwise they are
// HS256 signed with Secret.
type AuthConfig struct {
	Secret  string
	Issuer  string
	JWKSURL string
}

// SessionClaims are the claims read from a session token. The subject is the
// provider's user id.
type SessionClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// CallerResolver maps a verified subject to the platform caller. The role
// always comes from the local users table, never from the token.
type CallerResolver interface {
	ResolveCaller(ctx context.Context, externalID, email string) (identity.Caller, error)
}

// Authenticate verifies the bearer token and stores the resolved caller in the
// request context.
func Authenticate(cfg AuthConfig, resolver CallerResolver, logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Secret == "" && cfg.JWKSURL == "" {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				respond.Error(w, http.StatusUnauthorized, "unauthorized", "auth not configured")
			})
		}
	}

	var jwks *JWKSSource
	if cfg.JWKSURL != "" {
		jwks = NewJWKSSource(cfg.JWKSURL)
	}
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
				respond.Error(w, http.StatusUnauthorized, "unauthorized", "missing authorization header")
				return
			}
			tokenString := strings.TrimPrefix(auth, "Bearer ")

			claims := &SessionClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
				if jwks != nil {
					if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
						return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
					}
					kid, _ := t.Header["kid"].(string)
					if kid == "" {
						return nil, errors.New("missing key id in token")
					}
					return jwks.Key(r.Context(), kid)
				}
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(cfg.Secret), nil
			}, opts...)
			if err != nil || !token.Valid || claims.Subject == "" {
				respond.Error(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}

			caller, err := resolver.ResolveCaller(r.Context(), claims.Subject, claims.Email)
			switch {
			case errors.Is(err, users.ErrNotFound):
				respond.Error(w, http.StatusUnauthorized, "unauthorized", "account deleted")
				return
			case err != nil:
				logger.Error("caller resolution failed", "error", err, "subject", claims.Subject)
				respond.Internal(w)
				return
			}
			if holder, ok := r.Context().Value(callerHolderKey{}).(*callerHolder); ok {
				holder.caller = caller
			}
			next.ServeHTTP(w, r.WithContext(identity.WithCaller(r.Context(), caller)))
		})
	}
}
