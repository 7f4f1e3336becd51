package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

const (
	RoleUser  = "user"
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID string
	Role   string
	Email  string
}

func (id Identity) HasRole(roles ...string) bool {
	for _, r := range roles {
		if id.Role == r {
			return true
		}
	}
	return false
}

type ctxKey int

const (
	ctxKeyIdentity ctxKey = iota
	ctxKeyCredentialError
)

var (
	ErrMalformedAuthorization = errors.New("invalid Authorization header")
)

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKeyIdentity).(Identity)
	return id, ok && id.UserID != ""
}

// CredentialError reports why credentials presented with the request were
// rejected. It is nil for anonymous and authenticated requests.
func CredentialError(ctx context.Context) error {
	err, _ := ctx.Value(ctxKeyCredentialError).(error)
	return err
}

// UserID is a convenience for middlewares that only need the caller id.
func UserID(r *http.Request) string {
	id, _ := IdentityFromContext(r.Context())
	return id.UserID
}

type MiddlewareConfig struct {
	Secret string
	// TrustGatewayHeaders accepts X-User-Id / X-Role set by an upstream gateway
	// that already verified the token.
	TrustGatewayHeaders bool
}

// Middleware resolves the caller identity. Requests without credentials, or
// with credentials that fail verification, pass through anonymously so that
// the rate limiter still counts them; RequireRole answers the 401.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			if authHeader != "" {
				id, err := bearerIdentity(authHeader, cfg.Secret)
				if err != nil {
					ctx := context.WithValue(r.Context(), ctxKeyCredentialError, err)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
				return
			}

			if cfg.TrustGatewayHeaders {
				if userID := strings.TrimSpace(r.Header.Get("X-User-Id")); userID != "" {
					role := strings.TrimSpace(r.Header.Get("X-Role"))
					if role == "" {
						role = RoleUser
					}
					ctx := WithIdentity(r.Context(), Identity{UserID: userID, Role: role})
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerIdentity(header, secret string) (Identity, error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return Identity{}, ErrMalformedAuthorization
	}
	claims, err := ParseAndVerifyHS256(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")), secret)
	if errors.Is(err, ErrTokenExpired) {
		return Identity{}, ErrTokenExpired
	}
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	role := claims.Role
	if role == "" {
		role = RoleUser
	}
	return Identity{UserID: claims.Sub, Role: role, Email: claims.Email}, nil
}

// RequireRole rejects anonymous callers and rejected credentials with 401 and callers outside roles with 403.
// With no roles any authenticated caller passes.
func RequireRole(next http.Handler, roles ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		if !ok {
			if err := CredentialError(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		if len(roles) > 0 && !id.HasRole(roles...) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
