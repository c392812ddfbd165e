package httpadapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

const defaultRole = "viewer"

type principalContextKey struct{}

func principalFromContext(ctx context.Context) domain.Principal {
	if ctx == nil {
		return domain.AnonymousPrincipal()
	}
	principal, ok := ctx.Value(principalContextKey{}).(domain.Principal)
	if !ok {
		return domain.AnonymousPrincipal()
	}
	return principal
}

// Authenticator turns an HS256 bearer token into the caller principal. With
// no secret configured every caller is anonymous, and scoped routes are
// refused unless openScopes is set for local development.
type Authenticator struct {
	secret     []byte
	required   bool
	openScopes bool
}

func NewAuthenticator(secret string, required, openScopes bool) *Authenticator {
	return &Authenticator{
		secret:     []byte(strings.TrimSpace(secret)),
		required:   required,
		openScopes: openScopes,
	}
}

func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.authenticate(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope rejects callers whose token lacks scope.
func (a *Authenticator) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Enabled() {
				if !a.openScopes {
					writeError(w, r, domain.WrapError(domain.ErrForbidden, "require scope", fmt.Errorf("scope %s requires token auth", scope)))
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if !principalFromContext(r.Context()).HasScope(scope) {
				writeError(w, r, domain.WrapError(domain.ErrForbidden, "require scope", fmt.Errorf("missing scope %s", scope)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Authenticator) authenticate(header string) (domain.Principal, error) {
	token, ok := bearerToken(header)
	if !ok {
		if a.required {
			return domain.Principal{}, domain.WrapError(domain.ErrUnauthorized, "authenticate", errors.New("missing bearer token"))
		}
		return domain.AnonymousPrincipal(), nil
	}
	if !a.Enabled() {
		return domain.Principal{}, domain.WrapError(domain.ErrUnauthorized, "authenticate", errors.New("token auth is not configured"))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return domain.Principal{}, domain.WrapError(domain.ErrUnauthorized, "authenticate", fmt.Errorf("invalid token: %w", err))
	}

	subject, _ := claims.GetSubject()
	if strings.TrimSpace(subject) == "" {
		return domain.Principal{}, domain.WrapError(domain.ErrUnauthorized, "authenticate", errors.New("token has no subject"))
	}
	role, _ := claims["role"].(string)
	if role = strings.TrimSpace(role); role == "" {
		role = defaultRole
	}
	return domain.Principal{Subject: subject, Role: role, Scopes: scopesFromClaims(claims)}, nil
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	return token, token != ""
}

// scopesFromClaims accepts "scopes" as a list or "scope" as a space
// separated string.
func scopesFromClaims(claims jwt.MapClaims) []string {
	raw, ok := claims["scopes"]
	if !ok {
		raw = claims["scope"]
	}
	var out []string
	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case string:
		out = strings.Fields(v)
	}
	return out
}
