// Package auth provides bearer-JWT authentication for the control-plane
// HTTP surface. Auth is opt-in: with no configured secret every request
// passes, which is the posture for in-cluster deployments behind mTLS
// termination.
package auth

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey string

const ctxKeyPrincipal ctxKey = "gatekeeper.principal"

// Principal is the authenticated caller extracted from a validated token.
type Principal struct {
	Subject string
	Roles   []string
}

// FromContext returns the Principal stored in the request context, or nil.
func FromContext(ctx context.Context) *Principal {
	if p, ok := ctx.Value(ctxKeyPrincipal).(*Principal); ok {
		return p
	}
	return nil
}

// HasRole reports whether the principal carries the role.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// NewMiddleware returns middleware that validates HS256 bearer tokens signed
// with secret. An empty secret disables enforcement.
func NewMiddleware(secret string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}

			authz := r.Header.Get("Authorization")
			if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				http.Error(w, "bearer token required", http.StatusUnauthorized)
				return
			}
			raw := strings.TrimSpace(authz[7:])

			var c claims
			token, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				log.Printf("[auth] token rejected: %v", err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			principal := &Principal{Subject: c.Subject, Roles: c.Roles}
			ctx := context.WithValue(r.Context(), ctxKeyPrincipal, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SignToken mints an HS256 token for the subject/roles. Used by operator
// tooling and tests.
func SignToken(secret, subject string, roles []string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: subject,
		},
	})
	return token.SignedString([]byte(secret))
}
