// Package auth implements bearer-token authentication for the demo/admin
// HTTP surface: a chi-compatible middleware that validates an HS256 JWT and
// attaches the caller's principal and roles to the request context.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey string

const ctxKeyPrincipal ctxKey = "storeruntime.authPrincipal"

// Principal is the identity extracted from a validated bearer token.
type Principal struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the principal was granted role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// FromContext returns the Principal attached by Middleware, or ok=false if
// the request was never authenticated (e.g. auth is disabled).
func FromContext(ctx context.Context) (Principal, bool) {
	v, ok := ctx.Value(ctxKeyPrincipal).(Principal)
	return v, ok
}

// Verifier validates HS256 bearer tokens against a single shared secret.
// This is deliberately minimal next to a full OIDC/JWKS stack: the demo
// service has one trusted issuer and no key rotation story.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier constructs a Verifier. issuer, if non-empty, is checked
// against the token's iss claim.
func NewVerifier(secret []byte, issuer string) *Verifier {
	return &Verifier{secret: secret, issuer: issuer}
}

// Verify parses and validates tokenStr, returning the extracted Principal.
func (v *Verifier) Verify(tokenStr string) (Principal, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("auth: parse token: %w", err)
	}
	if !token.Valid {
		return Principal{}, errors.New("auth: invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, errors.New("auth: invalid claims")
	}

	if v.issuer != "" {
		iss, _ := claims.GetIssuer()
		if iss != v.issuer {
			return Principal{}, fmt.Errorf("auth: unexpected issuer %q", iss)
		}
	}

	sub, _ := claims.GetSubject()
	p := Principal{Subject: sub}
	switch roles := claims["roles"].(type) {
	case []interface{}:
		for _, r := range roles {
			if s, ok := r.(string); ok {
				p.Roles = append(p.Roles, s)
			}
		}
	case string:
		p.Roles = strings.Split(roles, ",")
	}
	return p, nil
}

// Middleware returns an HTTP middleware enforcing a valid bearer token on
// every request. Failures are logged (never including the token itself)
// and answered with 401.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			log.Printf("[auth] rejected request to %s: missing bearer token", r.URL.Path)
			http.Error(w, "bearer token required", http.StatusUnauthorized)
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])

		principal, err := v.Verify(tokenStr)
		if err != nil {
			log.Printf("[auth] rejected request to %s: %v", r.URL.Path, err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyPrincipal, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
