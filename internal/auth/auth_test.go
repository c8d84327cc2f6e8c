package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventkeep/storeruntime/internal/auth"
)

func signToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(secret)
	require.NoError(t, err)
	return s
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	secret := []byte("test-secret")
	v := auth.NewVerifier(secret, "storeruntime")

	tok := signToken(t, secret, jwt.MapClaims{
		"sub":   "alice",
		"iss":   "storeruntime",
		"roles": []interface{}{"operator", "reader"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	p, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Subject)
	assert.True(t, p.HasRole("operator"))
	assert.False(t, p.HasRole("admin"))
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	secret := []byte("test-secret")
	v := auth.NewVerifier(secret, "storeruntime")

	tok := signToken(t, secret, jwt.MapClaims{
		"sub": "alice",
		"iss": "someone-else",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := v.Verify(tok)
	assert.Error(t, err)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v := auth.NewVerifier([]byte("real-secret"), "")
	tok := signToken(t, []byte("wrong-secret"), jwt.MapClaims{"sub": "alice"})

	_, err := v.Verify(tok)
	assert.Error(t, err)
}

func TestMiddlewareRejectsMissingBearer(t *testing.T) {
	v := auth.NewVerifier([]byte("secret"), "")
	called := false
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/streams/s1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareAttachesPrincipalOnSuccess(t *testing.T) {
	secret := []byte("secret")
	v := auth.NewVerifier(secret, "")
	tok := signToken(t, secret, jwt.MapClaims{"sub": "bob", "roles": "operator,reader"})

	var got auth.Principal
	var ok bool
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = auth.FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/streams/s1", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.True(t, ok)
	assert.Equal(t, "bob", got.Subject)
	assert.True(t, got.HasRole("operator"))
	assert.Equal(t, http.StatusOK, rec.Code)
}
