package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return raw
}

func TestVerifyToken(t *testing.T) {
	v, err := NewVerifier(Config{Secret: "s3cret", Issuer: "adops"})
	require.NoError(t, err)

	good := sign(t, "s3cret", jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "adops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	p, err := v.VerifyToken(good)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Subject)
	assert.False(t, p.Dev)

	cases := map[string]string{
		"wrong secret": sign(t, "other", jwt.RegisteredClaims{Subject: "alice", Issuer: "adops", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}),
		"wrong issuer": sign(t, "s3cret", jwt.RegisteredClaims{Subject: "alice", Issuer: "else", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}),
		"expired":      sign(t, "s3cret", jwt.RegisteredClaims{Subject: "alice", Issuer: "adops", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))}),
		"no expiry":    sign(t, "s3cret", jwt.RegisteredClaims{Subject: "alice", Issuer: "adops"}),
		"no subject":   sign(t, "s3cret", jwt.RegisteredClaims{Issuer: "adops", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}),
		"garbage":      "not.a.token",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.VerifyToken(raw)
			assert.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func TestDevHeaderOnlyWhenAllowed(t *testing.T) {
	strict, err := NewVerifier(Config{Secret: "s3cret"})
	require.NoError(t, err)
	dev, err := NewVerifier(Config{AllowDev: true})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(DevPrincipalHeader, "bob")

	_, err = strict.VerifyRequest(req)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	p, err := dev.VerifyRequest(req)
	require.NoError(t, err)
	assert.Equal(t, Principal{Subject: "bob", Dev: true}, p)
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier(Config{})
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	v, err := NewVerifier(Config{Secret: "s3cret"})
	require.NoError(t, err)

	var seen Principal
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, "s3cret", jwt.RegisteredClaims{
		Subject:   "carol",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "carol", seen.Subject)
}
