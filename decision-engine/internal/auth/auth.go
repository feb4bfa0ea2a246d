// Package auth learns the acting principal of an API request from a bearer token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DevPrincipalHeader names the caller directly when the dev bypass is enabled.
const DevPrincipalHeader = "X-Local-Dev-Principal"

var ErrUnauthenticated = errors.New("authentication required")

type Principal struct {
	Subject string
	Dev     bool
}

type Config struct {
	Secret   string
	Issuer   string
	AllowDev bool
	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration
}

// Verifier accepts HS256 tokens signed with the shared secret and, in dev mode, a plain
// principal header.
type Verifier struct {
	secret   []byte
	allowDev bool
	parser   *jwt.Parser
}

func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.Secret == "" && !cfg.AllowDev {
		return nil, fmt.Errorf("jwt secret required unless dev principal is allowed")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Verifier{
		secret:   []byte(cfg.Secret),
		allowDev: cfg.AllowDev,
		parser:   jwt.NewParser(opts...),
	}, nil
}

// VerifyRequest resolves the principal of r from the dev header or the Authorization bearer.
func (v *Verifier) VerifyRequest(r *http.Request) (Principal, error) {
	if v.allowDev {
		if sub := strings.TrimSpace(r.Header.Get(DevPrincipalHeader)); sub != "" {
			return Principal{Subject: sub, Dev: true}, nil
		}
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return Principal{}, ErrUnauthenticated
	}
	return v.VerifyToken(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
}

func (v *Verifier) VerifyToken(raw string) (Principal, error) {
	if len(v.secret) == 0 {
		return Principal{}, fmt.Errorf("%w: token auth not configured", ErrUnauthenticated)
	}
	var claims jwt.RegisteredClaims
	token, err := v.parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !token.Valid {
		return Principal{}, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return Principal{Subject: claims.Subject}, nil
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Middleware rejects unauthenticated requests with 401 and stores the principal on the context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := v.VerifyRequest(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}
