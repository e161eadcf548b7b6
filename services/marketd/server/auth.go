package server

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"gigvault/services/marketd/models"
)

type contextKey string

const contextKeyClaims contextKey = "marketd_claims"

// Claims identifies the caller of a request.
type Claims struct {
	Subject uuid.UUID
	Role    string
}

// AuthConfig configures bearer token verification. Exactly one of HMACSecret or
// RSAPublicKey selects the algorithm.
type AuthConfig struct {
	Issuer       string
	Audience     []string
	HMACSecret   []byte
	RSAPublicKey *rsa.PublicKey
	Leeway       time.Duration
	Now          func() time.Time
}

// LoadRSAPublicKey reads a PEM encoded RSA public key.
func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return nil, err
	}
	return jwt.ParseRSAPublicKeyFromPEM(data)
}

// Authenticator validates bearer tokens and attaches Claims to the request context.
type Authenticator struct {
	method jwt.SigningMethod
	key    interface{}
	cfg    AuthConfig
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	switch {
	case cfg.RSAPublicKey != nil:
		return &Authenticator{method: jwt.SigningMethodRS256, key: cfg.RSAPublicKey, cfg: cfg}, nil
	case len(cfg.HMACSecret) > 0:
		return &Authenticator{method: jwt.SigningMethodHS256, key: cfg.HMACSecret, cfg: cfg}, nil
	default:
		return nil, errors.New("auth: signing key required")
	}
}

// Verify parses and validates a raw token.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{a.method.Alg()}), jwt.WithExpirationRequired()}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(a.cfg.Leeway))
	}
	if a.cfg.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(a.cfg.Now))
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.key, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token validation failed")
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return nil, err
	}
	subject, err := uuid.Parse(strings.TrimSpace(sub))
	if err != nil {
		return nil, fmt.Errorf("token subject: %w", err)
	}
	if len(a.cfg.Audience) > 0 {
		aud, err := claims.GetAudience()
		if err != nil {
			return nil, err
		}
		if !audienceMatches(a.cfg.Audience, aud) {
			return nil, errors.New("token audience mismatch")
		}
	}
	role, _ := claims["role"].(string)
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case models.RoleClient, models.RoleFreelancer, models.RoleAdmin:
	default:
		return nil, fmt.Errorf("role %q is not permitted", role)
	}
	return &Claims{Subject: subject, Role: role}, nil
}

func audienceMatches(expected, actual []string) bool {
	for _, want := range expected {
		for _, got := range actual {
			if strings.EqualFold(want, got) {
				return true
			}
		}
	}
	return false
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			http.Error(w, "missing authorization", http.StatusUnauthorized)
			return
		}
		scheme, token, ok := strings.Cut(authz, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
			http.Error(w, "invalid authorization scheme", http.StatusUnauthorized)
			return
		}
		claims, err := a.Verify(strings.TrimSpace(token))
		if err != nil {
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext extracts the Claims attached by the authenticator.
func FromContext(ctx context.Context) (*Claims, error) {
	if claims, ok := ctx.Value(contextKeyClaims).(*Claims); ok && claims != nil {
		return claims, nil
	}
	return nil, errors.New("missing identity")
}

// RequireRole ensures the caller holds one of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			if err != nil {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				http.Error(w, "insufficient role", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
