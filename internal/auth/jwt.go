// Package auth verifies caller identity tokens and derives the tenant
// context every downstream component keys on. Tokens are HS256 JWTs minted
// by the edge authorizer; this service only verifies, it never signs for
// request traffic.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haasonsaas/agentbridge/pkg/models"
)

var (
	// ErrMissingCredentials means no bearer token accompanied the request.
	ErrMissingCredentials = errors.New("missing credentials")
	// ErrInvalidToken covers bad signatures, expiry, and malformed claims.
	ErrInvalidToken = errors.New("invalid token")
)

// Verifier validates bearer tokens against the shared authorizer secret.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a token verifier. The secret must match the one the
// edge authorizer signs with.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Claims carries tenant identity inside the authorizer token.
type Claims struct {
	TenantID string   `json:"tenantid"`
	AppID    string   `json:"appid"`
	Tier     string   `json:"tier"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Verify parses and validates a bearer token and returns the tenant context
// embedded in it. A token without a tenant id is rejected even when the
// signature checks out.
func (v *Verifier) Verify(token string) (models.TenantContext, error) {
	var tc models.TenantContext
	if len(v.secret) == 0 {
		return tc, errors.New("verifier secret not configured")
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return tc, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return tc, ErrInvalidToken
	}
	if strings.TrimSpace(claims.TenantID) == "" {
		return tc, ErrInvalidToken
	}

	tc = models.TenantContext{
		TenantID: strings.TrimSpace(claims.TenantID),
		AppID:    strings.TrimSpace(claims.AppID),
		Tier:     models.ParseTier(claims.Tier),
		Subject:  strings.TrimSpace(claims.Subject),
		Roles:    claims.Roles,
	}
	return tc, nil
}

// Mint signs a token for the given context. Used by tests and the local
// development CLI; production tokens come from the edge authorizer.
func (v *Verifier) Mint(tc models.TenantContext, ttl time.Duration) (string, error) {
	claims := Claims{
		TenantID: tc.TenantID,
		AppID:    tc.AppID,
		Tier:     string(tc.Tier),
		Roles:    tc.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tc.Subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
