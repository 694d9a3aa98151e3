package httpapi

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Admin roles accepted on the moderation surface.
const (
	RoleModerator = "moderator"
	RoleAdmin     = "admin"
)

// ErrNoCredentials is returned when a request carries no admin token.
var ErrNoCredentials = errors.New("httpapi: no credentials")

// Authorizer authenticates admin requests and returns the caller's id for
// logs. Identity management lives outside this service.
type Authorizer interface {
	Authorize(r *http.Request) (string, error)
}

// bearerToken reads the token from the Authorization header, or from the
// access_token query parameter for WebSocket upgrades, where browsers cannot
// set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("access_token")
}

// StaticToken accepts one shared secret. Intended for single-operator
// deployments and local development.
type StaticToken struct {
	Token string
}

// Authorize compares the bearer token in constant time.
func (s StaticToken) Authorize(r *http.Request) (string, error) {
	tok := bearerToken(r)
	if tok == "" || s.Token == "" {
		return "", ErrNoCredentials
	}
	if subtle.ConstantTimeCompare([]byte(tok), []byte(s.Token)) != 1 {
		return "", errors.New("httpapi: invalid token")
	}
	return "operator", nil
}

// JWTAuthorizer validates HS256 tokens carrying a moderator or admin role.
type JWTAuthorizer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewJWTAuthorizer creates a JWT authorizer. secret must be at least 32
// characters.
func NewJWTAuthorizer(secret, issuer string, ttl time.Duration) *JWTAuthorizer {
	return &JWTAuthorizer{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

type adminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Issue signs a token for subject with role.
func (a *JWTAuthorizer) Issue(subject, role string) (string, error) {
	if role != RoleModerator && role != RoleAdmin {
		return "", fmt.Errorf("httpapi: unknown role %q", role)
	}
	now := time.Now()
	claims := adminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("httpapi: sign token: %w", err)
	}
	return signed, nil
}

// Authorize validates the bearer token and returns its subject.
func (a *JWTAuthorizer) Authorize(r *http.Request) (string, error) {
	tok := bearerToken(r)
	if tok == "" {
		return "", ErrNoCredentials
	}

	token, err := jwt.ParseWithClaims(tok, &adminClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(a.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("httpapi: parse token: %w", err)
	}

	claims, ok := token.Claims.(*adminClaims)
	if !ok || !token.Valid {
		return "", errors.New("httpapi: invalid token claims")
	}
	if claims.Role != RoleModerator && claims.Role != RoleAdmin {
		return "", fmt.Errorf("httpapi: role %q may not moderate", claims.Role)
	}
	if claims.Subject == "" {
		return "", errors.New("httpapi: token has no subject")
	}
	return claims.Subject, nil
}
