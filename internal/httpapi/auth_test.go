package httpapi

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestJWTAuthorizer_RoundTrip(t *testing.T) {
	a := NewJWTAuthorizer(testSecret, "graceline-admin", time.Hour)
	tok, err := a.Issue("mod-7", RoleModerator)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/admin/queue", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	who, err := a.Authorize(r)

	require.NoError(t, err)
	assert.Equal(t, "mod-7", who)
}

func TestJWTAuthorizer_QueryToken(t *testing.T) {
	a := NewJWTAuthorizer(testSecret, "graceline-admin", time.Hour)
	tok, err := a.Issue("mod-7", RoleAdmin)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/admin/queue/live?access_token="+tok, nil)
	who, err := a.Authorize(r)

	require.NoError(t, err)
	assert.Equal(t, "mod-7", who)
}

func TestJWTAuthorizer_Rejects(t *testing.T) {
	a := NewJWTAuthorizer(testSecret, "graceline-admin", time.Hour)

	sign := func(claims adminClaims, secret string) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return s
	}
	valid := func() adminClaims {
		return adminClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "mod-1",
				Issuer:    "graceline-admin",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			Role: RoleModerator,
		}
	}

	expired := valid()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	wrongIssuer := valid()
	wrongIssuer.Issuer = "someone-else"
	wrongRole := valid()
	wrongRole.Role = "member"
	noExpiry := valid()
	noExpiry.ExpiresAt = nil

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"wrong secret", sign(valid(), "ffffffffffffffffffffffffffffffff")},
		{"expired", sign(expired, testSecret)},
		{"wrong issuer", sign(wrongIssuer, testSecret)},
		{"wrong role", sign(wrongRole, testSecret)},
		{"no expiry", sign(noExpiry, testSecret)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/admin/queue", nil)
			if tt.token != "" {
				r.Header.Set("Authorization", "Bearer "+tt.token)
			}
			_, err := a.Authorize(r)
			assert.Error(t, err)
		})
	}
}

func TestJWTAuthorizer_IssueUnknownRole(t *testing.T) {
	a := NewJWTAuthorizer(testSecret, "graceline-admin", time.Hour)
	_, err := a.Issue("x", "member")
	assert.Error(t, err)
}

func TestStaticToken(t *testing.T) {
	s := StaticToken{Token: "secret"}

	r := httptest.NewRequest("GET", "/", nil)
	_, err := s.Authorize(r)
	assert.ErrorIs(t, err, ErrNoCredentials)

	r.Header.Set("Authorization", "Bearer nope")
	_, err = s.Authorize(r)
	assert.Error(t, err)

	r.Header.Set("Authorization", "Bearer secret")
	who, err := s.Authorize(r)
	require.NoError(t, err)
	assert.Equal(t, "operator", who)
}
