package service

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	tokens := NewTokenService("token-test-secret")

	tok, err := tokens.Issue("guru-7", "guru7@sekolah.sch.id", RoleProctor, false, time.Hour)
	require.NoError(t, err)

	claims, err := tokens.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "guru-7", claims.UserID)
	assert.Equal(t, RoleProctor, claims.Role)
	assert.False(t, claims.Anonymous)
}

func TestTokenRejections(t *testing.T) {
	tokens := NewTokenService("token-test-secret")

	expired, err := tokens.Issue("siswa-1", "", RoleTaker, false, -time.Minute)
	require.NoError(t, err)
	foreign, err := NewTokenService("other-secret").Issue("siswa-1", "", RoleTaker, false, time.Hour)
	require.NoError(t, err)
	noUser, err := tokens.Issue("", "", RoleTaker, false, time.Hour)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"user_id": "siswa-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"expired":     expired,
		"foreign key": foreign,
		"no user id":  noUser,
		"alg none":    none,
		"garbage":     strings.Repeat("x", 20),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := tokens.ValidateToken(tok)
			assert.Error(t, err)
		})
	}
}

func TestIssueAnonymous(t *testing.T) {
	tokens := NewTokenService("token-test-secret")

	claims, tok, err := tokens.IssueAnonymous()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(claims.UserID, "anon:"))

	parsed, err := tokens.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, claims.UserID, parsed.UserID)
	assert.True(t, parsed.Anonymous)
	assert.Equal(t, RoleTaker, parsed.Role)
}
