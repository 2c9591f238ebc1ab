package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestAccessTokenRoundTrip(t *testing.T) {
	s := NewJWTService(testSecret, time.Hour, time.Hour)

	token, err := s.GenerateAccessToken(Identity{Name: "alice", Type: "user", Workspaces: []string{"w"}})
	require.NoError(t, err)

	claims, err := s.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Name)
	assert.Equal(t, []string{"w"}, claims.Workspaces)
	assert.Equal(t, SubjectAccess, claims.Subject)
	assert.NotEmpty(t, claims.ID)
}

func TestSessionTokenIsScoped(t *testing.T) {
	s := NewJWTService(testSecret, time.Hour, time.Hour)

	token, err := s.GenerateSessionToken("s1", "w")
	require.NoError(t, err)

	claims, err := ParseToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "agent", claims.Type)
	assert.Equal(t, "s1", claims.SessionID)
	assert.Equal(t, SubjectSession, claims.Subject)
}

func TestValidateRejectsBadTokens(t *testing.T) {
	s := NewJWTService(testSecret, -time.Minute, time.Hour)

	expired, err := s.GenerateAccessToken(Identity{Name: "alice"})
	require.NoError(t, err)
	_, err = s.ValidateToken(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	other := NewJWTService("ffffffffffffffffffffffffffffffff", time.Hour, time.Hour)
	foreign, err := other.GenerateAccessToken(Identity{Name: "mallory"})
	require.NoError(t, err)
	_, err = s.ValidateToken(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.ValidateToken("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
