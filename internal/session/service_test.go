package session

import (
	"testing"
	"time"

	"github.com/jaydenbeard/eko-relay/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := NewService("01234567890123456789012345678901")
	require.NoError(t, err)
	return s
}

func TestIssueAndValidateAccessToken(t *testing.T) {
	s := newTestService(t)
	user := model.UserID("alice")
	device := model.NewDeviceID()

	access, refresh, expiresAt, err := s.IssueTokens(user, device, []string{"user"})
	require.NoError(t, err)
	assert.NotEmpty(t, access)
	assert.NotEmpty(t, refresh)
	assert.WithinDuration(t, time.Now().Add(AccessTokenTTL), expiresAt, time.Second)

	claims, err := s.ValidateAccessToken(access)
	require.NoError(t, err)
	assert.Equal(t, user, claims.UserID)
	assert.Equal(t, device, claims.DeviceID)

	_, err = s.ValidateAccessToken(refresh)
	assert.ErrorIs(t, err, ErrWrongType)
}

func TestRefreshTokenValidatesAsRefreshType(t *testing.T) {
	s := newTestService(t)
	_, refresh, _, err := s.IssueTokens(model.UserID("bob"), model.NewDeviceID(), nil)
	require.NoError(t, err)

	claims, err := s.ValidateRefreshToken(refresh)
	require.NoError(t, err)
	assert.Equal(t, model.UserID("bob"), claims.UserID)
}

func TestRotateSecretKeepsPreviouslyIssuedTokensValid(t *testing.T) {
	s := newTestService(t)
	access, _, _, err := s.IssueTokens(model.UserID("carol"), model.NewDeviceID(), nil)
	require.NoError(t, err)

	s.RotateSecret("98765432109876543210987654321098")

	_, err = s.ValidateAccessToken(access)
	assert.NoError(t, err, "token signed with the previous secret must still validate during rotation")
}

func TestValidateAccessTokenRejectsGarbage(t *testing.T) {
	s := newTestService(t)
	_, err := s.ValidateAccessToken("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
