package devices

import (
	"context"
	"testing"
	"time"

	"github.com/jaydenbeard/eko-relay/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDevice_UnknownUserFails(t *testing.T) {
	store := NewMemoryStore()
	_, _, err := store.RegisterDevice(context.Background(), "ghost", "phone", []byte("id"), 1, nil, model.SignedPreKey{}, "1.2.3.4", "ua", time.Hour)
	assert.Error(t, err)
}

func TestTakePreKeyBundle_ConsumesOneAndExhausts(t *testing.T) {
	store := NewMemoryStore()
	store.EnsureUser("alice")
	ctx := context.Background()

	deviceID, _, err := store.RegisterDevice(ctx, "alice", "phone", []byte("idkey"), 42,
		[]model.PreKey{{KeyID: 1, PublicKey: []byte("pk1")}, {KeyID: 2, PublicKey: []byte("pk2")}},
		model.SignedPreKey{KeyID: 7, PublicKey: []byte("spk"), Signature: []byte("sig")},
		"1.2.3.4", "ua", time.Hour)
	require.NoError(t, err)

	bundle, err := store.TakePreKeyBundle(ctx, deviceID)
	require.NoError(t, err)
	require.NotNil(t, bundle)
	assert.Equal(t, uint32(1), bundle.PreKeyID)
	assert.Equal(t, uint32(7), bundle.SignedPreKeyID)

	bundle2, err := store.TakePreKeyBundle(ctx, deviceID)
	require.NoError(t, err)
	require.NotNil(t, bundle2)
	assert.Equal(t, uint32(2), bundle2.PreKeyID)

	exhausted, err := store.TakePreKeyBundle(ctx, deviceID)
	require.NoError(t, err)
	assert.Nil(t, exhausted, "prekey exhaustion must return nil, not an error")
}

func TestRotateRefreshToken_UserAgentMismatchIsSilent(t *testing.T) {
	store := NewMemoryStore()
	store.EnsureUser("alice")
	ctx := context.Background()

	_, token, err := store.RegisterDevice(ctx, "alice", "phone", []byte("idkey"), 1, nil,
		model.SignedPreKey{KeyID: 1, PublicKey: []byte("spk")}, "1.2.3.4", "chrome", time.Hour)
	require.NoError(t, err)

	_, ok, err := store.RotateRefreshToken(ctx, token, "1.2.3.4", "firefox", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "user-agent mismatch must be a silent rejection, not an error")

	newToken, ok, err := store.RotateRefreshToken(ctx, token, "1.2.3.4", "chrome", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEqual(t, token, newToken)
}

func TestLogoutCascades(t *testing.T) {
	store := NewMemoryStore()
	store.EnsureUser("alice")
	ctx := context.Background()

	deviceID, token, err := store.RegisterDevice(ctx, "alice", "phone", []byte("idkey"), 1,
		[]model.PreKey{{KeyID: 1, PublicKey: []byte("pk1")}},
		model.SignedPreKey{KeyID: 1, PublicKey: []byte("spk")}, "1.2.3.4", "ua", time.Hour)
	require.NoError(t, err)

	require.NoError(t, store.Logout(ctx, token))

	bundle, err := store.TakePreKeyBundle(ctx, deviceID)
	require.NoError(t, err)
	assert.Nil(t, bundle)

	_, found, err := store.DeviceOwner(ctx, deviceID)
	require.NoError(t, err)
	assert.False(t, found)
}
